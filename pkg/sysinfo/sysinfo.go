// Package sysinfo answers questions about the running environment: whether it
// is a recovery environment, which drive holds the system, and a short hardware
// summary for status output.
package sysinfo

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var log = logging.L("sysinfo")

// DefaultSystemDrive is used when the environment does not report one.
const DefaultSystemDrive = "C:"

// SystemDrive returns the drive the running OS booted from.
func SystemDrive() string {
	if d := strings.TrimSpace(os.Getenv("SystemDrive")); d != "" {
		return d
	}
	if runtime.GOOS != "windows" {
		return "/"
	}
	return DefaultSystemDrive
}

// DetectRecovery resolves the recovery-env override ("auto", "true", "false").
func DetectRecovery(override string) bool {
	switch strings.ToLower(strings.TrimSpace(override)) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	in := InRecoveryEnvironment()
	log.Info("recovery_environment_detected", "in_recovery", in)
	return in
}

// Summary is the hardware overview shown by the status command.
type Summary struct {
	Hostname      string
	Platform      string
	KernelVersion string
	CPUModel      string
	LogicalCores  int
	MemoryTotalMB uint64
	UptimeSeconds uint64
	InRecovery    bool
}

// Collect gathers a Summary. Individual probes that fail leave their fields empty.
func Collect(ctx context.Context, inRecovery bool) (*Summary, error) {
	s := &Summary{InRecovery: inRecovery}

	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read host info")
	}
	s.Hostname = hi.Hostname
	s.Platform = strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion)
	s.KernelVersion = hi.KernelVersion
	s.UptimeSeconds = hi.Uptime

	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		s.CPUModel = infos[0].ModelName
	} else if err != nil {
		log.Warn("cpu_info_unavailable", "error", err)
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		s.LogicalCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemoryTotalMB = vm.Total / 1024 / 1024
	} else {
		log.Warn("memory_info_unavailable", "error", err)
	}
	return s, nil
}
