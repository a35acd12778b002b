package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/disk"
	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/imaging"
	"github.com/letrecovery/recoverykit/pkg/progress"
	"github.com/letrecovery/recoverykit/pkg/sysinfo"
)

// ToolAction is a one-shot maintenance task.
type ToolAction int

const (
	ToolRepairBoot ToolAction = iota
	ToolExportDrivers
	ToolReboot
	ToolShutdown
	ToolLaunch
)

// ToolsDirName is the bundled utilities directory below the data directory.
const ToolsDirName = "tools"

func (a ToolAction) String() string {
	switch a {
	case ToolRepairBoot:
		return "repair-boot"
	case ToolExportDrivers:
		return "export-drivers"
	case ToolReboot:
		return "reboot"
	case ToolShutdown:
		return "shutdown"
	case ToolLaunch:
		return "launch"
	default:
		return fmt.Sprintf("tool(%d)", int(a))
	}
}

// ToolRequest parameterizes a tool run.
type ToolRequest struct {
	Action   ToolAction
	Target   string
	BootMode bootcfg.Firmware
	// Dest overrides the driver export directory.
	Dest  string
	Delay time.Duration
	// Name is the bundled tool started by ToolLaunch.
	Name string
}

// BundledTools lists the programs in the tools directory.
func (o *ImagingOrchestrator) BundledTools() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(o.cfg.DataDir, ToolsDirName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tools")
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RunTool validates req and runs it as the tool kind. It returns the
// operation id.
func (o *ImagingOrchestrator) RunTool(req ToolRequest) (string, error) {
	resolved, err := o.resolveTool(req)
	id := uuid.NewString()
	if err != nil {
		if errors.IsValidation(err) {
			log.Warn("tool_validation_failed", "tool", req.Action.String(), "reason", err)
			o.registry.Reject(KindTool, id, err.Error())
		}
		return id, err
	}

	send, err := o.registry.Begin(KindTool, id)
	if err != nil {
		return id, err
	}
	log.Info("tool_started", "operation_id", id, "tool", resolved.Action.String(), "target", resolved.Target)

	go func() {
		defer send.Guard()
		p := &plan{send: send}
		p.add(resolved.Action.String(), 100, func(ctx context.Context, _ progress.Reporter) error {
			return o.runTool(ctx, resolved)
		})
		if err := p.run(o.ctx); err != nil {
			send.Send(progress.Failed(err.Error()))
			return
		}
		send.Send(progress.Completed())
	}()
	return id, nil
}

func (o *ImagingOrchestrator) resolveTool(req ToolRequest) (ToolRequest, error) {
	snap := o.partitions()
	inRecovery := snap != nil && snap.InRecoveryEnvironment()
	req.Target = strings.TrimSpace(req.Target)

	switch req.Action {
	case ToolRepairBoot:
		if req.Target == "" {
			if inRecovery {
				return req, errors.Invalid("target", "select the partition to repair")
			}
			req.Target = sysinfo.DefaultSystemDrive
			if snap != nil {
				if sys, ok := snap.CurrentSystem(); ok {
					req.Target = sys.Letter
				}
			}
		} else if snap != nil {
			if _, ok := snap.Find(req.Target); !ok {
				return req, errors.Invalid("target", fmt.Sprintf("partition %s not found", req.Target))
			}
		}
	case ToolExportDrivers:
		if req.Dest == "" {
			req.Dest = filepath.Join(o.cfg.DataDir, DriversDirName)
		}
		if inRecovery {
			if req.Target == "" {
				return req, errors.Invalid("target", "select the installation to export drivers from")
			}
			if p, ok := snap.Find(req.Target); !ok || !p.HasWindows {
				return req, errors.Invalid("target", fmt.Sprintf("no Windows installation on %s", req.Target))
			}
		} else if snap != nil {
			// The running system can only be exported online.
			if sys, ok := snap.CurrentSystem(); ok && disk.SameLetter(sys.Letter, req.Target) {
				req.Target = ""
			}
		}
	case ToolLaunch:
		name := strings.TrimSpace(req.Name)
		if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
			return req, errors.Invalid("name", fmt.Sprintf("invalid tool name %q", req.Name))
		}
		req.Name = name
		req.Target = filepath.Join(o.cfg.DataDir, ToolsDirName, name)
		if info, err := os.Stat(req.Target); err != nil || info.IsDir() {
			return req, errors.Invalid("name", fmt.Sprintf("tool %s not found", name))
		}
	case ToolReboot, ToolShutdown:
	default:
		return req, errors.Invalid("action", "unknown tool")
	}
	return req, nil
}

func (o *ImagingOrchestrator) runTool(ctx context.Context, req ToolRequest) error {
	switch req.Action {
	case ToolRepairBoot:
		return o.boot.RepairBoot(ctx, req.Target, req.BootMode)
	case ToolExportDrivers:
		if err := os.MkdirAll(req.Dest, 0755); err != nil {
			return errors.Wrap(err, "failed to create driver directory")
		}
		scope := imaging.DriverScope{Online: true}
		if req.Target != "" {
			scope = imaging.DriverScope{WindowsRoot: req.Target}
		}
		return o.service.ExportDrivers(ctx, scope, req.Dest)
	case ToolReboot:
		return o.boot.Reboot(ctx, req.Delay)
	case ToolShutdown:
		return o.boot.Shutdown(ctx, req.Delay)
	case ToolLaunch:
		path, args := launchCommand(req.Target)
		if err := o.cfg.Launcher(path, args); err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to start %s", req.Name))
		}
		return nil
	}
	return fmt.Errorf("unknown tool %d", int(req.Action))
}

// launchCommand returns how to start a bundled tool. Control panel applets
// open through control.exe.
func launchCommand(path string) (string, []string) {
	if strings.EqualFold(filepath.Ext(path), ".cpl") {
		return "control.exe", []string{path}
	}
	return path, nil
}
