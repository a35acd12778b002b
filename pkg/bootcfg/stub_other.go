//go:build !windows

package bootcfg

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/letrecovery/recoverykit/pkg/errors"
)

type stub struct{}

// NewManager returns a manager whose calls all fail.
func NewManager() (Manager, error) {
	return stub{}, nil
}

func unsupported() error {
	return fmt.Errorf("boot configuration on %s: %w", runtime.GOOS, errors.ErrNotSupported)
}

func (stub) DetectFirmware(context.Context) (Firmware, error) { return FirmwareAuto, unsupported() }

func (stub) RepairBoot(context.Context, string, Firmware) error { return unsupported() }

func (stub) AddRecoveryEntry(context.Context, RecoveryEntry) (string, error) {
	return "", unsupported()
}

func (stub) BootOnce(context.Context, string) error { return unsupported() }

func (stub) Reboot(context.Context, time.Duration) error { return unsupported() }

func (stub) Shutdown(context.Context, time.Duration) error { return unsupported() }
