//go:build windows

package bootcfg

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/letrecovery/recoverykit/internal/logging"
	"github.com/letrecovery/recoverykit/pkg/errors"
)

var log = logging.L("bootcfg")

type bcd struct{}

// NewManager returns the bcdedit/bcdboot backed manager.
func NewManager() (Manager, error) {
	return bcd{}, nil
}

func run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		log.Error("command_failed", "command", name, "args", strings.Join(args, " "), "error", err, "output", strings.TrimSpace(string(out)))
		return string(out), fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (bcd) DetectFirmware(ctx context.Context) (Firmware, error) {
	out, err := run(ctx, "bcdedit.exe", "/enum", "{current}")
	if err != nil {
		return FirmwareAuto, errors.Wrap(err, "failed to read boot entry")
	}
	return FirmwareFromEnum(out), nil
}

func (bcd) RepairBoot(ctx context.Context, partition string, fw Firmware) error {
	windows := strings.TrimRight(partition, `\/`) + `\Windows`
	log.Info("repair_boot", "windows", windows, "firmware", fw.String())
	_, err := run(ctx, "bcdboot.exe", windows, "/f", bcdbootFirmware(fw))
	return errors.Wrap(err, "failed to repair boot files")
}

func (bcd) AddRecoveryEntry(ctx context.Context, e RecoveryEntry) (string, error) {
	// {ramdiskoptions} may already exist from an earlier run.
	run(ctx, "bcdedit.exe", "/create", "{ramdiskoptions}", "/d", "Ramdisk Options")

	out, err := run(ctx, "bcdedit.exe", "/create", "/d", e.Description, "/application", "osloader")
	if err != nil {
		return "", errors.Wrap(err, "failed to create boot entry")
	}
	id, err := ParseEntryID(out)
	if err != nil {
		return "", err
	}

	for _, args := range recoveryEntryCommands(e) {
		for i, a := range args {
			args[i] = strings.ReplaceAll(a, "{id}", id)
		}
		if _, err := run(ctx, "bcdedit.exe", args...); err != nil {
			run(ctx, "bcdedit.exe", "/delete", id, "/f")
			return "", errors.Wrap(err, "failed to configure boot entry")
		}
	}
	log.Info("recovery_entry_added", "id", id, "image", e.ImagePath)
	return id, nil
}

func (bcd) BootOnce(ctx context.Context, id string) error {
	_, err := run(ctx, "bcdedit.exe", "/bootsequence", id)
	return errors.Wrap(err, "failed to set one-time boot")
}

func (bcd) Reboot(ctx context.Context, delay time.Duration) error {
	_, err := run(ctx, "shutdown.exe", "/r", "/t", seconds(delay))
	return err
}

func (bcd) Shutdown(ctx context.Context, delay time.Duration) error {
	_, err := run(ctx, "shutdown.exe", "/s", "/t", seconds(delay))
	return err
}
