// Package bootcfg edits the boot configuration: repairing boot files, adding
// a one-shot recovery environment entry, and scheduling restarts.
package bootcfg

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Firmware selects which boot files are written.
type Firmware int

const (
	FirmwareAuto Firmware = iota
	FirmwareUEFI
	FirmwareLegacy
)

func (f Firmware) String() string {
	switch f {
	case FirmwareUEFI:
		return "uefi"
	case FirmwareLegacy:
		return "legacy"
	default:
		return "auto"
	}
}

// ParseFirmware accepts auto, uefi and legacy (or bios).
func ParseFirmware(s string) (Firmware, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FirmwareAuto, nil
	case "uefi", "efi":
		return FirmwareUEFI, nil
	case "legacy", "bios":
		return FirmwareLegacy, nil
	}
	return FirmwareAuto, fmt.Errorf("unknown boot mode %q", s)
}

// bcdbootFirmware maps to bcdboot's /f argument.
func bcdbootFirmware(f Firmware) string {
	switch f {
	case FirmwareUEFI:
		return "UEFI"
	case FirmwareLegacy:
		return "BIOS"
	default:
		return "ALL"
	}
}

// RecoveryEntry describes the ramdisk entry that boots the recovery
// environment image.
type RecoveryEntry struct {
	Description string
	// ImagePath is the full path to the environment WIM, e.g. C:\LetRecovery\pe.wim.
	ImagePath string
	// SDIPath is the boot.sdi ramdisk template.
	SDIPath string
	UEFI    bool
}

// Manager edits boot configuration.
type Manager interface {
	// DetectFirmware reports how the running system booted.
	DetectFirmware(ctx context.Context) (Firmware, error)

	// RepairBoot rewrites the boot files for the Windows installation on partition.
	RepairBoot(ctx context.Context, partition string, fw Firmware) error

	// AddRecoveryEntry creates a ramdisk entry and returns its identifier.
	AddRecoveryEntry(ctx context.Context, entry RecoveryEntry) (string, error)

	// BootOnce makes the next restart, and only the next, use id.
	BootOnce(ctx context.Context, id string) error

	// Reboot restarts the machine after delay.
	Reboot(ctx context.Context, delay time.Duration) error

	// Shutdown powers off after delay.
	Shutdown(ctx context.Context, delay time.Duration) error
}

var guidRe = regexp.MustCompile(`\{[0-9a-fA-F-]{36}\}`)

// ParseEntryID pulls the new entry identifier out of `bcdedit /create` output.
func ParseEntryID(out string) (string, error) {
	id := guidRe.FindString(out)
	if id == "" {
		return "", fmt.Errorf("no entry identifier in bcdedit output: %s", strings.TrimSpace(out))
	}
	return id, nil
}

// FirmwareFromEnum reads `bcdedit /enum {current}` output: a boot loader
// path ending in .efi means the system booted through UEFI.
func FirmwareFromEnum(out string) Firmware {
	if strings.Contains(strings.ToLower(out), "winload.efi") {
		return FirmwareUEFI
	}
	return FirmwareLegacy
}

// splitDrive turns C:\dir\pe.wim into ("C:", `\dir\pe.wim`).
func splitDrive(path string) (string, string) {
	if len(path) >= 2 && path[1] == ':' {
		return strings.ToUpper(path[:2]), path[2:]
	}
	return "", path
}

// recoveryEntryCommands lists the bcdedit invocations, in order, that build
// a ramdisk entry. The literal {id} is replaced with the created entry.
func recoveryEntryCommands(e RecoveryEntry) [][]string {
	sdiDrive, sdiPath := splitDrive(e.SDIPath)
	wimDrive, wimPath := splitDrive(e.ImagePath)
	device := fmt.Sprintf("ramdisk=[%s]%s,{ramdiskoptions}", wimDrive, wimPath)

	loader := `\windows\system32\boot\winload.exe`
	if e.UEFI {
		loader = `\windows\system32\boot\winload.efi`
	}
	return [][]string{
		{"/set", "{ramdiskoptions}", "ramdisksdidevice", "partition=" + sdiDrive},
		{"/set", "{ramdiskoptions}", "ramdisksdipath", sdiPath},
		{"/set", "{id}", "device", device},
		{"/set", "{id}", "osdevice", device},
		{"/set", "{id}", "path", loader},
		{"/set", "{id}", "systemroot", `\windows`},
		{"/set", "{id}", "winpe", "yes"},
		{"/set", "{id}", "detecthal", "yes"},
		{"/displayorder", "{id}", "/addlast"},
	}
}

func seconds(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%d", int(d.Round(time.Second)/time.Second))
}
