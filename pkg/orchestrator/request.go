package orchestrator

import (
	"fmt"
	"time"

	"github.com/letrecovery/recoverykit/pkg/bootcfg"
	"github.com/letrecovery/recoverykit/pkg/mode"
)

// Options are the boolean switches of an install or backup.
type Options struct {
	Format        bool             `json:"format"`
	RepairBoot    bool             `json:"repair_boot"`
	Unattended    bool             `json:"unattended"`
	ExportDrivers bool             `json:"export_drivers"`
	AutoReboot    bool             `json:"auto_reboot"`
	Incremental   bool             `json:"incremental"`
	BootMode      bootcfg.Firmware `json:"boot_mode"`
}

// DefaultInstallOptions matches what the installer pre-selects.
func DefaultInstallOptions() Options {
	return Options{
		Format:        true,
		RepairBoot:    true,
		Unattended:    true,
		ExportDrivers: true,
	}
}

// OperationRequest is an install or backup. It is not modified after Submit
// accepts it; the orchestrator works on the resolved copy Submit returns.
type OperationRequest struct {
	ID   string `json:"id"`
	Kind Kind   `json:"kind"`

	// Target is the partition installed to, or backed up.
	Target string `json:"target"`

	// Source is the image to install, or the WIM a backup writes. When an
	// install source is not on disk yet, SourceURL names where to fetch it.
	Source      string `json:"source"`
	SourceURL   string `json:"source_url,omitempty"`
	VolumeIndex int    `json:"volume_index,omitempty"`

	// Backup image metadata.
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	Options Options `json:"options"`

	// Recovery environment used when Mode is ViaRecoveryEnvironment.
	EnvironmentImage string `json:"environment_image,omitempty"`
	EnvironmentURL   string `json:"environment_url,omitempty"`

	Mode mode.ExecutionMode `json:"mode"`
}

const (
	backupNamePrefix   = "系统备份_"
	defaultDescription = "使用 LetRecovery 创建的系统备份"
)

// DefaultBackupName is the image name used when the user leaves it empty.
func DefaultBackupName(now time.Time) string {
	return backupNamePrefix + now.Format("20060102_150405")
}

// DefaultBackupDescription is the image description used when empty.
func DefaultBackupDescription() string {
	return defaultDescription
}

func (r OperationRequest) String() string {
	return fmt.Sprintf("%s %s target=%s source=%s mode=%s", r.Kind, r.ID, r.Target, r.Source, r.Mode)
}
