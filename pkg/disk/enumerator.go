package disk

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/letrecovery/recoverykit/pkg/errors"
	gdisk "github.com/shirou/gopsutil/v3/disk"
)

// Enumerator lists the machine's partitions. It is called once at startup and
// again only on an explicit refresh.
type Enumerator interface {
	ListPartitions(ctx context.Context) ([]Partition, error)
}

// SystemEnumerator enumerates mounted volumes through gopsutil.
type SystemEnumerator struct {
	// systemRoot is the mount point of the running OS, e.g. "C:" or "/".
	systemRoot string
}

// NewSystemEnumerator uses the platform's system drive as the running-system marker.
func NewSystemEnumerator() *SystemEnumerator {
	root := "/"
	if runtime.GOOS == "windows" {
		root = os.Getenv("SystemDrive")
		if root == "" {
			root = "C:"
		}
	}
	return &SystemEnumerator{systemRoot: root}
}

func (e *SystemEnumerator) ListPartitions(ctx context.Context) ([]Partition, error) {
	log.Info("partition_enumeration_started", "system_root", e.systemRoot)

	stats, err := gdisk.PartitionsWithContext(ctx, false)
	if err != nil {
		log.Error("partition_enumeration_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list partitions")
	}

	parts := make([]Partition, 0, len(stats))
	for _, st := range stats {
		mount := st.Mountpoint
		if mount == "" {
			continue
		}

		var totalMB uint64
		if usage, err := gdisk.UsageWithContext(ctx, mount); err == nil {
			totalMB = usage.Total / 1024 / 1024
		} else {
			log.Warn("partition_usage_unavailable", "mount", mount, "error", err)
		}

		parts = append(parts, Partition{
			Letter:            mount,
			Label:             volumeLabel(mount),
			TotalSizeMB:       totalMB,
			HasWindows:        hasWindows(mount),
			IsSystemPartition: SameLetter(mount, e.systemRoot),
		})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].Letter < parts[j].Letter })

	log.Info("partition_enumeration_complete", "count", len(parts))
	return parts, nil
}

func hasWindows(mount string) bool {
	root := mount
	if filepath.VolumeName(root) == root {
		root += `\`
	}
	info, err := os.Stat(filepath.Join(root, "Windows", "System32"))
	return err == nil && info.IsDir()
}

// StaticEnumerator returns a fixed list. Used when partitions come from a
// saved snapshot and in tests.
type StaticEnumerator []Partition

func (s StaticEnumerator) ListPartitions(context.Context) ([]Partition, error) {
	cp := make([]Partition, len(s))
	copy(cp, s)
	return cp, nil
}
