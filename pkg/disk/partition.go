// Package disk holds the read-only partition snapshot the orchestrator
// validates requests against, and the enumeration service that produces it.
package disk

import (
	"fmt"
	"strings"

	"github.com/letrecovery/recoverykit/internal/logging"
)

var log = logging.L("disk")

// Partition is one enumerated volume.
type Partition struct {
	Letter            string `json:"letter"`
	Label             string `json:"label"`
	TotalSizeMB       uint64 `json:"total_size_mb"`
	HasWindows        bool   `json:"has_windows"`
	IsSystemPartition bool   `json:"is_system_partition"`
}

func (p Partition) String() string {
	label := p.Label
	if label == "" {
		label = "-"
	}
	return fmt.Sprintf("%s [%s] %d MB", p.Letter, label, p.TotalSizeMB)
}

// SameLetter compares partition identifiers the way the platform does:
// case-insensitively and ignoring a trailing separator.
func SameLetter(a, b string) bool {
	norm := func(s string) string {
		return strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), `\/`))
	}
	return a != "" && b != "" && norm(a) == norm(b)
}

// DefaultSystemPartition picks the partition an install or backup should target
// when the user has not chosen one. Outside a recovery environment this is the
// partition flagged as the running system. Inside one, it is the only partition
// carrying a Windows installation; with zero or several candidates the choice is
// left to the user.
func DefaultSystemPartition(parts []Partition, inRecovery bool) (int, bool) {
	if !inRecovery {
		for i, p := range parts {
			if p.IsSystemPartition {
				return i, true
			}
		}
		return 0, false
	}

	found := -1
	for i, p := range parts {
		if !p.HasWindows {
			continue
		}
		if found >= 0 {
			return 0, false
		}
		found = i
	}
	if found < 0 {
		return 0, false
	}
	return found, true
}

// Snapshot is an immutable partition list taken at one point in time.
// Refreshing replaces the whole snapshot.
type Snapshot struct {
	parts      []Partition
	inRecovery bool
}

// NewSnapshot copies parts. When not running from a recovery environment at most
// one partition may be flagged as the system partition; extra flags are cleared.
func NewSnapshot(parts []Partition, inRecovery bool) *Snapshot {
	cp := make([]Partition, len(parts))
	copy(cp, parts)

	if !inRecovery {
		seen := false
		for i := range cp {
			if !cp[i].IsSystemPartition {
				continue
			}
			if seen {
				log.Warn("multiple_system_partitions", "letter", cp[i].Letter)
				cp[i].IsSystemPartition = false
				continue
			}
			seen = true
		}
	}
	return &Snapshot{parts: cp, inRecovery: inRecovery}
}

// Partitions returns a copy of the snapshot.
func (s *Snapshot) Partitions() []Partition {
	cp := make([]Partition, len(s.parts))
	copy(cp, s.parts)
	return cp
}

func (s *Snapshot) InRecoveryEnvironment() bool { return s.inRecovery }

// Find looks a partition up by letter.
func (s *Snapshot) Find(letter string) (Partition, bool) {
	for _, p := range s.parts {
		if SameLetter(p.Letter, letter) {
			return p, true
		}
	}
	return Partition{}, false
}

// CurrentSystem returns the partition running the current operating system.
// Inside a recovery environment there is none.
func (s *Snapshot) CurrentSystem() (Partition, bool) {
	if s.inRecovery {
		return Partition{}, false
	}
	for _, p := range s.parts {
		if p.IsSystemPartition {
			return p, true
		}
	}
	return Partition{}, false
}

// DefaultTarget applies DefaultSystemPartition to the snapshot.
func (s *Snapshot) DefaultTarget() (Partition, bool) {
	i, ok := DefaultSystemPartition(s.parts, s.inRecovery)
	if !ok {
		return Partition{}, false
	}
	return s.parts[i], true
}
