// Package imaging is the boundary to the platform's image servicing tool
// (DISM on Windows). The orchestrator only sees the Service interface.
package imaging

import (
	"context"

	"github.com/letrecovery/recoverykit/pkg/progress"
)

// Volume describes one installable image inside a WIM/ESD/ISO source.
type Volume struct {
	Index       int
	Name        string
	Description string
	SizeBytes   uint64
}

// ApplyOptions describes an image apply.
type ApplyOptions struct {
	ImagePath       string
	VolumeIndex     int
	TargetPartition string
}

// CaptureOptions describes a partition capture.
type CaptureOptions struct {
	SourcePartition string
	DestPath        string
	Name            string
	Description     string
	// Append adds a new index to an existing image instead of creating one.
	Append bool
}

// DriverScope selects whose drivers are exported: the running system, or an
// offline Windows installation rooted at WindowsRoot.
type DriverScope struct {
	Online      bool
	WindowsRoot string
}

// Service performs the imaging calls. Long calls report stage progress
// through report and never emit terminal events themselves.
type Service interface {
	// Inspect lists the volumes in an image file.
	Inspect(ctx context.Context, path string) ([]Volume, error)

	// Apply writes one volume of an image to a partition.
	Apply(ctx context.Context, opts ApplyOptions, report progress.Reporter) error

	// Capture images a partition into a file.
	Capture(ctx context.Context, opts CaptureOptions, report progress.Reporter) error

	// ExportDrivers copies third-party drivers to dest.
	ExportDrivers(ctx context.Context, scope DriverScope, dest string) error

	// AddDrivers injects the drivers below dir into an offline installation.
	AddDrivers(ctx context.Context, windowsRoot, dir string) error

	// ApplyUnattend applies an answer file to an offline installation.
	ApplyUnattend(ctx context.Context, windowsRoot, path string) error

	// Format quick-formats a partition as NTFS.
	Format(ctx context.Context, partition, label string) error
}
