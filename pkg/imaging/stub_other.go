//go:build !windows

package imaging

import (
	"context"
	"fmt"
	"runtime"

	"github.com/letrecovery/recoverykit/pkg/errors"
	"github.com/letrecovery/recoverykit/pkg/progress"
)

type stub struct{}

// NewService returns a service whose calls all fail: image servicing needs
// DISM.
func NewService() (Service, error) {
	return stub{}, nil
}

func unsupported() error {
	return fmt.Errorf("imaging on %s: %w", runtime.GOOS, errors.ErrNotSupported)
}

func (stub) Inspect(context.Context, string) ([]Volume, error) { return nil, unsupported() }

func (stub) Apply(context.Context, ApplyOptions, progress.Reporter) error { return unsupported() }

func (stub) Capture(context.Context, CaptureOptions, progress.Reporter) error {
	return unsupported()
}

func (stub) ExportDrivers(context.Context, DriverScope, string) error { return unsupported() }

func (stub) AddDrivers(context.Context, string, string) error { return unsupported() }

func (stub) ApplyUnattend(context.Context, string, string) error { return unsupported() }

func (stub) Format(context.Context, string, string) error { return unsupported() }
