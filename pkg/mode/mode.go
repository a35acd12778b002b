// Package mode decides whether an install or backup can run in place or must
// be handed to a bootable recovery environment.
package mode

import "github.com/letrecovery/recoverykit/pkg/disk"

// ExecutionMode is the path an imaging operation takes.
type ExecutionMode int

const (
	// Direct runs the operation from the current environment.
	Direct ExecutionMode = iota
	// ViaRecoveryEnvironment stages a recovery environment and hands the
	// request to it, because the target is the partition running the OS.
	ViaRecoveryEnvironment
)

func (m ExecutionMode) String() string {
	if m == ViaRecoveryEnvironment {
		return "via-recovery-environment"
	}
	return "direct"
}

// Resolve is evaluated on every target change and never cached.
// A recovery environment is already isolated, so it always runs Direct.
func Resolve(target, currentSystem string, inRecovery bool) ExecutionMode {
	if inRecovery {
		return Direct
	}
	if disk.SameLetter(target, currentSystem) {
		return ViaRecoveryEnvironment
	}
	return Direct
}
