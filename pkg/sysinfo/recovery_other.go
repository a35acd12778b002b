//go:build !windows

package sysinfo

// InRecoveryEnvironment is always false off Windows; use the recovery-env
// override to exercise recovery-environment behaviour.
func InRecoveryEnvironment() bool { return false }
