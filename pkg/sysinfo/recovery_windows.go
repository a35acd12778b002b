//go:build windows

package sysinfo

import (
	"os"
	"strings"

	"golang.org/x/sys/windows/registry"
)

// miniNTKey exists only when the running system is a WinPE image.
const miniNTKey = `SYSTEM\CurrentControlSet\Control\MiniNT`

// InRecoveryEnvironment reports whether the process runs inside WinPE.
func InRecoveryEnvironment() bool {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, miniNTKey, registry.QUERY_VALUE)
	if err == nil {
		k.Close()
		return true
	}
	return strings.EqualFold(os.Getenv("SystemDrive"), "X:")
}
