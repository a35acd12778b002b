//go:build !windows

package disk

import "path/filepath"

// Volume labels are a Windows concept; elsewhere the mount's base name stands in.
func volumeLabel(mount string) string {
	if mount == "/" {
		return "root"
	}
	return filepath.Base(mount)
}
