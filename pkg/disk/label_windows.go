//go:build windows

package disk

import (
	"strings"

	"golang.org/x/sys/windows"
)

func volumeLabel(mount string) string {
	root := mount
	if !strings.HasSuffix(root, `\`) {
		root += `\`
	}
	rootPtr, err := windows.UTF16PtrFromString(root)
	if err != nil {
		return ""
	}

	var name [windows.MAX_PATH + 1]uint16
	if err := windows.GetVolumeInformation(rootPtr, &name[0], uint32(len(name)), nil, nil, nil, nil, 0); err != nil {
		log.Debug("volume_label_unavailable", "mount", mount, "error", err)
		return ""
	}
	return windows.UTF16ToString(name[:])
}
