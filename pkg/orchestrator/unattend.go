package orchestrator

import (
	"os"
	"path/filepath"

	"github.com/letrecovery/recoverykit/pkg/errors"
)

// unattendXML skips the license page and the online account prompts.
const unattendXML = `<?xml version="1.0" encoding="utf-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend">
  <settings pass="oobeSystem">
    <component name="Microsoft-Windows-Shell-Setup" processorArchitecture="amd64" publicKeyToken="31bf3856ad364e35" language="neutral" versionScope="nonSxS" xmlns:wcm="http://schemas.microsoft.com/WMIConfig/2002/State">
      <OOBE>
        <HideEULAPage>true</HideEULAPage>
        <HideOnlineAccountScreens>true</HideOnlineAccountScreens>
        <HideWirelessSetupInOOBE>true</HideWirelessSetupInOOBE>
        <ProtectYourPC>3</ProtectYourPC>
      </OOBE>
    </component>
  </settings>
</unattend>
`

func writeUnattend(dir, id string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create answer file directory")
	}
	path := filepath.Join(dir, id+".xml")
	if err := os.WriteFile(path, []byte(unattendXML), 0644); err != nil {
		return "", errors.Wrap(err, "failed to write answer file")
	}
	return path, nil
}
