package iso

import (
	"bytes"
	"fmt"

	"github.com/infinibay/infinization/internal/options"
)

// BuildLayout produces the ISO entry set for an unattended install, given
// the already-rendered answer file content and OS preset. Windows installs
// place a single autounattend.xml at the root; Linux cloud-init-style
// installs place meta-data/user-data under /cidata, the path cloud-init's
// NoCloud datasource scans for regardless of install media.
func BuildLayout(preset options.Preset, answerFileContent []byte) []Entry {
	switch preset {
	case options.PresetWindows:
		return []Entry{
			{Path: "/autounattend.xml", Reader: bytes.NewReader(answerFileContent)},
		}
	default:
		return []Entry{
			{Path: "/cidata/user-data", Reader: bytes.NewReader(answerFileContent)},
			{Path: "/cidata/meta-data", Reader: bytes.NewReader(nil)},
		}
	}
}

// VolumeLabel returns the volume identifier Author should stamp, matched
// to what each install tooling expects to find: cloud-init's NoCloud
// datasource requires the literal label "cidata".
func VolumeLabel(preset options.Preset) string {
	if preset == options.PresetWindows {
		return "UNATTEND"
	}
	return "cidata"
}

// DefaultAnswerFile renders a minimal answer file when the caller supplied
// none, so unattended mode still produces bootable media instead of
// failing outright.
func DefaultAnswerFile(preset options.Preset, hostname string) []byte {
	if preset == options.PresetWindows {
		return []byte(fmt.Sprintf(minimalAutounattend, hostname))
	}
	return []byte(fmt.Sprintf(minimalCloudInit, hostname))
}

const minimalAutounattend = `<?xml version="1.0" encoding="UTF-8"?>
<unattend xmlns="urn:schemas-microsoft-com:unattend">
  <settings pass="specialize">
    <component name="Microsoft-Windows-Shell-Setup">
      <ComputerName>%s</ComputerName>
    </component>
  </settings>
</unattend>
`

const minimalCloudInit = `#cloud-config
hostname: %s
`
