// Package options resolves hypervisor hardware options through the
// explicit → OS-preset → hard-default fallback chain (§6), validates each
// against its closed set, and computes the advisory-queue clamp.
package options

import "strings"

// Preset names an OS family bucket.
type Preset string

const (
	PresetWindows Preset = "windows"
	PresetLinux   Preset = "linux"
	PresetLegacy  Preset = "legacy"
	PresetDefault Preset = "default"
)

var windowsTokens = []string{"windows", "win7", "win8", "win10", "win11", "win"}
var legacyTokens = []string{"dos", "freedos", "win95", "win98", "winme", "bsd", "macos", "darwin", "osx"}
var linuxTokens = []string{
	"ubuntu", "debian", "fedora", "centos", "rhel", "rocky", "alma", "arch", "manjaro",
	"opensuse", "suse", "gentoo", "slackware", "mint", "pop_os", "elementary", "kali",
	"parrot", "nixos", "void", "alpine", "linux",
}

// DetectPreset maps an OS tag to a preset bucket via case-insensitive
// substring matching. Legacy tokens are checked before Windows ones, so
// "win98" maps to legacy while "windows" and "win10" map to windows.
func DetectPreset(os string) Preset {
	lower := strings.ToLower(os)
	// Legacy tokens are checked first: win95/98/me are more specific
	// exceptions carved out of the broader win* pattern below.
	for _, tok := range legacyTokens {
		if strings.Contains(lower, tok) {
			return PresetLegacy
		}
	}
	for _, tok := range windowsTokens {
		if strings.Contains(lower, tok) {
			return PresetWindows
		}
	}
	for _, tok := range linuxTokens {
		if strings.Contains(lower, tok) {
			return PresetLinux
		}
	}
	return PresetDefault
}

// PresetDefaults is the table of advisory defaults per preset (§6).
type PresetDefaults struct {
	DiskBus         string
	Cache           string
	NetworkModel    string
	AdvisoryQueues  int
	AdvisoryDisplay string
}

var presetTable = map[Preset]PresetDefaults{
	PresetWindows: {DiskBus: "virtio", Cache: "none", NetworkModel: "virtio-net-pci", AdvisoryQueues: 4, AdvisoryDisplay: "spice"},
	PresetLinux:   {DiskBus: "virtio", Cache: "writeback", NetworkModel: "virtio-net-pci", AdvisoryQueues: 2, AdvisoryDisplay: "spice"},
	PresetLegacy:  {DiskBus: "ide", Cache: "writethrough", NetworkModel: "e1000", AdvisoryQueues: 1, AdvisoryDisplay: "vnc"},
	PresetDefault: {DiskBus: "virtio", Cache: "writeback", NetworkModel: "virtio-net-pci", AdvisoryQueues: 2, AdvisoryDisplay: "spice"},
}

// DefaultsFor returns the advisory defaults for preset.
func DefaultsFor(p Preset) PresetDefaults {
	return presetTable[p]
}
