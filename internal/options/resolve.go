package options

import (
	"log/slog"
	"os"
	"strings"
)

var validMachineTypes = map[string]bool{"q35": true, "pc": true}
var validDiskBuses = map[string]bool{"virtio": true, "scsi": true, "ide": true, "sata": true}
var validCaches = map[string]bool{"writeback": true, "writethrough": true, "none": true, "unsafe": true}
var validNetworkModels = map[string]bool{"virtio-net-pci": true, "e1000": true}

const (
	defaultMachineType  = "q35"
	defaultDiskBus      = "virtio"
	defaultCache        = "writeback"
	defaultNetworkModel = "virtio-net-pci"
)

// Explicit carries the operator-supplied option values from VM creation;
// empty-string/nil fields mean "not specified" and fall through the chain.
type Explicit struct {
	MachineType  string
	CPUModel     string
	DiskBus      string
	Cache        string
	NetworkModel string
	QueueCount   *int
	MemBalloon   *bool
	FirmwarePath string
	Hugepages    *bool
}

// Resolved is the effective, validated option set that gets persisted so
// reboots reuse the same settings.
type Resolved struct {
	MachineType  string
	CPUModel     string
	DiskBus      string
	Cache        string
	NetworkModel string
	QueueCount   int
	MemBalloon   bool
	FirmwarePath string
	Hugepages    bool
}

// Resolve applies the explicit → OS-preset → hard-default fallback chain
// (§6, Create step 10), validates each field against its closed set, and
// computes the queue-count clamp independently of presets.
func Resolve(explicit Explicit, os_ string, cpuCores int, log *slog.Logger) Resolved {
	if log == nil {
		log = slog.Default()
	}
	preset := DetectPreset(os_)
	defaults := DefaultsFor(preset)

	r := Resolved{
		MachineType:  chooseString(explicit.MachineType, "", defaultMachineType, validMachineTypes, log, "machine_type"),
		CPUModel:     explicit.CPUModel,
		DiskBus:      chooseString(explicit.DiskBus, defaults.DiskBus, defaultDiskBus, validDiskBuses, log, "disk_bus"),
		Cache:        chooseString(explicit.Cache, defaults.Cache, defaultCache, validCaches, log, "cache"),
		NetworkModel: chooseString(explicit.NetworkModel, defaults.NetworkModel, defaultNetworkModel, validNetworkModels, log, "network_model"),
		QueueCount:   ResolveQueueCount(explicit.QueueCount, cpuCores),
	}
	if explicit.MemBalloon != nil {
		r.MemBalloon = *explicit.MemBalloon
	}
	r.FirmwarePath = resolveFirmware(explicit.FirmwarePath, log)
	r.Hugepages = resolveHugepages(explicit.Hugepages, "/proc/mounts", log)
	return r
}

// chooseString resolves one field through explicit → preset → hard default,
// validating against allowed and falling back (with a warning) on mismatch.
// Presets are never validated against allowed because presetTable only
// contains values already in each enum.
func chooseString(explicit, presetVal, hardDefault string, allowed map[string]bool, log *slog.Logger, field string) string {
	if explicit != "" {
		if allowed[strings.ToLower(explicit)] {
			return explicit
		}
		log.Warn("invalid option value, falling back", "field", field, "value", explicit)
	} else if presetVal != "" {
		return presetVal
	}
	return hardDefault
}

// ResolveQueueCount is always clamp(explicit ?? min(cpuCores, 4), 1, 4);
// presets are advisory only and never feed this computation.
func ResolveQueueCount(explicit *int, cpuCores int) int {
	base := cpuCores
	if base > 4 {
		base = 4
	}
	if explicit != nil {
		base = *explicit
	}
	if base < 1 {
		base = 1
	}
	if base > 4 {
		base = 4
	}
	return base
}

func resolveFirmware(path string, log *slog.Logger) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		log.Warn("firmware path not readable, falling back to BIOS", "path", path, "error", err)
		return ""
	}
	f.Close()
	return path
}

func resolveHugepages(explicit *bool, mountsPath string, log *slog.Logger) bool {
	if explicit == nil || !*explicit {
		return false
	}
	if HugetlbfsMounted(mountsPath) {
		return true
	}
	log.Warn("hugepages requested but hugetlbfs not mounted, falling back to standard memory")
	return false
}

// HugetlbfsMounted reports whether /proc/mounts (or the path given, for
// tests) lists a hugetlbfs mount.
func HugetlbfsMounted(mountsPath string) bool {
	data, err := os.ReadFile(mountsPath)
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 3 && fields[2] == "hugetlbfs" {
			return true
		}
	}
	return false
}
