package model

import "time"

// VM status constants.
const (
	StatusBuilding           = "building"
	StatusRunning            = "running"
	StatusOff                = "off"
	StatusSuspended          = "suspended"
	StatusPaused             = "paused"
	StatusUpdatingHardware   = "updating_hardware"
	StatusPoweringOffUpdate  = "powering_off_update"
	StatusError              = "error"
)

// Disk firmware and bus/cache/network enumerations (§6 validated option sets).
const (
	MachineTypeQ35 = "q35"
	MachineTypePC  = "pc"

	DiskBusVirtio = "virtio"
	DiskBusSCSI   = "scsi"
	DiskBusIDE    = "ide"
	DiskBusSATA   = "sata"

	CacheWriteback    = "writeback"
	CacheWritethrough = "writethrough"
	CacheNone         = "none"
	CacheUnsafe       = "unsafe"

	NetworkModelVirtio = "virtio-net-pci"
	NetworkModelE1000  = "e1000"

	DisplaySpice = "spice"
	DisplayVNC   = "vnc"
)

// Disk describes one disk attached to a VM, in attach order.
type Disk struct {
	SizeGB int    `json:"size_gb"`
	Path   string `json:"path,omitempty"`
}

// PassthroughDevice describes an optional passthrough (e.g. GPU) device.
type PassthroughDevice struct {
	Address string `json:"address"`
	ROMFile string `json:"rom_file,omitempty"`
}

// UnattendedInstall carries the configuration needed to author unattended
// OS-installation media and watch the guest until install concludes.
type UnattendedInstall struct {
	Enabled      bool   `json:"enabled"`
	AnswerFile   string `json:"answer_file,omitempty"`
	SourceISOPath string `json:"source_iso_path,omitempty"`
}

// RuntimeConfig holds the fields that are only meaningful while status is
// running — written at Start, cleared at Stop (VM record invariant I1).
type RuntimeConfig struct {
	PID               int    `json:"pid"`
	ControlSocketPath string `json:"control_socket_path"`
	PIDFilePath       string `json:"pid_file_path"`
	TapDevice         string `json:"tap_device"`

	DisplayProtocol string `json:"display_protocol"`
	DisplayPort     int    `json:"display_port"`
	DisplayHost     string `json:"display_host,omitempty"`
	DisplayPassword string `json:"display_password,omitempty"`

	Bridge        string `json:"bridge"`
	MachineType   string `json:"machine_type"`
	CPUModel      string `json:"cpu_model,omitempty"`
	DiskBus       string `json:"disk_bus"`
	Cache         string `json:"cache"`
	NetworkModel  string `json:"network_model"`
	QueueCount    int    `json:"queue_count"`
	MemBalloon    bool   `json:"mem_balloon"`
	FirmwarePath  string `json:"firmware_path,omitempty"`
	UEFIVarsPath  string `json:"uefi_vars_path,omitempty"`
	Hugepages     bool   `json:"hugepages"`

	DiskPaths []string `json:"disk_paths"`
	MAC       string   `json:"mac"`

	CPUPinCores []int `json:"cpu_pin_cores,omitempty"`

	GuestAgentSocketPath string `json:"guest_agent_socket_path,omitempty"`
	InstallationISOPath  string `json:"installation_iso_path,omitempty"`
	Installing           bool   `json:"installing,omitempty"`
}

// IsEmpty reports whether the runtime config has been cleared (all volatile
// fields zero), as required by invariant I1 when status=off.
func (r *RuntimeConfig) IsEmpty() bool {
	if r == nil {
		return true
	}
	return r.PID == 0 && r.ControlSocketPath == "" && r.TapDevice == ""
}

// VM is the persisted VM record (§3 Data Model).
type VM struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	InternalName string `json:"internal_name"`
	OS           string `json:"os"`

	CPUCores int     `json:"cpu_cores"`
	RAMGB    float64 `json:"ram_gb"`
	Disks    []Disk  `json:"disks"`

	Bridge            string             `json:"bridge"`
	DisplayType       string             `json:"display_type"`
	DisplayPort       int                `json:"display_port"`
	DisplayAddress    string             `json:"display_address,omitempty"`
	DisplayPassword   string             `json:"display_password,omitempty"`
	Passthrough       *PassthroughDevice `json:"passthrough,omitempty"`
	MachineType       string             `json:"machine_type,omitempty"`
	CPUModel          string             `json:"cpu_model,omitempty"`
	DiskBus           string             `json:"disk_bus,omitempty"`
	Cache             string             `json:"cache,omitempty"`
	NetworkModel      string             `json:"network_model,omitempty"`
	QueueCount        *int               `json:"queue_count,omitempty"`
	MemBalloon        *bool              `json:"mem_balloon,omitempty"`
	Firmware          string             `json:"firmware,omitempty"`
	Hugepages         *bool              `json:"hugepages,omitempty"`
	CPUPinCores       []int              `json:"cpu_pin_cores,omitempty"`
	MACOverride       string             `json:"mac_override,omitempty"`
	Unattended        *UnattendedInstall `json:"unattended,omitempty"`

	Status  string         `json:"status"`
	Runtime *RuntimeConfig `json:"runtime,omitempty"`
	Version int            `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// validTransitions mirrors the teacher's validTransitions table shape
// (model.ValidTransition in the original workload model), generalized to
// the VM status machine described in spec.md §3/§4.1.
var validTransitions = map[string]map[string]bool{
	StatusBuilding: {
		StatusRunning: true,
		StatusError:   true,
	},
	StatusOff: {
		StatusBuilding: true, // starting, see orchestrator CAS off->starting
		StatusRunning:  true,
		StatusError:    true,
	},
	StatusRunning: {
		StatusOff:               true,
		StatusSuspended:         true,
		StatusPaused:            true,
		StatusError:             true,
		StatusUpdatingHardware:  true,
		StatusPoweringOffUpdate: true,
	},
	StatusSuspended: {
		StatusRunning: true,
		StatusOff:     true,
	},
	StatusPaused: {
		StatusRunning: true,
		StatusOff:     true,
	},
	StatusUpdatingHardware: {
		StatusRunning: true,
		StatusError:   true,
	},
	StatusPoweringOffUpdate: {
		StatusOff:   true,
		StatusError: true,
	},
}

// ValidTransition reports whether transitioning from one VM status to
// another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}
