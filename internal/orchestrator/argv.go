package orchestrator

import (
	"fmt"

	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/options"
)

// launchPlan carries everything the argv builder needs, already resolved:
// effective options, derived paths, and the MAC/CPU-pin the placement
// packages computed. It exists so argv construction stays a pure function
// of already-decided values instead of re-deriving anything.
type launchPlan struct {
	InternalName      string
	CPUCores          int
	RAMGB             float64
	Disks             []string
	Bridge            string
	TapDevice         string
	MAC               string
	ControlSocketPath string
	PIDFilePath       string
	DisplayType       string
	DisplayPort       int
	DisplayAddress    string
	DisplayPassword   string
	Passthrough       *model.PassthroughDevice
	Resolved          options.Resolved
	UEFIVarsPath      string
	BootFromCDFirst   bool
	InstallationISO   string
}

// buildArgv renders the hypervisor argv (§4.1 step 10, §4.7). Arguments
// are always a flat slice — never a shell string — so there is no
// interpolation surface.
func buildArgv(p launchPlan) []string {
	var args []string
	add := func(a ...string) { args = append(args, a...) }

	add("-name", p.InternalName)
	add("-machine", p.Resolved.MachineType+",accel=kvm")
	if p.Resolved.CPUModel != "" {
		add("-cpu", p.Resolved.CPUModel)
	} else {
		add("-cpu", "host")
	}
	add("-smp", fmt.Sprintf("%d", p.CPUCores))
	add("-m", fmt.Sprintf("%dM", int(p.RAMGB*1024)))

	if p.Resolved.Hugepages {
		add("-mem-path", "/dev/hugepages")
	}

	for i, disk := range p.Disks {
		driveID := fmt.Sprintf("drive%d", i)
		add("-drive", fmt.Sprintf("file=%s,if=none,id=%s,format=qcow2,cache=%s", disk, driveID, p.Resolved.Cache))
		add("-device", fmt.Sprintf("%s,drive=%s", busDevice(p.Resolved.DiskBus), driveID))
	}

	if p.InstallationISO != "" {
		add("-drive", fmt.Sprintf("file=%s,media=cdrom,if=none,id=cd0", p.InstallationISO))
		add("-device", "ide-cd,drive=cd0,bootindex="+bootIndex(p.BootFromCDFirst, 0))
	}

	add("-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no,queues=%d", p.TapDevice, p.Resolved.QueueCount))
	add("-device", fmt.Sprintf("%s,netdev=net0,mac=%s,mq=%s", p.Resolved.NetworkModel, p.MAC, onOff(p.Resolved.QueueCount > 1)))

	add("-chardev", fmt.Sprintf("socket,id=ctl0,path=%s,server=on,wait=off", p.ControlSocketPath))
	add("-mon", "chardev=ctl0,mode=control")

	add("-display", "none")
	switch p.DisplayType {
	case model.DisplaySpice:
		add("-spice", spiceOpts(p))
	case model.DisplayVNC:
		add("-vnc", vncOpts(p))
	}

	if p.Resolved.MemBalloon {
		add("-device", "virtio-balloon-pci")
	}

	if p.Resolved.FirmwarePath != "" {
		add("-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", p.Resolved.FirmwarePath))
		if p.UEFIVarsPath != "" {
			add("-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", p.UEFIVarsPath))
		}
	}

	if p.Passthrough != nil {
		dev := fmt.Sprintf("vfio-pci,host=%s", p.Passthrough.Address)
		if p.Passthrough.ROMFile != "" {
			dev += ",romfile=" + p.Passthrough.ROMFile
		}
		add("-device", dev)
	}

	add("-daemonize")
	add("-pidfile", p.PIDFilePath)

	return args
}

func busDevice(bus string) string {
	switch bus {
	case model.DiskBusVirtio:
		return "virtio-blk-pci"
	case model.DiskBusSCSI:
		return "scsi-hd"
	case model.DiskBusSATA:
		return "ide-hd"
	default:
		return "ide-hd"
	}
}

func spiceOpts(p launchPlan) string {
	opts := fmt.Sprintf("port=%d", p.DisplayPort)
	if p.DisplayAddress != "" {
		opts += ",addr=" + p.DisplayAddress
	}
	if p.DisplayPassword != "" {
		opts += ",password=" + p.DisplayPassword
	} else {
		opts += ",disable-ticketing=on"
	}
	return opts
}

func vncOpts(p launchPlan) string {
	addr := p.DisplayAddress
	if addr == "" {
		addr = "0.0.0.0"
	}
	opts := fmt.Sprintf("%s:%d", addr, p.DisplayPort)
	if p.DisplayPassword != "" {
		opts += ",password=on"
	}
	return opts
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func bootIndex(first bool, n int) string {
	if first {
		return "1"
	}
	return fmt.Sprintf("%d", n+2)
}
