package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/iso"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/options"
	"github.com/infinibay/infinization/internal/placement"
	"github.com/infinibay/infinization/internal/store"
)

// controlWaitTimeout bounds how long Create/Start wait for the control
// socket to appear and accept a connection (§4.1 step 14).
const controlWaitTimeout = 5 * time.Second

// Create provisions and launches a new VM from a validated record that the
// caller has already persisted with status=building (§4.1 Create).
func (o *Orchestrator) Create(ctx context.Context, vm *model.VM) (CreateResult, error) {
	if err := model.ValidateCreate(vm); err != nil {
		return CreateResult{}, err
	}

	if len(vm.CPUPinCores) > 0 {
		topo, err := placement.DiscoverTopology(o.Cfg.NUMASysfsRoot, "/proc/cpuinfo")
		if err != nil {
			return CreateResult{}, model.NewError(model.ErrInvalidConfig, "discover numa topology", err)
		}
		if err := validateCPUPinCores(vm.CPUPinCores, topo); err != nil {
			return CreateResult{}, model.NewError(model.ErrInvalidConfig, err.Error(), nil)
		}
	}

	disks := diskPaths(o.Cfg, vm.InternalName, len(vm.Disks))
	ctlSock := controlSocketPath(o.Cfg, vm.InternalName)
	pidFile := pidFilePath(o.Cfg, vm.InternalName)
	uefiVars := uefiVarsPath(o.Cfg, vm.InternalName)
	agentSock := guestAgentSocketPath(o.Cfg, vm.InternalName)

	for _, dir := range []string{o.Cfg.DiskDir, o.Cfg.SocketDir, o.Cfg.PIDDir, o.Cfg.UEFIVarDir, o.Cfg.ISODir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CreateResult{}, model.NewError(model.ErrDiskError, "ensure directory "+dir, err)
		}
	}

	tr := &creationTracker{vmID: vm.ID}

	for i, d := range vm.Disks {
		if err := o.diskImageCreator().Create(ctx, disks[i], d.SizeGB); err != nil {
			o.unwind(ctx, tr)
			return CreateResult{}, err
		}
	}

	mac := vm.MACOverride
	if mac == "" {
		mac = placement.GenerateMACString(vm.ID)
	}

	tap, err := o.TAP.Create(ctx, vm.ID, vm.Bridge)
	if err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrNetworkError, "create tap device", err)
	}
	tr.tapDevice = tap

	if err := o.Firewall.CreateVMChain(vm.ID, tap); err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrFirewallError, "create filter chain", err)
	}
	tr.chainCreated = true

	deptRules, err := o.Rules.DeptRules(ctx, vm.ID)
	if err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrFirewallError, "load department rules", err)
	}
	vmRules, err := o.Rules.VMRules(ctx, vm.ID)
	if err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrFirewallError, "load vm rules", err)
	}
	if _, err := o.Firewall.ApplyRulesIfChanged(vm.ID, tap, deptRules, vmRules); err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrFirewallError, "apply filter rules", err)
	}

	var installISOPath string
	installing := vm.Unattended != nil && vm.Unattended.Enabled
	if installing {
		preset := options.DetectPreset(vm.OS)
		answer := []byte(vm.Unattended.AnswerFile)
		if len(answer) == 0 {
			answer = iso.DefaultAnswerFile(preset, vm.InternalName)
		}
		installISOPath = iso.Path(o.Cfg.ISODir, vm.InternalName)
		layout := iso.BuildLayout(preset, answer)
		if err := iso.Author(installISOPath, iso.VolumeLabel(preset), layout); err != nil {
			tr.installISOPath = installISOPath
			o.unwind(ctx, tr)
			return CreateResult{}, model.NewError(model.ErrCreateFailed, "author installation media", err)
		}
		tr.installISOPath = installISOPath
	}

	resolved := options.Resolve(options.Explicit{
		MachineType:  vm.MachineType,
		CPUModel:     vm.CPUModel,
		DiskBus:      vm.DiskBus,
		Cache:        vm.Cache,
		NetworkModel: vm.NetworkModel,
		QueueCount:   vm.QueueCount,
		MemBalloon:   vm.MemBalloon,
		FirmwarePath: vm.Firmware,
		Hugepages:    vm.Hugepages,
	}, vm.OS, vm.CPUCores, o.Log)

	var uefiVarsOut string
	if resolved.FirmwarePath != "" {
		if err := ensureUEFIVars(uefiVars); err != nil {
			o.Log.Warn("uefi vars template unavailable, continuing without NVRAM persistence", "vm", vm.ID, "error", err)
		} else {
			uefiVarsOut = uefiVars
		}
	}

	plan := launchPlan{
		InternalName:      vm.InternalName,
		CPUCores:          vm.CPUCores,
		RAMGB:             vm.RAMGB,
		Disks:             disks,
		Bridge:            vm.Bridge,
		TapDevice:         tap,
		MAC:               mac,
		ControlSocketPath: ctlSock,
		PIDFilePath:       pidFile,
		DisplayType:       vm.DisplayType,
		DisplayPort:       vm.DisplayPort,
		DisplayAddress:    vm.DisplayAddress,
		DisplayPassword:   vm.DisplayPassword,
		Passthrough:       vm.Passthrough,
		Resolved:          resolved,
		UEFIVarsPath:      uefiVarsOut,
		BootFromCDFirst:   installing,
		InstallationISO:   installISOPath,
	}
	argv := buildArgv(plan)

	pid, err := o.Process.Start(ctx, o.Cfg.QEMUBinary, argv, pidFile)
	if err != nil {
		tr.controlSocketPath = ctlSock
		tr.pidFilePath = pidFile
		o.unwind(ctx, tr)
		return CreateResult{}, err
	}
	tr.pid = pid
	tr.controlSocketPath = ctlSock
	tr.pidFilePath = pidFile

	if len(vm.CPUPinCores) > 0 {
		if err := applyCPUPin(vm.ID, pid, vm.CPUPinCores); err != nil {
			o.Log.Warn("cpu pin application failed, continuing unpinned", "vm", vm.ID, "error", err)
		} else {
			tr.cpuPinApplied = true
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, controlWaitTimeout)
	defer cancel()

	eventCh := make(chan control.Event, 32)
	client, err := o.Dialer.Dial(waitCtx, ctlSock, eventCh)
	if err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrQMPError, "connect to control socket", err)
	}
	tr.controlClient = client

	if _, err := client.QueryStatus(ctx); err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrQMPError, "query initial status", err)
	}

	rc := &model.RuntimeConfig{
		PID:                  pid,
		ControlSocketPath:    ctlSock,
		PIDFilePath:          pidFile,
		TapDevice:            tap,
		DisplayProtocol:      vm.DisplayType,
		DisplayPort:          vm.DisplayPort,
		DisplayHost:          vm.DisplayAddress,
		DisplayPassword:      vm.DisplayPassword,
		Bridge:               vm.Bridge,
		MachineType:          resolved.MachineType,
		CPUModel:             resolved.CPUModel,
		DiskBus:              resolved.DiskBus,
		Cache:                resolved.Cache,
		NetworkModel:         resolved.NetworkModel,
		QueueCount:           resolved.QueueCount,
		MemBalloon:           resolved.MemBalloon,
		FirmwarePath:         resolved.FirmwarePath,
		UEFIVarsPath:         uefiVarsOut,
		Hugepages:            resolved.Hugepages,
		DiskPaths:            disks,
		MAC:                  mac,
		CPUPinCores:          vm.CPUPinCores,
		GuestAgentSocketPath: agentSock,
		InstallationISOPath:  installISOPath,
		Installing:           installing,
	}

	patch := store.ConfigPatch{RuntimeConfig: rc, CPUPinCores: rc.CPUPinCores, MACOverride: rc.MAC, DiskPaths: rc.DiskPaths}
	if err := o.Store.UpdateMachineConfiguration(ctx, vm.ID, patch); err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrDatabaseError, "persist runtime configuration", err)
	}
	if _, err := o.Store.TransitionVMStatus(ctx, vm.ID, model.StatusBuilding, model.StatusRunning, vm.Version); err != nil {
		o.unwind(ctx, tr)
		return CreateResult{}, model.NewError(model.ErrDatabaseError, "transition vm to running", err)
	}

	tr.controlHandler = attachEventHandler(vm.ID, eventCh, o.Events, installing)
	o.registryOf().set(vm.ID, &activeControl{client: client, handler: tr.controlHandler})

	if installing {
		o.Events.Publish(events.Event{
			VMID:      vm.ID,
			Kind:      events.KindInstallProgress,
			Data:      map[string]interface{}{"phase": "started"},
			Timestamp: o.Clock.Now(),
		})
	}

	o.Events.Publish(o.statusEvent(vm.ID, model.StatusRunning))

	return CreateResult{
		OperationResult: OperationResult{
			Success:   true,
			Message:   fmt.Sprintf("vm %s created and running", vm.ID),
			VMID:      vm.ID,
			Timestamp: o.Clock.Now(),
		},
		TapDevice:           tap,
		ControlSocketPath:   ctlSock,
		DisplayPort:         vm.DisplayPort,
		PID:                 pid,
		DiskPaths:           disks,
		PIDFilePath:         pidFile,
		InstallationISOPath: installISOPath,
		InstallingOS:        installing,
	}, nil
}
