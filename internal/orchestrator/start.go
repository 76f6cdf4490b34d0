package orchestrator

import (
	"context"
	"fmt"

	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/options"
	"github.com/infinibay/infinization/internal/placement"
	"github.com/infinibay/infinization/internal/store"
)

// Start reconstructs the launch plan from the persisted VM record and boots
// it (§4.1 Start). It is idempotent against an already-running, genuinely
// alive VM.
func (o *Orchestrator) Start(ctx context.Context, vmID string) (OperationResult, error) {
	vm, err := o.Store.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if err == store.ErrNotFound {
			return OperationResult{}, model.NewError(model.ErrVMNotFound, vmID, err)
		}
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "load vm record", err)
	}

	if vm.Status == model.StatusRunning {
		if vm.Runtime != nil && vm.Runtime.PID != 0 && o.Process.IsAlive(vm.Runtime.PID) {
			return OperationResult{
				Success: true, Message: "vm already running", VMID: vmID, Timestamp: o.Clock.Now(),
			}, nil
		}
		if err := o.Store.UpdateMachineStatus(ctx, vmID, model.StatusOff); err != nil {
			return OperationResult{}, model.NewError(model.ErrDatabaseError, "reset stale running status", err)
		}
		vm.Status = model.StatusOff
	}

	if vm.Status != model.StatusOff {
		return OperationResult{}, model.NewError(model.ErrInvalidState,
			fmt.Sprintf("cannot start vm in status %q", vm.Status), nil)
	}

	tr, err := o.Store.TransitionVMStatus(ctx, vmID, model.StatusOff, model.StatusBuilding, vm.Version)
	if err != nil {
		if err == store.ErrVersionConflict {
			return OperationResult{}, model.NewError(model.ErrConcurrentModification, "vm record changed underneath start", err)
		}
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "cas off->starting", err)
	}
	vm.Version = tr.NewVersion

	if vm.CPUCores < 1 || len(vm.Disks) == 0 || vm.Bridge == "" {
		o.Store.UpdateMachineStatus(ctx, vmID, model.StatusError)
		return OperationResult{}, model.NewError(model.ErrInvalidConfig, "vm record missing required hardware fields", nil)
	}

	var disks []string
	if vm.Runtime != nil {
		disks = vm.Runtime.DiskPaths
	}
	migrated := false
	if len(disks) == 0 {
		disks = diskPaths(o.Cfg, vm.InternalName, len(vm.Disks))
		migrated = true
	}

	ctlSock := controlSocketPath(o.Cfg, vm.InternalName)
	pidFile := pidFilePath(o.Cfg, vm.InternalName)
	agentSock := guestAgentSocketPath(o.Cfg, vm.InternalName)

	creation := &creationTracker{vmID: vmID}

	mac := vm.MACOverride
	if mac == "" {
		mac = placementMAC(vmID, vm.Runtime)
	}

	tap, err := o.TAP.Create(ctx, vmID, vm.Bridge)
	if err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrNetworkError, "create tap device", err)
	}
	creation.tapDevice = tap

	if err := o.Firewall.CreateVMChain(vmID, tap); err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrFirewallError, "create filter chain", err)
	}
	creation.chainCreated = true

	deptRules, err := o.Rules.DeptRules(ctx, vmID)
	if err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrFirewallError, "load department rules", err)
	}
	vmRules, err := o.Rules.VMRules(ctx, vmID)
	if err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrFirewallError, "load vm rules", err)
	}
	if _, err := o.Firewall.ApplyRulesIfChanged(vmID, tap, deptRules, vmRules); err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrFirewallError, "apply filter rules", err)
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

	uefiVars := uefiVarsPath(o.Cfg, vm.InternalName)
	var uefiVarsOut string
	if resolved.FirmwarePath != "" {
		if err := ensureUEFIVars(uefiVars); err != nil {
			o.Log.Warn("uefi vars template unavailable, continuing without NVRAM persistence", "vm", vmID, "error", err)
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
	}
	argv := buildArgv(plan)

	pid, err := o.Process.Start(ctx, o.Cfg.QEMUBinary, argv, pidFile)
	if err != nil {
		creation.controlSocketPath = ctlSock
		creation.pidFilePath = pidFile
		o.unwind(ctx, creation)
		return OperationResult{}, err
	}
	creation.pid = pid
	creation.controlSocketPath = ctlSock
	creation.pidFilePath = pidFile

	if len(vm.CPUPinCores) > 0 {
		if err := applyCPUPin(vmID, pid, vm.CPUPinCores); err != nil {
			o.Log.Warn("cpu pin application failed, continuing unpinned", "vm", vmID, "error", err)
		} else {
			creation.cpuPinApplied = true
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, controlWaitTimeout)
	defer cancel()

	eventCh := make(chan control.Event, 32)
	client, err := o.Dialer.Dial(waitCtx, ctlSock, eventCh)
	if err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrQMPError, "connect to control socket", err)
	}
	creation.controlClient = client

	if _, err := client.QueryStatus(ctx); err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrQMPError, "query initial status", err)
	}

	rc := &model.RuntimeConfig{
		PID: pid, ControlSocketPath: ctlSock, PIDFilePath: pidFile, TapDevice: tap,
		DisplayProtocol: vm.DisplayType, DisplayPort: vm.DisplayPort, DisplayHost: vm.DisplayAddress, DisplayPassword: vm.DisplayPassword,
		Bridge: vm.Bridge, MachineType: resolved.MachineType, CPUModel: resolved.CPUModel, DiskBus: resolved.DiskBus,
		Cache: resolved.Cache, NetworkModel: resolved.NetworkModel, QueueCount: resolved.QueueCount, MemBalloon: resolved.MemBalloon,
		FirmwarePath: resolved.FirmwarePath, UEFIVarsPath: uefiVarsOut, Hugepages: resolved.Hugepages,
		DiskPaths: disks, MAC: mac, CPUPinCores: vm.CPUPinCores, GuestAgentSocketPath: agentSock,
	}

	patch := store.ConfigPatch{RuntimeConfig: rc, CPUPinCores: rc.CPUPinCores, MACOverride: rc.MAC, DiskPaths: rc.DiskPaths}
	if migrated {
		o.Log.Info("migrated legacy single-disk record to explicit disk path list", "vm", vmID)
	}
	if err := o.Store.UpdateMachineConfiguration(ctx, vmID, patch); err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "persist runtime configuration", err)
	}
	if _, err := o.Store.TransitionVMStatus(ctx, vmID, model.StatusBuilding, model.StatusRunning, vm.Version); err != nil {
		o.unwind(ctx, creation)
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "transition vm to running", err)
	}

	creation.controlHandler = attachEventHandler(vmID, eventCh, o.Events, false)
	o.registryOf().set(vmID, &activeControl{client: client, handler: creation.controlHandler})
	o.Events.Publish(o.statusEvent(vmID, model.StatusRunning))

	return OperationResult{Success: true, Message: "vm started", VMID: vmID, Timestamp: o.Clock.Now()}, nil
}

// placementMAC prefers the MAC already recorded in runtime config (so a
// restart doesn't hand the guest a new NIC identity), falling back to the
// deterministic derivation a first boot would have used.
func placementMAC(vmID string, rc *model.RuntimeConfig) string {
	if rc != nil && rc.MAC != "" {
		return rc.MAC
	}
	return placement.GenerateMACString(vmID)
}
