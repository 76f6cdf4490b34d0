package orchestrator

import (
	"context"
	"time"

	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// StopOptions configures Stop (§4.1 Stop). DefaultStopOptions returns the
// documented default (graceful, 30s timeout, force allowed); the zero value
// is a non-graceful stop with force disabled.
type StopOptions struct {
	Graceful bool
	Timeout  time.Duration
	Force    bool
}

// DefaultStopOptions returns the spec's documented defaults.
func DefaultStopOptions() StopOptions {
	return StopOptions{Graceful: true, Timeout: 30 * time.Second, Force: true}
}

// Stop gracefully (or forcibly) powers a VM off and releases its host
// resources, but never removes its disk images.
func (o *Orchestrator) Stop(ctx context.Context, vmID string, opts StopOptions) (OperationResult, error) {
	vm, err := o.Store.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if err == store.ErrNotFound {
			return OperationResult{}, model.NewError(model.ErrVMNotFound, vmID, err)
		}
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "load vm record", err)
	}

	pid := 0
	var ctlSock string
	if vm.Runtime != nil {
		pid = vm.Runtime.PID
		ctlSock = vm.Runtime.ControlSocketPath
	}
	alive := pid != 0 && o.Process.IsAlive(pid)

	if vm.Status == model.StatusOff && !alive {
		return OperationResult{Success: true, Message: "vm already stopped", VMID: vmID, Timestamp: o.Clock.Now()}, nil
	}

	forced := false

	// Detach the event handler before any DB mutation below, so a late
	// SHUTDOWN/STOP event from the dying hypervisor can never race a
	// status write this call is about to make (§4.1 Stop).
	ac, tracked := o.registryOf().get(vmID)
	if tracked && ac.handler != nil {
		ac.handler.detach()
	}

	if opts.Graceful && alive {
		client := activeOrDial(ac)
		if client == nil && ctlSock != "" {
			var dialErr error
			client, dialErr = o.Dialer.Dial(ctx, ctlSock, nil)
			if dialErr != nil {
				o.Log.Warn("stop: control socket unreachable, falling back to signal", "vm", vmID, "error", dialErr)
			}
		}
		if client != nil {
			powerdownCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
			powerdownErr := client.SystemPowerdown(powerdownCtx)
			cancel()
			client.Shutdown()
			if powerdownErr == nil {
				alive = o.waitForExit(pid, opts.Timeout)
			}
		}
	} else if tracked {
		ac.client.Shutdown()
	}
	o.registryOf().remove(vmID)

	if alive && opts.Force {
		forced = true
		if err := o.Process.ForceKill(pid); err != nil {
			o.Log.Warn("stop: force-kill failed", "vm", vmID, "pid", pid, "error", err)
		}
		alive = o.waitForExit(pid, 5*time.Second)
	}

	if err := o.Store.UpdateMachineStatus(ctx, vmID, model.StatusOff); err != nil {
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "mark vm off", err)
	}
	if err := o.Store.ClearMachineConfiguration(ctx, vmID); err != nil {
		o.Log.Warn("stop: clear runtime configuration failed", "vm", vmID, "error", err)
	}

	if vm.Runtime != nil && vm.Runtime.TapDevice != "" {
		if err := o.TAP.Destroy(ctx, vm.Runtime.TapDevice); err != nil {
			o.Log.Warn("stop: destroy tap failed", "vm", vmID, "tap", vm.Runtime.TapDevice, "error", err)
		}
	}
	if err := o.Firewall.DetachJumpRules(vmID); err != nil {
		o.Log.Warn("stop: detach filter jump rules failed", "vm", vmID, "error", err)
	}
	if len(vm.CPUPinCores) > 0 {
		if err := reapCPUPinCgroup(vmID); err != nil {
			o.Log.Warn("stop: reap cgroup failed", "vm", vmID, "error", err)
		}
	}

	o.Events.Publish(o.statusEvent(vmID, model.StatusOff))

	return OperationResult{Success: true, Message: "vm stopped", VMID: vmID, Timestamp: o.Clock.Now(), Forced: forced}, nil
}

// activeOrDial returns the already-connected client from a registry lookup,
// or nil if none is tracked (e.g. after a process restart lost in-memory
// state).
func activeOrDial(ac *activeControl) ControlClient {
	if ac == nil {
		return nil
	}
	return ac.client
}

// waitForExit polls IsAlive until pid exits or timeout elapses, using the
// orchestrator's Clock so tests can drive it deterministically. Returns
// whether the process is still alive when it gives up.
func (o *Orchestrator) waitForExit(pid int, timeout time.Duration) bool {
	deadline := o.Clock.Now().Add(timeout)
	for o.Clock.Now().Before(deadline) {
		if !o.Process.IsAlive(pid) {
			return false
		}
		o.Clock.Sleep(100 * time.Millisecond)
	}
	return o.Process.IsAlive(pid)
}
