package orchestrator

import (
	"context"
	"os"

	"github.com/infinibay/infinization/internal/model"
)

// creationTracker records which host resources a Create/Start attempt has
// already provisioned, so a failure partway through can be unwound in
// reverse order (§4.1 "any failure invokes cleanup").
type creationTracker struct {
	controlClient     ControlClient
	controlHandler    *eventHandler
	pid               int
	tapDevice         string
	chainCreated      bool
	controlSocketPath string
	pidFilePath       string
	installISOPath    string
	cpuPinApplied     bool
	vmID              string
}

// unwind undoes whatever the tracker recorded — event handler and control
// client, hypervisor process, cgroup, TAP device, filter chain, then the
// socket, pid and ISO files — then marks the VM record as errored and
// clears its runtime configuration. Every step is best-effort: one failure
// never blocks the rest of the ladder.
func (o *Orchestrator) unwind(ctx context.Context, tr *creationTracker) {
	if tr.controlHandler != nil {
		tr.controlHandler.detach()
	}
	if tr.controlClient != nil {
		tr.controlClient.Shutdown()
	}
	if tr.pid != 0 {
		if err := o.Process.ForceKill(tr.pid); err != nil {
			o.Log.Warn("cleanup: force-kill hypervisor failed", "vm", tr.vmID, "pid", tr.pid, "error", err)
		}
	}
	if tr.cpuPinApplied {
		if err := reapCPUPinCgroup(tr.vmID); err != nil {
			o.Log.Warn("cleanup: reap cgroup failed", "vm", tr.vmID, "error", err)
		}
	}
	if tr.tapDevice != "" {
		if err := o.TAP.Destroy(ctx, tr.tapDevice); err != nil {
			o.Log.Warn("cleanup: destroy tap failed", "vm", tr.vmID, "tap", tr.tapDevice, "error", err)
		}
	}
	if tr.chainCreated {
		if err := o.Firewall.RemoveVMChain(ctx, tr.vmID); err != nil {
			o.Log.Warn("cleanup: remove filter chain failed", "vm", tr.vmID, "error", err)
		}
	}
	if tr.controlSocketPath != "" {
		_ = os.Remove(tr.controlSocketPath)
	}
	if tr.pidFilePath != "" {
		_ = os.Remove(tr.pidFilePath)
	}
	if tr.installISOPath != "" {
		_ = os.Remove(tr.installISOPath)
	}

	if err := o.Store.UpdateMachineStatus(ctx, tr.vmID, model.StatusError); err != nil {
		o.Log.Warn("cleanup: mark vm error failed", "vm", tr.vmID, "error", err)
	}
	if err := o.Store.ClearMachineConfiguration(ctx, tr.vmID); err != nil {
		o.Log.Warn("cleanup: clear machine configuration failed", "vm", tr.vmID, "error", err)
	}
}
