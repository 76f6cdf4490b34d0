package orchestrator

import (
	"context"
	"time"

	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// restartSleep separates Stop from Start so the hypervisor's port/socket
// cleanup has a moment to settle (§4.1 Restart).
const restartSleep = 2 * time.Second

// Restart stops then starts a VM, surfacing whichever step fails.
func (o *Orchestrator) Restart(ctx context.Context, vmID string) (OperationResult, error) {
	if _, err := o.Stop(ctx, vmID, DefaultStopOptions()); err != nil {
		return OperationResult{}, err
	}
	o.Clock.Sleep(restartSleep)
	return o.Start(ctx, vmID)
}

// Suspend issues the control-protocol `stop` verb to pause vCPU execution
// and records status=suspended. Requires status=running.
func (o *Orchestrator) Suspend(ctx context.Context, vmID string) (OperationResult, error) {
	return o.controlVerb(ctx, vmID, []string{model.StatusRunning}, model.StatusSuspended,
		func(c ControlClient) error { return c.Stop(ctx) })
}

// Resume issues `cont` to unpause a suspended or paused VM and records
// status=running.
func (o *Orchestrator) Resume(ctx context.Context, vmID string) (OperationResult, error) {
	return o.controlVerb(ctx, vmID, []string{model.StatusSuspended, model.StatusPaused}, model.StatusRunning,
		func(c ControlClient) error { return c.Cont(ctx) })
}

// Reset issues `system_reset`, leaving status=running (a reset reboots in
// place, it never changes DB status).
func (o *Orchestrator) Reset(ctx context.Context, vmID string) (OperationResult, error) {
	return o.controlVerb(ctx, vmID, []string{model.StatusRunning}, "",
		func(c ControlClient) error { return c.SystemReset(ctx) })
}

// controlVerb is the shared shape of Suspend/Resume/Reset: require one of
// allowedFrom, reach the running control client (via the registry, dialing
// fresh if this orchestrator instance doesn't have one tracked), issue verb,
// and optionally transition DB status.
func (o *Orchestrator) controlVerb(ctx context.Context, vmID string, allowedFrom []string, toStatus string, verb func(ControlClient) error) (OperationResult, error) {
	vm, err := o.Store.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if err == store.ErrNotFound {
			return OperationResult{}, model.NewError(model.ErrVMNotFound, vmID, err)
		}
		return OperationResult{}, model.NewError(model.ErrDatabaseError, "load vm record", err)
	}

	allowed := false
	for _, s := range allowedFrom {
		if vm.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return OperationResult{}, model.NewError(model.ErrInvalidState, "vm not in a state that permits this operation", nil)
	}

	client, cleanupDial, err := o.reachControlClient(ctx, vmID, vm)
	if err != nil {
		return OperationResult{}, model.NewError(model.ErrQMPError, "reach control client", err)
	}
	defer cleanupDial()

	if err := verb(client); err != nil {
		return OperationResult{}, model.NewError(model.ErrQMPError, "issue control verb", err)
	}

	if toStatus != "" {
		if err := o.Store.UpdateMachineStatus(ctx, vmID, toStatus); err != nil {
			return OperationResult{}, model.NewError(model.ErrDatabaseError, "update vm status", err)
		}
		o.Events.Publish(o.statusEvent(vmID, toStatus))
	}

	return OperationResult{Success: true, Message: "ok", VMID: vmID, Timestamp: o.Clock.Now()}, nil
}

// reachControlClient returns the registry-tracked client if one exists,
// otherwise dials a short-lived one the caller must clean up via the
// returned func.
func (o *Orchestrator) reachControlClient(ctx context.Context, vmID string, vm *model.VM) (ControlClient, func(), error) {
	if ac, ok := o.registryOf().get(vmID); ok {
		return ac.client, func() {}, nil
	}
	var ctlSock string
	if vm.Runtime != nil {
		ctlSock = vm.Runtime.ControlSocketPath
	}
	if ctlSock == "" {
		return nil, func() {}, model.NewError(model.ErrInvalidState, "no control socket recorded for vm", nil)
	}
	client, err := o.Dialer.Dial(ctx, ctlSock, nil)
	if err != nil {
		return nil, func() {}, err
	}
	return client, client.Shutdown, nil
}
