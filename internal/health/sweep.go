package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/model"
)

// Run drives the periodic sweep at Cfg.HealthSweepInterval until ctx is
// canceled, skipping a tick entirely if the previous cycle is still
// running (§4.8's re-entrancy guard).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Cfg.HealthSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one sweep cycle if no cycle is already in flight.
func (m *Monitor) tick(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&m.checking, 0, 1) {
		m.Log.Debug("health sweep skipped: previous cycle still running")
		return
	}
	defer atomic.StoreInt32(&m.checking, 0)

	if err := m.Sweep(ctx); err != nil {
		m.Log.Warn("health sweep failed", "error", err)
	}
}

// Sweep runs exactly one cycle: list running VMs, probe each for liveness,
// and clean up any whose hypervisor process has died (§4.8 steps 1-4).
func (m *Monitor) Sweep(ctx context.Context) error {
	vms, err := m.Store.FindRunningVMs(ctx)
	if err != nil {
		return err
	}

	for _, vm := range vms {
		m.checkOne(ctx, vm)
	}
	return nil
}

// checkOne applies the liveness rule to one VM and, if it is found dead,
// runs the cleanup ladder and reports the outcome.
func (m *Monitor) checkOne(ctx context.Context, vm *model.VM) {
	if vm.Runtime == nil || vm.Runtime.PID == 0 {
		// no pid recorded: assume alive rather than risk a false crash
		// declaration against a VM that is mid-boot (§4.8 step 2).
		return
	}

	if m.Process.IsAlive(vm.Runtime.PID) {
		return
	}

	m.Log.Warn("hypervisor process no longer alive, declaring crash", "vm", vm.ID, "pid", vm.Runtime.PID)

	if err := m.Store.UpdateMachineStatus(ctx, vm.ID, model.StatusOff); err != nil {
		m.Log.Warn("mark crashed vm off failed", "vm", vm.ID, "error", err)
	}

	run := m.runCleanup(ctx, vm)

	if m.OnCrash != nil {
		m.OnCrash(vm.ID, run)
	}

	m.Events.Publish(events.Event{
		VMID:      vm.ID,
		Kind:      events.KindCrash,
		Data:      map[string]interface{}{"cleanup": run},
		Timestamp: m.Clock.Now(),
	})

	if failed := run.FailedCount(); failed > 0 {
		severity := "warning"
		if failed >= 3 {
			severity = "error"
		}
		m.Events.Publish(events.Event{
			VMID: vm.ID,
			Kind: events.KindCleanupAlert,
			Data: map[string]interface{}{
				"severity":    severity,
				"failedCount": failed,
				"error":       aggregateFailures(run).Error(),
			},
			Timestamp: m.Clock.Now(),
		})
	}

	if err := m.Store.RecordCleanupRun(ctx, run); err != nil {
		m.Log.Warn("record cleanup run failed", "vm", vm.ID, "error", err)
	}
}
