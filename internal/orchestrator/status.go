package orchestrator

import (
	"context"

	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// Status reports the DB-recorded status alongside what can be observed
// live: control-protocol status if reachable, PID liveness, and whether the
// two agree (§4.1 Status).
func (o *Orchestrator) Status(ctx context.Context, vmID string) (StatusResult, error) {
	vm, err := o.Store.FindMachineWithConfig(ctx, vmID)
	if err != nil {
		if err == store.ErrNotFound {
			return StatusResult{}, model.NewError(model.ErrVMNotFound, vmID, err)
		}
		return StatusResult{}, model.NewError(model.ErrDatabaseError, "load vm record", err)
	}

	res := StatusResult{DBStatus: vm.Status}
	if vm.Runtime != nil {
		res.PID = vm.Runtime.PID
		res.TapDevice = vm.Runtime.TapDevice
		res.ControlSocket = vm.Runtime.ControlSocketPath
		res.ProcessAlive = vm.Runtime.PID != 0 && o.Process.IsAlive(vm.Runtime.PID)
	}

	if ac, ok := o.registryOf().get(vmID); ok {
		if cs, err := ac.client.QueryStatus(ctx); err == nil {
			res.ControlStatus = cs.Status
		}
	}

	res.Consistent = (vm.Status == model.StatusRunning) == res.ProcessAlive
	return res, nil
}
