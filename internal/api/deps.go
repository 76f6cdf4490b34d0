// Package api implements a thin HTTP facade over the lifecycle orchestrator
// (§1: "any HTTP facade beyond a thin pass-through" is out of scope) — it
// decodes requests, forwards to the orchestrator or store, and encodes
// results. No business logic lives here.
package api

import (
	"context"

	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/orchestrator"
)

// Lifecycle is the subset of *orchestrator.Orchestrator the facade drives.
type Lifecycle interface {
	Create(ctx context.Context, vm *model.VM) (orchestrator.CreateResult, error)
	Start(ctx context.Context, vmID string) (orchestrator.OperationResult, error)
	Stop(ctx context.Context, vmID string, opts orchestrator.StopOptions) (orchestrator.OperationResult, error)
	Restart(ctx context.Context, vmID string) (orchestrator.OperationResult, error)
	Suspend(ctx context.Context, vmID string) (orchestrator.OperationResult, error)
	Resume(ctx context.Context, vmID string) (orchestrator.OperationResult, error)
	Reset(ctx context.Context, vmID string) (orchestrator.OperationResult, error)
	Status(ctx context.Context, vmID string) (orchestrator.StatusResult, error)
}

// Store is the subset of store.Store the facade reads/deletes through
// directly, without going through the orchestrator (listing and deleting a
// VM record carry no host side effects of their own).
type Store interface {
	FindMachineWithConfig(ctx context.Context, id string) (*model.VM, error)
	ListVMs(ctx context.Context) ([]*model.VM, error)
	DeleteVM(ctx context.Context, id string) error
}

// EventSource lets a client subscribe to one VM's event stream, mirroring
// events.Broker.Subscribe.
type EventSource interface {
	Subscribe(vmID string) (<-chan events.Event, func())
}
