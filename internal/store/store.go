package store

import (
	"context"
	"errors"

	"github.com/infinibay/infinization/internal/model"
)

// ErrNotFound is returned when a VM record does not exist.
var ErrNotFound = errors.New("vm not found")

// ErrVersionConflict is returned by TransitionVMStatus when expectedVersion
// no longer matches the stored version (§6 persistence adapter).
var ErrVersionConflict = errors.New("version conflict")

// ConfigPatch carries a partial update to a VM's effective runtime
// configuration; zero-value fields are left untouched by UpdateMachineConfiguration.
type ConfigPatch struct {
	RuntimeConfig *model.RuntimeConfig
	CPUPinCores   []int
	MACOverride   string
	DiskPaths     []string
}

// TransitionResult is returned by TransitionVMStatus on success.
type TransitionResult struct {
	NewVersion int
	VM         *model.VM
}

// Store is the persistence adapter the lifecycle orchestrator, health
// monitor and packet-filter service consume (§6). It is consumed through
// this interface only, so no component needs a back-reference to a
// concrete storage engine.
type Store interface {
	FindMachineWithConfig(ctx context.Context, id string) (*model.VM, error)
	UpdateMachineConfiguration(ctx context.Context, id string, patch ConfigPatch) error
	UpdateMachineStatus(ctx context.Context, id, status string) error
	ClearMachineConfiguration(ctx context.Context, id string) error
	ClearVolatileMachineConfiguration(ctx context.Context, id string) error
	TransitionVMStatus(ctx context.Context, id, from, to string, expectedVersion int) (*TransitionResult, error)

	GetFirewallRules(ctx context.Context, id string) ([]model.FirewallRule, error)
	PutFirewallRules(ctx context.Context, id string, rules []model.FirewallRule) error
	GetMachineInternalName(ctx context.Context, id string) (string, error)
	FindRunningVMs(ctx context.Context) ([]*model.VM, error)

	CreateVM(ctx context.Context, vm *model.VM) error
	DeleteVM(ctx context.Context, id string) error
	ListVMs(ctx context.Context) ([]*model.VM, error)

	RecordCleanupRun(ctx context.Context, run *model.CleanupRun) error

	Close() error
}
