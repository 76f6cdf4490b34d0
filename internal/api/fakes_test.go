package api

import (
	"context"
	"sync"

	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/orchestrator"
	"github.com/infinibay/infinization/internal/store"
)

type fakeLifecycle struct {
	mu sync.Mutex

	createResult orchestrator.CreateResult
	createErr    error
	lastCreated  *model.VM

	opResult orchestrator.OperationResult
	opErr    error
	lastOp   string

	statusResult orchestrator.StatusResult
	statusErr    error

	lastStopOpts orchestrator.StopOptions
}

func (f *fakeLifecycle) Create(ctx context.Context, vm *model.VM) (orchestrator.CreateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCreated = vm
	return f.createResult, f.createErr
}

func (f *fakeLifecycle) Start(ctx context.Context, vmID string) (orchestrator.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = "start"
	return f.opResult, f.opErr
}

func (f *fakeLifecycle) Stop(ctx context.Context, vmID string, opts orchestrator.StopOptions) (orchestrator.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = "stop"
	f.lastStopOpts = opts
	return f.opResult, f.opErr
}

func (f *fakeLifecycle) Restart(ctx context.Context, vmID string) (orchestrator.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = "restart"
	return f.opResult, f.opErr
}

func (f *fakeLifecycle) Suspend(ctx context.Context, vmID string) (orchestrator.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = "suspend"
	return f.opResult, f.opErr
}

func (f *fakeLifecycle) Resume(ctx context.Context, vmID string) (orchestrator.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = "resume"
	return f.opResult, f.opErr
}

func (f *fakeLifecycle) Reset(ctx context.Context, vmID string) (orchestrator.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOp = "reset"
	return f.opResult, f.opErr
}

func (f *fakeLifecycle) Status(ctx context.Context, vmID string) (orchestrator.StatusResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusResult, f.statusErr
}

type fakeStore struct {
	mu      sync.Mutex
	vms     map[string]*model.VM
	deleted []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{vms: make(map[string]*model.VM)}
}

func (s *fakeStore) FindMachineWithConfig(ctx context.Context, id string) (*model.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return vm, nil
}

func (s *fakeStore) ListVMs(ctx context.Context) ([]*model.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.VM, 0, len(s.vms))
	for _, vm := range s.vms {
		out = append(out, vm)
	}
	return out, nil
}

func (s *fakeStore) DeleteVM(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vms[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.vms, id)
	s.deleted = append(s.deleted, id)
	return nil
}

type fakeEventSource struct {
	ch chan events.Event
}

func (f *fakeEventSource) Subscribe(vmID string) (<-chan events.Event, func()) {
	return f.ch, func() {}
}
