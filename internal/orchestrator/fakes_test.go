package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/firewall"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// fakeStore is a minimal in-memory store.Store for orchestrator tests.
type fakeStore struct {
	mu  sync.Mutex
	vms map[string]*model.VM
}

func newFakeStore(vms ...*model.VM) *fakeStore {
	s := &fakeStore{vms: make(map[string]*model.VM)}
	for _, vm := range vms {
		s.vms[vm.ID] = vm
	}
	return s
}

func (s *fakeStore) FindMachineWithConfig(ctx context.Context, id string) (*model.VM, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *vm
	return &cp, nil
}

func (s *fakeStore) UpdateMachineConfiguration(ctx context.Context, id string, patch store.ConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return store.ErrNotFound
	}
	if patch.RuntimeConfig != nil {
		vm.Runtime = patch.RuntimeConfig
	}
	return nil
}

func (s *fakeStore) UpdateMachineStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return store.ErrNotFound
	}
	vm.Status = status
	return nil
}

func (s *fakeStore) ClearMachineConfiguration(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return store.ErrNotFound
	}
	vm.Runtime = nil
	return nil
}

func (s *fakeStore) ClearVolatileMachineConfiguration(ctx context.Context, id string) error {
	return s.ClearMachineConfiguration(ctx, id)
}

func (s *fakeStore) TransitionVMStatus(ctx context.Context, id, from, to string, expectedVersion int) (*store.TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if vm.Status != from || vm.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	vm.Status = to
	vm.Version++
	return &store.TransitionResult{NewVersion: vm.Version, VM: vm}, nil
}

func (s *fakeStore) GetFirewallRules(ctx context.Context, id string) ([]model.FirewallRule, error) {
	return nil, nil
}
func (s *fakeStore) PutFirewallRules(ctx context.Context, id string, rules []model.FirewallRule) error {
	return nil
}
func (s *fakeStore) GetMachineInternalName(ctx context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return "", store.ErrNotFound
	}
	return vm.InternalName, nil
}
func (s *fakeStore) FindRunningVMs(ctx context.Context) ([]*model.VM, error) { return nil, nil }
func (s *fakeStore) CreateVM(ctx context.Context, vm *model.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vms[vm.ID] = vm
	return nil
}
func (s *fakeStore) DeleteVM(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vms, id)
	return nil
}
func (s *fakeStore) ListVMs(ctx context.Context) ([]*model.VM, error) { return nil, nil }
func (s *fakeStore) RecordCleanupRun(ctx context.Context, run *model.CleanupRun) error {
	return nil
}
func (s *fakeStore) Close() error { return nil }

// fakeTAP is a no-op TAPManager.
type fakeTAP struct {
	createErr  error
	destroyErr error
	created    []string
	destroyed  []string
}

func (f *fakeTAP) Create(ctx context.Context, vmID, bridge string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	tap := "tap-" + vmID
	f.created = append(f.created, tap)
	return tap, nil
}
func (f *fakeTAP) Destroy(ctx context.Context, tap string) error {
	f.destroyed = append(f.destroyed, tap)
	return f.destroyErr
}
func (f *fakeTAP) Exists(tap string) (bool, error) { return true, nil }

// fakeFirewall is a no-op FirewallService.
type fakeFirewall struct {
	createErr error
	applyErr  error
	detached  []string
	removed   []string
}

func (f *fakeFirewall) CreateVMChain(vmID, tap string) error { return f.createErr }
func (f *fakeFirewall) ApplyRulesIfChanged(vmID, tap string, deptRules, vmRules []model.FirewallRule) (firewall.ApplyResult, error) {
	return firewall.ApplyResult{}, f.applyErr
}
func (f *fakeFirewall) DetachJumpRules(vmID string) error {
	f.detached = append(f.detached, vmID)
	return nil
}
func (f *fakeFirewall) RemoveVMChain(ctx context.Context, vmID string) error {
	f.removed = append(f.removed, vmID)
	return nil
}

// fakeRules supplies empty rule sets.
type fakeRules struct{}

func (fakeRules) DeptRules(ctx context.Context, vmID string) ([]model.FirewallRule, error) {
	return nil, nil
}
func (fakeRules) VMRules(ctx context.Context, vmID string) ([]model.FirewallRule, error) {
	return nil, nil
}

// fakeControlClient is a scriptable ControlClient.
type fakeControlClient struct {
	mu           sync.Mutex
	status       control.VMStatus
	statusErr    error
	stopErr      error
	contErr      error
	powerdownErr error
	resetErr     error
	shutdownN    int
	onPowerdown  func()
}

func (f *fakeControlClient) QueryStatus(ctx context.Context) (control.VMStatus, error) {
	return f.status, f.statusErr
}
func (f *fakeControlClient) Stop(ctx context.Context) error { return f.stopErr }
func (f *fakeControlClient) Cont(ctx context.Context) error { return f.contErr }
func (f *fakeControlClient) SystemPowerdown(ctx context.Context) error {
	if f.onPowerdown != nil {
		f.onPowerdown()
	}
	return f.powerdownErr
}
func (f *fakeControlClient) SystemReset(ctx context.Context) error { return f.resetErr }
func (f *fakeControlClient) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdownN++
}

// fakeDialer always hands back the same scripted client.
type fakeDialer struct {
	client  ControlClient
	dialErr error
	calls   int
}

func (f *fakeDialer) Dial(ctx context.Context, socketPath string, eventCh chan<- control.Event) (ControlClient, error) {
	f.calls++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f.client, nil
}

// fakeProcess is a scriptable ProcessLauncher.
type fakeProcess struct {
	mu        sync.Mutex
	pid       int
	startErr  error
	alive     map[int]bool
	killed    []int
}

func (f *fakeProcess) Start(ctx context.Context, binary string, args []string, pidFilePath string) (int, error) {
	if f.startErr != nil {
		return 0, f.startErr
	}
	return f.pid, nil
}
func (f *fakeProcess) IsAlive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}
func (f *fakeProcess) ForceKill(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	if f.alive != nil {
		f.alive[pid] = false
	}
	return nil
}

// fakeDiskImage is a no-op DiskImageCreator, avoiding a real qemu-img
// subprocess invocation in tests.
type fakeDiskImage struct {
	createErr error
	created   []string
}

func (f *fakeDiskImage) Create(ctx context.Context, path string, sizeGB int) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, path)
	return nil
}

// fakeSink records published events.
type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeSink) Publish(evt events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

// fakeClock is a controllable Clock; Sleep advances the clock instantly
// instead of blocking, so tests finish fast.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}
func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func baseVM(id string) *model.VM {
	return &model.VM{
		ID:           id,
		DisplayName:  "test-vm",
		InternalName: fmt.Sprintf("vm-%s", id),
		OS:           "ubuntu-22.04",
		CPUCores:     2,
		RAMGB:        2,
		Disks:        []model.Disk{{SizeGB: 10}},
		Bridge:       "virbr0",
		DisplayType:  model.DisplayVNC,
		DisplayPort:  5900,
		Status:       model.StatusBuilding,
		Version:      0,
	}
}
