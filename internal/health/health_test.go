package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/infinibay/infinization/internal/config"
	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

var errTAPBusy = errors.New("tap device busy")

type fakeStore struct {
	mu      sync.Mutex
	running []*model.VM
	status  map[string]string
	cleared []string
	runs    []*model.CleanupRun
}

func (s *fakeStore) FindRunningVMs(ctx context.Context) ([]*model.VM, error) {
	return s.running, nil
}
func (s *fakeStore) UpdateMachineStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		s.status = make(map[string]string)
	}
	s.status[id] = status
	return nil
}
func (s *fakeStore) ClearVolatileMachineConfiguration(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, id)
	return nil
}
func (s *fakeStore) RecordCleanupRun(ctx context.Context, run *model.CleanupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
	return nil
}

// the rest of store.Store is unused by the health monitor but required to
// satisfy the interface.
func (s *fakeStore) FindMachineWithConfig(ctx context.Context, id string) (*model.VM, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) UpdateMachineConfiguration(ctx context.Context, id string, patch store.ConfigPatch) error {
	return nil
}
func (s *fakeStore) ClearMachineConfiguration(ctx context.Context, id string) error { return nil }
func (s *fakeStore) TransitionVMStatus(ctx context.Context, id, from, to string, expectedVersion int) (*store.TransitionResult, error) {
	return nil, store.ErrNotFound
}
func (s *fakeStore) GetFirewallRules(ctx context.Context, id string) ([]model.FirewallRule, error) {
	return nil, nil
}
func (s *fakeStore) PutFirewallRules(ctx context.Context, id string, rules []model.FirewallRule) error {
	return nil
}
func (s *fakeStore) GetMachineInternalName(ctx context.Context, id string) (string, error) {
	return "", store.ErrNotFound
}
func (s *fakeStore) CreateVM(ctx context.Context, vm *model.VM) error { return nil }
func (s *fakeStore) DeleteVM(ctx context.Context, id string) error   { return nil }
func (s *fakeStore) ListVMs(ctx context.Context) ([]*model.VM, error) { return nil, nil }
func (s *fakeStore) Close() error                                     { return nil }

type fakeProcess struct {
	alive map[int]bool
}

func (f *fakeProcess) IsAlive(pid int) bool { return f.alive[pid] }

type fakeTAP struct {
	broughtDown []string
	err         error
}

func (f *fakeTAP) BringDown(tap string) error {
	f.broughtDown = append(f.broughtDown, tap)
	return f.err
}

type fakeFirewall struct {
	detached []string
	err      error
}

func (f *fakeFirewall) DetachJumpRules(vmID string) error {
	f.detached = append(f.detached, vmID)
	return f.err
}

type fakeSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (f *fakeSink) Publish(evt events.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time      { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func testMonitor(running []*model.VM, alive map[int]bool) (*Monitor, *fakeStore, *fakeTAP, *fakeFirewall, *fakeSink) {
	st := &fakeStore{running: running}
	proc := &fakeProcess{alive: alive}
	tapMgr := &fakeTAP{}
	fw := &fakeFirewall{}
	sink := &fakeSink{}
	m := &Monitor{
		Store:    st,
		Process:  proc,
		TAP:      tapMgr,
		Firewall: fw,
		Events:   sink,
		Cfg: config.Config{
			CleanupMaxAttempts: 3,
			CleanupBaseDelay:   time.Millisecond,
			CleanupBackoffCap:  5 * time.Millisecond,
		},
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock: &fakeClock{now: time.Unix(1700000000, 0)},
	}
	return m, st, tapMgr, fw, sink
}

func runningVM(id string, pid int) *model.VM {
	return &model.VM{
		ID:     id,
		Status: model.StatusRunning,
		Runtime: &model.RuntimeConfig{
			PID:                  pid,
			TapDevice:            "tap-" + id,
			ControlSocketPath:    "/tmp/does-not-exist-" + id + ".sock",
			GuestAgentSocketPath: "/tmp/does-not-exist-" + id + "-agent.sock",
			PIDFilePath:          "/tmp/does-not-exist-" + id + ".pid",
		},
	}
}

func TestSweepSkipsAliveVM(t *testing.T) {
	vm := runningVM("vm-1", 100)
	m, st, tapMgr, fw, sink := testMonitor([]*model.VM{vm}, map[int]bool{100: true})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if len(st.cleared) != 0 {
		t.Error("alive vm must not trigger cleanup")
	}
	if len(tapMgr.broughtDown) != 0 || len(fw.detached) != 0 {
		t.Error("alive vm must not touch network resources")
	}
	if len(sink.events) != 0 {
		t.Error("alive vm must not publish a crash event")
	}
}

func TestSweepCleansUpDeadVM(t *testing.T) {
	vm := runningVM("vm-2", 200)
	m, st, tapMgr, fw, sink := testMonitor([]*model.VM{vm}, map[int]bool{200: false})

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if st.status["vm-2"] != model.StatusOff {
		t.Errorf("status = %q, want off", st.status["vm-2"])
	}
	if len(tapMgr.broughtDown) != 1 || tapMgr.broughtDown[0] != "tap-vm-2" {
		t.Errorf("expected tap-vm-2 brought down, got %v", tapMgr.broughtDown)
	}
	if len(fw.detached) != 1 || fw.detached[0] != "vm-2" {
		t.Errorf("expected vm-2 jump rules detached, got %v", fw.detached)
	}
	if len(st.cleared) != 1 || st.cleared[0] != "vm-2" {
		t.Errorf("expected vm-2 runtime config cleared, got %v", st.cleared)
	}
	if len(st.runs) != 1 {
		t.Fatalf("expected one recorded cleanup run, got %d", len(st.runs))
	}
	if !st.runs[0].AllSucceeded() {
		t.Errorf("expected all cleanup resources to succeed, got %+v", st.runs[0].Resources)
	}

	foundCrash := false
	for _, evt := range sink.events {
		if evt.Kind == events.KindCrash {
			foundCrash = true
		}
	}
	if !foundCrash {
		t.Error("expected a crash event to be published")
	}
}

func TestSweepSkipsDBClearWhenUpstreamStepFails(t *testing.T) {
	vm := runningVM("vm-3", 300)
	m, st, tapMgr, _, sink := testMonitor([]*model.VM{vm}, map[int]bool{300: false})
	tapMgr.err = errTAPBusy

	if err := m.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if len(st.cleared) != 0 {
		t.Error("db-config clear must be skipped when an upstream step failed")
	}

	foundAlert := false
	for _, evt := range sink.events {
		if evt.Kind == events.KindCleanupAlert {
			foundAlert = true
		}
	}
	if !foundAlert {
		t.Error("expected a cleanup alert event when a resource step failed")
	}
}

func TestSweepSkippedWhilePreviousCycleRunning(t *testing.T) {
	m, _, _, _, _ := testMonitor(nil, nil)
	m.checking = 1 // simulate a cycle already in flight

	m.tick(context.Background())
	// tick should be a no-op: checking flag must remain untouched by this call.
	if m.checking != 1 {
		t.Error("tick must not clear a checking flag it did not set")
	}
}
