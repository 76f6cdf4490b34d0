package store

import (
	"context"
	"errors"
	"testing"

	"github.com/infinibay/infinization/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestVM() *model.VM {
	return &model.VM{
		ID:           model.NewID(),
		DisplayName:  "test vm",
		InternalName: "vm-test",
		OS:           "linux",
		CPUCores:     2,
		RAMGB:        2,
		Disks:        []model.Disk{{Path: "/var/lib/infinization/disks/vm-test.qcow2", SizeGB: 20}},
		Bridge:       "virbr0",
		DisplayType:  model.DisplaySpice,
		DisplayPort:  5900,
		Status:       model.StatusOff,
	}
}

func TestCreateAndFindMachineWithConfig(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()

	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	got, err := s.FindMachineWithConfig(ctx, vm.ID)
	if err != nil {
		t.Fatalf("FindMachineWithConfig: %v", err)
	}
	if got.ID != vm.ID || got.InternalName != vm.InternalName {
		t.Errorf("got %+v, want id=%q internalName=%q", got, vm.ID, vm.InternalName)
	}
	if len(got.Disks) != 1 || got.Disks[0].SizeGB != 20 {
		t.Errorf("Disks = %+v, want one 20GB disk", got.Disks)
	}
	if got.Version != 1 {
		t.Errorf("Version = %d, want 1", got.Version)
	}
}

func TestFindMachineWithConfigNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.FindMachineWithConfig(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestTransitionVMStatusSuccess(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	res, err := s.TransitionVMStatus(ctx, vm.ID, model.StatusOff, model.StatusBuilding, 1)
	if err != nil {
		t.Fatalf("TransitionVMStatus: %v", err)
	}
	if res.NewVersion != 2 {
		t.Errorf("NewVersion = %d, want 2", res.NewVersion)
	}
	if res.VM.Status != model.StatusBuilding {
		t.Errorf("Status = %q, want building", res.VM.Status)
	}
}

func TestTransitionVMStatusStaleVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if _, err := s.TransitionVMStatus(ctx, vm.ID, model.StatusOff, model.StatusBuilding, 1); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// expectedVersion 1 is now stale (actual version is 2).
	if _, err := s.TransitionVMStatus(ctx, vm.ID, model.StatusBuilding, model.StatusRunning, 1); !errors.Is(err, ErrVersionConflict) {
		t.Errorf("err = %v, want ErrVersionConflict", err)
	}
}

func TestTransitionVMStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	_, err := s.TransitionVMStatus(ctx, vm.ID, model.StatusError, model.StatusRunning, 1)
	if err == nil {
		t.Fatal("expected error for invalid transition")
	}
	kind, ok := model.KindOf(err)
	if !ok || kind != model.ErrInvalidState {
		t.Errorf("kind = %v, want INVALID_STATE", kind)
	}
}

func TestPutAndGetFirewallRules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	rules := []model.FirewallRule{
		{ID: "r2", Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolTCP, DstPortMin: 443, DstPortMax: 443, Priority: 200},
		{ID: "r1", Action: model.ActionDrop, Direction: model.DirectionIn, Protocol: model.ProtocolTCP, DstPortMin: 22, DstPortMax: 22, Priority: 50},
	}
	if err := s.PutFirewallRules(ctx, vm.ID, rules); err != nil {
		t.Fatalf("PutFirewallRules: %v", err)
	}

	got, err := s.GetFirewallRules(ctx, vm.ID)
	if err != nil {
		t.Fatalf("GetFirewallRules: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
	if got[0].ID != "r1" || got[1].ID != "r2" {
		t.Errorf("rules not ordered by priority: %+v", got)
	}
}

func TestFindRunningVMs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	off := makeTestVM()
	if err := s.CreateVM(ctx, off); err != nil {
		t.Fatalf("CreateVM off: %v", err)
	}

	running := makeTestVM()
	running.Status = model.StatusRunning
	if err := s.CreateVM(ctx, running); err != nil {
		t.Fatalf("CreateVM running: %v", err)
	}

	vms, err := s.FindRunningVMs(ctx)
	if err != nil {
		t.Fatalf("FindRunningVMs: %v", err)
	}
	if len(vms) != 1 || vms[0].ID != running.ID {
		t.Errorf("FindRunningVMs = %+v, want only %q", vms, running.ID)
	}
}

func TestClearMachineConfiguration(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}
	if err := s.UpdateMachineConfiguration(ctx, vm.ID, ConfigPatch{RuntimeConfig: &model.RuntimeConfig{PID: 1234}}); err != nil {
		t.Fatalf("UpdateMachineConfiguration: %v", err)
	}

	if err := s.ClearMachineConfiguration(ctx, vm.ID); err != nil {
		t.Fatalf("ClearMachineConfiguration: %v", err)
	}

	got, err := s.FindMachineWithConfig(ctx, vm.ID)
	if err != nil {
		t.Fatalf("FindMachineWithConfig: %v", err)
	}
	if got.Runtime != nil {
		t.Errorf("Runtime = %+v, want nil after clear", got.Runtime)
	}
}

func TestDeleteVM(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	vm := makeTestVM()
	if err := s.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM: %v", err)
	}

	if err := s.DeleteVM(ctx, vm.ID); err != nil {
		t.Fatalf("DeleteVM: %v", err)
	}
	if _, err := s.FindMachineWithConfig(ctx, vm.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound after delete", err)
	}
}
