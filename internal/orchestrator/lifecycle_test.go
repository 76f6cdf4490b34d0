package orchestrator

import (
	"context"
	"testing"

	"github.com/infinibay/infinization/internal/model"
)

func TestSuspendRequiresRunning(t *testing.T) {
	vm := baseVM("vm-30")
	vm.Status = model.StatusOff
	o, _, _, _ := testOrchestrator(t, vm)

	_, err := o.Suspend(context.Background(), "vm-30")
	if err == nil {
		t.Fatal("expected invalid-state error")
	}
	if kind, ok := model.KindOf(err); !ok || kind != model.ErrInvalidState {
		t.Errorf("error kind = %v, want INVALID_STATE", kind)
	}
}

func TestSuspendUsesRegistryClientAndTransitionsStatus(t *testing.T) {
	vm := runningVMWithRuntime("vm-31", 601)
	o, st, _, _ := testOrchestrator(t, vm)
	client := &fakeControlClient{}
	o.registryOf().set("vm-31", &activeControl{client: client})

	res, err := o.Suspend(context.Background(), "vm-31")
	if err != nil {
		t.Fatalf("Suspend returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if st.vms["vm-31"].Status != model.StatusSuspended {
		t.Errorf("stored status = %q, want suspended", st.vms["vm-31"].Status)
	}
	// the registry-tracked client must not be shut down by Suspend — it
	// stays live for the eventual Resume.
	if client.shutdownN != 0 {
		t.Error("suspend must not shut down the tracked control client")
	}
}

func TestResumeFromSuspendedOrPaused(t *testing.T) {
	for _, from := range []string{model.StatusSuspended, model.StatusPaused} {
		vm := runningVMWithRuntime("vm-32", 602)
		vm.Status = from
		o, st, _, _ := testOrchestrator(t, vm)
		client := &fakeControlClient{}
		o.registryOf().set("vm-32", &activeControl{client: client})

		res, err := o.Resume(context.Background(), "vm-32")
		if err != nil {
			t.Fatalf("Resume from %q returned error: %v", from, err)
		}
		if !res.Success {
			t.Errorf("expected success resuming from %q, got %+v", from, res)
		}
		if st.vms["vm-32"].Status != model.StatusRunning {
			t.Errorf("stored status = %q, want running", st.vms["vm-32"].Status)
		}
	}
}

func TestResetLeavesStatusUnchanged(t *testing.T) {
	vm := runningVMWithRuntime("vm-33", 603)
	o, st, _, _ := testOrchestrator(t, vm)
	client := &fakeControlClient{}
	o.registryOf().set("vm-33", &activeControl{client: client})

	res, err := o.Reset(context.Background(), "vm-33")
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if st.vms["vm-33"].Status != model.StatusRunning {
		t.Errorf("reset must not change status, got %q", st.vms["vm-33"].Status)
	}
}

func TestReachControlClientDialsFreshWhenNotTracked(t *testing.T) {
	vm := runningVMWithRuntime("vm-34", 604)
	o, _, _, dialer := testOrchestrator(t, vm)
	dialer.client = &fakeControlClient{}

	res, err := o.Reset(context.Background(), "vm-34")
	if err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if dialer.calls != 1 {
		t.Errorf("expected a fresh dial since no registry entry existed, got %d calls", dialer.calls)
	}
}

func TestRestartStopsThenStarts(t *testing.T) {
	vm := runningVMWithRuntime("vm-35", 605)
	o, st, proc, _ := testOrchestrator(t, vm)
	proc.alive[605] = true

	client := &fakeControlClient{onPowerdown: func() {
		proc.mu.Lock()
		proc.alive[605] = false
		proc.mu.Unlock()
	}}
	o.registryOf().set("vm-35", &activeControl{client: client})

	res, err := o.Restart(context.Background(), "vm-35")
	if err != nil {
		t.Fatalf("Restart returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if st.vms["vm-35"].Status != model.StatusRunning {
		t.Errorf("stored status = %q, want running after restart", st.vms["vm-35"].Status)
	}
}
