package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/infinibay/infinization/internal/model"
)

func runningVMWithRuntime(id string, pid int) *model.VM {
	vm := baseVM(id)
	vm.Status = model.StatusRunning
	vm.Runtime = &model.RuntimeConfig{
		PID:               pid,
		TapDevice:         "tap-" + id,
		ControlSocketPath: "/tmp/" + id + ".sock",
	}
	return vm
}

func TestStopGracefulPowersDownAndDetachesJumpRules(t *testing.T) {
	vm := runningVMWithRuntime("vm-20", 555)
	o, st, proc, dialer := testOrchestrator(t, vm)
	proc.alive[555] = true

	client := &fakeControlClient{}
	// the hypervisor exits as soon as it acknowledges the powerdown request.
	client.onPowerdown = func() {
		proc.mu.Lock()
		proc.alive[555] = false
		proc.mu.Unlock()
	}
	dialer.client = client
	o.registryOf().set("vm-20", &activeControl{client: client})

	res, err := o.Stop(context.Background(), "vm-20", DefaultStopOptions())
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if !res.Success || res.Forced {
		t.Errorf("expected graceful non-forced stop, got %+v", res)
	}
	if client.shutdownN == 0 {
		t.Error("expected control client Shutdown to be called on stop")
	}
	if st.vms["vm-20"].Status != model.StatusOff {
		t.Errorf("stored status = %q, want off", st.vms["vm-20"].Status)
	}
	if _, tracked := o.registryOf().get("vm-20"); tracked {
		t.Error("registry entry must be removed after stop")
	}
	fw := o.Firewall.(*fakeFirewall)
	if len(fw.detached) != 1 || fw.detached[0] != "vm-20" {
		t.Errorf("expected jump rules detached for vm-20, got %v", fw.detached)
	}
	if len(fw.removed) != 0 {
		t.Errorf("stop must never delete the filter chain, got removed=%v", fw.removed)
	}
}

func TestStopForcesKillWhenGracefulPowerdownDoesNotExit(t *testing.T) {
	vm := runningVMWithRuntime("vm-21", 556)
	o, st, proc, dialer := testOrchestrator(t, vm)
	proc.alive[556] = true
	dialer.client = &fakeControlClient{}
	o.registryOf().set("vm-21", &activeControl{client: dialer.client})

	// process never reports exit on its own: Stop must force-kill.
	res, err := o.Stop(context.Background(), "vm-21", StopOptions{Graceful: true, Timeout: 20 * time.Millisecond, Force: true})
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if !res.Forced {
		t.Errorf("expected forced stop since process never exited, got %+v", res)
	}
	if len(proc.killed) != 1 || proc.killed[0] != 556 {
		t.Errorf("expected force-kill of pid 556, got %v", proc.killed)
	}
	if st.vms["vm-21"].Status != model.StatusOff {
		t.Errorf("stored status = %q, want off", st.vms["vm-21"].Status)
	}
}

func TestStopAlreadyStoppedIsNoop(t *testing.T) {
	vm := baseVM("vm-22")
	vm.Status = model.StatusOff
	o, _, proc, _ := testOrchestrator(t, vm)

	res, err := o.Stop(context.Background(), "vm-22", DefaultStopOptions())
	if err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success for already-stopped vm, got %+v", res)
	}
	if len(proc.killed) != 0 {
		t.Error("already-stopped vm should never reach force-kill")
	}
}
