package orchestrator

import (
	"context"
	"testing"

	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/model"
)

func TestStatusConsistentWhenRunningAndProcessAlive(t *testing.T) {
	vm := runningVMWithRuntime("vm-40", 701)
	o, _, proc, _ := testOrchestrator(t, vm)
	proc.alive[701] = true

	res, err := o.Status(context.Background(), "vm-40")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if !res.Consistent {
		t.Errorf("expected consistent status, got %+v", res)
	}
	if !res.ProcessAlive {
		t.Error("expected ProcessAlive true")
	}
}

func TestStatusInconsistentWhenDBRunningButProcessDead(t *testing.T) {
	vm := runningVMWithRuntime("vm-41", 702)
	o, _, proc, _ := testOrchestrator(t, vm)
	proc.alive[702] = false

	res, err := o.Status(context.Background(), "vm-41")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if res.Consistent {
		t.Errorf("expected inconsistent status (db says running, process is dead), got %+v", res)
	}
}

func TestStatusReportsControlStatusWhenTracked(t *testing.T) {
	vm := runningVMWithRuntime("vm-42", 703)
	o, _, proc, _ := testOrchestrator(t, vm)
	proc.alive[703] = true
	client := &fakeControlClient{status: control.VMStatus{Status: "running", Running: true}}
	o.registryOf().set("vm-42", &activeControl{client: client})

	res, err := o.Status(context.Background(), "vm-42")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if res.ControlStatus != "running" {
		t.Errorf("ControlStatus = %q, want running", res.ControlStatus)
	}
}

func TestStatusMissingVMSurfacesNotFound(t *testing.T) {
	o, _, _, _ := testOrchestrator(t, baseVM("vm-43"))
	_, err := o.Status(context.Background(), "does-not-exist")
	if err == nil {
		t.Fatal("expected not-found error")
	}
	if kind, ok := model.KindOf(err); !ok || kind != model.ErrVMNotFound {
		t.Errorf("error kind = %v, want VM_NOT_FOUND", kind)
	}
}
