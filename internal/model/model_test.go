package model_test

import (
	"testing"

	"github.com/infinibay/infinization/internal/model"
)

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{model.StatusOff, model.StatusRunning, true},
		{model.StatusRunning, model.StatusOff, true},
		{model.StatusRunning, model.StatusSuspended, true},
		{model.StatusSuspended, model.StatusRunning, true},
		{model.StatusOff, model.StatusSuspended, false},
		{model.StatusError, model.StatusRunning, false},
	}
	for _, tt := range tests {
		if got := model.ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidateCreate(t *testing.T) {
	base := func() *model.VM {
		return &model.VM{
			InternalName: "vm-abc123",
			CPUCores:     1,
			RAMGB:        1,
			Disks:        []model.Disk{{SizeGB: 10}},
			Bridge:       "virbr0",
			DisplayType:  model.DisplaySpice,
		}
	}

	if err := model.ValidateCreate(base()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*model.VM)
	}{
		{"zero cpu", func(vm *model.VM) { vm.CPUCores = 0 }},
		{"low ram", func(vm *model.VM) { vm.RAMGB = 0.25 }},
		{"no disks", func(vm *model.VM) { vm.Disks = nil }},
		{"zero size disk", func(vm *model.VM) { vm.Disks = []model.Disk{{SizeGB: 0}} }},
		{"bad display", func(vm *model.VM) { vm.DisplayType = "rdp" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			vm := base()
			tc.mutate(vm)
			err := model.ValidateCreate(vm)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			kind, ok := model.KindOf(err)
			if !ok || kind != model.ErrInvalidConfig {
				t.Errorf("kind = %v, want INVALID_CONFIG", kind)
			}
		})
	}
}

func TestDefaultEstablishedRule(t *testing.T) {
	r := model.DefaultEstablishedRule()
	if r.Priority != model.DefaultRulePriority {
		t.Errorf("priority = %d, want %d", r.Priority, model.DefaultRulePriority)
	}
	if r.Direction != model.DirectionInOut || r.Protocol != model.ProtocolAll {
		t.Errorf("unexpected default rule shape: %+v", r)
	}
}

func TestCleanupRunAllSucceeded(t *testing.T) {
	run := model.CleanupRun{Resources: []model.CleanupResourceState{
		{Tag: model.ResourceTAP, Status: model.CleanupSuccess},
		{Tag: model.ResourceFilterChain, Status: model.CleanupSuccess},
	}}
	if !run.AllSucceeded() {
		t.Error("expected all succeeded")
	}
	run.Resources = append(run.Resources, model.CleanupResourceState{Tag: model.ResourcePIDFile, Status: model.CleanupFailed})
	if run.AllSucceeded() {
		t.Error("expected not all succeeded")
	}
	if run.FailedCount() != 1 {
		t.Errorf("FailedCount() = %d, want 1", run.FailedCount())
	}
}
