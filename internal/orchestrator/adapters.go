package orchestrator

import (
	"context"
	"time"

	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/hypervisor"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// DefaultProcessLauncher adapts internal/hypervisor to the ProcessLauncher
// trait the orchestrator depends on.
type DefaultProcessLauncher struct{}

func (DefaultProcessLauncher) Start(ctx context.Context, binary string, args []string, pidFilePath string) (int, error) {
	return hypervisor.New(binary, args, pidFilePath).Start(ctx)
}

func (DefaultProcessLauncher) IsAlive(pid int) bool   { return hypervisor.IsAlive(pid) }
func (DefaultProcessLauncher) ForceKill(pid int) error { return hypervisor.ForceKill(pid) }

// DefaultControlDialer adapts internal/control.DialWithRetry to the
// ControlDialer trait, with a fixed retry policy appropriate for the
// socket-appearance wait (§5: separate 5 s timeout from command timeout).
type DefaultControlDialer struct {
	DialTimeout time.Duration
}

func (d DefaultControlDialer) Dial(ctx context.Context, socketPath string, eventCh chan<- control.Event) (ControlClient, error) {
	dialTimeout := d.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}
	client, _, err := control.DialWithRetry(ctx, socketPath, dialTimeout, control.Config{EventCh: eventCh}, control.DialRetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   100 * time.Millisecond,
		Factor:      1.5,
		Cap:         1 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// StoreRuleProvider adapts store.Store's per-VM rule set to the
// RuleProvider trait. No department entity is modeled in §3's data model
// yet, so DeptRules always returns an empty set rather than erroring —
// VMRules alone carries every rule a VM record has.
type StoreRuleProvider struct {
	Store store.Store
}

func (p StoreRuleProvider) DeptRules(ctx context.Context, vmID string) ([]model.FirewallRule, error) {
	return nil, nil
}

func (p StoreRuleProvider) VMRules(ctx context.Context, vmID string) ([]model.FirewallRule, error) {
	return p.Store.GetFirewallRules(ctx, vmID)
}
