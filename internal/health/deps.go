// Package health implements the Health Monitor & Cleanup Orchestrator
// (§4.8): a periodic sweep that finds VMs the DB believes are running but
// whose hypervisor process has actually died, and walks an ordered,
// retrying cleanup ladder to release their host resources.
package health

import (
	"log/slog"
	"time"

	"github.com/infinibay/infinization/internal/config"
	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// TAPDetacher is the subset of internal/tap.Manager the cleanup ladder
// drives: BringDown preserves the device (so a later Create can reuse its
// name) rather than deleting it outright.
type TAPDetacher interface {
	BringDown(tap string) error
}

// FirewallDetacher is the subset of internal/firewall.Service the cleanup
// ladder drives: DetachJumpRules removes the bridge-chain jump without
// deleting the per-VM chain or its rules.
type FirewallDetacher interface {
	DetachJumpRules(vmID string) error
}

// ProcessChecker abstracts hypervisor PID liveness, mirroring the subset of
// internal/hypervisor the orchestrator also consumes.
type ProcessChecker interface {
	IsAlive(pid int) bool
}

// Clock abstracts time for deterministic retry-backoff tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// CrashHook is invoked once per detected crash, after cleanup completes,
// for callers that want to page an operator or trigger external automation.
// Optional: a nil CrashHook is simply skipped.
type CrashHook func(vmID string, run *model.CleanupRun)

// Monitor runs the periodic sweep described in §4.8.
type Monitor struct {
	Store    store.Store
	Process  ProcessChecker
	TAP      TAPDetacher
	Firewall FirewallDetacher
	Events   events.Sink
	Cfg      config.Config
	Log      *slog.Logger
	Clock    Clock

	OnCrash CrashHook

	checking int32
}

// New constructs a Monitor with a real-time Clock, using slog.Default() if
// log is nil.
func New(
	st store.Store,
	proc ProcessChecker,
	tapMgr TAPDetacher,
	fw FirewallDetacher,
	sink events.Sink,
	cfg config.Config,
	log *slog.Logger,
) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{
		Store: st, Process: proc, TAP: tapMgr, Firewall: fw,
		Events: sink, Cfg: cfg, Log: log, Clock: realClock{},
	}
}

type realClock struct{}

func (realClock) Now() time.Time       { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
