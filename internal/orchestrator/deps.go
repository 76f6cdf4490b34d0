// Package orchestrator implements the Lifecycle Orchestrator (§4.1): the
// component that assembles a launch plan from a persisted VM record,
// creates host resources bottom-up, speaks the control protocol to the
// running hypervisor, and walks a cleanup ladder on failure. It consumes
// only small traits for persistence, networking, filtering, the control
// protocol, and events — never a concrete backend — so it can be tested
// against fakes and re-targeted without touching orchestration logic.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/infinibay/infinization/internal/config"
	"github.com/infinibay/infinization/internal/control"
	"github.com/infinibay/infinization/internal/events"
	"github.com/infinibay/infinization/internal/firewall"
	"github.com/infinibay/infinization/internal/model"
	"github.com/infinibay/infinization/internal/store"
)

// TAPManager is the subset of internal/tap.Manager the orchestrator drives.
type TAPManager interface {
	Create(ctx context.Context, vmID, bridge string) (string, error)
	Destroy(ctx context.Context, tap string) error
	Exists(tap string) (bool, error)
}

// FirewallService is the subset of internal/firewall.Service the
// orchestrator drives. DetachJumpRules removes only the bridge-chain jump,
// leaving the per-VM chain and its rules in place (§3 invariant: a filter
// chain persists across stop/start and exists iff the VM has ever run);
// RemoveVMChain deletes the chain outright; in this package only the
// failure unwind of Create/Start calls it.
type FirewallService interface {
	CreateVMChain(vmID, tap string) error
	ApplyRulesIfChanged(vmID, tap string, deptRules, vmRules []model.FirewallRule) (firewall.ApplyResult, error)
	DetachJumpRules(vmID string) error
	RemoveVMChain(ctx context.Context, vmID string) error
}

// RuleProvider supplies the department and VM-level firewall rules to
// apply — kept separate from store.Store because no persistence-adapter
// operation in §6 names a department-rule fetch; implementations may
// source department rules from wherever a future policy service lives.
type RuleProvider interface {
	DeptRules(ctx context.Context, vmID string) ([]model.FirewallRule, error)
	VMRules(ctx context.Context, vmID string) ([]model.FirewallRule, error)
}

// ControlClient is the subset of internal/control.Client the orchestrator
// and its Status/Suspend/Resume/Reset/Stop paths use.
type ControlClient interface {
	QueryStatus(ctx context.Context) (control.VMStatus, error)
	Stop(ctx context.Context) error
	Cont(ctx context.Context) error
	SystemPowerdown(ctx context.Context) error
	SystemReset(ctx context.Context) error
	Shutdown()
}

// ControlDialer connects to the hypervisor's control socket, abstracting
// over internal/control.Dial / DialWithRetry for testability. eventCh, if
// non-nil, receives every event the connected client reports — the
// orchestrator's event-handler attachment is simply "supply a channel and
// drain it"; detaching is "stop draining it" (§4.1 step 16, §4.1 Stop).
type ControlDialer interface {
	Dial(ctx context.Context, socketPath string, eventCh chan<- control.Event) (ControlClient, error)
}

// ProcessLauncher spawns and supervises the hypervisor process, abstracting
// over internal/hypervisor.Process.
type ProcessLauncher interface {
	Start(ctx context.Context, binary string, args []string, pidFilePath string) (int, error)
	IsAlive(pid int) bool
	ForceKill(pid int) error
}

// Clock abstracts time so tests can control polling waits deterministically
// without real sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Orchestrator wires the above traits together to implement §4.1.
type Orchestrator struct {
	Store     store.Store
	TAP       TAPManager
	Firewall  FirewallService
	Rules     RuleProvider
	Dialer    ControlDialer
	Process   ProcessLauncher
	DiskImage DiskImageCreator
	Events    events.Sink
	Cfg       config.Config
	Log       *slog.Logger
	Clock     Clock

	active *registry
}

// New constructs an Orchestrator from its dependencies with a real-time
// Clock and the qemu-img-backed DiskImageCreator, using slog.Default() if
// log is nil.
func New(
	st store.Store,
	tapMgr TAPManager,
	fw FirewallService,
	rules RuleProvider,
	dialer ControlDialer,
	proc ProcessLauncher,
	sink events.Sink,
	cfg config.Config,
	log *slog.Logger,
) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		Store: st, TAP: tapMgr, Firewall: fw, Rules: rules,
		Dialer: dialer, Process: proc, Events: sink, Cfg: cfg, Log: log,
		DiskImage: DefaultDiskImageCreator{},
		Clock:     realClock{},
		active:    newRegistry(),
	}
}

// diskImageCreator returns the configured DiskImageCreator, defaulting to
// the qemu-img-backed implementation for callers (or tests) that build an
// Orchestrator as a bare struct literal without going through New.
func (o *Orchestrator) diskImageCreator() DiskImageCreator {
	if o.DiskImage == nil {
		return DefaultDiskImageCreator{}
	}
	return o.DiskImage
}

// registryOf lazily initializes the active-control registry, so an
// Orchestrator built as a bare struct literal (as tests often do) still
// works without going through New.
func (o *Orchestrator) registryOf() *registry {
	if o.active == nil {
		o.active = newRegistry()
	}
	return o.active
}

type realClock struct{}

func (realClock) Now() time.Time        { return time.Now() }
func (realClock) Sleep(d time.Duration) { time.Sleep(d) }
