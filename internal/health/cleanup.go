package health

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/infinibay/infinization/internal/execx"
	"github.com/infinibay/infinization/internal/model"
)

// cleanupRetryPolicy is the fixed backoff for every step of the resource
// ladder: base 1s, factor 2, cap 10s, max 3 attempts (§4.8). Distinct from
// the TAP manager's own busy-retry policy and the chain-delete policy,
// since the health monitor retries its own higher-level reconciliation
// steps rather than a single kernel call.
func cleanupRetryPolicy(cfg cleanupPolicyConfig) execx.BusyRetryPolicy {
	return execx.BusyRetryPolicy{
		MaxAttempts: cfg.maxAttempts,
		BaseDelay:   cfg.baseDelay,
		Factor:      2,
		Cap:         cfg.cap,
	}
}

type cleanupPolicyConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	cap         time.Duration
}

// alwaysRetry treats every error from a cleanup step as retryable — unlike
// execx.IsBusy, there's no narrower kernel-error signature to key off of
// here; the step itself decides success/failure.
func alwaysRetry(error) bool { return true }

// cleanupResource runs one named step through the shared retry policy and
// records its outcome into the run, in-place.
func (m *Monitor) cleanupResource(ctx context.Context, run *model.CleanupRun, tag, identifier string, step func() error) bool {
	state := model.CleanupResourceState{Tag: tag, Identifier: identifier, Status: model.CleanupPending}
	policy := cleanupRetryPolicy(cleanupPolicyConfig{
		maxAttempts: m.Cfg.CleanupMaxAttempts,
		baseDelay:   m.Cfg.CleanupBaseDelay,
		cap:         m.Cfg.CleanupBackoffCap,
	})

	attempts := 0
	wrapped := func() error {
		attempts++
		if attempts > 1 {
			state.Status = model.CleanupRetrying
		}
		return step()
	}

	err := execx.RetryOnBusy(ctx, policy, alwaysRetry, wrapped)
	state.Attempts = attempts
	state.LastAt = m.Clock.Now()
	if err != nil {
		state.Status = model.CleanupFailed
		state.LastError = err.Error()
		m.Log.Warn("cleanup step failed", "vm", run.VMID, "resource", tag, "attempts", attempts, "error", err)
	} else {
		state.Status = model.CleanupSuccess
	}
	run.Resources = append(run.Resources, state)
	return err == nil
}

// runCleanup walks the ordered resource ladder for one dead VM: TAP detach
// → filter jump detach → control socket unlink → guest-agent socket unlink
// → pid file unlink (only if it still names the dead pid) → DB
// runtime-config clear. The DB-config step is skipped if any upstream
// non-DB resource FAILED, preserving enough state for a manual retry
// (§4.8).
func (m *Monitor) runCleanup(ctx context.Context, vm *model.VM) *model.CleanupRun {
	run := &model.CleanupRun{VMID: vm.ID, StartedAt: m.Clock.Now()}
	rc := vm.Runtime

	upstreamOK := true

	if rc != nil && rc.TapDevice != "" {
		ok := m.cleanupResource(ctx, run, model.ResourceTAP, rc.TapDevice, func() error {
			return m.TAP.BringDown(rc.TapDevice)
		})
		upstreamOK = upstreamOK && ok
	}

	ok := m.cleanupResource(ctx, run, model.ResourceFilterChain, vm.ID, func() error {
		return m.Firewall.DetachJumpRules(vm.ID)
	})
	upstreamOK = upstreamOK && ok

	if rc != nil && rc.ControlSocketPath != "" {
		ok := m.cleanupResource(ctx, run, model.ResourceControlSocket, rc.ControlSocketPath, func() error {
			return unlinkIfExists(rc.ControlSocketPath)
		})
		upstreamOK = upstreamOK && ok
	}

	if rc != nil && rc.GuestAgentSocketPath != "" {
		ok := m.cleanupResource(ctx, run, model.ResourceGuestAgent, rc.GuestAgentSocketPath, func() error {
			return unlinkIfExists(rc.GuestAgentSocketPath)
		})
		upstreamOK = upstreamOK && ok
	}

	if rc != nil && rc.PIDFilePath != "" {
		ok := m.cleanupResource(ctx, run, model.ResourcePIDFile, rc.PIDFilePath, func() error {
			return m.unlinkPIDFileIfDead(rc.PIDFilePath, rc.PID)
		})
		upstreamOK = upstreamOK && ok
	}

	if upstreamOK {
		m.cleanupResource(ctx, run, model.ResourceDBConfig, vm.ID, func() error {
			return m.Store.ClearVolatileMachineConfiguration(ctx, vm.ID)
		})
	} else {
		m.Log.Warn("skipping db-config clear: upstream cleanup step failed, preserving state for manual retry", "vm", vm.ID)
	}

	run.EndedAt = m.Clock.Now()
	return run
}

// aggregateFailures folds every FAILED resource's last error into one
// multierror, so a single cleanup-alert event carries the full picture
// instead of just a count (§4.8 cleanup alert).
func aggregateFailures(run *model.CleanupRun) error {
	var result *multierror.Error
	for _, r := range run.Resources {
		if r.Status == model.CleanupFailed {
			result = multierror.Append(result, errors.New(r.Tag+": "+r.LastError))
		}
	}
	if result == nil {
		return errors.New("no failures recorded")
	}
	return result
}

// unlinkIfExists removes path, treating "already gone" as success.
func unlinkIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// unlinkPIDFileIfDead reads the pid recorded in path and only removes the
// file if it still names deadPID — never delete a pid file that might
// point to a live process that has since reused the VM's slot (§4.8).
func (m *Monitor) unlinkPIDFileIfDead(path string, deadPID int) error {
	recorded, err := readPIDFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if recorded != deadPID {
		m.Log.Warn("pid file no longer matches the dead process, leaving it alone", "path", path, "recorded", recorded, "dead", deadPID)
		return nil
	}
	return unlinkIfExists(path)
}
