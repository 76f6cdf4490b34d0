package execx

import (
	"context"
	"time"
)

// BusyRetryPolicy configures RetryOnBusy.
type BusyRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Cap         time.Duration
}

// RetryOnBusy runs op, retrying with exponential backoff while op returns an
// error recognized by isBusy (normally execx.IsBusy). It is the single
// shared helper used by the TAP manager, chain-delete and any future
// netlink caller, so busy-retry semantics never drift between call sites.
func RetryOnBusy(ctx context.Context, policy BusyRetryPolicy, isBusy func(error) bool, op func() error) error {
	delay := policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isBusy(lastErr) || attempt == policy.MaxAttempts {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * policy.Factor)
		if policy.Cap > 0 && delay > policy.Cap {
			delay = policy.Cap
		}
	}
	return lastErr
}
