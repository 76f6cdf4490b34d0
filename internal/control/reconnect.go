package control

import (
	"context"
	"time"

	"github.com/infinibay/infinization/internal/execx"
)

// DialRetryPolicy configures DialWithRetry's backoff between dial attempts.
type DialRetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	Cap         time.Duration
}

// DialWithRetry dials path, retrying with exponential backoff if the socket
// isn't accepting connections yet — the hypervisor process may still be
// initializing its control listener when the orchestrator first attempts to
// attach (§4.6). It reuses the same backoff primitive as the TAP manager and
// firewall chain-delete, with "any dial error" standing in for "busy".
func DialWithRetry(ctx context.Context, path string, dialTimeout time.Duration, cfg Config, policy DialRetryPolicy) (*Client, *Greeting, error) {
	var client *Client
	var greeting *Greeting

	alwaysRetry := func(error) bool { return true }
	err := execx.RetryOnBusy(ctx, execx.BusyRetryPolicy{
		MaxAttempts: policy.MaxAttempts,
		BaseDelay:   policy.BaseDelay,
		Factor:      policy.Factor,
		Cap:         policy.Cap,
	}, alwaysRetry, func() error {
		c, g, err := Dial(ctx, path, dialTimeout, cfg)
		if err != nil {
			return err
		}
		client, greeting = c, g
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return client, greeting, nil
}
