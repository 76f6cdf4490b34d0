package control

import "context"

// VMStatus mirrors the hypervisor's query-status response (§4.6).
type VMStatus struct {
	Running    bool   `json:"running"`
	Status     string `json:"status"`
	SingleStep bool   `json:"singlestep"`
}

// BalloonInfo mirrors query-balloon, used by the health monitor to sample
// guest memory pressure without a guest-agent round trip.
type BalloonInfo struct {
	Actual uint64 `json:"actual"`
}

// QueryStatus reports whether the hypervisor believes the guest is running,
// paused, or in some other transitional state.
func (c *Client) QueryStatus(ctx context.Context) (VMStatus, error) {
	resp, err := c.ExecuteWithResponse(ctx, "query-status", nil)
	if err != nil {
		return VMStatus{}, err
	}
	return decodeStatus(resp), nil
}

func decodeStatus(resp interface{}) VMStatus {
	m, ok := resp.(map[string]interface{})
	if !ok {
		return VMStatus{}
	}
	running, _ := m["running"].(bool)
	status, _ := m["status"].(string)
	step, _ := m["singlestep"].(bool)
	return VMStatus{Running: running, Status: status, SingleStep: step}
}

// Stop pauses guest execution (the "stop" command).
func (c *Client) Stop(ctx context.Context) error {
	return c.Execute(ctx, "stop", nil)
}

// Cont resumes guest execution (the "cont" command).
func (c *Client) Cont(ctx context.Context) error {
	return c.Execute(ctx, "cont", nil)
}

// SystemPowerdown requests a graceful ACPI shutdown and blocks until the
// hypervisor reports the SHUTDOWN event, giving the guest OS a chance to
// shut down cleanly before any force-kill fallback in the orchestrator.
func (c *Client) SystemPowerdown(ctx context.Context) error {
	return c.ExecuteAwaitingEvent(ctx, "system_powerdown", nil, "SHUTDOWN", "", "")
}

// SystemReset requests a hard reset without tearing down the process.
func (c *Client) SystemReset(ctx context.Context) error {
	return c.ExecuteAwaitingEvent(ctx, "system_reset", nil, "RESET", "", "")
}

// Quit terminates the hypervisor process immediately via the control
// channel, bypassing guest shutdown.
func (c *Client) Quit(ctx context.Context) error {
	return c.Execute(ctx, "quit", nil)
}

// QueryBalloon reports the guest's actual memory usage as last reported by
// the balloon driver.
func (c *Client) QueryBalloon(ctx context.Context) (BalloonInfo, error) {
	resp, err := c.ExecuteWithResponse(ctx, "query-balloon", nil)
	if err != nil {
		return BalloonInfo{}, err
	}
	m, ok := resp.(map[string]interface{})
	if !ok {
		return BalloonInfo{}, nil
	}
	actual, _ := m["actual"].(float64)
	return BalloonInfo{Actual: uint64(actual)}, nil
}
