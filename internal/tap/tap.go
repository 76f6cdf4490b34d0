// Package tap manages TAP network devices wired directly to a host bridge:
// create, configure, bring down, and destroy, with busy-retry around the
// kernel operations that aren't always immediately idempotent (§4.2).
package tap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/infinibay/infinization/internal/execx"
)

var defaultRetryPolicy = execx.BusyRetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Factor:      1,
	Cap:         500 * time.Millisecond,
}

// Manager creates and tears down TAP devices, attaching them to a bridge.
type Manager struct {
	retryPolicy execx.BusyRetryPolicy
	settleDelay time.Duration
}

// NewManager constructs a Manager with the default busy-retry policy
// (3 attempts, 500ms) and kernel settle delay (200ms) described in §4.2.
func NewManager() *Manager {
	return &Manager{retryPolicy: defaultRetryPolicy, settleDelay: 200 * time.Millisecond}
}

// Create creates a TAP device named by Name(vmID), destroying any orphan
// device of the same name first, then attaches it to bridge and returns
// its name.
func (m *Manager) Create(ctx context.Context, vmID, bridge string) (string, error) {
	name := Name(vmID)

	if ok, err := m.Exists(name); err != nil {
		return "", fmt.Errorf("check orphan tap %s: %w", name, err)
	} else if ok {
		if err := m.Destroy(ctx, name); err != nil {
			return "", fmt.Errorf("destroy orphan tap %s: %w", name, err)
		}
	}

	link := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
	}

	err := execx.RetryOnBusy(ctx, m.retryPolicy, execx.IsBusy, func() error {
		return netlink.LinkAdd(link)
	})
	if err != nil {
		return "", fmt.Errorf("create tap %s: %w", name, err)
	}

	if err := m.Configure(name, bridge); err != nil {
		return "", fmt.Errorf("configure tap %s: %w", name, err)
	}

	return name, nil
}

// Configure attaches tap to bridge and brings the link up.
func (m *Manager) Configure(tap, bridge string) error {
	link, err := netlink.LinkByName(tap)
	if err != nil {
		return fmt.Errorf("find tap %s: %w", tap, err)
	}

	br, err := netlink.LinkByName(bridge)
	if err != nil {
		return fmt.Errorf("find bridge %s: %w", bridge, err)
	}

	if err := netlink.LinkSetMaster(link, br); err != nil {
		return fmt.Errorf("attach tap %s to bridge %s: %w", tap, bridge, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring tap %s up: %w", tap, err)
	}
	return nil
}

// BringDown sets the TAP device administratively down without deleting it.
func (m *Manager) BringDown(tap string) error {
	link, err := netlink.LinkByName(tap)
	if errors.As(err, new(netlink.LinkNotFoundError)) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find tap %s: %w", tap, err)
	}
	if err := netlink.LinkSetDown(link); err != nil {
		return fmt.Errorf("bring tap %s down: %w", tap, err)
	}
	return nil
}

// Destroy brings the TAP device down and deletes it, retrying on
// "device or resource busy" kernel responses. A missing device is success.
func (m *Manager) Destroy(ctx context.Context, tap string) error {
	link, err := netlink.LinkByName(tap)
	if errors.As(err, new(netlink.LinkNotFoundError)) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("find tap %s: %w", tap, err)
	}

	_ = netlink.LinkSetDown(link)
	time.Sleep(m.settleDelay)

	err = execx.RetryOnBusy(ctx, m.retryPolicy, execx.IsBusy, func() error {
		return netlink.LinkDel(link)
	})
	if errors.As(err, new(netlink.LinkNotFoundError)) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("destroy tap %s: %w", tap, err)
	}
	return nil
}

// Exists reports whether a TAP device with the given name currently exists.
func (m *Manager) Exists(tap string) (bool, error) {
	_, err := netlink.LinkByName(tap)
	if err == nil {
		return true, nil
	}
	if errors.As(err, new(netlink.LinkNotFoundError)) {
		return false, nil
	}
	return false, err
}
