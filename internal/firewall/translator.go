// Package firewall implements the layer-2 packet-filter service: per-VM
// nftables chains, rule merge/apply, jump attach/detach, and an on-disk
// mirror of the whole table (§4.3, §4.4).
package firewall

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/infinibay/infinization/internal/model"
)

// TranslateErrorKind is the closed set of validation failures the
// translator can raise.
type TranslateErrorKind string

const (
	ErrUnsupportedProtocol TranslateErrorKind = "UNSUPPORTED_PROTOCOL"
	ErrInvalidPortRange    TranslateErrorKind = "INVALID_PORT_RANGE"
	ErrInvalidIPAddress    TranslateErrorKind = "INVALID_IP_ADDRESS"
	ErrInvalidSubnetMask   TranslateErrorKind = "INVALID_SUBNET_MASK"
	ErrRuleInvalid         TranslateErrorKind = "RULE_INVALID"
)

// TranslateError wraps a TranslateErrorKind with a human-readable message.
type TranslateError struct {
	Kind TranslateErrorKind
	Msg  string
}

func (e *TranslateError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func translateErr(kind TranslateErrorKind, format string, args ...any) error {
	return &TranslateError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Tokens is the ordered, semantic representation of one translated filter
// rule — the input to nftables expression construction.
type Tokens struct {
	IfnameField string // "oifname" (direction IN) or "iifname" (direction OUT)
	Tap         string

	Protocol string // "", "tcp", "udp", "icmp"

	SrcCIDR string // normalized a.b.c.d/n, or ""
	DstCIDR string

	DstPortMin int
	DstPortMax int
	SrcPortMin int
	SrcPortMax int

	ConnStates []string

	Action  string // "accept", "drop", "reject"
	Comment string
}

// Render formats Tokens as an nft-syntax rule line, (conceptually) what a
// human reading `nft list table infinivirt` would see. The persisted file
// written by Persister does not contain these lines.
func (t Tokens) Render() string {
	var parts []string
	parts = append(parts, t.IfnameField, t.Tap)

	if t.SrcCIDR != "" {
		parts = append(parts, "ip", "saddr", t.SrcCIDR)
	}
	if t.DstCIDR != "" {
		parts = append(parts, "ip", "daddr", t.DstCIDR)
	}

	if t.Protocol != "" {
		parts = append(parts, t.Protocol)
		if t.DstPortMin != 0 || t.DstPortMax != 0 {
			parts = append(parts, "dport", portRange(t.DstPortMin, t.DstPortMax))
		}
		if t.SrcPortMin != 0 || t.SrcPortMax != 0 {
			parts = append(parts, "sport", portRange(t.SrcPortMin, t.SrcPortMax))
		}
	}

	if len(t.ConnStates) == 1 {
		parts = append(parts, "ct", "state", t.ConnStates[0])
	} else if len(t.ConnStates) > 1 {
		parts = append(parts, "ct", "state", "{ "+strings.Join(t.ConnStates, ", ")+" }")
	}

	parts = append(parts, t.Action)
	if t.Comment != "" {
		parts = append(parts, fmt.Sprintf("comment %q", t.Comment))
	}
	return strings.Join(parts, " ")
}

func portRange(min, max int) string {
	if min == max {
		return strconv.Itoa(min)
	}
	return fmt.Sprintf("%d-%d", min, max)
}

// Translate converts one abstract FirewallRule, scoped to a direction of IN
// or OUT, into ordered filter tokens (§4.4). INOUT is expanded by the
// caller into two Translate calls. IN emits oifname <tap> (traffic to the
// VM is outbound from the bridge's perspective through the TAP); OUT emits
// iifname <tap>.
func Translate(rule model.FirewallRule, tap, direction string) (Tokens, error) {
	if direction != model.DirectionIn && direction != model.DirectionOut {
		return Tokens{}, translateErr(ErrRuleInvalid, "direction must be IN or OUT at the translator level, got %q", direction)
	}

	t := Tokens{Tap: tap, ConnStates: rule.ConnState}
	if direction == model.DirectionIn {
		t.IfnameField = "oifname"
	} else {
		t.IfnameField = "iifname"
	}

	switch rule.Protocol {
	case model.ProtocolAll:
		t.Protocol = ""
	case model.ProtocolTCP, model.ProtocolUDP, model.ProtocolICMP:
		t.Protocol = rule.Protocol
	default:
		return Tokens{}, translateErr(ErrUnsupportedProtocol, "unknown protocol %q", rule.Protocol)
	}

	hasPorts := rule.HasSrcPort() || rule.HasDstPort()
	if hasPorts && rule.Protocol != model.ProtocolTCP && rule.Protocol != model.ProtocolUDP {
		return Tokens{}, translateErr(ErrRuleInvalid, "ports set for non-tcp/udp protocol %q", rule.Protocol)
	}

	if rule.HasDstPort() {
		if err := validatePortRange(rule.DstPortMin, rule.DstPortMax); err != nil {
			return Tokens{}, err
		}
		t.DstPortMin, t.DstPortMax = rule.DstPortMin, rule.DstPortMax
	}
	if rule.HasSrcPort() {
		if err := validatePortRange(rule.SrcPortMin, rule.SrcPortMax); err != nil {
			return Tokens{}, err
		}
		t.SrcPortMin, t.SrcPortMax = rule.SrcPortMin, rule.SrcPortMax
	}

	if rule.SrcAddress != "" {
		cidr, err := toCIDR(rule.SrcAddress, rule.SrcMask)
		if err != nil {
			return Tokens{}, err
		}
		t.SrcCIDR = cidr
	}
	if rule.DstAddress != "" {
		cidr, err := toCIDR(rule.DstAddress, rule.DstMask)
		if err != nil {
			return Tokens{}, err
		}
		t.DstCIDR = cidr
	}

	t.Action = strings.ToLower(rule.Action)
	t.Comment = truncateComment(rule.Name)

	return t, nil
}

func validatePortRange(min, max int) error {
	if min < 0 || min > 65535 || max < 0 || max > 65535 {
		return translateErr(ErrInvalidPortRange, "port out of range 0-65535: %d-%d", min, max)
	}
	if min > max {
		return translateErr(ErrInvalidPortRange, "invalid port ordering: %d > %d", min, max)
	}
	return nil
}

// toCIDR normalizes an address + optional mask (CIDR prefix length as a
// decimal string, or a contiguous dotted-decimal mask) into "a.b.c.d/n".
func toCIDR(address, mask string) (string, error) {
	ip := net.ParseIP(address)
	if ip == nil || ip.To4() == nil {
		return "", translateErr(ErrInvalidIPAddress, "invalid IPv4 address %q", address)
	}

	prefix := 32
	if mask != "" {
		if n, err := strconv.Atoi(mask); err == nil {
			if n < 0 || n > 32 {
				return "", translateErr(ErrInvalidSubnetMask, "CIDR prefix out of range: %d", n)
			}
			prefix = n
		} else {
			maskIP := net.ParseIP(mask)
			if maskIP == nil || maskIP.To4() == nil {
				return "", translateErr(ErrInvalidSubnetMask, "invalid subnet mask %q", mask)
			}
			n, ok := maskBits(maskIP.To4())
			if !ok {
				return "", translateErr(ErrInvalidSubnetMask, "non-contiguous subnet mask %q", mask)
			}
			prefix = n
		}
	}

	return fmt.Sprintf("%s/%d", ip.To4().String(), prefix), nil
}

// maskBits converts a dotted-decimal mask to a CIDR prefix length,
// rejecting non-contiguous masks (a run of 1 bits must not be followed by
// a 1 bit after a 0 bit).
func maskBits(mask net.IP) (int, bool) {
	var bits []bool
	for _, b := range mask {
		for i := 7; i >= 0; i-- {
			bits = append(bits, b&(1<<uint(i)) != 0)
		}
	}

	n := 0
	seenZero := false
	for _, b := range bits {
		if b {
			if seenZero {
				return 0, false
			}
			n++
		} else {
			seenZero = true
		}
	}
	return n, true
}

func truncateComment(name string) string {
	if len(name) <= 64 {
		return name
	}
	return name[:64]
}

// stableSortByPriority sorts rules ascending by priority, stably — this
// sort *is* the evaluation order, since rules are always appended (§4.3
// step 4).
func stableSortByPriority(rules []model.FirewallRule) {
	sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
}
