package model

// Firewall rule enumerations (§3 Data Model).
const (
	ActionAccept = "ACCEPT"
	ActionDrop   = "DROP"
	ActionReject = "REJECT"

	DirectionIn    = "IN"
	DirectionOut   = "OUT"
	DirectionInOut = "INOUT"

	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
	ProtocolICMP = "icmp"
	ProtocolAll  = "all"

	ConnStateEstablished = "established"
	ConnStateNew         = "new"
	ConnStateRelated     = "related"
	ConnStateInvalid     = "invalid"
)

// DefaultRulePriority is the priority of the synthetic established/related
// accept rule appended by the Packet-Filter Service (§4.3 step 3).
const DefaultRulePriority = 9999

// FirewallRule is one rule in a department or VM rule set (§3 Data Model).
type FirewallRule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Action   string `json:"action"`
	Direction string `json:"direction"`
	Protocol string `json:"protocol"`

	SrcAddress string `json:"src_address,omitempty"`
	SrcMask    string `json:"src_mask,omitempty"`
	DstAddress string `json:"dst_address,omitempty"`
	DstMask    string `json:"dst_mask,omitempty"`

	SrcPortMin int `json:"src_port_min,omitempty"`
	SrcPortMax int `json:"src_port_max,omitempty"`
	DstPortMin int `json:"dst_port_min,omitempty"`
	DstPortMax int `json:"dst_port_max,omitempty"`

	ConnState []string `json:"conn_state,omitempty"`

	Priority      int  `json:"priority"`
	OverridesDept bool `json:"overrides_dept"`
}

// HasSrcPort reports whether a source port range is set.
func (r FirewallRule) HasSrcPort() bool { return r.SrcPortMin != 0 || r.SrcPortMax != 0 }

// HasDstPort reports whether a destination port range is set.
func (r FirewallRule) HasDstPort() bool { return r.DstPortMin != 0 || r.DstPortMax != 0 }

// DefaultEstablishedRule is the synthetic rule appended by applyRules to
// guarantee return traffic for accepted flows (§4.3 step 3).
func DefaultEstablishedRule() FirewallRule {
	return FirewallRule{
		ID:        "default-established-related",
		Name:      "default established/related",
		Action:    ActionAccept,
		Direction: DirectionInOut,
		Protocol:  ProtocolAll,
		ConnState: []string{ConnStateEstablished, ConnStateRelated},
		Priority:  DefaultRulePriority,
	}
}
