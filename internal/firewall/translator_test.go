package firewall

import (
	"errors"
	"testing"

	"github.com/infinibay/infinization/internal/model"
)

func TestTranslateBasicAccept(t *testing.T) {
	rule := model.FirewallRule{
		Name: "allow https", Action: model.ActionAccept, Direction: model.DirectionIn,
		Protocol: model.ProtocolTCP, DstPortMin: 443, DstPortMax: 443,
	}
	tok, err := Translate(rule, "vnet-abc", model.DirectionIn)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tok.IfnameField != "oifname" {
		t.Errorf("IfnameField = %q, want oifname for IN", tok.IfnameField)
	}
	if tok.Action != "accept" {
		t.Errorf("Action = %q, want accept", tok.Action)
	}
	if tok.DstPortMin != 443 || tok.DstPortMax != 443 {
		t.Errorf("dst port = %d-%d, want 443-443", tok.DstPortMin, tok.DstPortMax)
	}
}

func TestTranslateOutUsesIifname(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionOut, Protocol: model.ProtocolAll}
	tok, err := Translate(rule, "vnet-abc", model.DirectionOut)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tok.IfnameField != "iifname" {
		t.Errorf("IfnameField = %q, want iifname for OUT", tok.IfnameField)
	}
}

func TestTranslateRejectsINOUTAtThisLevel(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionInOut, Protocol: model.ProtocolAll}
	if _, err := Translate(rule, "vnet-abc", model.DirectionInOut); err == nil {
		t.Fatal("expected error for INOUT direction at translator level")
	}
}

func TestTranslateUnknownProtocol(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: "sctp"}
	_, err := Translate(rule, "vnet-abc", model.DirectionIn)
	var tErr *TranslateError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &tErr) || tErr.Kind != ErrUnsupportedProtocol {
		t.Errorf("err = %v, want UNSUPPORTED_PROTOCOL", err)
	}
}

func TestTranslatePortOnNonTCPUDPIsInvalid(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolICMP, DstPortMin: 80, DstPortMax: 80}
	_, err := Translate(rule, "vnet-abc", model.DirectionIn)
	var tErr *TranslateError
	if !errors.As(err, &tErr) || tErr.Kind != ErrRuleInvalid {
		t.Errorf("err = %v, want RULE_INVALID", err)
	}
}

func TestTranslateInvalidPortOrdering(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolTCP, DstPortMin: 100, DstPortMax: 50}
	_, err := Translate(rule, "vnet-abc", model.DirectionIn)
	var tErr *TranslateError
	if !errors.As(err, &tErr) || tErr.Kind != ErrInvalidPortRange {
		t.Errorf("err = %v, want INVALID_PORT_RANGE", err)
	}
}

func TestTranslatePortOutOfRange(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolTCP, DstPortMin: 70000, DstPortMax: 70000}
	_, err := Translate(rule, "vnet-abc", model.DirectionIn)
	var tErr *TranslateError
	if !errors.As(err, &tErr) || tErr.Kind != ErrInvalidPortRange {
		t.Errorf("err = %v, want INVALID_PORT_RANGE", err)
	}
}

func TestTranslateInvalidIPAddress(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolAll, SrcAddress: "not-an-ip"}
	_, err := Translate(rule, "vnet-abc", model.DirectionIn)
	var tErr *TranslateError
	if !errors.As(err, &tErr) || tErr.Kind != ErrInvalidIPAddress {
		t.Errorf("err = %v, want INVALID_IP_ADDRESS", err)
	}
}

func TestTranslateCIDRPrefixMask(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolAll, SrcAddress: "10.0.0.5", SrcMask: "24"}
	tok, err := Translate(rule, "vnet-abc", model.DirectionIn)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tok.SrcCIDR != "10.0.0.5/24" {
		t.Errorf("SrcCIDR = %q, want 10.0.0.5/24", tok.SrcCIDR)
	}
}

func TestTranslateContiguousDottedMask(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolAll, SrcAddress: "192.168.1.1", SrcMask: "255.255.255.0"}
	tok, err := Translate(rule, "vnet-abc", model.DirectionIn)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if tok.SrcCIDR != "192.168.1.1/24" {
		t.Errorf("SrcCIDR = %q, want 192.168.1.1/24", tok.SrcCIDR)
	}
}

func TestTranslateNonContiguousMaskRejected(t *testing.T) {
	rule := model.FirewallRule{Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolAll, SrcAddress: "10.0.0.1", SrcMask: "255.0.255.0"}
	_, err := Translate(rule, "vnet-abc", model.DirectionIn)
	var tErr *TranslateError
	if !errors.As(err, &tErr) || tErr.Kind != ErrInvalidSubnetMask {
		t.Errorf("err = %v, want INVALID_SUBNET_MASK", err)
	}
}

func TestTranslateCommentTruncatedTo64(t *testing.T) {
	longName := ""
	for i := 0; i < 100; i++ {
		longName += "x"
	}
	rule := model.FirewallRule{Name: longName, Action: model.ActionAccept, Direction: model.DirectionIn, Protocol: model.ProtocolAll}
	tok, err := Translate(rule, "vnet-abc", model.DirectionIn)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if len(tok.Comment) != 64 {
		t.Errorf("len(Comment) = %d, want 64", len(tok.Comment))
	}
}
