package firewall

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/infinibay/infinization/internal/model"
)

// MergeRules excludes any department rule overridden by a VM rule matching
// on {direction, protocol (case-insensitive)} with overridesDept=true, then
// concatenates surviving department rules with all VM rules, and finally
// appends the synthetic established/related default rule (§4.3 steps 2-3).
func MergeRules(deptRules, vmRules []model.FirewallRule) []model.FirewallRule {
	overridden := make(map[string]bool, len(vmRules))
	for _, v := range vmRules {
		if v.OverridesDept {
			overridden[overrideKey(v.Direction, v.Protocol)] = true
		}
	}

	merged := make([]model.FirewallRule, 0, len(deptRules)+len(vmRules)+1)
	for _, d := range deptRules {
		if overridden[overrideKey(d.Direction, d.Protocol)] {
			continue
		}
		merged = append(merged, d)
	}
	merged = append(merged, vmRules...)
	merged = append(merged, model.DefaultEstablishedRule())

	stableSortByPriority(merged)
	return merged
}

func overrideKey(direction, protocol string) string {
	return strings.ToLower(direction) + "|" + strings.ToLower(protocol)
}

// RuleSetHash computes a SHA-256 over the stable-JSON-encoded, already
// merged and sorted rule list, used by applyRulesIfChanged to short-circuit
// re-application when nothing changed (§4.3).
func RuleSetHash(rules []model.FirewallRule) (string, error) {
	payload, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("marshal rule set for hashing: %w", err)
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum), nil
}
