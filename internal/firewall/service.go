package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"github.com/infinibay/infinization/internal/execx"
	"github.com/infinibay/infinization/internal/model"
)

var removeChainRetryPolicy = execx.BusyRetryPolicy{
	MaxAttempts: 5,
	BaseDelay:   500 * time.Millisecond,
	Factor:      1,
	Cap:         500 * time.Millisecond,
}

// ApplyResult reports the outcome of applyRules (§4.3).
type ApplyResult struct {
	Total    int
	Applied  int
	Failed   int
	Failures []string
	Changed  bool
}

// Service is the Packet-Filter Service: it owns the infinivirt table, the
// forward base chain, and every per-VM chain, and after every mutation
// writes the table and chain declarations (not the rules) to disk through
// its Persister (§4.3).
type Service struct {
	conn    *nftables.Conn
	log     *slog.Logger
	persist *Persister

	mu       sync.Mutex
	ruleHash map[string]string // vmID -> last-applied rule-set hash

	table     *nftables.Table
	baseChain *nftables.Chain
}

// NewService constructs a Service against the live nftables connection and
// the given on-disk persistence mirror.
func NewService(conn *nftables.Conn, persist *Persister, log *slog.Logger) *Service {
	return &Service{conn: conn, persist: persist, log: log, ruleHash: make(map[string]string)}
}

// Initialize creates the infinivirt table and forward base chain if
// absent, installing the three stateless DHCP-allow rules (inserted, not
// appended, so they precede any later jumps) the first time the base chain
// is created (§4.3).
func (s *Service) Initialize() error {
	baseExisted, err := s.ChainExists(BaseChainName)
	if err != nil {
		return fmt.Errorf("check base chain: %w", err)
	}

	s.table = &nftables.Table{Name: TableName, Family: nftables.TableFamilyBridge}
	s.conn.AddTable(s.table)

	policy := nftables.ChainPolicyAccept
	s.baseChain = &nftables.Chain{
		Name:     BaseChainName,
		Table:    s.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	}
	s.conn.AddChain(s.baseChain)

	if !baseExisted {
		for _, t := range dhcpAllowTokens() {
			s.conn.InsertRule(&nftables.Rule{Table: s.table, Chain: s.baseChain, Exprs: buildExprs(t)})
		}
	}

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("initialize packet filter table: %w", err)
	}
	return s.mirrorToDisk()
}

func dhcpAllowTokens() []Tokens {
	accept := func(proto string, dportMin, dportMax int, comment string) Tokens {
		return Tokens{Protocol: proto, DstPortMin: dportMin, DstPortMax: dportMax, Action: "accept", Comment: comment}
	}
	return []Tokens{
		accept("udp", 67, 67, "dhcp client to server"),
		accept("udp", 68, 68, "dhcp server to client"),
		accept("udp", 67, 67, "dhcp broadcast"),
	}
}

// EnsureVMChain idempotently creates the per-VM chain without wiring jumps.
func (s *Service) EnsureVMChain(vmID string) error {
	chain := &nftables.Chain{Name: ChainName(vmID), Table: s.table, Type: nftables.ChainTypeFilter}
	s.conn.AddChain(chain)
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("ensure vm chain %s: %w", ChainName(vmID), err)
	}
	return nil
}

// AttachJumpRules adds oifname/iifname jump rules from the base chain to
// the VM chain. "Already exists" is treated as success.
func (s *Service) AttachJumpRules(vmID, tap string) error {
	chainName := ChainName(vmID)
	in := Tokens{IfnameField: "oifname", Tap: tap}
	out := Tokens{IfnameField: "iifname", Tap: tap}

	s.conn.AddRule(&nftables.Rule{Table: s.table, Chain: s.baseChain, Exprs: jumpExprsFor(in, chainName)})
	s.conn.AddRule(&nftables.Rule{Table: s.table, Chain: s.baseChain, Exprs: jumpExprsFor(out, chainName)})

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("attach jump rules for %s: %w", chainName, err)
	}
	return s.mirrorToDisk()
}

func jumpExprsFor(t Tokens, chain string) []expr.Any {
	exprs := buildExprs(t)
	// buildExprs always ends in a verdict for the match-only Tokens above
	// (default accept, since Action is ""); replace it with a jump.
	exprs[len(exprs)-1] = jumpExpr(chain)
	return exprs
}

// DetachJumpRules enumerates base-chain rules and removes any whose only
// action targets this VM's chain. Best-effort.
func (s *Service) DetachJumpRules(vmID string) error {
	chainName := ChainName(vmID)
	rules, err := s.conn.GetRules(s.table, s.baseChain)
	if err != nil {
		return fmt.Errorf("list base chain rules: %w", err)
	}

	for _, r := range rules {
		if ruleJumpsTo(r, chainName) {
			if err := s.conn.DelRule(r); err != nil {
				s.log.Warn("detach jump rule failed", "vm_id", vmID, "chain", chainName, "error", err)
			}
		}
	}

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("flush after detach jump rules for %s: %w", chainName, err)
	}
	return s.mirrorToDisk()
}

func ruleJumpsTo(r *nftables.Rule, chain string) bool {
	for _, e := range r.Exprs {
		if v, ok := e.(*expr.Verdict); ok && v.Kind == expr.VerdictJump && v.Chain == chain {
			return true
		}
	}
	return false
}

// CreateVMChain is EnsureVMChain followed by AttachJumpRules.
func (s *Service) CreateVMChain(vmID, tap string) error {
	if err := s.EnsureVMChain(vmID); err != nil {
		return err
	}
	return s.AttachJumpRules(vmID, tap)
}

// ApplyRules ensures the VM chain, flushes it, merges department and VM
// rules plus the synthetic default, stable-sorts by priority, and
// translates+applies each rule (INOUT expands to IN then OUT). Translation
// failures increment Failed without aborting the remaining rules (§4.3).
func (s *Service) ApplyRules(vmID, tap string, deptRules, vmRules []model.FirewallRule) (ApplyResult, error) {
	chainName := ChainName(vmID)
	if err := s.EnsureVMChain(vmID); err != nil {
		return ApplyResult{}, err
	}
	vmChain := &nftables.Chain{Name: chainName, Table: s.table, Type: nftables.ChainTypeFilter}
	s.conn.FlushChain(vmChain)

	merged := MergeRules(deptRules, vmRules)

	result := ApplyResult{Total: len(merged)}
	for _, rule := range merged {
		directions := []string{rule.Direction}
		if rule.Direction == model.DirectionInOut {
			directions = []string{model.DirectionIn, model.DirectionOut}
		}
		for _, dir := range directions {
			tokens, err := Translate(rule, tap, dir)
			if err != nil {
				result.Failed++
				result.Failures = append(result.Failures, fmt.Sprintf("%s(%s): %v", rule.ID, dir, err))
				continue
			}
			s.conn.AddRule(&nftables.Rule{Table: s.table, Chain: vmChain, Exprs: buildExprs(tokens)})
			result.Applied++
		}
	}

	if err := s.conn.Flush(); err != nil {
		return result, fmt.Errorf("apply rules for %s: %w", chainName, err)
	}
	if err := s.mirrorToDisk(); err != nil {
		s.log.Warn("mirror table to disk after apply failed", "vm_id", vmID, "error", err)
	}
	return result, nil
}

// ApplyRulesIfChanged computes a hash of the merged+sorted rule set and
// short-circuits if it matches the last applied hash for this VM. The new
// hash is cached only when the apply has zero failures (§4.3).
func (s *Service) ApplyRulesIfChanged(vmID, tap string, deptRules, vmRules []model.FirewallRule) (ApplyResult, error) {
	merged := MergeRules(deptRules, vmRules)
	hash, err := RuleSetHash(merged)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("hash rule set for %s: %w", vmID, err)
	}

	s.mu.Lock()
	cached, ok := s.ruleHash[vmID]
	s.mu.Unlock()
	if ok && cached == hash {
		return ApplyResult{Total: len(merged), Changed: false}, nil
	}

	result, err := s.ApplyRules(vmID, tap, deptRules, vmRules)
	result.Changed = true
	if err != nil {
		return result, err
	}

	if result.Failed == 0 {
		s.mu.Lock()
		s.ruleHash[vmID] = hash
		s.mu.Unlock()
	}
	return result, nil
}

// RemoveVMChain detaches jumps, settles, re-verifies no residual jumps,
// flushes the chain, settles again, and deletes it with busy-retry.
// Missing-chain errors are benign. Clears the cached rule hash (§4.3).
func (s *Service) RemoveVMChain(ctx context.Context, vmID string) error {
	chainName := ChainName(vmID)

	if err := s.DetachJumpRules(vmID); err != nil {
		s.log.Warn("detach jump rules before chain removal failed", "vm_id", vmID, "error", err)
	}
	time.Sleep(500 * time.Millisecond)

	rules, err := s.conn.GetRules(s.table, s.baseChain)
	if err == nil {
		for _, r := range rules {
			if ruleJumpsTo(r, chainName) {
				_ = s.conn.DelRule(r)
			}
		}
		_ = s.conn.Flush()
	}

	vmChain := &nftables.Chain{Name: chainName, Table: s.table, Type: nftables.ChainTypeFilter}
	s.conn.FlushChain(vmChain)
	if err := s.conn.Flush(); err != nil {
		s.log.Warn("flush vm chain before delete failed", "vm_id", vmID, "error", err)
	}
	time.Sleep(500 * time.Millisecond)

	err = execx.RetryOnBusy(ctx, removeChainRetryPolicy, execx.IsBusy, func() error {
		s.conn.DelChain(vmChain)
		return s.conn.Flush()
	})
	if err != nil && !isMissingChainError(err) {
		return fmt.Errorf("delete vm chain %s: %w", chainName, err)
	}

	s.mu.Lock()
	delete(s.ruleHash, vmID)
	s.mu.Unlock()

	return s.mirrorToDisk()
}

func isMissingChainError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such file") || strings.Contains(msg, "not found")
}

// ListChains is a diagnostic listing of every chain in the table.
func (s *Service) ListChains() ([]string, error) {
	chains, err := s.conn.ListChains()
	if err != nil {
		return nil, fmt.Errorf("list chains: %w", err)
	}
	var names []string
	for _, c := range chains {
		if c.Table != nil && c.Table.Name == TableName {
			names = append(names, c.Name)
		}
	}
	return names, nil
}

// ChainExists is a diagnostic check for one chain's presence.
func (s *Service) ChainExists(name string) (bool, error) {
	names, err := s.ListChains()
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) mirrorToDisk() error {
	if s.persist == nil {
		return nil
	}
	chains, err := s.ListChains()
	if err != nil {
		return err
	}
	return s.persist.Write(s.table.Name, s.baseChain.Name, chains)
}
