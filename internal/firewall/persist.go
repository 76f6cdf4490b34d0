package firewall

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const lockStaleness = 5 * time.Minute

// Persister writes a snapshot of the packet-filter table's structure to disk
// atomically after every mutation (§4.3, §6): the table, the forward base
// chain with its hook, and an empty declaration for each per-VM chain. Rules
// are not written, and this package has no function that loads the file
// back. The persisted file carries a `.bak` sibling of the previous version
// and is guarded by a `.lock` sibling with a staleness window, so a reader
// never observes a torn write.
type Persister struct {
	path string
}

// NewPersister targets the nft rules file at path (normally
// <persistDir>/infinivirt.nft).
func NewPersister(path string) *Persister {
	return &Persister{path: path}
}

// Write renders the table and chain declarations (without rules) as
// nft-syntax text and atomically replaces the persisted file, keeping the
// previous version as a `.bak` sibling.
func (p *Persister) Write(table, baseChain string, chains []string) error {
	if err := p.acquireLock(); err != nil {
		return fmt.Errorf("acquire persist lock: %w", err)
	}
	defer p.releaseLock()

	content := render(table, baseChain, chains)

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persist dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".infinivirt-nft-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if _, err := os.Stat(p.path); err == nil {
		if err := copyFile(p.path, p.path+".bak"); err != nil {
			return fmt.Errorf("snapshot previous mirror to .bak: %w", err)
		}
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		return fmt.Errorf("atomically replace persisted mirror: %w", err)
	}
	return nil
}

func render(table, baseChain string, chains []string) string {
	var b strings.Builder
	b.WriteString("#!/usr/sbin/nft -f\n")
	b.WriteString(fmt.Sprintf("# generated %s\n", time.Now().UTC().Format(time.RFC3339)))
	b.WriteString(fmt.Sprintf("table bridge %s {\n", table))
	b.WriteString(fmt.Sprintf("\tchain %s {\n", baseChain))
	b.WriteString("\t\ttype filter hook forward priority 0; policy accept;\n")
	b.WriteString("\t}\n")
	for _, c := range chains {
		if c == baseChain {
			continue
		}
		b.WriteString(fmt.Sprintf("\tchain %s {\n", c))
		b.WriteString("\t}\n")
	}
	b.WriteString("}\n")
	return b.String()
}

// Validate performs a structural-only check of persisted content: it must
// declare the table and a forward chain
// (§9 open question — a stronger dry-run load check is out of scope here).
func Validate(content string) error {
	if !strings.Contains(content, "table bridge "+TableName) {
		return fmt.Errorf("persisted mirror missing table declaration for %s", TableName)
	}
	if !strings.Contains(content, "chain "+BaseChainName) {
		return fmt.Errorf("persisted mirror missing forward chain declaration")
	}
	return nil
}

func (p *Persister) acquireLock() error {
	lockPath := p.path + ".lock"
	if info, err := os.Stat(lockPath); err == nil {
		if time.Since(info.ModTime()) < lockStaleness {
			return fmt.Errorf("lock file %s held and not stale", lockPath)
		}
	}
	return os.WriteFile(lockPath, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644)
}

func (p *Persister) releaseLock() {
	_ = os.Remove(p.path + ".lock")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
