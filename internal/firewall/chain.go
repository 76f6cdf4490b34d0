package firewall

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
)

const (
	// TableName is the kernel bridge-family table every chain lives in (§4.3).
	TableName = "infinivirt"
	// BaseChainName is the forward-hook base chain all jump rules attach to.
	BaseChainName = "forward"

	chainPrefix = "vm_"
	maxChainName = 31
)

// ChainName derives the deterministic per-VM chain name: "vm_" + the first
// 8 sanitized hex characters of vmID, capped at 31 bytes (§3-I4). VM ids are
// ULIDs and rarely 8 hex-only characters long, so — mirroring the MAC
// generator's own hex-or-MD5 fallback — an id that doesn't yield 8 hex
// characters directly is hashed first.
func ChainName(vmID string) string {
	sanitized := sanitizeHex(vmID)
	if len(sanitized) < 8 {
		sum := md5.Sum([]byte(vmID))
		sanitized = hex.EncodeToString(sum[:])
	}
	if len(sanitized) > 8 {
		sanitized = sanitized[:8]
	}

	name := chainPrefix + sanitized
	if len(name) > maxChainName {
		name = name[:maxChainName]
	}
	return name
}

func sanitizeHex(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
