package tap

import "strings"

const (
	namePrefix  = "vnet-"
	maxNameLen  = 15 // Linux IFNAMSIZ - 1
)

// Name derives the deterministic TAP device name for a VM id: "vnet-" plus
// as many sanitized characters of id as fit within the 15-byte interface
// name limit (§3-I4).
func Name(vmID string) string {
	sanitized := sanitize(vmID)
	budget := maxNameLen - len(namePrefix)
	if len(sanitized) > budget {
		sanitized = sanitized[:budget]
	}
	return namePrefix + sanitized
}

// sanitize strips everything but lowercase alphanumerics, matching the
// "sanitized hex/chars" naming rule shared with chain names.
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
