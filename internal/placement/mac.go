package placement

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
)

const macPrefix = "52:54:00"

// GenerateMAC derives a MAC address from vmID deterministically: if vmID has
// at least 6 hex characters, the first 6 are used as-is; otherwise the
// MD5 of vmID is hex-encoded and the first 6 characters are taken. The
// result is always prefixed 52:54:00 and colon-formatted, so two calls
// with the same id always yield the same address (§4.5, §9 property).
func GenerateMAC(vmID string) net.HardwareAddr {
	suffix := firstHex(vmID, 6)
	if suffix == "" {
		sum := md5.Sum([]byte(vmID))
		suffix = hex.EncodeToString(sum[:])[:6]
	}

	mac := make(net.HardwareAddr, 6)
	prefixBytes, _ := hex.DecodeString("525400")
	copy(mac[:3], prefixBytes)
	suffixBytes, _ := hex.DecodeString(suffix)
	copy(mac[3:], suffixBytes)
	return mac
}

// GenerateMACString is GenerateMAC formatted as 52:54:00:xx:xx:xx.
func GenerateMACString(vmID string) string {
	mac := GenerateMAC(vmID)
	return fmt.Sprintf("%s:%02x:%02x:%02x", macPrefix, mac[3], mac[4], mac[5])
}

// firstHex returns the first n characters of s if s consists of at least n
// hex digits (case-insensitive), otherwise "".
func firstHex(s string, n int) string {
	if len(s) < n {
		return ""
	}
	candidate := s[:n]
	for _, r := range candidate {
		if !isHexDigit(r) {
			return ""
		}
	}
	return candidate
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
