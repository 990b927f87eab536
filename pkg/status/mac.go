package status

import (
	"fmt"
	"strings"
)

// canonicalMAC lower-cases and validates a colon-separated MAC address,
// per spec.md §4.B ingest step 1. It rejects anything that isn't six
// colon-separated two-hex-digit octets.
func canonicalMAC(mac string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(mac))
	parts := strings.Split(lower, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("status: malformed MAC %q", mac)
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return "", fmt.Errorf("status: malformed MAC %q", mac)
		}
	}
	return lower, nil
}

func isHex(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f')
}
