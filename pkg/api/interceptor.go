package api

import "strings"

// readOnlyOpPrefixes lists the Op prefixes a restricted connection (e.g.
// a local CLI bound to a loopback listener with no mTLS) is allowed to
// issue. Anything else requires the fully authenticated user/API
// channel.
var readOnlyOpPrefixes = []string{"status.", "config.get", "upgrade.status", "ha."}

// IsReadOnlyOp reports whether op is safe to allow from a restricted,
// read-only connection.
func IsReadOnlyOp(op Op) bool {
	for _, prefix := range readOnlyOpPrefixes {
		if strings.HasPrefix(string(op), prefix) {
			return true
		}
	}
	return false
}
