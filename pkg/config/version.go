// Package config implements component C: layered configuration storage,
// metadata-driven validation, periodic batched delta propagation, and
// controller self-config (spec.md §4.C).
package config

import (
	"sort"
	"strconv"
	"strings"
)

// swVersion is a parsed software version string of the free-form
// RELEASE_M<major>[_<minor>][suffix] shape described in spec.md §4.C.1.
type swVersion struct {
	raw   string
	major int
	minor int
}

// parseSWVersion extracts {major, minor} from a free-form version
// string. Anything it can't make sense of parses to major=0 minor=0,
// which simply never matches a real catalog entry's major — base
// matching then correctly falls back to "no entry, unmanaged".
func parseSWVersion(v string) swVersion {
	major, minor := 0, 0
	upper := strings.ToUpper(v)
	if idx := strings.Index(upper, "RELEASE_M"); idx >= 0 {
		rest := upper[idx+len("RELEASE_M"):]
		major, minor = scanMajorMinor(rest, '_')
	}
	return swVersion{raw: v, major: major, minor: minor}
}

func scanMajorMinor(s string, sep byte) (major, minor int) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	major, _ = strconv.Atoi(s[:i])
	if i < len(s) && s[i] == sep {
		j := i + 1
		k := j
		for k < len(s) && s[k] >= '0' && s[k] <= '9' {
			k++
		}
		minor, _ = strconv.Atoi(s[j:k])
	}
	return major, minor
}

// tokenize splits a version string into the underscore-delimited
// tokens the longest-prefix match compares, the same splitting
// scanMajorMinor uses to find the major/minor digit runs.
func tokenize(v string) []string {
	return strings.Split(strings.ToUpper(v), "_")
}

// commonPrefixLen returns how many leading tokens a and b share.
func commonPrefixLen(a, b []string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// MatchBaseKey selects the catalog key matching node's software version
// per spec.md §4.C.1: identical major, largest minor <= node.minor;
// among keys tied on major and minor, the longest token-prefix match
// against the node's own version string wins, with a final lexicographic
// tiebreak on the full catalog key string. Returns ("", false) when
// nothing matches — the node's base layer is then empty and it is
// unmanaged.
func MatchBaseKey(nodeVersion string, catalog []string) (string, bool) {
	node := parseSWVersion(nodeVersion)
	nodeTokens := tokenize(nodeVersion)

	var best string
	var bestMinor, bestPrefix int
	found := false

	for _, key := range catalog {
		k := parseSWVersion(key)
		if k.major != node.major || k.minor > node.minor {
			continue
		}
		prefixLen := commonPrefixLen(tokenize(key), nodeTokens)
		switch {
		case !found:
			best, bestMinor, bestPrefix, found = key, k.minor, prefixLen, true
		case k.minor > bestMinor:
			best, bestMinor, bestPrefix = key, k.minor, prefixLen
		case k.minor == bestMinor && prefixLen > bestPrefix:
			best, bestPrefix = key, prefixLen
		case k.minor == bestMinor && prefixLen == bestPrefix && key < best:
			best = key
		}
	}
	return best, found
}

// fwVersion is a parsed major.major.major[.minor] firmware string.
type fwVersion struct {
	prefix string // "major.major.major"
	minor  int
	hasMin bool
}

func parseFWVersion(v string) fwVersion {
	parts := strings.SplitN(v, ".", 4)
	prefix := strings.Join(parts[:minInt(3, len(parts))], ".")
	if len(parts) < 4 {
		return fwVersion{prefix: prefix}
	}
	minor, _ := strconv.Atoi(parts[3])
	return fwVersion{prefix: prefix, minor: minor, hasMin: true}
}

// MatchFirmwareKey applies the same largest-less-or-equal rule as
// MatchBaseKey to the major.major.major prefix extracted from a node's
// major.major.major.minor firmware string.
func MatchFirmwareKey(nodeFWVersion string, catalog []string) (string, bool) {
	node := parseFWVersion(nodeFWVersion)

	var candidates []string
	for _, key := range catalog {
		k := parseFWVersion(key)
		if k.prefix != node.prefix {
			continue
		}
		if k.hasMin && node.hasMin && k.minor > node.minor {
			continue
		}
		candidates = append(candidates, key)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		ki, kj := parseFWVersion(candidates[i]), parseFWVersion(candidates[j])
		if ki.minor != kj.minor {
			return ki.minor > kj.minor
		}
		return candidates[i] < candidates[j]
	})
	return candidates[0], true
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
