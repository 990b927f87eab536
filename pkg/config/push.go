package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/tg-mesh/ctrl/pkg/types"
)

// PushKind distinguishes a full-document push from an actions-only one.
type PushKind string

const (
	PushFull    PushKind = "full"
	PushActions PushKind = "actions"
)

// Push is the minion-bound delta message spec.md §4.C.4 step 5
// describes: either the whole effective config, or the set of subsystem
// actions the minion must take to reach it without a full reload.
type Push struct {
	Kind    PushKind
	Hash    string
	Full    types.ConfigDocument   `json:",omitempty"`
	Actions []types.MetadataAction `json:",omitempty"`
}

// EffectiveHash computes a stable hash of an effective config document,
// used to compare against a minion's self-reported confirmed hash.
func EffectiveHash(doc types.ConfigDocument) string {
	data, err := json.Marshal(canonicalize(doc))
	if err != nil {
		// ConfigDocument values are always JSON-marshalable (they were
		// themselves decoded from JSON); a failure here means a caller
		// built one with an unsupported Go value, which is a bug, not a
		// runtime condition to recover from gracefully.
		panic("config: effective document is not JSON-marshalable: " + err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalize produces a value with deterministic key order by relying
// on encoding/json's own sorted-map-key behavior; ConfigDocument is
// already map[string]interface{}, so this only needs to recurse so
// nested ConfigDocuments get the same treatment rather than being
// type-asserted away.
func canonicalize(doc types.ConfigDocument) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if sub, ok := v.(types.ConfigDocument); ok {
			out[k] = canonicalize(sub)
			continue
		}
		out[k] = v
	}
	return out
}

// BuildPush decides between a full-document and an actions-only push by
// checking whether every changed leaf between prior and next tolerates
// less than a full reload.
func BuildPush(metadata Catalog, prior, next types.ConfigDocument) Push {
	hash := EffectiveHash(next)
	if prior == nil {
		// No known prior state for this node (first push, or the node
		// was never tracked before) — nothing to diff against, so the
		// only sound option is the full document.
		return Push{Kind: PushFull, Hash: hash, Full: next}
	}
	action := metadata.ActionForDelta(prior, next)
	if action == types.ActionReloadMinion {
		return Push{Kind: PushFull, Hash: hash, Full: next}
	}
	var actions []types.MetadataAction
	if action != types.ActionNone {
		actions = []types.MetadataAction{action}
	}
	return Push{Kind: PushActions, Hash: hash, Actions: actions}
}

// sortedKeys returns m's keys in sorted order; Service uses it for its
// deterministic batch ordering and for Pending().
func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
