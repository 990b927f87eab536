package config

import (
	"reflect"

	"github.com/tg-mesh/ctrl/pkg/types"
)

// Catalog is the metadata catalog: one MetadataEntry per dotted config
// path, used for validation and to decide the action required by a
// changed key.
type Catalog map[string]types.MetadataEntry

// ValidationError describes one strict-metadata rejection.
type ValidationError struct {
	Path   string
	Reason string
}

// Validate checks every leaf path in doc that has a catalog entry, per
// spec.md §4.C.3's "metadata validation produced no strict errors"
// clause. Values failing the entry's Type or Constraints are collected
// and returned; a nil/empty result means the document is acceptable.
// Paths with no catalog entry are not checked: an unknown key is never
// reported, whether or not it sits under a Strict entry's prefix.
func (c Catalog) Validate(doc types.ConfigDocument) []ValidationError {
	var errs []ValidationError
	walk(doc, "", func(path string, value interface{}) {
		entry, ok := c[path]
		if !ok {
			return
		}
		if !typeMatches(entry.Type, value) {
			errs = append(errs, ValidationError{Path: path, Reason: "type mismatch"})
			return
		}
		if err := checkConstraints(entry, value); err != "" {
			errs = append(errs, ValidationError{Path: path, Reason: err})
		}
	})
	return errs
}

func walk(doc types.ConfigDocument, prefix string, fn func(path string, value interface{})) {
	for k, v := range doc {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if sub, ok := v.(types.ConfigDocument); ok {
			walk(sub, path, fn)
			continue
		}
		fn(path, v)
	}
}

func typeMatches(kind string, v interface{}) bool {
	switch kind {
	case "bool":
		_, ok := v.(bool)
		return ok
	case "int":
		switch v.(type) {
		case int, int64, float64:
			return true
		}
		return false
	case "float":
		_, ok := v.(float64)
		return ok
	case "string":
		_, ok := v.(string)
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	case "object", "":
		return true
	default:
		return true
	}
}

func checkConstraints(entry types.MetadataEntry, v interface{}) string {
	if entry.Constraints == nil {
		return ""
	}
	if minV, ok := entry.Constraints["min"]; ok {
		if f, ok := asFloat(v); ok {
			if m, ok := asFloat(minV); ok && f < m {
				return "below minimum"
			}
		}
	}
	if maxV, ok := entry.Constraints["max"]; ok {
		if f, ok := asFloat(v); ok {
			if m, ok := asFloat(maxV); ok && f > m {
				return "above maximum"
			}
		}
	}
	if enumV, ok := entry.Constraints["enum"]; ok {
		if list, ok := enumV.([]interface{}); ok {
			found := false
			for _, e := range list {
				if e == v {
					found = true
					break
				}
			}
			if !found {
				return "not in enum"
			}
		}
	}
	return ""
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// HasStrictErrors reports whether any of errs come from a Strict entry
// in the catalog. Non-strict violations are warnings, not a reason to
// mark a node unmanaged.
func (c Catalog) HasStrictErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if entry, ok := c[e.Path]; ok && entry.Strict {
			return true
		}
	}
	return false
}

// ActionForDelta computes the single most disruptive action required
// across every changed key between old and new, per the supplemented
// behavior from original_source/.../ConfigApp.h (SPEC_FULL.md §5): the
// controller never assumes the full document must be resent if every
// changed key tolerates a lighter action.
func (c Catalog) ActionForDelta(oldDoc, newDoc types.ConfigDocument) types.MetadataAction {
	action := types.ActionNone
	diffPaths(oldDoc, newDoc, "", func(path string) {
		entry, ok := c[path]
		if !ok {
			// Unknown path changed: conservative default is a full
			// reload, since we have no metadata telling us otherwise.
			if types.ActionReloadMinion.MoreDisruptive(action) {
				action = types.ActionReloadMinion
			}
			return
		}
		if entry.Action.MoreDisruptive(action) {
			action = entry.Action
		}
	})
	return action
}

// diffPaths calls fn for every leaf path present in either document
// whose value differs.
func diffPaths(oldDoc, newDoc types.ConfigDocument, prefix string, fn func(path string)) {
	seen := make(map[string]bool)
	for k, newV := range newDoc {
		seen[k] = true
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		oldV, oldPresent := oldDoc[k]
		newSub, newIsObj := newV.(types.ConfigDocument)
		oldSub, oldIsObj := oldV.(types.ConfigDocument)
		if newIsObj || oldIsObj {
			// A scalar on either side of an object changes that path
			// itself; every leaf beneath the object side changes too.
			if (oldPresent && !oldIsObj) || !newIsObj {
				fn(path)
			}
			diffPaths(oldSub, newSub, path, fn)
			continue
		}
		if !valuesEqual(oldV, newV) {
			fn(path)
		}
	}
	for k := range oldDoc {
		if seen[k] {
			continue
		}
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if oldSub, ok := oldDoc[k].(types.ConfigDocument); ok {
			diffPaths(oldSub, nil, path, fn)
			continue
		}
		fn(path)
	}
}

func valuesEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
