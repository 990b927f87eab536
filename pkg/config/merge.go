package config

import (
	"strings"

	"github.com/tg-mesh/ctrl/pkg/types"
)

// Layers holds one document per layer of spec.md §3's six-layer stack,
// already resolved to the right base/firmware/hardware keys for a given
// node.
type Layers struct {
	Base           types.ConfigDocument
	FirmwareBase   types.ConfigDocument
	HardwareBase   types.ConfigDocument
	NetworkOverride    types.ConfigDocument
	UserNodeOverride   types.ConfigDocument
	AutoNodeOverride   types.ConfigDocument
}

// Effective computes the deep-merged overlay of all six layers in
// precedence order, per spec.md §4.C.2: object values merge key-wise,
// scalar/array values at a key are replaced wholesale by the higher
// layer.
func (l Layers) Effective() types.ConfigDocument {
	out := types.ConfigDocument{}
	for _, layer := range []types.ConfigDocument{
		l.Base, l.FirmwareBase, l.HardwareBase,
		l.NetworkOverride, l.UserNodeOverride, l.AutoNodeOverride,
	} {
		out = deepMerge(out, layer)
	}
	return out
}

func deepMerge(base, overlay types.ConfigDocument) types.ConfigDocument {
	if overlay == nil {
		return base
	}
	out := make(types.ConfigDocument, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		bv, existsInBase := out[k]
		overlaySub, overlayIsObj := v.(types.ConfigDocument)
		baseSub, baseIsObj := bv.(types.ConfigDocument)
		if existsInBase && overlayIsObj && baseIsObj {
			out[k] = deepMerge(baseSub, overlaySub)
		} else {
			out[k] = v
		}
	}
	return out
}

// ManagementFlagKey is the dotted path in the effective config that
// flips a node between managed and unmanaged, per spec.md §4.C.3.
const ManagementFlagKey = "controller.managed"

// IsManaged implements spec.md §4.C.3's three-part predicate.
func IsManaged(baseLayerEmpty bool, hasStrictValidationErrors bool, effective types.ConfigDocument) bool {
	if baseLayerEmpty || hasStrictValidationErrors {
		return false
	}
	v, ok := GetPath(effective, ManagementFlagKey)
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// GetPath walks a dotted key path through nested ConfigDocument values.
func GetPath(doc types.ConfigDocument, path string) (interface{}, bool) {
	segs := strings.Split(path, ".")
	var cur interface{} = doc
	for _, seg := range segs {
		m, ok := cur.(types.ConfigDocument)
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// SetPath writes value at a dotted key path, creating intermediate
// ConfigDocument nodes as needed.
func SetPath(doc types.ConfigDocument, path string, value interface{}) {
	segs := strings.Split(path, ".")
	cur := doc
	for i, seg := range segs {
		if i == len(segs)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(types.ConfigDocument)
		if !ok {
			next = types.ConfigDocument{}
			cur[seg] = next
		}
		cur = next
	}
}
