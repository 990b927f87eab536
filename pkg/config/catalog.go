package config

import "github.com/tg-mesh/ctrl/pkg/types"

// Catalogs holds the three match-by-version base layers of spec.md §3:
// software-base (matched via MatchBaseKey), firmware-base (matched via
// MatchFirmwareKey), and hardware-base (matched directly by board id,
// which carries no version-ordering semantics).
type Catalogs struct {
	Base         map[string]types.ConfigDocument
	Firmware     map[string]types.ConfigDocument
	HardwareBoard map[string]types.ConfigDocument
}

// NewCatalogs returns an empty Catalogs ready to be populated.
func NewCatalogs() *Catalogs {
	return &Catalogs{
		Base:          make(map[string]types.ConfigDocument),
		Firmware:      make(map[string]types.ConfigDocument),
		HardwareBoard: make(map[string]types.ConfigDocument),
	}
}

func keysOf(m map[string]types.ConfigDocument) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// ResolveBase returns the best-match base layer for a node's software
// version, per spec.md §4.C.1.
func (c *Catalogs) ResolveBase(nodeSWVersion string) types.ConfigDocument {
	key, ok := MatchBaseKey(nodeSWVersion, keysOf(c.Base))
	if !ok {
		return nil
	}
	return c.Base[key]
}

// ResolveFirmware returns the best-match firmware layer for a node's
// firmware version.
func (c *Catalogs) ResolveFirmware(nodeFWVersion string) types.ConfigDocument {
	key, ok := MatchFirmwareKey(nodeFWVersion, keysOf(c.Firmware))
	if !ok {
		return nil
	}
	return c.Firmware[key]
}

// ResolveHardware returns the hardware-base layer for an exact board id,
// which has no version ordering — either the board id is in the catalog
// or it isn't.
func (c *Catalogs) ResolveHardware(boardID string) types.ConfigDocument {
	return c.HardwareBoard[boardID]
}
