// Package store is the bbolt-backed persistence layer shared by the
// status index, config service, upgrade orchestrator, and HA replicator:
// the image catalog, the status-index snapshot (crash recovery only —
// the live index in pkg/status is authoritative while running), the
// HA app-data cache, and the upgrade request/batch journal.
package store

import (
	"github.com/tg-mesh/ctrl/pkg/types"
)

// Store is the persistence contract each component depends on. Grounded
// on the teacher's pkg/storage.Store shape (one method group per entity,
// Create/Get/List/Update/Delete where the entity supports it), narrowed
// to the entities this repo actually persists.
type Store interface {
	// Image catalog (component D, spec.md §4.D.1)
	PutImage(img *types.Image) error
	GetImage(version string) (*types.Image, error)
	ListImages() ([]*types.Image, error)
	DeleteImage(version string) error

	// Status-index snapshot (component B; written periodically so a
	// restart doesn't start from a cold index, never consulted while
	// the in-memory index is live)
	PutStatusSnapshot(mac string, report *types.StatusReport) error
	ListStatusSnapshot() ([]*types.StatusReport, error)

	// Upgrade journal (component D; current batch + pending queue, so a
	// restart can resume rather than silently drop in-flight requests)
	PutUpgradeRequest(req *types.UpgradeRequest) error
	DeleteUpgradeRequest(id string) error
	ListUpgradeRequests() ([]*types.UpgradeRequest, error)
	PutUpgradeBatch(batch *types.UpgradeBatch) error
	GetUpgradeBatch() (*types.UpgradeBatch, error) // nil, nil if none in flight
	ClearUpgradeBatch() error

	// HA app-data cache (component E, spec.md §4.E.3): opaque
	// sequence-numbered blobs keyed by application name, synced from the
	// ACTIVE peer to the PASSIVE peer.
	PutHACacheEntry(app string, seqNum int64, data []byte) error
	GetHACacheEntry(app string) (seqNum int64, data []byte, err error)
	ListHACacheApps() ([]string, error)

	Close() error
}

// ErrNotFound is returned by Get-style methods when the key is absent.
var ErrNotFound = errNotFound("store: not found")

type errNotFound string

func (e errNotFound) Error() string { return string(e) }
