package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/tg-mesh/ctrl/pkg/types"
)

// ActionKind names a controller self-config action, per spec.md §4.C.7.
// Unlike MetadataAction (which describes what a *minion* must do),
// ActionKind describes an in-process effect the controller itself takes
// when one of its own config keys changes.
type ActionKind string

const (
	ActionRebootController   ActionKind = "REBOOT_CONTROLLER"
	ActionRestartStatusApp   ActionKind = "RESTART_SUBSYSTEM_STATUS"
	ActionRestartConfigApp   ActionKind = "RESTART_SUBSYSTEM_CONFIG"
	ActionRestartUpgradeApp  ActionKind = "RESTART_SUBSYSTEM_UPGRADE"
	ActionRestartHAApp       ActionKind = "RESTART_SUBSYSTEM_HA"
)

// ActionEffect is invoked by the dispatcher when its ActionKind fires.
type ActionEffect func() error

// SelfConfigMetadata maps a dotted controller-config path to the action
// kind that must run when the key changes; unlike the per-node metadata
// catalog this carries ActionKind, not MetadataAction, since the
// controller is never "reloaded" by a minion-style command.
type SelfConfigMetadata map[string]ActionKind

// SelfConfig is the single-document config governing the controller
// itself (feature flags, intervals, HA role), validated against the same
// Catalog the per-node documents use, with its own action dispatcher.
type SelfConfig struct {
	store    *DocumentStore
	metadata Catalog
	actions  SelfConfigMetadata
	dispatch map[ActionKind]ActionEffect

	mu  sync.RWMutex
	doc types.ConfigDocument
}

const docSelf = "controller"

// NewSelfConfig loads the controller's own document from store.
func NewSelfConfig(store *DocumentStore, metadata Catalog, actions SelfConfigMetadata) (*SelfConfig, error) {
	doc, err := store.Load(docSelf)
	if err != nil {
		return nil, err
	}
	return &SelfConfig{
		store:    store,
		metadata: metadata,
		actions:  actions,
		dispatch: make(map[ActionKind]ActionEffect),
		doc:      doc,
	}, nil
}

// RegisterEffect wires an in-process effect for an action kind. Effects
// registered after Set has already fired for that kind are simply never
// invoked for past writes.
func (sc *SelfConfig) RegisterEffect(kind ActionKind, effect ActionEffect) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.dispatch[kind] = effect
}

// Get returns the current controller document.
func (sc *SelfConfig) Get() types.ConfigDocument {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.doc
}

// Set validates, persists, and dispatches actions for a controller
// config write. Validation failures are rejected and never persisted,
// per spec.md §4.C's failure model.
func (sc *SelfConfig) Set(next types.ConfigDocument, now time.Time) ([]ValidationError, error) {
	if errs := sc.metadata.Validate(next); sc.metadata.HasStrictErrors(errs) {
		return errs, nil
	}

	sc.mu.Lock()
	prior := sc.doc
	sc.mu.Unlock()

	if err := sc.store.SaveUserWrite(docSelf, next, now); err != nil {
		return nil, err
	}

	sc.mu.Lock()
	sc.doc = next
	sc.mu.Unlock()

	return nil, sc.runActions(prior, next)
}

// runActions fires the dispatcher for every changed key that has a
// registered ActionKind, most-disruptive semantics do not apply here
// since each kind maps to a distinct, independent in-process effect
// rather than a severity-ordered minion command.
func (sc *SelfConfig) runActions(prior, next types.ConfigDocument) error {
	fired := make(map[ActionKind]bool)
	var firstErr error
	diffPaths(prior, next, "", func(path string) {
		kind, ok := sc.actions[path]
		if !ok || fired[kind] {
			return
		}
		fired[kind] = true
		effect, ok := sc.dispatch[kind]
		if !ok {
			return
		}
		if err := effect(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("config: self-config action %s: %w", kind, err)
		}
	})
	return firstErr
}
