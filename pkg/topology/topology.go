// Package topology is the minimal view of the network topology that
// components B, C, and D consult. The full topology model — link state,
// routing, BLE/UART bootstrap — is out of scope (spec.md §1 Non-goals);
// this is the "arena handle, not an owning pointer graph" contract
// SPEC_FULL.md §6 asks for: an in-memory view with exactly the read/
// mutate operations the status index, config service, and upgrade
// orchestrator actually call.
package topology

import "sync"

// View is the read/mutate surface B/C/D depend on. A production
// deployment backs this with the real topology service; tests and this
// repo's own components use the in-memory Memory implementation.
type View interface {
	// SetPrimaryMAC promotes mac to be the primary MAC of the node
	// currently known only by one of its radio MACs (spec.md §4.B
	// step 2, the WLAN-MAC fallback).
	SetPrimaryMAC(radioMAC, primaryMAC string) error

	// MarkOnline records an OFFLINE→ONLINE transition (spec.md §4.B
	// step 5).
	MarkOnline(primaryMAC string)

	// RequestNodeParams asks topology to (re)send this node's params —
	// the send-node-params request spec.md §4.B step 5 fires alongside
	// MarkOnline on every OFFLINE→ONLINE transition.
	RequestNodeParams(primaryMAC string)

	// AddWLANMACs records radio MACs newly reported by a node that
	// topology did not already know about (spec.md §4.B step 5).
	AddWLANMACs(primaryMAC string, radioMACs []string)

	// SetWiredLinkStatus records the live/dead state of a wired link
	// between two nodes (spec.md §4.B step 6).
	SetWiredLinkStatus(nodeA, nodeB string, live bool)

	// Neighbors returns the wireless neighbor primary MACs of a node.
	Neighbors(primaryMAC string) []string

	// BoardIDFor returns the hardware board id of a node, and whether
	// the node is known at all.
	BoardIDFor(primaryMAC string) (boardID string, ok bool)

	// NodesByBoardID returns every known node's primary MAC carrying
	// the given hardware board id (spec.md §4.D.6 golden-image loop).
	NodesByBoardID(boardID string) []string

	// IsLinkAdjacent reports whether a and b are directly wireless-link
	// adjacent, used by the COMMIT batch's hop-disjoint selection
	// (spec.md §4.D.5).
	IsLinkAdjacent(a, b string) bool
}

// Memory is an in-memory View, sufficient for a single-process
// deployment and for tests; it holds no durable state of its own —
// topology, not this repo, owns node lifecycle and deletion (spec.md
// §4.B Failure model).
type Memory struct {
	mu sync.RWMutex

	radioToPrimary map[string]string   // radio MAC -> primary MAC (once known)
	primaryBoard   map[string]string   // primary MAC -> board id
	primaryWLANs   map[string][]string // primary MAC -> radio MACs
	neighbors      map[string][]string // primary MAC -> wireless neighbor MACs
	wiredLinks     map[[2]string]bool  // unordered node pair -> live
}

// NewMemory constructs an empty Memory view.
func NewMemory() *Memory {
	return &Memory{
		radioToPrimary: make(map[string]string),
		primaryBoard:   make(map[string]string),
		primaryWLANs:   make(map[string][]string),
		neighbors:      make(map[string][]string),
		wiredLinks:     make(map[[2]string]bool),
	}
}

func (m *Memory) SetPrimaryMAC(radioMAC, primaryMAC string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.radioToPrimary[radioMAC] = primaryMAC
	return nil
}

func (m *Memory) MarkOnline(primaryMAC string) {
	// Node lifecycle (online/offline bookkeeping beyond routing) is
	// owned by the real topology service; this stub only needs to not
	// panic when B calls it.
}

func (m *Memory) RequestNodeParams(primaryMAC string) {
	// Node-params delivery is owned by the real topology service; this
	// stub only needs to not panic when B calls it, same as MarkOnline.
}

func (m *Memory) AddWLANMACs(primaryMAC string, radioMACs []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.primaryWLANs[primaryMAC]
	seen := make(map[string]bool, len(existing))
	for _, r := range existing {
		seen[r] = true
	}
	for _, r := range radioMACs {
		if !seen[r] {
			existing = append(existing, r)
			seen[r] = true
		}
		m.radioToPrimary[r] = primaryMAC
	}
	m.primaryWLANs[primaryMAC] = existing
}

func (m *Memory) SetWiredLinkStatus(nodeA, nodeB string, live bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wiredLinks[pairKey(nodeA, nodeB)] = live
}

func (m *Memory) Neighbors(primaryMAC string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.neighbors[primaryMAC]...)
}

func (m *Memory) BoardIDFor(primaryMAC string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.primaryBoard[primaryMAC]
	return b, ok
}

func (m *Memory) NodesByBoardID(boardID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for mac, b := range m.primaryBoard {
		if b == boardID {
			out = append(out, mac)
		}
	}
	return out
}

func (m *Memory) IsLinkAdjacent(a, b string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.neighbors[a] {
		if n == b {
			return true
		}
	}
	return false
}

// SetNeighbors and SetBoardID are test/bootstrap-only seams: the real
// topology service would push these via its own reconciliation, not
// through the View interface B/C/D use.
func (m *Memory) SetNeighbors(primaryMAC string, neighbors []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.neighbors[primaryMAC] = neighbors
}

func (m *Memory) SetBoardID(primaryMAC, boardID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.primaryBoard[primaryMAC] = boardID
}

// ResolvePrimary returns the primary MAC a radio MAC has been assigned
// to, if any — used by pkg/status to implement the broker's
// IdentityResolver.
func (m *Memory) ResolvePrimary(radioMAC string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.radioToPrimary[radioMAC]
	return p, ok
}

func pairKey(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}
