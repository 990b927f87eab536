package ha

import "sync"

// DataSource is implemented by every app-data publisher component
// (topology wrapper, config service layered documents, controller
// self-config) — see spec.md §4.E.3/§4.E.4.
type DataSource interface {
	// Name identifies this publisher in the synced payload map.
	Name() string

	// TakePending returns and clears whatever this publisher has queued
	// for sync since the last call, or nil if nothing changed.
	TakePending() []byte

	// FullSnapshot returns the publisher's complete current state, used
	// for a full resync (initial ACTIVE transition, or a sequence
	// mismatch recovery).
	FullSnapshot() []byte

	// ApplyReceived installs data synced from the ACTIVE peer, on a
	// PASSIVE controller.
	ApplyReceived(data []byte)

	// Reset clears this publisher's own state on becoming ACTIVE, per
	// §4.E.4 step 1 ("clears pending/full caches") — each publisher owns
	// what "reset" means for its own data.
	Reset()
}

// SyncState is the sequence-numbered app-data exchange of spec.md
// §4.E.3. It is owned by the Replicator but kept in its own type since
// the ACTIVE-side encode and PASSIVE-side decode logic are each
// self-contained and independently testable.
type SyncState struct {
	mu      sync.Mutex
	sources map[string]DataSource

	seqNum       int64
	sendFullNext bool // forces a full snapshot on the next heartbeat

	passiveCachedSeq int64
}

func NewSyncState() *SyncState {
	return &SyncState{sources: make(map[string]DataSource)}
}

// Register adds a data-owning component to the sync set.
func (s *SyncState) Register(src DataSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[src.Name()] = src
}

// AppPayload is one publisher's slice of a heartbeat's app-data payload.
type AppPayload struct {
	App  string
	Data []byte
}

// BuildOutgoing implements the ACTIVE side of §4.E.3: if nothing is
// pending and a full resync hasn't been requested, the sequence number
// carries over unchanged with no payload; otherwise the sequence number
// advances and each source's pending-or-full data is attached.
func (s *SyncState) BuildOutgoing() (seqNum int64, payload []AppPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type pendingEntry struct {
		name string
		data []byte
	}
	var pending []pendingEntry
	anyPending := false
	for name, src := range s.sources {
		if s.sendFullNext {
			pending = append(pending, pendingEntry{name, src.FullSnapshot()})
			anyPending = true
			continue
		}
		if data := src.TakePending(); data != nil {
			pending = append(pending, pendingEntry{name, data})
			anyPending = true
		}
	}

	if !anyPending && !s.sendFullNext {
		return s.seqNum, nil
	}

	s.seqNum++
	s.sendFullNext = false
	for _, p := range pending {
		payload = append(payload, AppPayload{App: p.name, Data: p.data})
	}
	return s.seqNum, payload
}

// RequestFullResync forces the next BuildOutgoing call to attach every
// source's full snapshot — used when the PASSIVE peer echoes a
// mismatching sequence number back (it hasn't caught up) or on becoming
// ACTIVE.
func (s *SyncState) RequestFullResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendFullNext = true
}

// ApplyIncoming implements the PASSIVE side of §4.E.3: a matching
// sequence number means nothing new to apply; otherwise each attached
// payload is handed to its publisher and the new sequence number is
// cached.
func (s *SyncState) ApplyIncoming(peerSeqNum int64, payload []AppPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if peerSeqNum == s.passiveCachedSeq {
		return
	}
	for _, p := range payload {
		if src, ok := s.sources[p.App]; ok {
			src.ApplyReceived(p.Data)
		}
	}
	s.passiveCachedSeq = peerSeqNum
}

// EchoSeq returns the sequence number a PASSIVE controller should echo
// back to its peer, so the ACTIVE side can detect a mismatch and
// trigger a full resync (spec.md §4.E.3's catch-up guarantee).
func (s *SyncState) EchoSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passiveCachedSeq
}

// ObservePeerEcho is called by the ACTIVE side with the sequence number
// the peer's heartbeat echoed; a mismatch forces the next heartbeat to
// carry a full snapshot.
func (s *SyncState) ObservePeerEcho(echoedSeq int64) {
	s.mu.Lock()
	mismatch := echoedSeq != s.seqNum
	s.mu.Unlock()
	if mismatch {
		s.RequestFullResync()
	}
}

// ResetOnBecomingActive implements §4.E.4 step 1: sequence number back
// to 0, pending/full caches cleared, and a full resync is queued so the
// very first heartbeat after the transition carries a complete
// baseline.
func (s *SyncState) ResetOnBecomingActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqNum = 0
	s.passiveCachedSeq = 0
	s.sendFullNext = true
	for _, src := range s.sources {
		src.Reset()
	}
}
