// Package ha implements component E: the Binary-Star high-availability
// replicator described in spec.md §4.E — a five-state FSM guaranteeing
// at most one of a primary/backup controller pair is ACTIVE, heartbeat
// exchange over the broker's dedicated HA peer channel, and
// sequence-numbered application-data sync from ACTIVE to PASSIVE.
package ha

import (
	"time"
)

// State is one of the five Binary-Star states.
type State string

const (
	StateStart   State = "START"
	StatePrimary State = "PRIMARY"
	StateBackup  State = "BACKUP"
	StateActive  State = "ACTIVE"
	StatePassive State = "PASSIVE"
)

// PeerEvent is the peer-observed state carried by an inbound heartbeat,
// or the local peer-expiry/client-request signal.
type PeerEvent string

const (
	EventPeerPrimary  PeerEvent = "PEER_PRIMARY"
	EventPeerBackup   PeerEvent = "PEER_BACKUP"
	EventPeerActive   PeerEvent = "PEER_ACTIVE"
	EventPeerPassive  PeerEvent = "PEER_PASSIVE"
	EventPeerExpired  PeerEvent = "PEER_EXPIRED"
	EventClientReq    PeerEvent = "CLIENT_REQUEST"
)

// Role is this controller's configured identity in the pair — fixed at
// startup, distinct from its current FSM State.
type Role string

const (
	RolePrimary Role = "primary"
	RoleBackup  Role = "backup"
)

// FatalTransitionError is returned by Apply when the transition table
// names a dual-active condition spec.md §4.E.1 calls fatal: the caller
// must revert to its configured role (not crash the process — "fatal"
// here means "this pairing is broken," not "panic").
type FatalTransitionError struct {
	State State
	Event PeerEvent
}

func (e *FatalTransitionError) Error() string {
	return "ha: fatal transition " + string(e.State) + " x " + string(e.Event)
}

// FSM holds the Binary-Star state and the auto-recovery counter used by
// the backup-yields-to-recovering-primary rule (spec.md §4.E.1).
type FSM struct {
	Role  Role
	State State

	lastPeerHeartbeat     time.Time
	autoRecoveryStreak    int
	autoRecoveryThreshold int
}

// NewFSM constructs an FSM in its role's starting state: PRIMARY for the
// primary-role controller, BACKUP for the backup-role one (spec.md's
// START state is the pre-role-assignment state, which this repo skips
// since role is always known from configuration at construction).
func NewFSM(role Role, autoRecoveryThreshold int) *FSM {
	start := StatePrimary
	if role == RoleBackup {
		start = StateBackup
	}
	return &FSM{Role: role, State: start, autoRecoveryThreshold: autoRecoveryThreshold}
}

// Apply advances the FSM on one peer event, per spec.md §4.E.1's
// transition table. It returns a *FatalTransitionError for the two
// dual-active cases; the caller is responsible for reverting role.
func (f *FSM) Apply(event PeerEvent, now time.Time) error {
	switch event {
	case EventPeerPrimary, EventPeerBackup, EventPeerActive, EventPeerPassive:
		f.lastPeerHeartbeat = now
	}

	switch f.State {
	case StatePrimary:
		switch event {
		case EventPeerBackup:
			f.State = StateActive
		case EventPeerActive:
			return &FatalTransitionError{State: f.State, Event: event}
		}

	case StateBackup:
		switch event {
		case EventPeerPrimary, EventPeerActive:
			f.State = StatePassive
		}
		if event == EventPeerPassive {
			f.observeAutoRecoveryCandidate()
		} else {
			f.autoRecoveryStreak = 0
		}

	case StateActive:
		switch event {
		case EventPeerActive:
			return &FatalTransitionError{State: f.State, Event: event}
		case EventPeerExpired:
			f.State = StateActive // remains active
		}

		if f.Role == RoleBackup {
			if event == EventPeerPassive {
				f.observeAutoRecoveryCandidate()
				if f.autoRecoveryStreak >= f.autoRecoveryThreshold {
					f.State = StateBackup
					f.autoRecoveryStreak = 0
				}
			} else {
				// The primary died or changed state between heartbeats:
				// the streak of consecutive PASSIVE reports is broken.
				f.autoRecoveryStreak = 0
			}
		}

	case StatePassive:
		if event == EventPeerExpired {
			f.State = StateActive
		}
	}
	return nil
}

// observeAutoRecoveryCandidate increments the streak of consecutive
// PEER_PASSIVE events. Apply calls it on PEER_PASSIVE in BACKUP and, for
// a backup-role controller, in ACTIVE, and resets the streak on any
// other event in those states, since the rule requires the primary not
// to have died between heartbeats.
func (f *FSM) observeAutoRecoveryCandidate() {
	f.autoRecoveryStreak++
}

// PeerExpired reports whether the peer should be considered dead given
// the configured heartbeat interval and miss threshold.
func (f *FSM) PeerExpired(now time.Time, heartbeatInterval time.Duration, missedThreshold int) bool {
	if f.lastPeerHeartbeat.IsZero() {
		return false
	}
	return now.Sub(f.lastPeerHeartbeat) > heartbeatInterval*time.Duration(missedThreshold)
}

// IsActive reports whether this controller currently believes it should
// be serving the fleet.
func (f *FSM) IsActive() bool {
	return f.State == StateActive
}
