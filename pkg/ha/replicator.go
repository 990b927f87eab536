package ha

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/log"
)

// MinionNotifier instructs every minion to switch controllers, the
// action the auto-recovery rule fires in addition to the FSM
// transition (spec.md §4.E.1's "instructs all minions to switch
// controllers").
type MinionNotifier interface {
	SwitchControllers()
}

// Replicator is component E: it owns the FSM, the heartbeat ticker, and
// the sync state, and is the only thing in this package that touches
// the broker.
type Replicator struct {
	cfg   Config
	fsm   *FSM
	sync  *SyncState
	b     *broker.Broker
	log   zerolog.Logger
	peers MinionNotifier

	mu        sync.Mutex
	peerState State // last state this controller observed from its peer

	stop chan struct{}
	done chan struct{}
}

// New constructs a Replicator and subscribes it to the broker's HA peer
// channel.
func New(cfg Config, b *broker.Broker, peers MinionNotifier) *Replicator {
	r := &Replicator{
		cfg:   cfg,
		fsm:   NewFSM(cfg.Role, cfg.AutoRecoveryHeartbeats),
		sync:  NewSyncState(),
		b:     b,
		log:   log.WithComponent("ha"),
		peers: peers,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if b != nil {
		b.OnReceive(broker.MsgHAHeartbeat, r.onHeartbeat)
	}
	return r
}

// Register adds a data-owning component to the app-data sync set.
func (r *Replicator) Register(src DataSource) {
	r.sync.Register(src)
}

// Start runs the heartbeat-send ticker in its own goroutine.
func (r *Replicator) Start() {
	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case now := <-ticker.C:
				r.tick(now)
			}
		}
	}()
}

func (r *Replicator) Stop() {
	close(r.stop)
	<-r.done
}

// tick checks peer expiry, then sends this controller's heartbeat.
func (r *Replicator) tick(now time.Time) {
	r.mu.Lock()
	if r.fsm.PeerExpired(now, r.cfg.HeartbeatInterval, r.cfg.MissedHeartbeats) {
		prevState := r.fsm.State
		if err := r.fsm.Apply(EventPeerExpired, now); err != nil {
			r.handleFatal(err)
		} else if r.fsm.State != prevState {
			r.onStateChange(prevState, r.fsm.State)
		}
	}
	hb := r.buildHeartbeat()
	r.mu.Unlock()

	if !sendHeartbeat(r.b, r.cfg.PeerID, hb) {
		r.log.Warn().Msg("ha: heartbeat send failed, replication state not advanced")
	}
}

func (r *Replicator) buildHeartbeat() Heartbeat {
	hb := Heartbeat{State: r.fsm.State, Version: r.cfg.Version, EchoSeqNum: r.sync.EchoSeq()}
	if r.fsm.State == StateActive {
		seq, payload := r.sync.BuildOutgoing()
		hb.SeqNum = seq
		hb.AppData = payload
	}
	return hb
}

// onHeartbeat is the broker handler for MsgHAHeartbeat.
func (r *Replicator) onHeartbeat(_, _ string, env *broker.Envelope) {
	var hb Heartbeat
	if err := broker.DecodePayload(env, &hb); err != nil {
		// Malformed heartbeat is equivalent to not receiving one.
		r.log.Warn().Err(err).Msg("ha: malformed heartbeat, ignoring")
		return
	}

	now := time.Now()
	r.mu.Lock()

	r.peerState = hb.State
	prevState := r.fsm.State

	event := peerEventFor(hb.State)
	if err := r.fsm.Apply(event, now); err != nil {
		r.handleFatal(err)
		r.mu.Unlock()
		return
	}
	yielded := prevState == StateActive && r.fsm.State == StateBackup
	if r.fsm.State != prevState {
		r.onStateChange(prevState, r.fsm.State)
	}

	versionMismatch := hb.Version != r.cfg.Version
	if versionMismatch {
		r.log.Warn().Str("local", r.cfg.Version).Str("peer", hb.Version).Msg("ha: controller version mismatch")
	}

	// Only a PASSIVE controller applies received app data and updates
	// its cached sequence number — PRIMARY/BACKUP heartbeats exchange
	// state only, so the FSM can converge before any data flows.
	if r.fsm.State == StatePassive && hb.State == StateActive && !versionMismatch {
		r.sync.ApplyIncoming(hb.SeqNum, hb.AppData)
	}

	if r.fsm.State == StateActive {
		r.sync.ObservePeerEcho(hb.EchoSeqNum)
	}

	var immediate Heartbeat
	if yielded {
		immediate = r.buildHeartbeat()
	}
	r.mu.Unlock()

	if yielded {
		// Auto-recovery yield: send a heartbeat immediately rather than
		// waiting for the next tick, per spec.md §4.E.1.
		if !sendHeartbeat(r.b, r.cfg.PeerID, immediate) {
			r.log.Warn().Msg("ha: immediate post-yield heartbeat send failed")
		}
	}
}

func peerEventFor(state State) PeerEvent {
	switch state {
	case StatePrimary:
		return EventPeerPrimary
	case StateBackup:
		return EventPeerBackup
	case StateActive:
		return EventPeerActive
	case StatePassive:
		return EventPeerPassive
	default:
		return EventPeerPassive
	}
}

func (r *Replicator) handleFatal(err error) {
	r.log.Error().Err(err).Msg("ha: fatal dual-active transition, reverting to configured role")
	if r.cfg.Role == RoleBackup {
		r.fsm.State = StateBackup
	} else {
		r.fsm.State = StatePrimary
	}
}

// onStateChange fires the §4.E.4 becoming-ACTIVE actions and, for the
// backup-auto-recovery case, the minion-switch instruction. Caller must
// hold r.mu.
func (r *Replicator) onStateChange(prev, next State) {
	r.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("ha: state transition")
	if next == StateActive {
		r.sync.ResetOnBecomingActive()
	}
	if prev == StateActive && next == StateBackup && r.peers != nil {
		r.peers.SwitchControllers()
	}
}

// IsActive reports whether this controller currently believes it
// should be serving the fleet.
func (r *Replicator) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.IsActive()
}

// State returns the current FSM state, for inspection/health endpoints.
func (r *Replicator) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fsm.State
}
