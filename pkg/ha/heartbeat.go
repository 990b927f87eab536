package ha

import (
	"time"

	"github.com/tg-mesh/ctrl/pkg/broker"
)

// Heartbeat is the payload carried by every MsgHAHeartbeat envelope,
// per spec.md §4.E.2: sender state, version string, sequence number,
// and (only when ACTIVE) the app-data payload. EchoSeqNum lets a
// PASSIVE receiver tell its peer what it has already applied, so the
// ACTIVE side can detect a mismatch and force a full resync (§4.E.3).
type Heartbeat struct {
	State      State
	Version    string
	SeqNum     int64
	EchoSeqNum int64
	AppData    []AppPayload // only populated when State == ACTIVE
}

// Config holds the tunables spec.md §4.E names.
type Config struct {
	Role                  Role
	Version               string
	HeartbeatInterval     time.Duration
	MissedHeartbeats      int // peer considered dead after this many missed intervals
	AutoRecoveryHeartbeats int
	PeerID                string // broker dest id for the peer controller
}

func DefaultConfig(role Role, version, peerID string) Config {
	return Config{
		Role:                   role,
		Version:                version,
		HeartbeatInterval:      1 * time.Second,
		MissedHeartbeats:       3,
		AutoRecoveryHeartbeats: 3,
		PeerID:                 peerID,
	}
}

// sendHeartbeat encodes and transmits one heartbeat. It returns false
// (logged by the caller, not treated as a state-advancing event) on any
// encode or transport failure, per spec.md's failure model: "heartbeat
// send failures are logged; replication state is not advanced."
func sendHeartbeat(b *broker.Broker, peerID string, hb Heartbeat) bool {
	env := &broker.Envelope{Type: broker.MsgHAHeartbeat, Channel: broker.ChannelHAPeer, SeqNum: hb.SeqNum}
	if err := broker.EncodePayload(env, hb); err != nil {
		return false
	}
	if b == nil {
		return false
	}
	return b.Send(peerID, env)
}
