// Package broker implements component A: the message envelope, dispatch,
// and identity enforcement described in spec.md §4.A. A Broker multiplexes
// three logical channels — minion, HA peer, and user/API — over a single
// gRPC bidirectional stream per connection, using the envelope as the
// common wire contract for all three.
package broker

import (
	"time"

	"github.com/tg-mesh/ctrl/pkg/codec"
)

// MessageType names the payload carried in an Envelope. The broker itself
// never interprets a payload beyond routing; components register a
// MessageType -> handler mapping via OnReceive.
type MessageType int32

const (
	MsgUnknown MessageType = iota

	// Minion channel (status index, config service, upgrade orchestrator)
	MsgStatusReport
	MsgStatusAck
	MsgConfigGet
	MsgConfigGetResp
	MsgConfigSet
	MsgConfigSetResp
	MsgUpgradeReq
	MsgUpgradeResp
	MsgUpgradeStatusReport

	// MsgLinkStatusRequest asks a minion to refresh link status against
	// one wireless neighbor, sent on every OFFLINE→ONLINE transition
	// (spec.md §4.B step 5).
	MsgLinkStatusRequest

	// MsgSwitchController carries no payload: it tells a minion to
	// redirect its primary/backup controller addresses, broadcast to
	// every known minion when the backup auto-recovery yield rule fires
	// (spec.md §4.E.1).
	MsgSwitchController

	// HA peer channel
	MsgHAHeartbeat
	MsgHASync

	// User/API channel
	MsgAPIRequest
	MsgAPIResponse
)

// ChannelKind identifies which logical channel a connection is speaking,
// established during the handshake and then fixed for the life of the
// stream.
type ChannelKind string

const (
	ChannelMinion ChannelKind = "minion"
	ChannelHAPeer ChannelKind = "ha-peer"
	ChannelUser   ChannelKind = "user"
)

// Envelope is the common wire format for every message the broker moves.
// It is gob-encoded (pkg/codec) rather than protobuf: no .proto toolchain
// runs in this repo, and gob round-trips the Go structs beneath Payload
// without a schema-compiler step.
type Envelope struct {
	Type    MessageType
	Channel ChannelKind

	// SenderID is the envelope-level identity claim: a minion's primary
	// MAC, the peer controller's configured ID, or a user/API client ID.
	// The broker does not trust this field on its own — see Dispatch's
	// identity-enforcement notes.
	SenderID string
	DestID   string // empty for controller-bound traffic

	SeqNum int64 // meaningful on MsgHAHeartbeat/MsgHASync only

	Compressed        bool
	CompressionFormat string // "gzip" when Compressed

	// Payload is the gob encoding of the MessageType-specific Go struct
	// (e.g. types.IncomingStatusReport for MsgStatusReport).
	Payload []byte

	SentAt time.Time
}

// EncodePayload gob-encodes v into the Envelope's Payload, compressing it
// when it exceeds codec.CompressionThreshold.
func EncodePayload(env *Envelope, v interface{}) error {
	raw, err := gobMarshal(v)
	if err != nil {
		return err
	}
	out, compressed, err := codec.Compress(raw)
	if err != nil {
		return err
	}
	env.Payload = out
	env.Compressed = compressed
	if compressed {
		env.CompressionFormat = "gzip"
	}
	return nil
}

// DecodePayload reverses EncodePayload into v.
func DecodePayload(env *Envelope, v interface{}) error {
	raw := env.Payload
	if env.Compressed {
		var err error
		raw, err = codec.Decompress(raw)
		if err != nil {
			return err
		}
	}
	return gobUnmarshal(raw, v)
}
