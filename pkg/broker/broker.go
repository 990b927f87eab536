package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/codec"
	"github.com/tg-mesh/ctrl/pkg/ctrlerr"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/metrics"
)

// Handler processes one inbound envelope. sourceMinionID is empty for
// non-minion traffic (HA peer, user/API).
type Handler func(sourceMinionID, sourceAppID string, env *Envelope)

// IdentityResolver answers whether a claimed minion MAC is known, and
// implements §4.B's WLAN-MAC fallback: when the sender MAC is not a
// known primary MAC, the broker asks the resolver whether it matches a
// radio MAC belonging to a node with no primary MAC yet. In that case
// the resolver is expected to have emitted a set-primary-MAC request to
// topology as a side effect, and the broker drops the current message.
type IdentityResolver interface {
	IsKnownMinion(mac string) bool
	TryWLANFallback(mac string) (matched bool)
}

// sender delivers one outbound envelope to its destination. Concrete
// implementations live in transport.go (grpc stream fan-out).
type sender interface {
	sendTo(destID string, env *Envelope) bool
}

// Broker implements component A. It holds no internal locking around
// dispatch: callbacks registered via OnReceive must be reentrant, exactly
// as spec.md §4.A requires — only the handler registry itself and the
// transport's connection table are protected.
type Broker struct {
	mu       sync.RWMutex
	handlers map[MessageType][]Handler
	identity IdentityResolver

	transport sender

	log zerolog.Logger
}

// New constructs a Broker. identity may be nil until pkg/status wires
// itself in during startup; until then all minion traffic is dropped as
// unknown, which is the conservative-safe behavior spec.md §4.A asks for.
func New(identity IdentityResolver) *Broker {
	return &Broker{
		handlers: make(map[MessageType][]Handler),
		identity: identity,
		log:      log.WithComponent("broker"),
	}
}

// SetIdentityResolver wires the resolver after construction, e.g. once
// pkg/status has finished initializing.
func (b *Broker) SetIdentityResolver(r IdentityResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity = r
}

// bindTransport attaches the live grpc transport. Called once by
// ListenAndServe / Dial.
func (b *Broker) bindTransport(s sender) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transport = s
}

// OnReceive registers a handler for a MessageType. Multiple handlers for
// the same type all run, in registration order.
func (b *Broker) OnReceive(msgType MessageType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[msgType] = append(b.handlers[msgType], h)
}

// Send enqueues env (its Payload already populated via EncodePayload) for
// delivery to dest. It returns immediately and makes no delivery
// guarantee beyond the underlying transport, per spec.md §4.A. A false
// return means the transport rejected the send outright (no connection
// to dest, full queue); it is not a synchronous delivery confirmation.
func (b *Broker) Send(dest string, env *Envelope) bool {
	b.mu.RLock()
	t := b.transport
	b.mu.RUnlock()

	env.DestID = dest
	env.SentAt = time.Now()

	if t == nil {
		metrics.BrokerMessagesTotal.WithLabelValues("out", "no_transport").Inc()
		return false
	}
	ok := t.sendTo(dest, env)
	if ok {
		metrics.BrokerMessagesTotal.WithLabelValues("out", "sent").Inc()
	} else {
		metrics.BrokerMessagesTotal.WithLabelValues("out", "failed").Inc()
	}
	return ok
}

// Ack wraps a generic success/failure record and sends it to targetApp,
// the thin helper spec.md §4.A names explicitly.
func (b *Broker) Ack(targetApp string, success bool, reason string) bool {
	env := &Envelope{Type: MsgAPIResponse}
	if err := EncodePayload(env, ackRecord{Success: success, Reason: reason}); err != nil {
		b.log.Error().Err(err).Msg("broker: failed to encode ack")
		return false
	}
	return b.Send(targetApp, env)
}

type ackRecord struct {
	Success bool
	Reason  string
}

// dispatch is the single inbound entrypoint used by both the grpc server
// handler (minion/user traffic) and the HA peer client loop. It enforces
// identity for minion-channel traffic and never holds b.mu while
// invoking handlers.
func (b *Broker) dispatch(env *Envelope) {
	if env.Compressed {
		if err := decompressEnvelope(env); err != nil {
			metrics.BrokerMessagesTotal.WithLabelValues("in", "bad_compression").Inc()
			b.log.Warn().Err(err).Msg("failed to decompress envelope")
			return
		}
	}

	if env.Channel == ChannelMinion {
		if !b.enforceIdentity(env.SenderID) {
			metrics.BrokerMessagesTotal.WithLabelValues("in", "unknown_minion").Inc()
			b.log.Warn().Str("mac", env.SenderID).Msg("dropping message from unknown minion")
			return
		}
	}

	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[env.Type]...)
	b.mu.RUnlock()

	if len(hs) == 0 {
		metrics.BrokerMessagesTotal.WithLabelValues("in", "unhandled").Inc()
		return
	}

	metrics.BrokerMessagesTotal.WithLabelValues("in", "dispatched").Inc()
	sourceMinion := ""
	if env.Channel == ChannelMinion {
		sourceMinion = env.SenderID
	}
	for _, h := range hs {
		h(sourceMinion, env.SenderID, env)
	}
}

func (b *Broker) enforceIdentity(mac string) bool {
	b.mu.RLock()
	id := b.identity
	b.mu.RUnlock()

	if id == nil {
		return false
	}
	if id.IsKnownMinion(mac) {
		return true
	}
	// §4.B's WLAN-MAC fallback: resolver emits a set-primary-MAC request
	// as a side effect and the current report is always dropped even on
	// a match — the node becomes known on its *next* report.
	id.TryWLANFallback(mac)
	return false
}

// decompressEnvelope is a hard delivery error on failure, per spec.md
// §4.A, so it never reaches a handler.
func decompressEnvelope(env *Envelope) error {
	raw, err := codec.Decompress(env.Payload)
	if err != nil {
		return ctrlerr.Transient("decompress envelope payload", err)
	}
	env.Payload = raw
	env.Compressed = false
	return nil
}
