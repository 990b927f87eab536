package config

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/events"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/metrics"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// StatusProvider is the narrow read surface the sync service needs from
// the status index: every live report, keyed by primary MAC. Defined
// locally (rather than importing pkg/status) for the same reason
// StatusLookup is in hooks.go — pkg/status must not import pkg/config
// back.
type StatusProvider interface {
	All() []*types.StatusReport
}

// ServiceConfig parameterizes the periodic push loop of spec.md §4.C.4.
type ServiceConfig struct {
	TickInterval time.Duration
	BatchLimit   int
	BatchDeadline time.Duration
}

// DefaultServiceConfig mirrors the teacher's reconciler defaults in
// spirit: a short tick, a conservative batch size, and a deadline long
// enough for a minion reboot-and-reconnect cycle.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		TickInterval:  30 * time.Second,
		BatchLimit:    20,
		BatchDeadline: 5 * time.Minute,
	}
}

type batchEntry struct {
	nodeName string
	hash     string
	sentAt   time.Time
}

// Service runs the periodic status-sync tick, batches nodes whose
// effective config hash has drifted from their last confirmed hash, and
// pushes deltas with bounded concurrency, per spec.md §4.C.4.
type Service struct {
	cfg      ServiceConfig
	resolver *Resolver
	status   StatusProvider
	metadata Catalog
	b        *broker.Broker
	sink     *events.Sink
	log      zerolog.Logger

	tunnelSub events.Subscriber

	mu          sync.Mutex
	pending     map[string]struct{}    // primary MACs waiting for a batch slot
	inBatch     map[string]*batchEntry // primary MACs currently in flight

	// currentEffective holds each node's freshly computed effective
	// config for the tick in progress.
	currentEffective map[string]types.ConfigDocument

	// lastPushedEffective holds the effective document as of the last
	// push actually sent to a node, used to diff against the next push
	// to decide full-vs-actions.
	lastPushedEffective map[string]types.ConfigDocument

	stop chan struct{}
	done chan struct{}
}

// NewService constructs a Service. b and sink may both be nil in tests
// that only exercise tick() directly; sink, when set, is the status
// index's event sink, subscribed to on Start so IP-change notifications
// (spec.md §4.B step 5) reach RefreshTunnelEndpoints.
func NewService(cfg ServiceConfig, resolver *Resolver, status StatusProvider, metadata Catalog, b *broker.Broker, sink *events.Sink) *Service {
	return &Service{
		cfg:               cfg,
		resolver:          resolver,
		status:            status,
		metadata:          metadata,
		b:                 b,
		sink:              sink,
		log:               log.WithComponent("config"),
		pending:             make(map[string]struct{}),
		inBatch:             make(map[string]*batchEntry),
		currentEffective:    make(map[string]types.ConfigDocument),
		lastPushedEffective: make(map[string]types.ConfigDocument),
		stop:                make(chan struct{}),
		done:              make(chan struct{}),
	}
}

// Start runs the tick loop until Stop is called, and, when a sink was
// supplied, the tunnel-endpoint refresh subscriber alongside it.
func (s *Service) Start() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	go func() {
		defer ticker.Stop()
		defer close(s.done)
		for {
			select {
			case <-ticker.C:
				s.tick(time.Now())
			case <-s.stop:
				return
			}
		}
	}()

	if s.sink != nil {
		s.tunnelSub = s.sink.Subscribe()
		go s.runTunnelRefresh()
	}
}

// runTunnelRefresh re-resolves tunnel endpoints on every
// node.tunnel_config_changed event (spec.md §4.B step 5's "emit an update-tunnel-config request to
// C"), which pkg/status publishes through the shared events.Sink rather
// than calling into pkg/config directly (pkg/status must not import
// pkg/config — see StatusProvider above).
func (s *Service) runTunnelRefresh() {
	for ev := range s.tunnelSub {
		if ev.Type != events.EventTunnelConfigChanged {
			continue
		}
		if err := s.resolver.RefreshTunnelEndpoints(ev.Metadata["node_name"]); err != nil {
			s.log.Error().Err(err).Str("node", ev.Message).Msg("failed to refresh tunnel endpoints")
		}
	}
}

// Stop halts the tick loop and the tunnel-refresh subscriber, waiting
// for the tick loop to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
	if s.sink != nil {
		s.sink.Unsubscribe(s.tunnelSub)
	}
}

// tick runs one status-sync cycle: completion check, pending detection,
// batch partition, and push. Kept as its own method so tests can drive
// it deterministically without a real ticker.
func (s *Service) tick(now time.Time) {
	defer metrics.ConfigSyncCyclesTotal.Inc()

	s.reapBatch(now)
	s.detectPending()
	s.fillBatch(now)

	metrics.ConfigPushesInFlight.Set(float64(len(s.inBatch)))
}

// detectPending implements steps 1-3: compute each live node's effective
// hash, compare against its last confirmed hash, and queue managed nodes
// whose hash has drifted.
func (s *Service) detectPending() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, node := range s.status.All() {
		result := s.resolver.Resolve(node)
		hash := EffectiveHash(result.Effective)
		s.currentEffective[node.MAC] = result.Effective

		confirmed := node.ConfigHash
		if confirmed == hash {
			delete(s.pending, node.MAC)
			continue
		}
		if !result.Managed {
			continue
		}
		if _, inBatch := s.inBatch[node.MAC]; inBatch {
			continue
		}
		s.pending[node.MAC] = struct{}{}
	}
}

// reapBatch implements step 6: a node leaves the in-flight batch once
// its reported hash matches what was pushed, or once the batch deadline
// elapses, in which case it returns to pending for the next partition.
func (s *Service) reapBatch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports := make(map[string]*types.StatusReport, len(s.status.All()))
	for _, n := range s.status.All() {
		reports[n.MAC] = n
	}

	for mac, entry := range s.inBatch {
		report, known := reports[mac]
		confirmed := known && report.ConfigHash == entry.hash
		expired := now.Sub(entry.sentAt) > s.cfg.BatchDeadline
		if confirmed {
			metrics.ConfigPushDuration.Observe(now.Sub(entry.sentAt).Seconds())
			delete(s.inBatch, mac)
			continue
		}
		if expired {
			s.log.Warn().Str("node", mac).Msg("config push batch deadline expired, retrying")
			delete(s.inBatch, mac)
			s.pending[mac] = struct{}{}
		}
	}
}

// fillBatch implements steps 4-5: partition up to BatchLimit pending
// nodes into the current batch and push each one.
func (s *Service) fillBatch(now time.Time) {
	s.mu.Lock()
	room := s.cfg.BatchLimit - len(s.inBatch)
	if room <= 0 {
		s.mu.Unlock()
		return
	}
	candidates := sortedKeys(s.pending)
	if len(candidates) > room {
		candidates = candidates[:room]
	}
	for _, mac := range candidates {
		delete(s.pending, mac)
		s.inBatch[mac] = &batchEntry{nodeName: mac, sentAt: now}
	}
	s.mu.Unlock()

	for _, mac := range candidates {
		s.pushNode(mac, now)
	}
}

func (s *Service) pushNode(mac string, now time.Time) {
	s.mu.Lock()
	effective := s.currentEffective[mac]
	prior, hadPrior := s.lastPushedEffective[mac]
	s.mu.Unlock()

	var priorDoc types.ConfigDocument
	if hadPrior {
		priorDoc = prior
	}
	push := BuildPush(s.metadata, priorDoc, effective)

	s.mu.Lock()
	if entry, ok := s.inBatch[mac]; ok {
		entry.hash = push.Hash
	}
	s.lastPushedEffective[mac] = effective
	s.mu.Unlock()

	if s.b == nil {
		return
	}
	env := &broker.Envelope{Type: broker.MsgConfigSet, Channel: broker.ChannelMinion}
	if err := broker.EncodePayload(env, push); err != nil {
		s.log.Error().Err(err).Str("node", mac).Msg("failed to encode config push")
		return
	}
	s.b.Send(mac, env)
}

// Pending returns the primary MACs currently waiting for a batch slot,
// in deterministic order, for introspection and tests.
func (s *Service) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedKeys(s.pending)
}

// InBatch returns the primary MACs currently in the active batch, sorted.
func (s *Service) InBatch() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inBatch))
	for mac := range s.inBatch {
		out = append(out, mac)
	}
	sort.Strings(out)
	return out
}
