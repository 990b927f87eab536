// Package status implements component B: the authoritative per-node
// health view consumed by the config service, upgrade orchestrator, HA
// replicator, and topology (spec.md §4.B).
package status

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/events"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/metrics"
	"github.com/tg-mesh/ctrl/pkg/topology"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// Config holds Index tuning knobs, matching the teacher's
// Config-struct-per-component convention (pkg/manager.Config,
// pkg/worker.Config).
type Config struct {
	// StatusReportThrottleInterval is the minimum spacing between
	// accepted reports for the same node (spec.md §4.B step 3).
	StatusReportThrottleInterval time.Duration
}

// DefaultConfig returns spec.md's suggested defaults.
func DefaultConfig() Config {
	return Config{StatusReportThrottleInterval: 1 * time.Second}
}

// clockState is the Cristian-compensation bookkeeping kept per node,
// separate from the public types.StatusReport the rest of the system
// reads.
type clockState struct {
	lastAckSentAt time.Time
	lastAckGPS    time.Time

	// reportCounter counts successive non-transition reports from this
	// minion; it resets to 0 on every OFFLINE→ONLINE transition (spec.md
	// §4.B step 5), mirroring the original's per-minion status counter.
	reportCounter int64

	// throttle enforces Config.StatusReportThrottleInterval's minimum
	// spacing between accepted reports for this node.
	throttle *rate.Limiter
}

// Index is the status index. It never removes an entry itself; topology
// owns node deletion (spec.md §4.B Failure model).
type Index struct {
	cfg   Config
	topo  topology.View
	sink  *events.Sink
	gps   *GPSClock
	log   zerolog.Logger
	b     *broker.Broker

	mu      sync.RWMutex
	reports map[string]*types.StatusReport // primary MAC -> cached report
	clocks  map[string]*clockState
}

// NewIndex constructs an Index and wires it to b so MsgStatusReport
// envelopes on the minion channel reach Ingest.
func NewIndex(cfg Config, topo topology.View, sink *events.Sink, b *broker.Broker) *Index {
	idx := &Index{
		cfg:     cfg,
		topo:    topo,
		sink:    sink,
		gps:     NewGPSClock(),
		log:     log.WithComponent("status"),
		b:       b,
		reports: make(map[string]*types.StatusReport),
		clocks:  make(map[string]*clockState),
	}
	if b != nil {
		b.SetIdentityResolver(idx)
		b.OnReceive(broker.MsgStatusReport, idx.handleEnvelope)
	}
	return idx
}

// IsKnownMinion implements broker.IdentityResolver.
func (idx *Index) IsKnownMinion(mac string) bool {
	canon, err := canonicalMAC(mac)
	if err != nil {
		return false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	_, ok := idx.reports[canon]
	return ok
}

// TryWLANFallback implements broker.IdentityResolver: spec.md §4.B step
// 2's WLAN-MAC fallback. It asks topology to promote mac to primary if
// it matches a known radio MAC of a node with no primary MAC yet.
func (idx *Index) TryWLANFallback(mac string) bool {
	canon, err := canonicalMAC(mac)
	if err != nil {
		return false
	}
	if idx.topo == nil {
		return false
	}
	primary, ok := idx.topo.(interface {
		ResolvePrimary(radioMAC string) (string, bool)
	})
	if !ok {
		return false
	}
	p, matched := primary.ResolvePrimary(canon)
	if !matched {
		return false
	}
	_ = idx.topo.SetPrimaryMAC(canon, p)
	return true
}

func (idx *Index) handleEnvelope(sourceMinion, sourceApp string, env *broker.Envelope) {
	var in types.IncomingStatusReport
	if err := broker.DecodePayload(env, &in); err != nil {
		metrics.StatusReportsTotal.WithLabelValues("dropped_malformed").Inc()
		idx.log.Warn().Err(err).Msg("malformed status report payload")
		return
	}
	idx.Ingest(&in)
}

// Ingest runs the seven-step ingest contract of spec.md §4.B and returns
// the ack the broker should send back to the minion.
func (idx *Index) Ingest(in *types.IncomingStatusReport) types.StatusAck {
	mac, err := canonicalMAC(in.MAC)
	if err != nil {
		metrics.StatusReportsTotal.WithLabelValues("dropped_malformed").Inc()
		return types.StatusAck{}
	}
	in.MAC = mac

	// Step 2: radio-MAC fallback is handled by the broker's identity
	// enforcement before Ingest is ever called for an unknown MAC; a
	// report that reaches here always has a resolvable primary MAC.

	idx.mu.Lock()
	prev, hadPrev := idx.reports[mac]
	cs, hasClock := idx.clocks[mac]
	if !hasClock {
		cs = &clockState{}
		idx.clocks[mac] = cs
	}
	idx.mu.Unlock()

	// Step 3: throttle. cs.throttle is seeded from prev's own accept time
	// on first use so it reproduces the same "time since last accepted
	// report" check a plain comparison would, then evolves as a normal
	// token bucket on every call after; SetLimit lets cfg changes (e.g.
	// tests toggling the interval) take effect immediately.
	if hadPrev && idx.cfg.StatusReportThrottleInterval > 0 {
		if cs.throttle == nil {
			cs.throttle = rate.NewLimiter(rate.Every(idx.cfg.StatusReportThrottleInterval), 1)
			cs.throttle.AllowN(prev.LastReportAt, 1)
		} else {
			cs.throttle.SetLimit(rate.Every(idx.cfg.StatusReportThrottleInterval))
		}
		if !cs.throttle.AllowN(time.Now(), 1) {
			metrics.StatusReportsTotal.WithLabelValues("throttled").Inc()
			return types.StatusAck{}
		}
	}

	merged := idx.mergeStatic(prev, in, hadPrev)
	merged.LastReportAt = time.Now()
	if in.IsFullReport {
		merged.LastFullReportAt = merged.LastReportAt
	}

	ack := types.StatusAck{RequestFullStatusReport: !hadPrev}

	idx.detectTransitions(prev, merged, hadPrev, mac, cs)

	// Step 7: GPS-clock outlier filter, before adopting the timestamp.
	now := time.Now()
	sample := GPSSample{
		NodeGPSTime: in.NodeGPSTime,
		LocalTime:   now,
		RecvTime:    now,
		AckTime:     cs.lastAckSentAt,
		LastAckGPS:  cs.lastAckGPS,
	}
	if outlier := idx.gps.Observe(sample); outlier {
		metrics.GPSOutliersTotal.Inc()
		idx.sink.Publish(&events.Event{Type: events.EventGPSOutlierRejected, Message: mac})
	} else {
		cs.lastAckSentAt = now
		cs.lastAckGPS = in.NodeGPSTime
	}

	idx.mu.Lock()
	idx.reports[mac] = merged
	idx.mu.Unlock()

	// Step 6: wired-link reconciliation against already-known neighbors.
	idx.reconcileWiredNeighbors(mac, merged)

	metrics.StatusReportsTotal.WithLabelValues("accepted").Inc()
	return ack
}

// mergeStatic implements step 4: merge static fields from the cached
// prior report when the incoming one omits them.
func (idx *Index) mergeStatic(prev *types.StatusReport, in *types.IncomingStatusReport, hadPrev bool) *types.StatusReport {
	out := in.StatusReport
	if !hadPrev {
		return &out
	}
	if !in.Present.HasSoftwareVer {
		out.SoftwareVer = prev.SoftwareVer
	}
	if !in.Present.HasFirmwareVer {
		out.FirmwareVer = prev.FirmwareVer
	}
	if !in.Present.HasHardwareBoardID {
		out.HardwareBoardID = prev.HardwareBoardID
	}
	if !in.Present.HasInterfaceMACs {
		out.InterfaceMACs = prev.InterfaceMACs
	}
	return &out
}

// detectTransitions implements step 5 and emits the corresponding
// events; step 6's wired-link reconciliation is implemented in
// wiredlinks.go and called from Ingest for the node's wired neighbors.
func (idx *Index) detectTransitions(prev *types.StatusReport, merged *types.StatusReport, hadPrev bool, mac string, cs *clockState) {
	wasOffline := !hadPrev || prev.SelfStatus != types.NodeStatusOnline
	nowOnline := merged.SelfStatus == types.NodeStatusOnline || merged.SelfStatus == types.NodeStatusOnlineInitiator

	if wasOffline && nowOnline {
		idx.topo.MarkOnline(mac)
		idx.topo.RequestNodeParams(mac)
		idx.sink.Publish(&events.Event{Type: events.EventNodeOnline, Message: mac})

		cs.reportCounter = 0
		for _, neighborMAC := range idx.topo.Neighbors(mac) {
			idx.requestLinkStatus(mac, neighborMAC)
		}
	} else {
		cs.reportCounter++
	}

	if hadPrev && prev.IPv6Address != merged.IPv6Address && merged.IPv6Address != "" {
		idx.sink.Publish(&events.Event{
			Type:    events.EventTunnelConfigChanged,
			Message: mac,
			Metadata: map[string]string{
				"new_ip":    merged.IPv6Address,
				"node_name": merged.NodeName,
			},
		})
	}

	known := make(map[string]bool)
	for _, existing := range idx.topo.Neighbors(mac) {
		known[existing] = true
	}
	var newMACs []string
	for _, radioMAC := range merged.InterfaceMACs {
		if !known[radioMAC] {
			newMACs = append(newMACs, radioMAC)
		}
	}
	if len(newMACs) > 0 {
		idx.topo.AddWLANMACs(mac, newMACs)
		idx.sink.Publish(&events.Event{Type: events.EventWLANMACsAdded, Message: mac})
	}
}

// requestLinkStatus sends a link-status refresh request to mac for one
// of its wireless neighbors (spec.md §4.B step 5).
func (idx *Index) requestLinkStatus(mac, neighborMAC string) {
	if idx.b == nil {
		return
	}
	env := &broker.Envelope{Type: broker.MsgLinkStatusRequest, Channel: broker.ChannelMinion}
	if err := broker.EncodePayload(env, types.LinkStatusRequest{ResponderMAC: neighborMAC}); err != nil {
		idx.log.Warn().Err(err).Msg("encode link status request")
		return
	}
	idx.b.Send(mac, env)
}

// Get returns the cached report for a MAC, if any.
func (idx *Index) Get(mac string) (*types.StatusReport, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	r, ok := idx.reports[mac]
	return r, ok
}

// All returns every cached report, for the config service's periodic
// sweep (spec.md §4.C.4 step 1) and the upgrade orchestrator's node
// selection.
func (idx *Index) All() []*types.StatusReport {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]*types.StatusReport, 0, len(idx.reports))
	for _, r := range idx.reports {
		out = append(out, r)
	}
	return out
}
