package upgrade

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/topology"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// ServiceConfig holds the ticking cadence for the orchestrator.
type ServiceConfig struct {
	TickInterval time.Duration
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{TickInterval: 1 * time.Second}
}

// StatusDump is the inspection payload of spec.md §4.D.7: the request
// and batch currently in flight, plus what remains queued.
type StatusDump struct {
	CurrentRequest *types.UpgradeRequest
	CurrentBatch   map[string]types.NodeUpgradeState
	PendingBatches []string // request ids queued behind the current one
	PendingRequest []types.UpgradeRequest
}

// Service is the orchestrator tying the upgrade queue, image catalog,
// swarm, and the PREPARE/COMMIT batch FSMs into one ticking component,
// mirroring the shape of pkg/config's Service (tick-driven, one
// in-flight unit of work at a time, narrow collaborator interfaces).
type Service struct {
	cfg     ServiceConfig
	queue   *Queue
	catalog *Catalog
	swarm   Swarm
	status  StatusLookup
	topo    topology.View
	b       *broker.Broker
	log     zerolog.Logger

	effectiveConfigFor func(nodeName string) types.ConfigDocument
	clearErrorStatus   func(mac string)

	golden *GoldenRunner

	mu            sync.Mutex
	currentReq    *types.UpgradeRequest
	preparing     *PrepareBatch
	committing    *CommitBatch
	overflowQueue []string // nodes cut by the PREPARE parallelism cap, requeued when the batch finishes

	stop chan struct{}
	done chan struct{}
}

// NewService constructs a Service. effectiveConfigFor and
// clearErrorStatus may be nil; when nil, COMMIT carries no bundled
// config and PREPARE does not clear a node's error status.
func NewService(cfg ServiceConfig, queue *Queue, catalog *Catalog, swarm Swarm, status StatusLookup, topo topology.View, b *broker.Broker, effectiveConfigFor func(string) types.ConfigDocument, clearErrorStatus func(string)) *Service {
	return &Service{
		cfg:                cfg,
		queue:              queue,
		catalog:            catalog,
		swarm:              swarm,
		status:             status,
		topo:               topo,
		b:                  b,
		log:                log.WithComponent("upgrade-service"),
		effectiveConfigFor: effectiveConfigFor,
		clearErrorStatus:   clearErrorStatus,
		stop:               make(chan struct{}),
		done:               make(chan struct{}),
	}
}

// SetGoldenRunner attaches the golden-image auto-upgrade loop of
// spec.md §4.D.6; Tick drives it once per cycle whenever no request is
// queued or in flight. Nil (the default) disables the golden loop
// entirely.
func (s *Service) SetGoldenRunner(g *GoldenRunner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.golden = g
}

// Start runs the tick loop in its own goroutine.
func (s *Service) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case now := <-ticker.C:
				s.Tick(now)
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (s *Service) Stop() {
	close(s.stop)
	<-s.done
}

// Tick advances whichever batch is currently in flight, or starts the
// next queued request if none is.
func (s *Service) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preparing != nil {
		if s.preparing.Tick(now) {
			s.finishPrepare(now)
		}
		return
	}
	if s.committing != nil {
		if s.committing.Tick(now) {
			s.finishCommit(now)
		}
		return
	}

	if !s.startNext(now) && s.golden != nil {
		s.golden.Run(now)
	}
}

// startNext starts the next queued PREPARE or COMMIT request, if any,
// and reports whether it found one to start.
func (s *Service) startNext(now time.Time) bool {
	if req, ok := s.queue.Next(types.UpgradeReqPrepare); ok {
		s.startPrepare(req, now)
		return true
	}
	if req, ok := s.queue.Next(types.UpgradeReqCommit); ok {
		if req.FullUpgradeGroup != "" && !s.queue.IsActive(req.FullUpgradeGroup+"-prepare-done") {
			// A linked COMMIT from a FULL request waits for its PREPARE
			// half to have completed successfully; finishPrepare marks
			// that completion by activating this synthetic id.
			s.queue.Requeue(req)
			return true
		}
		s.startCommit(req, now)
		return true
	}
	return false
}

func (s *Service) startPrepare(req types.UpgradeRequest, now time.Time) {
	if !s.queue.IsActive(req.ID) {
		return
	}
	candidates := req.Nodes
	if req.UseAllNodes {
		candidates = s.allKnownMinusExclusions(req.Exclusions)
	}

	deps := PrepareDeps{Status: s.status, Topology: s.topo, Catalog: s.catalog, Broker: s.b, ClearErrorStatus: s.clearErrorStatus}
	batch, overflow := NewPrepareBatch(deps, req, candidates, now)
	s.preparing = batch
	s.overflowQueue = overflow
	reqCopy := req
	s.currentReq = &reqCopy
}

func (s *Service) finishPrepare(now time.Time) {
	results := s.preparing.Results()
	req := *s.currentReq

	if len(s.overflowQueue) > 0 {
		next := req
		next.Nodes = s.overflowQueue
		s.queue.Requeue(next)
	}

	if req.FullUpgradeGroup != "" {
		s.queue.MarkPrepareDone(req.FullUpgradeGroup)
	}

	s.log.Info().Str("request", req.ID).Interface("results", results).Msg("PREPARE batch complete")
	s.preparing = nil
	s.currentReq = nil
	s.overflowQueue = nil
}

func (s *Service) startCommit(req types.UpgradeRequest, now time.Time) {
	if !s.queue.IsActive(req.ID) {
		return
	}
	candidates := req.Nodes
	if req.UseAllNodes {
		candidates = s.allKnownMinusExclusions(req.Exclusions)
	}
	selected := SelectHopDisjoint(candidates, req.Limit, s.topo)

	deps := CommitDeps{Status: s.status, Topology: s.topo, Broker: s.b, EffectiveConfigFor: s.effectiveConfigFor}

	var targetVersion string
	for _, img := range s.catalog.List() {
		if img.MD5 == req.Payload.ImageMD5 {
			targetVersion = img.Version
			break
		}
	}

	s.committing = NewCommitBatch(deps, req, selected, targetVersion, now)
	reqCopy := req
	s.currentReq = &reqCopy
}

func (s *Service) finishCommit(now time.Time) {
	results := s.committing.Results()
	req := *s.currentReq

	if s.committing.GatewayFailed() {
		s.log.Warn().Str("request", req.ID).Msg("gateway failed to recover during COMMIT, cancelling request")
		s.queue.Cancel(req.ID)
	}

	if s.golden != nil && strings.HasPrefix(req.ID, "golden-commit-") {
		s.applyGoldenResults(results)
	}

	s.log.Info().Str("request", req.ID).Interface("results", results).Msg("COMMIT batch complete")
	s.committing = nil
	s.currentReq = nil
}

// applyGoldenResults feeds one golden-triggered COMMIT's outcome back
// into the golden policy's per-board blacklist/promotion bookkeeping
// (spec.md §4.D.6, §9's majority-promotion decision), splitting the
// batch's mixed-board results by each node's hardware board id.
func (s *Service) applyGoldenResults(results map[string]types.NodeUpgradeState) {
	byBoard := make(map[string]map[string]types.NodeUpgradeState)
	for mac, state := range results {
		boardID, ok := s.topo.BoardIDFor(mac)
		if !ok {
			continue
		}
		if byBoard[boardID] == nil {
			byBoard[boardID] = make(map[string]types.NodeUpgradeState)
		}
		byBoard[boardID][mac] = state
	}
	for boardID, boardResults := range byBoard {
		fleetSize := len(s.topo.NodesByBoardID(boardID))
		s.golden.OnBatchResult(boardID, boardResults, fleetSize)
	}
}

// allKnownMinusExclusions resolves UseAllNodes against the status
// index's live node set; topology.View exposes no "list all nodes"
// method, so the status index (which tracks every node that has ever
// reported in) is the source of truth for fleet membership.
func (s *Service) allKnownMinusExclusions(exclusions []string) []string {
	excluded := make(map[string]bool, len(exclusions))
	for _, mac := range exclusions {
		excluded[mac] = true
	}
	all, ok := s.status.(interface{ All() []*types.StatusReport })
	if !ok {
		return nil
	}
	var out []string
	for _, report := range all.All() {
		if !excluded[report.MAC] {
			out = append(out, report.MAC)
		}
	}
	sort.Strings(out)
	return out
}

// AbortAll cancels every active request, queued or in flight; in-flight
// minion operations finish but their results are discarded (spec.md
// §4.D.7).
func (s *Service) AbortAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, req := range s.queue.Pending() {
		s.queue.Cancel(req.ID)
	}
	if s.currentReq != nil {
		s.queue.Cancel(s.currentReq.ID)
	}
}

// AbortByIDs cancels a specific set of request ids.
func (s *Service) AbortByIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.queue.Cancel(id)
	}
}

// Status returns the current inspection snapshot.
func (s *Service) Status() StatusDump {
	s.mu.Lock()
	defer s.mu.Unlock()

	dump := StatusDump{PendingRequest: s.queue.Pending()}
	if s.currentReq != nil {
		reqCopy := *s.currentReq
		dump.CurrentRequest = &reqCopy
	}
	switch {
	case s.preparing != nil:
		dump.CurrentBatch = s.preparing.Results()
	case s.committing != nil:
		dump.CurrentBatch = s.committing.Results()
	}
	for _, req := range dump.PendingRequest {
		dump.PendingBatches = append(dump.PendingBatches, req.ID)
	}
	return dump
}
