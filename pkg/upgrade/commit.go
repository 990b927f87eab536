package upgrade

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/metrics"
	"github.com/tg-mesh/ctrl/pkg/topology"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// CommitCommand is the minion-bound COMMIT payload, optionally carrying
// the next-version effective config so the node reboots onto new image
// and new config atomically (spec.md §4.D.5).
type CommitCommand struct {
	RequestID      string
	TargetVersion  string
	EffectiveConfig types.ConfigDocument `json:",omitempty"`
}

// CommitDeps bundles the COMMIT batch FSM's collaborators.
type CommitDeps struct {
	Status   StatusLookup
	Topology topology.View
	Broker   *broker.Broker
	// EffectiveConfigFor optionally resolves a node's next-version
	// effective config to bundle with COMMIT; nil means COMMIT carries
	// no config payload.
	EffectiveConfigFor func(nodeName string) types.ConfigDocument
}

// SelectHopDisjoint implements spec.md §4.D.5's candidate selection:
// greedily choose up to limit nodes from pending such that no two are
// wireless-link-adjacent and no chosen node is the sole path between
// two of its neighbors (a local articulation-point check bounded to a
// small BFS radius around each candidate, since topology.View exposes
// no whole-graph traversal — see DESIGN.md). If limit < 0, selection is
// skipped entirely (the caller commits everything at once).
func SelectHopDisjoint(pending []string, limit int, topo topology.View) []string {
	if limit < 0 {
		return append([]string(nil), pending...)
	}

	candidates := append([]string(nil), pending...)
	sort.Strings(candidates)

	var selected []string
	for _, mac := range candidates {
		if len(selected) >= limit {
			break
		}
		if isSolePath(mac, topo) {
			continue
		}
		adjacent := false
		for _, s := range selected {
			if topo.IsLinkAdjacent(mac, s) {
				adjacent = true
				break
			}
		}
		if adjacent {
			continue
		}
		selected = append(selected, mac)
	}

	if len(selected) == 0 && len(pending) > 0 {
		// No routable subset found: commit everything at once and let
		// the caller log the degradation.
		return append([]string(nil), pending...)
	}
	return selected
}

// isSolePath reports whether mac is the only path between some pair of
// its direct neighbors, by checking whether each pair of neighbors can
// still reach each other via a bounded BFS that never revisits mac.
func isSolePath(mac string, topo topology.View) bool {
	neighbors := topo.Neighbors(mac)
	if len(neighbors) < 2 {
		return false
	}
	for i := 0; i < len(neighbors); i++ {
		for j := i + 1; j < len(neighbors); j++ {
			if !reachableExcluding(neighbors[i], neighbors[j], mac, topo) {
				return true
			}
		}
	}
	return false
}

const articulationBFSBudget = 200

func reachableExcluding(start, target, excluded string, topo topology.View) bool {
	if start == target {
		return true
	}
	visited := map[string]bool{start: true, excluded: true}
	queue := []string{start}
	visitedCount := 0
	for len(queue) > 0 && visitedCount < articulationBFSBudget {
		cur := queue[0]
		queue = queue[1:]
		visitedCount++
		for _, n := range topo.Neighbors(cur) {
			if n == target {
				return true
			}
			if !visited[n] {
				visited[n] = true
				queue = append(queue, n)
			}
		}
	}
	return false
}

// CommitBatch drives the COMMIT state machine of spec.md §4.D.5,
// tracking per-node recovery against a captured baseline.
type CommitBatch struct {
	deps  CommitDeps
	req   types.UpgradeRequest
	batch types.UpgradeBatch

	targetVersion string
	deadlinesHit  bool
	gatewayFailed bool
	log           zerolog.Logger
}

// NewCommitBatch captures the dead-link and BGP baselines for the
// selected nodes and sends COMMIT to each.
func NewCommitBatch(deps CommitDeps, req types.UpgradeRequest, selected []string, targetVersion string, now time.Time) *CommitBatch {
	cb := &CommitBatch{
		deps: deps,
		req:  req,
		batch: types.UpgradeBatch{
			RequestID:        req.ID,
			Type:             types.UpgradeReqCommit,
			Nodes:            make(map[string]types.NodeUpgradeState, len(selected)),
			DeadLinksAtStart: make(map[string]map[string]bool),
			BGPBaseline:      make(map[string]int),
			StartedAt:        now,
			Deadline:         now.Add(req.Timeout),
			RetryCount:       make(map[string]int),
		},
		targetVersion: targetVersion,
		log:           log.WithComponent("upgrade-commit"),
	}

	for _, mac := range selected {
		cb.batch.Nodes[mac] = types.NodeUpgradeNew
		cb.captureBaseline(mac)
		cb.sendCommit(mac)
	}
	metrics.UpgradeBatchSize.WithLabelValues("commit").Set(float64(len(selected)))
	return cb
}

// captureBaseline snapshots the node's currently-dead wireless links (so
// recovery checks ignore links that were already down before COMMIT,
// per spec.md §4.D.5) and, on gateway nodes, the current BGP peer count.
// The status index's own NeighborConnections table — not
// topology.View's static adjacency — is the authority on live/dead,
// since topology.View exposes no runtime link-state concept beyond
// fixed neighbor membership.
func (cb *CommitBatch) captureBaseline(mac string) {
	dead := make(map[string]bool)
	if report, ok := cb.deps.Status.Get(mac); ok {
		for neighbor, alive := range report.NeighborConnections {
			if !alive {
				dead[neighbor] = true
			}
		}
		if report.HasBGPPeerCount {
			cb.batch.BGPBaseline[mac] = report.BGPPeerCount
		}
	}
	cb.batch.DeadLinksAtStart[mac] = dead
}

func (cb *CommitBatch) sendCommit(mac string) {
	cb.batch.Nodes[mac] = types.NodeUpgradeSent
	if cb.deps.Broker == nil {
		return
	}
	cmd := CommitCommand{RequestID: cb.req.ID, TargetVersion: cb.targetVersion}
	if cb.deps.EffectiveConfigFor != nil {
		if report, ok := cb.deps.Status.Get(mac); ok {
			cmd.EffectiveConfig = cb.deps.EffectiveConfigFor(report.NodeName)
		}
	}
	env := &broker.Envelope{Type: broker.MsgUpgradeReq, Channel: broker.ChannelMinion}
	if err := broker.EncodePayload(env, cmd); err != nil {
		cb.log.Error().Err(err).Str("node", mac).Msg("failed to encode COMMIT command")
		return
	}
	cb.deps.Broker.Send(mac, env)
}

// Tick checks each in-flight node's recovery criteria: new image
// version reported, every previously-live wireless link live again, and
// (on gateway nodes) BGP peer count at or above baseline. It returns
// true once every node is terminal; once the deadline has elapsed, every
// unfinished node counts as a failure on each Tick (re-sent while
// retries remain, FAILED after that). It sets GatewayFailed() when a gateway node fails to recover and the
// request's FailurePolicy is not skipPopFailure — signalling the caller
// to cancel the whole request per spec.md §4.D.5's last bullet.
func (cb *CommitBatch) Tick(now time.Time) bool {
	for mac, state := range cb.batch.Nodes {
		if state == types.NodeUpgradeCommitted || state == types.NodeUpgradeFailed {
			continue
		}
		report, ok := cb.deps.Status.Get(mac)
		if !ok {
			continue
		}
		if cb.recovered(mac, report) {
			cb.batch.Nodes[mac] = types.NodeUpgradeCommitted
			metrics.UpgradeNodeResultsTotal.WithLabelValues("commit", "committed").Inc()
			continue
		}
		if report.UpgradeSubstatus == types.UpgradeSubstatusFailed {
			cb.handleFailure(mac, report)
		}
	}

	if now.After(cb.batch.Deadline) {
		for mac, state := range cb.batch.Nodes {
			if state != types.NodeUpgradeCommitted && state != types.NodeUpgradeFailed {
				if report, ok := cb.deps.Status.Get(mac); ok {
					cb.handleFailure(mac, report)
				} else {
					cb.batch.Nodes[mac] = types.NodeUpgradeFailed
				}
			}
		}
	}

	return cb.done()
}

func (cb *CommitBatch) recovered(mac string, report *types.StatusReport) bool {
	if report.SoftwareVer != cb.targetVersion {
		return false
	}
	dead := cb.batch.DeadLinksAtStart[mac]
	for neighbor, alive := range report.NeighborConnections {
		if dead[neighbor] {
			continue // was already dead at commit time, ignored during recovery
		}
		if !alive {
			return false
		}
	}
	if baseline, isGateway := cb.batch.BGPBaseline[mac]; isGateway {
		if !report.HasBGPPeerCount || report.BGPPeerCount < baseline {
			return false
		}
	}
	return true
}

func (cb *CommitBatch) handleFailure(mac string, report *types.StatusReport) {
	cb.batch.RetryCount[mac]++
	if cb.batch.RetryCount[mac] <= cb.req.RetryLimit {
		metrics.UpgradeNodeResultsTotal.WithLabelValues("commit", "retried").Inc()
		cb.sendCommit(mac)
		return
	}
	cb.batch.Nodes[mac] = types.NodeUpgradeFailed
	metrics.UpgradeNodeResultsTotal.WithLabelValues("commit", "failed").Inc()

	if _, isGateway := cb.batch.BGPBaseline[mac]; isGateway && cb.req.FailurePolicy != types.FailurePolicySkipPopFailure {
		cb.gatewayFailed = true
	}
}

// GatewayFailed reports whether a gateway node failed to recover under
// a FailurePolicy that does not tolerate it — the caller must cancel
// the whole request (all its queued batches) when this is true.
func (cb *CommitBatch) GatewayFailed() bool {
	return cb.gatewayFailed
}

func (cb *CommitBatch) done() bool {
	for _, state := range cb.batch.Nodes {
		if state != types.NodeUpgradeCommitted && state != types.NodeUpgradeFailed {
			return false
		}
	}
	return true
}

// Results returns the final per-node outcome.
func (cb *CommitBatch) Results() map[string]types.NodeUpgradeState {
	return cb.batch.Nodes
}
