package upgrade

import (
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tg-mesh/ctrl/pkg/broker"
	"github.com/tg-mesh/ctrl/pkg/log"
	"github.com/tg-mesh/ctrl/pkg/metrics"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// StatusLookup is the narrow read surface the PREPARE/COMMIT batch FSMs
// need from the status index — the status index is the sole authority
// on whether a node is online, its current version, and its reported
// upgrade substatus (spec.md §4.D.4 step 1/4). A local interface avoids
// importing pkg/status directly, same rationale as pkg/config's.
type StatusLookup interface {
	Get(mac string) (*types.StatusReport, bool)
}

// TopologyLookup is the narrow topology read the batch FSMs need: is a
// node known at all.
type TopologyLookup interface {
	BoardIDFor(primaryMAC string) (boardID string, ok bool)
}

// PrepareCommand is the minion-bound PREPARE payload: the image's magnet
// URI and any peer-distribution parameters, per spec.md §4.D.4 step 3.
type PrepareCommand struct {
	RequestID     string
	ImageMD5      string
	MagnetURI     string
	TorrentParams map[string]string
}

// PrepareDeps bundles the PREPARE batch FSM's collaborators.
type PrepareDeps struct {
	Status   StatusLookup
	Topology TopologyLookup
	Catalog  *Catalog // resolves the request's image MD5 to its declared version
	Broker   *broker.Broker // nil in tests that only check state transitions
	ClearErrorStatus func(mac string)
}

// PrepareBatch drives the per-node state machine of spec.md §4.D.4:
// NEW -> SENT -> IN_PROGRESS -> {PREPARED, FAILED}.
type PrepareBatch struct {
	deps  PrepareDeps
	req   types.UpgradeRequest
	batch types.UpgradeBatch
	log   zerolog.Logger
}

// NewPrepareBatch filters candidateNodes down to those eligible for
// PREPARE (online, known to topology, not already at the target
// version), applies the parallelism cap, and sends PREPARE to the
// selected set. The nodes left over after the cap are returned for the
// caller to requeue at the front of the pending queue.
func NewPrepareBatch(deps PrepareDeps, req types.UpgradeRequest, candidateNodes []string, now time.Time) (*PrepareBatch, []string) {
	logger := log.WithComponent("upgrade-prepare")

	var targetVersion string
	if deps.Catalog != nil {
		for _, img := range deps.Catalog.List() {
			if img.MD5 == req.Payload.ImageMD5 {
				targetVersion = img.Version
				break
			}
		}
	}

	var eligible []string
	for _, mac := range candidateNodes {
		if _, known := deps.Topology.BoardIDFor(mac); !known {
			continue
		}
		report, ok := deps.Status.Get(mac)
		if !ok || report.SelfStatus == types.NodeStatusOffline {
			continue
		}
		if targetVersion != "" && report.SoftwareVer == targetVersion {
			continue
		}
		eligible = append(eligible, mac)
	}
	sort.Strings(eligible) // stable selection order

	parallelism := req.Limit
	var selected, overflow []string
	if parallelism > 0 && len(eligible) > parallelism {
		selected = eligible[:parallelism]
		overflow = append([]string(nil), eligible[parallelism:]...)
	} else {
		selected = eligible
	}

	pb := &PrepareBatch{
		deps: deps,
		req:  req,
		batch: types.UpgradeBatch{
			RequestID:  req.ID,
			Type:       types.UpgradeReqPrepare,
			Nodes:      make(map[string]types.NodeUpgradeState, len(selected)),
			StartedAt:  now,
			Deadline:   now.Add(req.Timeout),
			RetryCount: make(map[string]int),
		},
		log: logger,
	}

	for _, mac := range selected {
		pb.batch.Nodes[mac] = types.NodeUpgradeNew
		pb.sendPrepare(mac)
	}
	metrics.UpgradeBatchSize.WithLabelValues("prepare").Set(float64(len(selected)))
	return pb, overflow
}

func (pb *PrepareBatch) sendPrepare(mac string) {
	if pb.deps.ClearErrorStatus != nil {
		pb.deps.ClearErrorStatus(mac)
	}
	pb.batch.Nodes[mac] = types.NodeUpgradeSent

	if pb.deps.Broker == nil {
		return
	}
	cmd := PrepareCommand{
		RequestID:     pb.req.ID,
		ImageMD5:      pb.req.Payload.ImageMD5,
		MagnetURI:     pb.req.Payload.ImageURI,
		TorrentParams: pb.req.Payload.TorrentParams,
	}
	env := &broker.Envelope{Type: broker.MsgUpgradeReq, Channel: broker.ChannelMinion}
	if err := broker.EncodePayload(env, cmd); err != nil {
		pb.log.Error().Err(err).Str("node", mac).Msg("failed to encode PREPARE command")
		return
	}
	pb.deps.Broker.Send(mac, env)
}

// Tick inspects each in-flight node's reported upgrade substatus,
// advances its state, retries failures up to req.RetryLimit, and
// returns true once every node has reached a terminal state (PREPARED
// or FAILED). Once the batch deadline has elapsed, every unfinished node
// counts as a failure on each Tick: it is re-sent while retries remain
// and marked FAILED after that.
func (pb *PrepareBatch) Tick(now time.Time) bool {
	for mac, state := range pb.batch.Nodes {
		if state == types.NodeUpgradePrepared || state == types.NodeUpgradeFailed {
			continue
		}

		report, ok := pb.deps.Status.Get(mac)
		if !ok {
			continue
		}

		switch report.UpgradeSubstatus {
		case types.UpgradeSubstatusDownloading:
			pb.batch.Nodes[mac] = types.NodeUpgradeInProgress
		case types.UpgradeSubstatusReadyToCommit:
			pb.batch.Nodes[mac] = types.NodeUpgradePrepared
			metrics.UpgradeNodeResultsTotal.WithLabelValues("prepare", "prepared").Inc()
		case types.UpgradeSubstatusFailed:
			pb.handleFailure(mac)
		}
	}

	if now.After(pb.batch.Deadline) {
		for mac, state := range pb.batch.Nodes {
			if state != types.NodeUpgradePrepared && state != types.NodeUpgradeFailed {
				pb.log.Warn().Str("node", mac).Msg("PREPARE batch deadline elapsed, node returned to retry scheduling")
				pb.handleFailure(mac)
			}
		}
	}

	return pb.done()
}

func (pb *PrepareBatch) handleFailure(mac string) {
	pb.batch.RetryCount[mac]++
	if pb.batch.RetryCount[mac] <= pb.req.RetryLimit {
		metrics.UpgradeNodeResultsTotal.WithLabelValues("prepare", "retried").Inc()
		pb.sendPrepare(mac)
		return
	}
	pb.batch.Nodes[mac] = types.NodeUpgradeFailed
	metrics.UpgradeNodeResultsTotal.WithLabelValues("prepare", "failed").Inc()
}

func (pb *PrepareBatch) done() bool {
	for _, state := range pb.batch.Nodes {
		if state != types.NodeUpgradePrepared && state != types.NodeUpgradeFailed {
			return false
		}
	}
	return true
}

// Results returns the final per-node outcome.
func (pb *PrepareBatch) Results() map[string]types.NodeUpgradeState {
	return pb.batch.Nodes
}
