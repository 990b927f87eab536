package upgrade

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tg-mesh/ctrl/pkg/metrics"
	"github.com/tg-mesh/ctrl/pkg/topology"
	"github.com/tg-mesh/ctrl/pkg/types"
)

// GoldenPolicy is the controller-config-resident golden-image policy of
// spec.md §4.D.6.
type GoldenPolicy struct {
	Enabled bool

	// DesiredVersion maps hardware board id to the version every node
	// of that board should converge to.
	DesiredVersion map[string]string

	// Blacklist excludes a (node, version) pair from being proposed by
	// a golden run again — populated automatically on failure.
	Blacklist map[string]map[string]bool // node -> version -> true

	BatchLimit int
	Timeout    time.Duration

	// Interval is the minimum spacing between golden-run cycles; zero
	// means a cycle runs on every Tick the queue is idle for.
	Interval time.Duration

	// CommitWindow, when non-nil, restricts COMMIT dispatch to a
	// cron-like time-of-day window; nil means no restriction.
	CommitWindow func(now time.Time) bool

	// PromoteOnMajority promotes a board id's desired version once a
	// majority of its fleet has successfully converged.
	PromoteOnMajority bool
}

// GoldenRunner drives the background golden-image loop.
type GoldenRunner struct {
	policy  GoldenPolicy
	topo    topology.View
	status  StatusLookup
	catalog *Catalog
	queue   *Queue
	ticks   *rate.Limiter
}

// NewGoldenRunner constructs a GoldenRunner. When policy.Interval is
// positive, Run is rate-limited to at most one cycle per interval
// regardless of how often the caller's tick loop invokes it.
func NewGoldenRunner(policy GoldenPolicy, topo topology.View, status StatusLookup, catalog *Catalog, queue *Queue) *GoldenRunner {
	g := &GoldenRunner{policy: policy, topo: topo, status: status, catalog: catalog, queue: queue}
	if policy.Interval > 0 {
		g.ticks = rate.NewLimiter(rate.Every(policy.Interval), 1)
	}
	return g
}

// Run fires one golden-image cycle. It is a no-op unless the request
// queue is empty, the policy is enabled, and (when policy.Interval is
// set) the interval since the last cycle has elapsed, per spec.md
// §4.D.6.
func (g *GoldenRunner) Run(now time.Time) {
	if !g.policy.Enabled {
		return
	}
	if len(g.queue.Pending()) > 0 {
		return
	}
	if g.ticks != nil && !g.ticks.AllowN(now, 1) {
		return
	}
	metrics.GoldenUpgradeRunsTotal.Inc()

	var preparedAcrossBoards []string
	for boardID, desiredVersion := range g.policy.DesiredVersion {
		images := g.catalog.ForBoardID(boardID)
		hasCatalogEntry := false
		for _, img := range images {
			if img.Version == desiredVersion {
				hasCatalogEntry = true
				break
			}
		}
		if !hasCatalogEntry {
			continue
		}

		candidates := g.staleNodes(boardID, desiredVersion)
		sort.Strings(candidates)
		if len(candidates) > g.policy.BatchLimit {
			candidates = candidates[:g.policy.BatchLimit]
		}
		if len(candidates) == 0 {
			continue
		}

		groupID := fmt.Sprintf("golden-%s-%s", boardID, uuid.NewString())
		prepareReq := types.UpgradeRequest{
			ID:         groupID + "-prepare",
			Nodes:      candidates,
			Type:       types.UpgradeReqPrepare,
			Timeout:    g.policy.Timeout,
			Payload:    types.UpgradeGroupReq{ImageMD5: findMD5(images, desiredVersion)},
		}
		if _, err := g.queue.Enqueue(prepareReq); err == nil {
			preparedAcrossBoards = append(preparedAcrossBoards, candidates...)
		}
	}

	if len(preparedAcrossBoards) == 0 {
		return
	}

	if g.policy.CommitWindow != nil && !g.policy.CommitWindow(now) {
		return
	}

	commitReq := types.UpgradeRequest{
		ID:      fmt.Sprintf("golden-commit-%s", uuid.NewString()),
		Nodes:   preparedAcrossBoards,
		Type:    types.UpgradeReqCommit,
		Timeout: g.policy.Timeout,
	}
	_, _ = g.queue.Enqueue(commitReq)
}

func (g *GoldenRunner) staleNodes(boardID, desiredVersion string) []string {
	var out []string
	for _, mac := range g.topo.NodesByBoardID(boardID) {
		if g.policy.Blacklist[mac][desiredVersion] {
			continue
		}
		report, ok := g.status.Get(mac)
		if !ok || report.SoftwareVer == desiredVersion {
			continue
		}
		out = append(out, mac)
	}
	return out
}

// OnBatchResult applies post-batch promotion/blacklist bookkeeping for a
// golden run's outcome.
func (g *GoldenRunner) OnBatchResult(boardID string, results map[string]types.NodeUpgradeState, fleetSize int) {
	succeeded, failed := 0, 0
	for mac, state := range results {
		switch state {
		case types.NodeUpgradeCommitted:
			succeeded++
		case types.NodeUpgradeFailed:
			failed++
			if g.policy.Blacklist == nil {
				g.policy.Blacklist = make(map[string]map[string]bool)
			}
			if g.policy.Blacklist[mac] == nil {
				g.policy.Blacklist[mac] = make(map[string]bool)
			}
			g.policy.Blacklist[mac][g.policy.DesiredVersion[boardID]] = true
		}
	}

	if g.policy.PromoteOnMajority && fleetSize > 0 && succeeded*2 > fleetSize {
		version := g.policy.DesiredVersion[boardID]
		for mac, bl := range g.policy.Blacklist {
			delete(bl, version)
			if len(bl) == 0 {
				delete(g.policy.Blacklist, mac)
			}
		}
	}
}

func findMD5(images []types.Image, version string) string {
	for _, img := range images {
		if img.Version == version {
			return img.MD5
		}
	}
	return ""
}
