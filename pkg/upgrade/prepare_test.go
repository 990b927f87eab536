package upgrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/tg-mesh/ctrl/pkg/types"
)

type fakeStatus struct {
	reports map[string]*types.StatusReport
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{reports: make(map[string]*types.StatusReport)}
}

func (f *fakeStatus) Get(mac string) (*types.StatusReport, bool) {
	r, ok := f.reports[mac]
	return r, ok
}

func (f *fakeStatus) set(mac string, r *types.StatusReport) {
	f.reports[mac] = r
}

type fakeTopo struct {
	boards map[string]string
}

func (f *fakeTopo) BoardIDFor(mac string) (string, bool) {
	b, ok := f.boards[mac]
	return b, ok
}

func catalogWithImage(t *testing.T, version, md5 string) *Catalog {
	t.Helper()
	c := NewCatalog(t.TempDir(), nil, nil)
	require := func(err error) {
		if err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	}
	require(c.install(types.Image{Version: version, MD5: md5}))
	return c
}

func TestNewPrepareBatchFiltersOfflineAndUnknownAndAtTarget(t *testing.T) {
	status := newFakeStatus()
	status.set("online", &types.StatusReport{MAC: "online", SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})
	status.set("offline", &types.StatusReport{MAC: "offline", SelfStatus: types.NodeStatusOffline, SoftwareVer: "OLD"})
	status.set("attarget", &types.StatusReport{MAC: "attarget", SelfStatus: types.NodeStatusOnline, SoftwareVer: "NEW"})

	topo := &fakeTopo{boards: map[string]string{"online": "NXP", "offline": "NXP", "attarget": "NXP"}}
	catalog := catalogWithImage(t, "NEW", "md5-new")

	req := types.UpgradeRequest{ID: "r1", Payload: types.UpgradeGroupReq{ImageMD5: "md5-new"}, Timeout: time.Minute}
	deps := PrepareDeps{Status: status, Topology: topo, Catalog: catalog}
	batch, overflow := NewPrepareBatch(deps, req, []string{"online", "offline", "attarget", "unknown"}, time.Now())

	assert.Empty(t, overflow)
	results := batch.Results()
	_, onlineIncluded := results["online"]
	assert.True(t, onlineIncluded)
	_, offlineIncluded := results["offline"]
	assert.False(t, offlineIncluded)
	_, attargetIncluded := results["attarget"]
	assert.False(t, attargetIncluded)
	_, unknownIncluded := results["unknown"]
	assert.False(t, unknownIncluded)
}

func TestNewPrepareBatchAppliesParallelismCap(t *testing.T) {
	status := newFakeStatus()
	topo := &fakeTopo{boards: map[string]string{}}
	for _, mac := range []string{"a", "b", "c"} {
		status.set(mac, &types.StatusReport{MAC: mac, SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})
		topo.boards[mac] = "NXP"
	}
	catalog := NewCatalog(t.TempDir(), nil, nil)

	req := types.UpgradeRequest{ID: "r1", Limit: 2, Timeout: time.Minute}
	deps := PrepareDeps{Status: status, Topology: topo, Catalog: catalog}
	batch, overflow := NewPrepareBatch(deps, req, []string{"a", "b", "c"}, time.Now())

	assert.Len(t, batch.Results(), 2)
	assert.Len(t, overflow, 1)
}

func TestPrepareTickAdvancesStates(t *testing.T) {
	status := newFakeStatus()
	status.set("n1", &types.StatusReport{MAC: "n1", SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})
	topo := &fakeTopo{boards: map[string]string{"n1": "NXP"}}
	catalog := NewCatalog(t.TempDir(), nil, nil)

	req := types.UpgradeRequest{ID: "r1", Timeout: time.Minute, RetryLimit: 1}
	deps := PrepareDeps{Status: status, Topology: topo, Catalog: catalog}
	now := time.Now()
	batch, _ := NewPrepareBatch(deps, req, []string{"n1"}, now)
	assert.Equal(t, types.NodeUpgradeSent, batch.Results()["n1"])

	status.reports["n1"].UpgradeSubstatus = types.UpgradeSubstatusDownloading
	done := batch.Tick(now.Add(time.Second))
	assert.False(t, done)
	assert.Equal(t, types.NodeUpgradeInProgress, batch.Results()["n1"])

	status.reports["n1"].UpgradeSubstatus = types.UpgradeSubstatusReadyToCommit
	done = batch.Tick(now.Add(2 * time.Second))
	assert.True(t, done)
	assert.Equal(t, types.NodeUpgradePrepared, batch.Results()["n1"])
}

func TestPrepareTickRetriesThenFailsAfterLimit(t *testing.T) {
	status := newFakeStatus()
	status.set("n1", &types.StatusReport{MAC: "n1", SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})
	topo := &fakeTopo{boards: map[string]string{"n1": "NXP"}}
	catalog := NewCatalog(t.TempDir(), nil, nil)

	req := types.UpgradeRequest{ID: "r1", Timeout: time.Minute, RetryLimit: 1}
	deps := PrepareDeps{Status: status, Topology: topo, Catalog: catalog}
	now := time.Now()
	batch, _ := NewPrepareBatch(deps, req, []string{"n1"}, now)

	status.reports["n1"].UpgradeSubstatus = types.UpgradeSubstatusFailed
	batch.Tick(now.Add(time.Second)) // retry 1
	assert.Equal(t, types.NodeUpgradeSent, batch.Results()["n1"])

	status.reports["n1"].UpgradeSubstatus = types.UpgradeSubstatusFailed
	done := batch.Tick(now.Add(2 * time.Second)) // retry 2 exceeds limit
	assert.True(t, done)
	assert.Equal(t, types.NodeUpgradeFailed, batch.Results()["n1"])
}

func TestPrepareTickDeadlineForcesFailure(t *testing.T) {
	status := newFakeStatus()
	status.set("n1", &types.StatusReport{MAC: "n1", SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})
	topo := &fakeTopo{boards: map[string]string{"n1": "NXP"}}
	catalog := NewCatalog(t.TempDir(), nil, nil)

	req := types.UpgradeRequest{ID: "r1", Timeout: time.Second, RetryLimit: 0}
	deps := PrepareDeps{Status: status, Topology: topo, Catalog: catalog}
	now := time.Now()
	batch, _ := NewPrepareBatch(deps, req, []string{"n1"}, now)

	done := batch.Tick(now.Add(time.Hour))
	assert.True(t, done)
	assert.Equal(t, types.NodeUpgradeFailed, batch.Results()["n1"])
}
