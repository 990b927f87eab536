package upgrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-mesh/ctrl/pkg/topology"
	"github.com/tg-mesh/ctrl/pkg/types"
)

func newTestServiceDeps(t *testing.T) (*Queue, *Catalog, *fakeStatus, *topology.Memory) {
	t.Helper()
	return NewQueue(), NewCatalog(t.TempDir(), nil, nil), newFakeStatus(), topology.NewMemory()
}

func TestServiceRunsPrepareThenCommitForFullRequest(t *testing.T) {
	q, catalog, status, topo := newTestServiceDeps(t)
	require.NoError(t, catalog.install(types.Image{Version: "NEW", MD5: "md5-new"}))
	topo.SetBoardID("n1", "NXP")
	status.set("n1", &types.StatusReport{MAC: "n1", SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})

	svc := NewService(DefaultServiceConfig(), q, catalog, nil, status, topo, nil, nil, nil)

	_, err := q.Enqueue(types.UpgradeRequest{
		ID:      "full1",
		Type:    types.UpgradeReqFull,
		Nodes:   []string{"n1"},
		Timeout: time.Minute,
		Payload: types.UpgradeGroupReq{ImageMD5: "md5-new"},
	})
	require.NoError(t, err)

	now := time.Now()
	svc.Tick(now) // starts PREPARE

	dump := svc.Status()
	require.NotNil(t, dump.CurrentRequest)
	assert.Equal(t, types.UpgradeReqPrepare, dump.CurrentRequest.Type)

	status.reports["n1"].UpgradeSubstatus = types.UpgradeSubstatusReadyToCommit
	svc.Tick(now.Add(time.Second)) // PREPARE completes

	dump = svc.Status()
	assert.Nil(t, dump.CurrentRequest) // no batch in flight this instant

	svc.Tick(now.Add(2 * time.Second)) // starts COMMIT
	dump = svc.Status()
	require.NotNil(t, dump.CurrentRequest)
	assert.Equal(t, types.UpgradeReqCommit, dump.CurrentRequest.Type)
}

func TestServiceAbortAllCancelsPendingAndCurrent(t *testing.T) {
	q, catalog, status, topo := newTestServiceDeps(t)
	require.NoError(t, catalog.install(types.Image{Version: "NEW", MD5: "md5-new"}))
	topo.SetBoardID("n1", "NXP")
	status.set("n1", &types.StatusReport{MAC: "n1", SelfStatus: types.NodeStatusOnline, SoftwareVer: "OLD"})

	svc := NewService(DefaultServiceConfig(), q, catalog, nil, status, topo, nil, nil, nil)
	_, err := q.Enqueue(types.UpgradeRequest{ID: "p1", Type: types.UpgradeReqPrepare, Nodes: []string{"n1"}, Timeout: time.Minute})
	require.NoError(t, err)

	svc.Tick(time.Now())
	svc.AbortAll()

	dump := svc.Status()
	assert.Empty(t, dump.PendingRequest)
}

func TestServiceAbortByIDsCancelsSpecificRequest(t *testing.T) {
	q, catalog, status, topo := newTestServiceDeps(t)
	svc := NewService(DefaultServiceConfig(), q, catalog, nil, status, topo, nil, nil, nil)

	_, err := q.Enqueue(types.UpgradeRequest{ID: "p1", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)
	_, err = q.Enqueue(types.UpgradeRequest{ID: "p2", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)

	svc.AbortByIDs([]string{"p1"})
	assert.False(t, q.IsActive("p1"))
	assert.True(t, q.IsActive("p2"))
}
