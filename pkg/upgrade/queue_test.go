package upgrade

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tg-mesh/ctrl/pkg/types"
)

func TestEnqueueRejectsReset(t *testing.T) {
	q := NewQueue()
	_, err := q.Enqueue(types.UpgradeRequest{Type: types.UpgradeReqReset})
	require.Error(t, err)
	assert.Empty(t, q.Pending())
}

func TestEnqueueAssignsIDWhenEmpty(t *testing.T) {
	q := NewQueue()
	ids, err := q.Enqueue(types.UpgradeRequest{Type: types.UpgradeReqPrepare})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEmpty(t, ids[0])
}

func TestEnqueueFullExpandsToLinkedPair(t *testing.T) {
	q := NewQueue()
	ids, err := q.Enqueue(types.UpgradeRequest{ID: "g1", Type: types.UpgradeReqFull})
	require.NoError(t, err)
	require.Equal(t, []string{"g1-prepare", "g1-commit"}, ids)

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, types.UpgradeReqPrepare, pending[0].Type)
	assert.Equal(t, "g1", pending[0].FullUpgradeGroup)
	assert.Equal(t, types.UpgradeReqCommit, pending[1].Type)
	assert.Equal(t, "g1", pending[1].FullUpgradeGroup)

	assert.True(t, q.IsActive("g1-prepare"))
	assert.True(t, q.IsActive("g1-commit"))
}

func TestNextReturnsFirstMatchingActiveRequest(t *testing.T) {
	q := NewQueue()
	_, err := q.Enqueue(types.UpgradeRequest{ID: "p1", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)
	_, err = q.Enqueue(types.UpgradeRequest{ID: "c1", Type: types.UpgradeReqCommit})
	require.NoError(t, err)

	req, ok := q.Next(types.UpgradeReqCommit)
	require.True(t, ok)
	assert.Equal(t, "c1", req.ID)

	_, ok = q.Next(types.UpgradeReqCommit)
	assert.False(t, ok)

	assert.Len(t, q.Pending(), 1)
}

func TestNextSkipsCancelledRequest(t *testing.T) {
	q := NewQueue()
	_, err := q.Enqueue(types.UpgradeRequest{ID: "p1", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)
	q.Cancel("p1")

	_, ok := q.Next(types.UpgradeReqPrepare)
	assert.False(t, ok)
}

func TestRequeuePrependsToFront(t *testing.T) {
	q := NewQueue()
	_, err := q.Enqueue(types.UpgradeRequest{ID: "p1", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)
	_, err = q.Enqueue(types.UpgradeRequest{ID: "p2", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)

	q.Requeue(types.UpgradeRequest{ID: "p3", Type: types.UpgradeReqPrepare})

	pending := q.Pending()
	require.Len(t, pending, 3)
	assert.Equal(t, "p3", pending[0].ID)
}

func TestCancelRemovesFromPendingAndActive(t *testing.T) {
	q := NewQueue()
	_, err := q.Enqueue(types.UpgradeRequest{ID: "p1", Type: types.UpgradeReqPrepare})
	require.NoError(t, err)

	q.Cancel("p1")
	assert.False(t, q.IsActive("p1"))
	assert.Empty(t, q.Pending())
}

func TestMarkPrepareDoneActivatesSyntheticFlag(t *testing.T) {
	q := NewQueue()
	q.MarkPrepareDone("g1")
	assert.True(t, q.IsActive("g1-prepare-done"))
}
