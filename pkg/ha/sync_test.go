package ha

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDataSource struct {
	name     string
	pending  []byte
	snapshot []byte
	applied  [][]byte
	resets   int
}

func (f *fakeDataSource) Name() string { return f.name }
func (f *fakeDataSource) TakePending() []byte {
	p := f.pending
	f.pending = nil
	return p
}
func (f *fakeDataSource) FullSnapshot() []byte  { return f.snapshot }
func (f *fakeDataSource) ApplyReceived(d []byte) { f.applied = append(f.applied, d) }
func (f *fakeDataSource) Reset()                 { f.resets++ }

func TestBuildOutgoingIsNoOpWithNothingPending(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology"}
	s.Register(src)

	seq, payload := s.BuildOutgoing()
	assert.Equal(t, int64(0), seq)
	assert.Nil(t, payload)
}

func TestBuildOutgoingAdvancesSeqWhenSomethingPending(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology", pending: []byte("delta-1")}
	s.Register(src)

	seq, payload := s.BuildOutgoing()
	require.Equal(t, int64(1), seq)
	require.Len(t, payload, 1)
	assert.Equal(t, "topology", payload[0].App)
	assert.Equal(t, []byte("delta-1"), payload[0].Data)

	// Pending is consumed; a second call with nothing new queued is a no-op.
	seq2, payload2 := s.BuildOutgoing()
	assert.Equal(t, int64(1), seq2)
	assert.Nil(t, payload2)
}

func TestRequestFullResyncAttachesFullSnapshot(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "config", snapshot: []byte("full-config")}
	s.Register(src)
	s.RequestFullResync()

	seq, payload := s.BuildOutgoing()
	require.Equal(t, int64(1), seq)
	require.Len(t, payload, 1)
	assert.Equal(t, []byte("full-config"), payload[0].Data)
}

func TestApplyIncomingSkipsMatchingSeqNum(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology"}
	s.Register(src)

	s.ApplyIncoming(0, []AppPayload{{App: "topology", Data: []byte("x")}})
	assert.Empty(t, src.applied, "peerSeqNum equal to the cached seq (0) means nothing new")
}

func TestApplyIncomingAppliesNewSeqAndCachesIt(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology"}
	s.Register(src)

	s.ApplyIncoming(1, []AppPayload{{App: "topology", Data: []byte("x")}})
	require.Len(t, src.applied, 1)
	assert.Equal(t, []byte("x"), src.applied[0])
	assert.Equal(t, int64(1), s.EchoSeq())
}

func TestObservePeerEchoMismatchForcesFullResyncNextBuild(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology", pending: []byte("delta"), snapshot: []byte("full")}
	s.Register(src)

	seq, _ := s.BuildOutgoing()
	require.Equal(t, int64(1), seq)

	s.ObservePeerEcho(0) // peer hasn't caught up yet
	_, payload := s.BuildOutgoing()
	require.Len(t, payload, 1)
	assert.Equal(t, []byte("full"), payload[0].Data, "mismatch forces a full snapshot, not the stale delta")
}

func TestObservePeerEchoMatchDoesNotForceResync(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology", pending: []byte("delta")}
	s.Register(src)

	seq, _ := s.BuildOutgoing()
	s.ObservePeerEcho(seq)

	_, payload := s.BuildOutgoing()
	assert.Nil(t, payload)
}

func TestResetOnBecomingActiveClearsStateAndQueuesFullResync(t *testing.T) {
	s := NewSyncState()
	src := &fakeDataSource{name: "topology", snapshot: []byte("baseline")}
	s.Register(src)

	s.ApplyIncoming(5, nil)
	require.Equal(t, int64(5), s.EchoSeq())

	s.ResetOnBecomingActive()
	assert.Equal(t, int64(0), s.EchoSeq())
	assert.Equal(t, 1, src.resets)

	seq, payload := s.BuildOutgoing()
	assert.Equal(t, int64(1), seq)
	require.Len(t, payload, 1)
	assert.Equal(t, []byte("baseline"), payload[0].Data)
}
