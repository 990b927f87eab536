package ha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tg-mesh/ctrl/pkg/broker"
)

type fakeMinionNotifier struct {
	switches int
}

func (f *fakeMinionNotifier) SwitchControllers() { f.switches++ }

func testConfig(role Role) Config {
	c := DefaultConfig(role, "v1", "peer")
	c.HeartbeatInterval = 50 * time.Millisecond
	return c
}

func heartbeatEnvelope(t *testing.T, hb Heartbeat) *broker.Envelope {
	t.Helper()
	env := &broker.Envelope{Type: broker.MsgHAHeartbeat, Channel: broker.ChannelHAPeer}
	require.NoError(t, broker.EncodePayload(env, hb))
	return env
}

func TestOnHeartbeatAdvancesFSMOnPeerPrimary(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RoleBackup), b, &fakeMinionNotifier{})

	r.onHeartbeat("", "", heartbeatEnvelope(t, Heartbeat{State: StatePrimary, Version: "v1"}))

	assert.Equal(t, StatePassive, r.State())
}

func TestOnHeartbeatMalformedPayloadIsIgnored(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RoleBackup), b, &fakeMinionNotifier{})

	env := &broker.Envelope{Type: broker.MsgHAHeartbeat, Channel: broker.ChannelHAPeer, Payload: []byte("not valid")}
	r.onHeartbeat("", "", env)

	assert.Equal(t, StateBackup, r.State(), "malformed heartbeat must not change state")
}

func TestOnHeartbeatFatalTransitionRevertsToConfiguredRole(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RolePrimary), b, &fakeMinionNotifier{})
	r.fsm.State = StateActive

	r.onHeartbeat("", "", heartbeatEnvelope(t, Heartbeat{State: StateActive, Version: "v1"}))

	assert.Equal(t, StatePrimary, r.State(), "dual-active is fatal, must revert to the primary role's state")
}

func TestOnHeartbeatPassiveAppliesActiveSync(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RoleBackup), b, &fakeMinionNotifier{})
	src := &fakeDataSource{name: "topology"}
	r.Register(src)
	r.fsm.State = StatePassive

	r.onHeartbeat("", "", heartbeatEnvelope(t, Heartbeat{
		State:   StateActive,
		Version: "v1",
		SeqNum:  1,
		AppData: []AppPayload{{App: "topology", Data: []byte("snap")}},
	}))

	require.Len(t, src.applied, 1)
	assert.Equal(t, []byte("snap"), src.applied[0])
	assert.Equal(t, int64(1), r.sync.EchoSeq())
}

func TestOnHeartbeatVersionMismatchSkipsApply(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RoleBackup), b, &fakeMinionNotifier{})
	src := &fakeDataSource{name: "topology"}
	r.Register(src)
	r.fsm.State = StatePassive

	r.onHeartbeat("", "", heartbeatEnvelope(t, Heartbeat{
		State:   StateActive,
		Version: "v2-mismatch",
		SeqNum:  1,
		AppData: []AppPayload{{App: "topology", Data: []byte("snap")}},
	}))

	assert.Empty(t, src.applied, "a version-mismatched peer's app data must not be applied")
}

func TestOnHeartbeatAutoRecoveryYieldInstructsMinionSwitchAndResetsStreak(t *testing.T) {
	b := broker.New(nil)
	notifier := &fakeMinionNotifier{}
	r := New(testConfig(RoleBackup), b, notifier)
	r.fsm.State = StateActive
	r.fsm.autoRecoveryStreak = r.fsm.autoRecoveryThreshold - 1

	r.onHeartbeat("", "", heartbeatEnvelope(t, Heartbeat{State: StatePassive, Version: "v1"}))

	assert.Equal(t, StateBackup, r.State())
	assert.Equal(t, 1, notifier.switches)
	assert.Equal(t, 0, r.fsm.autoRecoveryStreak)
}

func TestOnHeartbeatPeerExpiredTransitionResetsSync(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RoleBackup), b, &fakeMinionNotifier{})
	src := &fakeDataSource{name: "topology", snapshot: []byte("baseline")}
	r.Register(src)
	r.fsm.State = StatePassive
	r.sync.ApplyIncoming(5, nil)
	require.Equal(t, int64(5), r.sync.EchoSeq())

	r.mu.Lock()
	prev := r.fsm.State
	require.NoError(t, r.fsm.Apply(EventPeerExpired, time.Now()))
	if r.fsm.State != prev {
		r.onStateChange(prev, r.fsm.State)
	}
	r.mu.Unlock()

	assert.Equal(t, StateActive, r.State())
	assert.Equal(t, int64(0), r.sync.EchoSeq(), "becoming ACTIVE must reset the sync sequence state")
	assert.Equal(t, 1, src.resets)
}

func TestTickSendsHeartbeatAndDetectsPeerExpiry(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RoleBackup), b, &fakeMinionNotifier{})
	r.fsm.State = StatePassive
	r.fsm.lastPeerHeartbeat = time.Now().Add(-time.Hour)

	r.tick(time.Now())

	assert.Equal(t, StateActive, r.State(), "peer considered dead, passive controller takes over")
}

func TestIsActiveReflectsFSMState(t *testing.T) {
	b := broker.New(nil)
	r := New(testConfig(RolePrimary), b, &fakeMinionNotifier{})
	assert.False(t, r.IsActive())
	r.fsm.State = StateActive
	assert.True(t, r.IsActive())
}
