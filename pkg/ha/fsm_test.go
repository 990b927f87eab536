package ha

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartsInRoleState(t *testing.T) {
	assert.Equal(t, StatePrimary, NewFSM(RolePrimary, 3).State)
	assert.Equal(t, StateBackup, NewFSM(RoleBackup, 3).State)
}

func TestPrimaryBecomesActiveWhenPeerReportsBackup(t *testing.T) {
	f := NewFSM(RolePrimary, 3)
	require.NoError(t, f.Apply(EventPeerBackup, time.Now()))
	assert.Equal(t, StateActive, f.State)
}

func TestPrimarySeeingPeerActiveIsFatal(t *testing.T) {
	f := NewFSM(RolePrimary, 3)
	err := f.Apply(EventPeerActive, time.Now())
	var fatal *FatalTransitionError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, StatePrimary, fatal.State)
}

func TestBackupBecomesPassiveWhenPeerPrimaryOrActive(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	require.NoError(t, f.Apply(EventPeerPrimary, time.Now()))
	assert.Equal(t, StatePassive, f.State)

	f2 := NewFSM(RoleBackup, 3)
	require.NoError(t, f2.Apply(EventPeerActive, time.Now()))
	assert.Equal(t, StatePassive, f2.State)
}

func TestBackupBecomesActiveOnPeerExpiredFromPassive(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	require.NoError(t, f.Apply(EventPeerPrimary, time.Now()))
	require.Equal(t, StatePassive, f.State)

	require.NoError(t, f.Apply(EventPeerExpired, time.Now()))
	assert.Equal(t, StateActive, f.State)
}

func TestActiveSeeingPeerActiveIsFatal(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	f.State = StateActive
	err := f.Apply(EventPeerActive, time.Now())
	var fatal *FatalTransitionError
	require.ErrorAs(t, err, &fatal)
}

func TestActivePrimaryStaysActiveOnPeerExpired(t *testing.T) {
	f := NewFSM(RolePrimary, 3)
	f.State = StateActive
	require.NoError(t, f.Apply(EventPeerExpired, time.Now()))
	assert.Equal(t, StateActive, f.State)
}

func TestBackupAutoRecoveryYieldsAfterThresholdConsecutivePassive(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	f.State = StateActive
	now := time.Now()

	require.NoError(t, f.Apply(EventPeerPassive, now))
	assert.Equal(t, StateActive, f.State, "one PASSIVE report is not enough")
	require.NoError(t, f.Apply(EventPeerPassive, now))
	assert.Equal(t, StateActive, f.State, "two PASSIVE reports is not enough")
	require.NoError(t, f.Apply(EventPeerPassive, now))
	assert.Equal(t, StateBackup, f.State, "third consecutive PASSIVE report triggers the yield")
}

func TestBackupAutoRecoveryStreakResetsOnInterveningEvent(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	f.State = StateActive
	now := time.Now()

	require.NoError(t, f.Apply(EventPeerPassive, now))
	require.NoError(t, f.Apply(EventPeerPassive, now))
	// Primary drops out and comes back: the streak must not carry over.
	require.NoError(t, f.Apply(EventPeerExpired, now))
	require.NoError(t, f.Apply(EventPeerPassive, now))
	require.NoError(t, f.Apply(EventPeerPassive, now))
	assert.Equal(t, StateActive, f.State, "streak broken by the intervening expiry, two is not enough")

	require.NoError(t, f.Apply(EventPeerPassive, now))
	assert.Equal(t, StateBackup, f.State)
}

func TestPrimaryRoleActiveNeverAutoRecoveryYields(t *testing.T) {
	f := NewFSM(RolePrimary, 3)
	f.State = StateActive
	now := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, f.Apply(EventPeerPassive, now))
	}
	assert.Equal(t, StateActive, f.State, "auto-recovery yield only applies to the backup-role controller")
}

func TestPassiveBecomesActiveOnPeerExpired(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	f.State = StatePassive
	require.NoError(t, f.Apply(EventPeerExpired, time.Now()))
	assert.Equal(t, StateActive, f.State)
}

func TestPeerExpiredRequiresAtLeastOneHeartbeatObserved(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	assert.False(t, f.PeerExpired(time.Now(), time.Second, 3), "never having heard from the peer is not the same as expiry")
}

func TestPeerExpiredTripsAfterMissedThreshold(t *testing.T) {
	f := NewFSM(RoleBackup, 3)
	start := time.Now()
	require.NoError(t, f.Apply(EventPeerPrimary, start))

	assert.False(t, f.PeerExpired(start.Add(2*time.Second), time.Second, 3))
	assert.True(t, f.PeerExpired(start.Add(4*time.Second), time.Second, 3))
}

func TestIsActive(t *testing.T) {
	f := NewFSM(RolePrimary, 3)
	assert.False(t, f.IsActive())
	f.State = StateActive
	assert.True(t, f.IsActive())
}
