package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPSClockAcceptsEarlySamplesBeforeMinQueue(t *testing.T) {
	c := NewGPSClock()
	base := time.Now()

	for i := 0; i < gpsQueueMin-1; i++ {
		outlier := c.Observe(GPSSample{NodeGPSTime: base, LocalTime: base})
		assert.False(t, outlier)
	}
}

// TestGPSClockRejectsOutlier mirrors scenario S6: ten near-zero deltas
// followed by one 10s delta should classify the 11th sample as an
// outlier and leave the effective clock where the last accepted sample
// left it.
func TestGPSClockRejectsOutlier(t *testing.T) {
	c := NewGPSClock()
	base := time.Now()

	for i := 0; i < 10; i++ {
		outlier := c.Observe(GPSSample{NodeGPSTime: base, LocalTime: base})
		require.False(t, outlier)
	}

	before, ok := c.Effective()
	require.True(t, ok)

	outlierSample := GPSSample{NodeGPSTime: base.Add(10 * time.Second), LocalTime: base}
	outlier := c.Observe(outlierSample)
	assert.True(t, outlier)

	after, _ := c.Effective()
	assert.Equal(t, before, after)

	// The sample is still appended to the queue even though it was
	// classified an outlier.
	assert.Len(t, c.deltas, 11)
}

func TestGPSClockCristianCompensation(t *testing.T) {
	c := NewGPSClock()
	base := time.Now()

	for i := 0; i < gpsQueueMin; i++ {
		c.Observe(GPSSample{NodeGPSTime: base.Add(time.Duration(i) * time.Millisecond), LocalTime: base.Add(time.Duration(i) * time.Millisecond)})
	}

	sentGPS := base.Add(time.Second)
	recv := sentGPS.Add(200 * time.Millisecond)
	ack := sentGPS.Add(-500 * time.Millisecond)
	lastAckGPS := base

	c.Observe(GPSSample{
		NodeGPSTime: sentGPS,
		LocalTime:   sentGPS,
		RecvTime:    recv,
		AckTime:     ack,
		LastAckGPS:  lastAckGPS,
	})

	eff, ok := c.Effective()
	require.True(t, ok)

	wantDelta := recv.Sub(ack) - sentGPS.Sub(lastAckGPS)
	wantEffective := sentGPS.Add(wantDelta / 2)
	assert.WithinDuration(t, wantEffective, eff, time.Millisecond)
}
