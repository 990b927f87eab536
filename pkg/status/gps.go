package status

import (
	"math"
	"sync"
	"time"
)

const (
	gpsQueueMin = 6
	gpsQueueMax = 20
)

// GPSSample is one status report's GPS-timing evidence: the node's
// self-reported GPS wall time alongside the round-trip bookkeeping
// needed for Cristian-style compensation (spec.md §4.B GPS-outlier
// algorithm).
type GPSSample struct {
	NodeGPSTime time.Time // t_sent_gps: node's reported GPS time
	LocalTime   time.Time // local_gps_time at receipt, for the outlier delta
	RecvTime    time.Time // t_recv
	AckTime     time.Time // t_ack: when the previous ack for this node was sent
	LastAckGPS  time.Time // t_last_ack_gps: node's GPS time at that ack
}

// GPSClock maintains the bounded outlier-delta queue and the
// controller-global effective GPS time, per spec.md §4.B.
type GPSClock struct {
	mu        sync.Mutex
	deltas    []float64 // seconds, FIFO, bounded [0, gpsQueueMax]
	effective time.Time
}

// NewGPSClock constructs an empty clock.
func NewGPSClock() *GPSClock {
	return &GPSClock{}
}

// Observe classifies sample against Chauvenet's criterion and, if it is
// not an outlier, advances the effective GPS clock using Cristian-style
// round-trip compensation. It always appends the sample's delta to the
// queue, outlier or not, per spec.md §4.B.
func (c *GPSClock) Observe(s GPSSample) (outlier bool) {
	x := s.NodeGPSTime.Sub(s.LocalTime).Seconds()

	c.mu.Lock()
	defer c.mu.Unlock()

	outlier = c.classify(x)

	c.deltas = append(c.deltas, x)
	if len(c.deltas) > gpsQueueMax {
		c.deltas = c.deltas[1:]
	}

	if outlier {
		return true
	}

	if !s.AckTime.IsZero() && !s.LastAckGPS.IsZero() {
		delta := s.RecvTime.Sub(s.AckTime) - s.NodeGPSTime.Sub(s.LastAckGPS)
		c.effective = s.NodeGPSTime.Add(delta / 2)
	} else {
		c.effective = s.NodeGPSTime
	}
	return false
}

// classify applies Chauvenet's criterion to x against the current
// queue. With fewer than gpsQueueMin samples there isn't enough history
// to judge an outlier, so every early sample is accepted.
func (c *GPSClock) classify(x float64) bool {
	n := len(c.deltas)
	if n < gpsQueueMin {
		return false
	}

	mean, stddev := meanStddev(c.deltas)
	if stddev == 0 {
		return x != mean
	}

	z := math.Abs(x-mean) / stddev
	prob := 0.5 * math.Erfc(-z*math.Sqrt2/2) * float64(n)
	return prob < 0.5
}

// Effective returns the most recently adopted controller-global GPS
// time, and whether any sample has been accepted yet.
func (c *GPSClock) Effective() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective, !c.effective.IsZero()
}

func meanStddev(xs []float64) (mean, stddev float64) {
	n := float64(len(xs))
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean = sum / n

	var sqDiff float64
	for _, x := range xs {
		d := x - mean
		sqDiff += d * d
	}
	stddev = math.Sqrt(sqDiff / n)
	return mean, stddev
}
