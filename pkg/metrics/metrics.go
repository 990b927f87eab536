// Package metrics exposes the controller's Prometheus metrics and a
// small Timer helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Status index metrics (component B)
	NodesByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshctrl_nodes_by_status",
			Help: "Number of nodes by admin status",
		},
		[]string{"status"},
	)

	StatusReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshctrl_status_reports_total",
			Help: "Total status reports ingested by outcome",
		},
		[]string{"outcome"}, // accepted, throttled, dropped_unknown, dropped_malformed
	)

	GPSOutliersTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshctrl_gps_outliers_total",
			Help: "Total GPS timestamp samples rejected by the Chauvenet outlier filter",
		},
	)

	// Broker metrics (component A)
	BrokerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshctrl_broker_messages_total",
			Help: "Total broker messages by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	// Config service metrics (component C)
	ConfigPushesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshctrl_config_pushes_in_flight",
			Help: "Nodes currently in the pending config rollout batch",
		},
	)

	ConfigPushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "meshctrl_config_push_duration_seconds",
			Help:    "Time from config push to node hash confirmation",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConfigSyncCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshctrl_config_sync_cycles_total",
			Help: "Total config-sync ticks completed",
		},
	)

	// Upgrade orchestrator metrics (component D)
	UpgradeBatchSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshctrl_upgrade_batch_size",
			Help: "Number of nodes in the current upgrade batch by phase",
		},
		[]string{"phase"}, // prepare, commit
	)

	UpgradeNodeResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshctrl_upgrade_node_results_total",
			Help: "Per-node upgrade outcomes by phase and result",
		},
		[]string{"phase", "result"}, // prepared, committed, failed, retried
	)

	GoldenUpgradeRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshctrl_golden_upgrade_runs_total",
			Help: "Total golden-image auto-upgrade cycles fired",
		},
	)

	// HA replicator metrics (component E)
	HAState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meshctrl_ha_state",
			Help: "HA FSM state indicator (1 for the current state, 0 otherwise)",
		},
		[]string{"state"},
	)

	HASequenceNumber = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "meshctrl_ha_sequence_number",
			Help: "Current HA heartbeat sequence number",
		},
	)

	HAHeartbeatsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "meshctrl_ha_heartbeats_sent_total",
			Help: "Total heartbeats sent to the HA peer",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meshctrl_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meshctrl_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesByStatus,
		StatusReportsTotal,
		GPSOutliersTotal,
		BrokerMessagesTotal,
		ConfigPushesInFlight,
		ConfigPushDuration,
		ConfigSyncCyclesTotal,
		UpgradeBatchSize,
		UpgradeNodeResultsTotal,
		GoldenUpgradeRunsTotal,
		HAState,
		HASequenceNumber,
		HAHeartbeatsSentTotal,
		APIRequestsTotal,
		APIRequestDuration,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// SetHAState sets the HA state gauge vector so exactly one label value is 1.
func SetHAState(states []string, current string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1.0
		}
		HAState.WithLabelValues(s).Set(v)
	}
}
