// Package metrics exposes fleet observability as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	MaxTip = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolwarden_max_tip",
			Help: "Highest block height reported by a node in the fleet",
		},
	)

	LeaderCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolwarden_leader_count",
			Help: "Number of nodes currently registered as leader",
		},
	)

	NodeState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwarden_node_state",
			Help: "Current lifecycle state of a node, keyed by its NodeState enum value",
		},
		[]string{"node"},
	)

	NodeTip = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolwarden_node_tip",
			Help: "Last observed block height reported by a node",
		},
		[]string{"node"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwarden_restarts_total",
			Help: "Total number of node restarts by reason",
		},
		[]string{"node", "reason"},
	)

	StuckTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolwarden_stuck_total",
			Help: "Total number of times a node has been reported stuck",
		},
		[]string{"node"},
	)

	SlotsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolwarden_slots_sent_total",
			Help: "Total number of epochs for which slot assignments were sent to the aggregator",
		},
	)

	FleetTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolwarden_fleet_tick_duration_seconds",
			Help:    "Time taken to run one FleetManager tick",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(MaxTip)
	prometheus.MustRegister(LeaderCount)
	prometheus.MustRegister(NodeState)
	prometheus.MustRegister(NodeTip)
	prometheus.MustRegister(RestartsTotal)
	prometheus.MustRegister(StuckTotal)
	prometheus.MustRegister(SlotsSentTotal)
	prometheus.MustRegister(FleetTickDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
