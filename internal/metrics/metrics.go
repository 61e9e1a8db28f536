// Package metrics provides Prometheus instrumentation for the match server.
// It exposes gauges for connection, queue and match counts, counters for
// relayed payloads, and histograms for match wait and call durations.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "match_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the current number of entries in the waiting pool.
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "match_queue_size",
		Help: "Current number of entries in the waiting pool",
	})

	// ActiveMatches tracks the current number of non-terminal matches.
	ActiveMatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "match_active_matches",
		Help: "Current number of pending or active matches",
	})

	// MatchesTotal counts created matches by terminal outcome.
	MatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "match_matches_total",
		Help: "Total number of matches by outcome",
	}, []string{"outcome"}) // outcome = "created", "ended", "skipped", "timeout"

	// RelayedTotal counts relayed payloads by kind.
	RelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "match_relayed_total",
		Help: "Total number of relayed signaling and chat payloads",
	}, []string{"kind"})

	// MatchWaitSeconds records the time from queue join to match creation.
	MatchWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "match_wait_seconds",
		Help:    "Time from queue join to match creation",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120},
	})

	// CallDurationSeconds records the wall-clock duration of ended calls.
	CallDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "match_call_duration_seconds",
		Help:    "Wall-clock duration of ended calls",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		ActiveMatches,
		MatchesTotal,
		RelayedTotal,
		MatchWaitSeconds,
		CallDurationSeconds,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
