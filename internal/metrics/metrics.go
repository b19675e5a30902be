// Package metrics registers the prometheus collectors surfaced by the
// orchestrator's status query (spec §6 "Reads"): governor pool gauges,
// replication throughput counters, and tick-duration histograms.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"memnet/internal/governor"
)

// Metrics bundles every collector memnet exports, registered on a
// dedicated registry (never prometheus.DefaultRegisterer, so a node's
// metrics never collide with a host process embedding this module).
type Metrics struct {
	Registry *prometheus.Registry

	PeersByState *prometheus.GaugeVec
	BansIssued   prometheus.Counter
	TickDuration prometheus.Histogram

	ItemsPushed   prometheus.Counter
	ItemsFetched  prometheus.Counter
	ItemsRejected *prometheus.CounterVec
	GateDecisions *prometheus.CounterVec
}

// New builds and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		PeersByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memnet", Subsystem: "governor", Name: "peers",
			Help: "Current peer count by governor state.",
		}, []string{"state"}),
		BansIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memnet", Subsystem: "governor", Name: "bans_total",
			Help: "Total number of peer bans issued.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memnet", Subsystem: "governor", Name: "tick_duration_seconds",
			Help:    "Wall-clock duration of one governor tick.",
			Buckets: prometheus.DefBuckets,
		}),
		ItemsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memnet", Subsystem: "replication", Name: "items_pushed_total",
			Help: "Total items sent via the eager-push strategy.",
		}),
		ItemsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memnet", Subsystem: "replication", Name: "items_fetched_total",
			Help: "Total items fetched during anti-entropy or on-demand fetch.",
		}),
		ItemsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memnet", Subsystem: "replication", Name: "items_rejected_total",
			Help: "Total inbound items rejected, labeled by reason.",
		}, []string{"reason"}),
		GateDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memnet", Subsystem: "replication", Name: "gate_decisions_total",
			Help: "Three-gate routing decisions, labeled by gate and outcome.",
		}, []string{"gate", "passed"}),
	}
	reg.MustRegister(m.PeersByState, m.BansIssued, m.TickDuration, m.ItemsPushed, m.ItemsFetched, m.ItemsRejected, m.GateDecisions)
	return m
}

// ObservePeerCounts refreshes the governor pool gauges; the orchestrator
// calls it after every governor tick.
func (m *Metrics) ObservePeerCounts(g *governor.Governor) {
	cold, warm, hot, banned := g.Counts()
	m.PeersByState.WithLabelValues("cold").Set(float64(cold))
	m.PeersByState.WithLabelValues("warm").Set(float64(warm))
	m.PeersByState.WithLabelValues("hot").Set(float64(hot))
	m.PeersByState.WithLabelValues("banned").Set(float64(banned))
}
