// Package metrics exposes Prometheus collectors for the provisioning core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_servers_total",
			Help: "Total number of servers by provider and status",
		},
		[]string{"provider", "status"},
	)

	PanelsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edge_panels_total",
			Help: "Total number of panels by status",
		},
		[]string{"status"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_state_transitions_total",
			Help: "State transitions by entity type and target status",
		},
		[]string{"entity", "status"},
	)

	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_provider_requests_total",
			Help: "Outbound vendor API calls by provider, method and outcome",
		},
		[]string{"provider", "method", "outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edge_reconciliation_duration_seconds",
			Help:    "Duration of one reconciliation sweep",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "edge_reconciliation_cycles_total",
			Help: "Total number of reconciliation sweeps",
		},
	)

	EntitiesSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_reconciliation_skipped_total",
			Help: "Entities skipped by a sweep because another worker holds their lease",
		},
		[]string{"entity"},
	)

	PanelSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edge_panel_selections_total",
			Help: "Panel assignment decisions by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(ServersTotal)
	prometheus.MustRegister(PanelsTotal)
	prometheus.MustRegister(TransitionsTotal)
	prometheus.MustRegister(ProviderRequestsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(EntitiesSkippedTotal)
	prometheus.MustRegister(PanelSelectionsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the histogram
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(time.Since(t.start).Seconds())
}
