// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement engine.
type Metrics struct {
	IntentsAdmitted *prometheus.CounterVec
	IntentsRejected *prometheus.CounterVec

	BatchesTotal   *prometheus.CounterVec
	SubmitDuration prometheus.Histogram

	AgentExposure *prometheus.GaugeVec
	AgentBond     *prometheus.GaugeVec
	AgentFrozen   *prometheus.GaugeVec

	Liquidations prometheus.Counter
	Slashes      prometheus.Counter
	TickDuration prometheus.Histogram
}

// New creates all engine metrics on the default registry.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewWith creates the metrics on a specific registry. Tests use a fresh
// registry per engine so registrations never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IntentsAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "machpay_intents_admitted_total",
				Help: "Intents accepted by the replay guard",
			},
			[]string{"agent_id"},
		),
		IntentsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "machpay_intents_rejected_total",
				Help: "Intents rejected at admission",
			},
			[]string{"agent_id", "reason"}, // reason: expired, replayed, invalid, frozen, blacklisted, equivocation
		),
		BatchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "machpay_batches_total",
				Help: "Settlement batches by terminal outcome",
			},
			[]string{"outcome"}, // outcome: confirmed, fatal, stalled
		),
		SubmitDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "machpay_batch_submit_duration_seconds",
				Help:    "Wall time from submission to terminal outcome",
				Buckets: prometheus.DefBuckets,
			},
		),
		AgentExposure: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "machpay_agent_exposure",
				Help: "Outstanding exposure (pending + processing) per agent",
			},
			[]string{"agent_id"},
		),
		AgentBond: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "machpay_agent_bond",
				Help: "Bonded collateral per agent",
			},
			[]string{"agent_id"},
		),
		AgentFrozen: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "machpay_agent_frozen",
				Help: "Whether agent is frozen (1) or active (0)",
			},
			[]string{"agent_id"},
		),
		Liquidations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "machpay_liquidations_total",
				Help: "Executed liquidations",
			},
		),
		Slashes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "machpay_slashes_total",
				Help: "Executed slashes",
			},
		),
		TickDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "machpay_tick_duration_seconds",
				Help:    "Duration of one driver tick",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
		),
	}
}

// RecordRejection increments the rejection counter for one reason.
func (m *Metrics) RecordRejection(agentID, reason string) {
	m.IntentsRejected.WithLabelValues(agentID, reason).Inc()
}

// UpdateAgent refreshes the per-agent gauges.
func (m *Metrics) UpdateAgent(agentID string, exposure, bond uint64, frozen bool) {
	m.AgentExposure.WithLabelValues(agentID).Set(float64(exposure))
	m.AgentBond.WithLabelValues(agentID).Set(float64(bond))
	frozenValue := 0.0
	if frozen {
		frozenValue = 1.0
	}
	m.AgentFrozen.WithLabelValues(agentID).Set(frozenValue)
}
