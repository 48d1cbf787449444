// Package metrics holds the Prometheus collectors of the decision core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. Build one per registry with New.
type Metrics struct {
	Decisions        *prometheus.CounterVec
	DecisionLatency  prometheus.Histogram
	Degraded         *prometheus.CounterVec
	GuardAdjustments *prometheus.CounterVec
	MacroAttempts    prometheus.Histogram
	Rewards          *prometheus.CounterVec
	RewardValue      prometheus.Histogram
	QTableEntries    prometheus.Gauge
	Epsilon          prometheus.Gauge
	Writeback        *prometheus.CounterVec
	WritebackQueue   prometheus.Gauge
	PersonaSwaps     *prometheus.CounterVec
	HTTPRequests     *prometheus.CounterVec
	ActiveStreams    prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a private registry,
// which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_decisions_total",
				Help: "Decision cycles by chosen policy and final action type",
			},
			[]string{"chosen_policy", "action_type"},
		),
		DecisionLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "emate_decision_duration_seconds",
				Help:    "Wall time of one decision cycle",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 4, 8},
			},
		),
		Degraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_degraded_cycles_total",
				Help: "Cycles that carried a degradation flag",
			},
			[]string{"flag"},
		),
		GuardAdjustments: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_guard_adjustments_total",
				Help: "Persona guard adjustments by rule kind",
			},
			[]string{"persona_id", "kind"},
		),
		MacroAttempts: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "emate_macro_attempts",
				Help:    "Generate/evaluate attempts per macro proposal",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
		Rewards: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_rewards_total",
				Help: "Reward outcomes by result",
			},
			[]string{"result"},
		),
		RewardValue: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "emate_reward_value",
				Help:    "Aggregated reward applied to the Q table",
				Buckets: prometheus.LinearBuckets(-1, 0.25, 9),
			},
		),
		QTableEntries: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "emate_qtable_entries",
				Help: "Materialized (state, action) pairs",
			},
		),
		Epsilon: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "emate_micro_epsilon",
				Help: "Current exploration rate of the micro policy",
			},
		),
		Writeback: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_writeback_total",
				Help: "Memory writeback results",
			},
			[]string{"result"},
		),
		WritebackQueue: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "emate_writeback_queue_depth",
				Help: "Decision records waiting for writeback",
			},
		),
		PersonaSwaps: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_persona_swaps_total",
				Help: "Active persona swaps by persona",
			},
			[]string{"persona_id"},
		),
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "emate_http_requests_total",
				Help: "HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),
		ActiveStreams: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "emate_active_streams",
				Help: "Open WebSocket decision streams",
			},
		),
	}
}
