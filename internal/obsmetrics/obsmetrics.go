// Package obsmetrics exposes the Prometheus registry for the risk monitor,
// adapted from internal/interfaces/http/metrics.go's MetricsRegistry
// (MustRegister-at-construction, labeled histogram/counter/gauge shape),
// repointed from pipeline/scan metrics at risk-evaluation, regime and
// outbox metrics.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every metric the evaluation loop, regime classifier and
// alert pipeline publish.
type Registry struct {
	RiskScore       *prometheus.HistogramVec
	EvalDuration    *prometheus.HistogramVec
	RegimeSwitches  *prometheus.CounterVec
	ActiveRegime    *prometheus.GaugeVec
	OutboxDepth     prometheus.Gauge
	AlertsSent      *prometheus.CounterVec
	AlertsFailed    *prometheus.CounterVec
	QueueDrops      prometheus.Counter
	ConfidenceGauge *prometheus.GaugeVec
	FeedAge         *prometheus.GaugeVec
}

// NewRegistry constructs and registers every metric.
func NewRegistry() *Registry {
	r := &Registry{
		RiskScore: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskmonitor_risk_score",
				Help:    "Per-symbol risk score distribution",
				Buckets: []float64{0, 2, 4, 6, 8, 10, 12, 15, 20},
			},
			[]string{"symbol"},
		),
		EvalDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "riskmonitor_eval_duration_seconds",
				Help:    "Duration of one symbol's evaluation step",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
			},
			[]string{"symbol"},
		),
		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskmonitor_regime_switches_total",
				Help: "Total committed regime transitions by from/to",
			},
			[]string{"from_regime", "to_regime"},
		),
		ActiveRegime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskmonitor_active_regime",
				Help: "1 for the currently committed regime, 0 otherwise",
			},
			[]string{"regime"},
		),
		OutboxDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "riskmonitor_outbox_depth",
				Help: "Current depth of the alert outbox",
			},
		),
		AlertsSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskmonitor_alerts_sent_total",
				Help: "Total alerts delivered by kind",
			},
			[]string{"kind"},
		),
		AlertsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "riskmonitor_alerts_failed_total",
				Help: "Total alerts that exhausted retries by kind",
			},
			[]string{"kind"},
		),
		QueueDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "riskmonitor_queue_drops_total",
				Help: "Total alerts dropped due to a full outbox",
			},
		),
		ConfidenceGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskmonitor_confidence",
				Help: "Latest confidence score per symbol",
			},
			[]string{"symbol"},
		),
		FeedAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "riskmonitor_feed_age_seconds",
				Help: "Seconds since the last feed event per symbol",
			},
			[]string{"symbol"},
		),
	}

	prometheus.MustRegister(
		r.RiskScore,
		r.EvalDuration,
		r.RegimeSwitches,
		r.ActiveRegime,
		r.OutboxDepth,
		r.AlertsSent,
		r.AlertsFailed,
		r.QueueDrops,
		r.ConfidenceGauge,
		r.FeedAge,
	)
	return r
}

// RecordRegimeChange updates the switch counter and the one-hot active gauge.
func (r *Registry) RecordRegimeChange(from, to string, allRegimes []string) {
	r.RegimeSwitches.WithLabelValues(from, to).Inc()
	for _, name := range allRegimes {
		if name == to {
			r.ActiveRegime.WithLabelValues(name).Set(1)
		} else {
			r.ActiveRegime.WithLabelValues(name).Set(0)
		}
	}
}
