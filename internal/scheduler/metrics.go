package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the per-poll Prometheus instruments the scheduler exports.
// A nil *Metrics is safe to use everywhere below; every method becomes a
// no-op so metrics remain strictly optional.
type Metrics struct {
	actionsTotal     *prometheus.CounterVec
	pollDurationMs   prometheus.Histogram
	effectiveCap     prometheus.Gauge
}

// NewMetrics registers the scheduler's instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_actions_total",
			Help: "Count of scheduler actions executed, by action type and outcome.",
		}, []string{"action", "outcome"}),
		pollDurationMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scheduler_poll_duration_ms",
			Help:    "Wall-clock duration of one scheduler poll cycle, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		effectiveCap: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_effective_cap",
			Help: "Current effective concurrency cap after platform-limit decay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.actionsTotal, m.pollDurationMs, m.effectiveCap)
	}
	return m
}

func (m *Metrics) observeAction(action ActionType, outcome string) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(string(action), outcome).Inc()
}

func (m *Metrics) observePollDuration(ms float64) {
	if m == nil {
		return
	}
	m.pollDurationMs.Observe(ms)
}

func (m *Metrics) setEffectiveCap(cap int) {
	if m == nil {
		return
	}
	m.effectiveCap.Set(float64(cap))
}
