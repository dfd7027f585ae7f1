package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records correlator outcomes. A nil *Metrics records nothing.
type Metrics struct {
	// CallsTotal counts calls by result.
	CallsTotal *prometheus.CounterVec

	// CallDuration measures time from publish to resolution.
	CallDuration *prometheus.HistogramVec

	// Pending is the number of calls awaiting a reply.
	Pending prometheus.Gauge

	// UnmatchedReplies counts replies whose correlation id had no waiter.
	UnmatchedReplies prometheus.Counter
}

// NewMetrics registers the correlator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of RPC calls by result",
			},
			[]string{"result", "message_type"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "fleetbus",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Duration of RPC calls in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~30s
			},
			[]string{"message_type"},
		),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetbus",
			Subsystem: "rpc",
			Name:      "pending_calls",
			Help:      "Number of RPC calls awaiting a reply",
		}),
		UnmatchedReplies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetbus",
			Subsystem: "rpc",
			Name:      "unmatched_replies_total",
			Help:      "Replies that arrived after their call resolved or for an unknown id",
		}),
	}
}

func (m *Metrics) recordCall(label string, result Result, seconds float64) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(result.String(), label).Inc()
	m.CallDuration.WithLabelValues(label).Observe(seconds)
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *Metrics) recordUnmatched() {
	if m == nil {
		return
	}
	m.UnmatchedReplies.Inc()
}
