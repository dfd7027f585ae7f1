// Package metrics provides Prometheus metrics for fleetbus sessions.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fleetbus"
)

// Metrics contains the session metrics. Every Record method is safe on a
// nil receiver so sessions can run without metrics.
type Metrics struct {
	// Message metrics
	MessagesSent       *prometheus.CounterVec
	MessagesReceived   *prometheus.CounterVec
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	SignatureFailures  *prometheus.CounterVec
	MalformedEnvelopes prometheus.Counter

	// Handshake metrics
	AnnouncesTotal     *prometheus.CounterVec
	AnnounceLatency    prometheus.Histogram
	ClientsAnnounced   prometheus.Gauge
	ClientRemovals     *prometheus.CounterVec
	ReannounceRequests prometheus.Counter

	// Heartbeat metrics
	HeartbeatsSent     prometheus.Counter
	HeartbeatsReceived prometheus.Counter
	HeartbeatTimeouts  *prometheus.CounterVec

	// Shared key metrics
	SharedKeyRotations prometheus.Counter
	SharedKeyCurrentID prometheus.Gauge

	// Async error metrics
	AsyncErrors        prometheus.Counter
	AsyncErrorsDropped prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the metrics registered with the default registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by type and encryption mode",
		}, []string{"message_type", "mode"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total verified messages received by type",
		}, []string{"message_type"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total serialized envelope bytes published",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total envelope bytes delivered",
		}),
		SignatureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_failures_total",
			Help:      "Envelopes dropped because verification failed",
		}, []string{"reason"}),
		MalformedEnvelopes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_envelopes_total",
			Help:      "Envelopes dropped because they could not be parsed",
		}),

		AnnouncesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "announces_total",
			Help:      "Announce outcomes",
		}, []string{"result"}),
		AnnounceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "announce_latency_seconds",
			Help:      "Histogram of client announce round trip in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ClientsAnnounced: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clients_announced",
			Help:      "Number of clients currently announced to this server",
		}),
		ClientRemovals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_removals_total",
			Help:      "Clients removed from the live table by reason",
		}, []string{"reason"}),
		ReannounceRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reannounce_requests_total",
			Help:      "Re-announce broadcasts sent by the server",
		}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeats sent",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeats received",
		}),
		HeartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_timeouts_total",
			Help:      "Peers that went silent for twice their heartbeat interval",
		}, []string{"role"}),

		SharedKeyRotations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shared_key_rotations_total",
			Help:      "Total shared key rotations",
		}),
		SharedKeyCurrentID: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "shared_key_current_id",
			Help:      "Id of the shared key new messages are sealed with",
		}),

		AsyncErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_errors_total",
			Help:      "Errors raised on background callbacks",
		}),
		AsyncErrorsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "async_errors_dropped_total",
			Help:      "Async errors dropped because the channel was full",
		}),
	}
}

// RecordSent records a published envelope.
func (m *Metrics) RecordSent(messageType, mode string, bytes int) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(messageType, mode).Inc()
	m.BytesSent.Add(float64(bytes))
}

// RecordReceived records a verified envelope.
func (m *Metrics) RecordReceived(messageType string, bytes int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(messageType).Inc()
	m.BytesReceived.Add(float64(bytes))
}

// RecordSignatureFailure records a dropped envelope that failed verification.
func (m *Metrics) RecordSignatureFailure(reason string) {
	if m == nil {
		return
	}
	m.SignatureFailures.WithLabelValues(reason).Inc()
}

// RecordMalformed records a dropped envelope that failed to parse.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedEnvelopes.Inc()
}

// RecordAnnounce records an announce outcome (accepted, refreshed, rejected, timeout).
func (m *Metrics) RecordAnnounce(result string) {
	if m == nil {
		return
	}
	m.AnnouncesTotal.WithLabelValues(result).Inc()
}

// RecordAnnounceLatency records a client-side announce round trip.
func (m *Metrics) RecordAnnounceLatency(seconds float64) {
	if m == nil {
		return
	}
	m.AnnounceLatency.Observe(seconds)
}

// SetClientsAnnounced sets the live client count.
func (m *Metrics) SetClientsAnnounced(n int) {
	if m == nil {
		return
	}
	m.ClientsAnnounced.Set(float64(n))
}

// RecordClientRemoved records a client leaving the live table.
func (m *Metrics) RecordClientRemoved(reason string) {
	if m == nil {
		return
	}
	m.ClientRemovals.WithLabelValues(reason).Inc()
}

// RecordReannounceRequest records a re-announce broadcast.
func (m *Metrics) RecordReannounceRequest() {
	if m == nil {
		return
	}
	m.ReannounceRequests.Inc()
}

// RecordHeartbeatSent records an outgoing heartbeat.
func (m *Metrics) RecordHeartbeatSent() {
	if m == nil {
		return
	}
	m.HeartbeatsSent.Inc()
}

// RecordHeartbeatReceived records an incoming heartbeat.
func (m *Metrics) RecordHeartbeatReceived() {
	if m == nil {
		return
	}
	m.HeartbeatsReceived.Inc()
}

// RecordHeartbeatTimeout records a liveness timeout seen by role (server or client).
func (m *Metrics) RecordHeartbeatTimeout(role string) {
	if m == nil {
		return
	}
	m.HeartbeatTimeouts.WithLabelValues(role).Inc()
}

// RecordSharedKeyRotation records a rotation to id.
func (m *Metrics) RecordSharedKeyRotation(id uint16) {
	if m == nil {
		return
	}
	m.SharedKeyRotations.Inc()
	m.SharedKeyCurrentID.Set(float64(id))
}

// RecordAsyncError records a background error and whether it was dropped.
func (m *Metrics) RecordAsyncError(dropped bool) {
	if m == nil {
		return
	}
	m.AsyncErrors.Inc()
	if dropped {
		m.AsyncErrorsDropped.Inc()
	}
}
