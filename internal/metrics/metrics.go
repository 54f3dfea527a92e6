// Package metrics exposes Prometheus instrumentation for the PoDD daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ymode/SyntheticCoin-SYNC/pkg/circuit"
)

const namespace = "podd"

// Metrics holds every collector the daemon updates. A nil *Metrics is valid and records nothing.
type Metrics struct {
	verifications      *prometheus.CounterVec
	verifyLatency      prometheus.Histogram
	verifyConfidence   prometheus.Histogram
	suspiciousPairs    prometheus.Counter
	cacheLookups       *prometheus.CounterVec
	registeredDevices  prometheus.Gauge
	registrations      *prometheus.CounterVec
	sharesIngested     *prometheus.CounterVec
	sharesRejected     *prometheus.CounterVec
	squadsFormed       prometheus.Counter
	squadRejections    *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	httpRequests       *prometheus.CounterVec
	eventPublishErrors *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		verifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "total",
			Help:      "Device distribution verifications by outcome.",
		}, []string{"result"}),
		verifyLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "duration_seconds",
			Help:      "Time spent evaluating a device set, cache misses only.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16),
		}),
		verifyConfidence: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "confidence",
			Help:      "Distribution of verification confidence scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		suspiciousPairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "suspicious_pairs_total",
			Help:      "Device pairs flagged as likely the same hardware.",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "verification",
			Name:      "cache_lookups_total",
			Help:      "Verification cache lookups by outcome.",
		}, []string{"outcome"}),
		registeredDevices: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "devices",
			Help:      "Devices currently held by the registry.",
		}),
		registrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "registrations_total",
			Help:      "Device registration attempts by outcome.",
		}, []string{"result"}),
		sharesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "shares_total",
			Help:      "Share telemetry folded into fingerprints by source.",
		}, []string{"source"}),
		sharesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "rejected_total",
			Help:      "Share telemetry dropped before reaching the registry.",
		}, []string{"reason"}),
		squadsFormed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "squad",
			Name:      "formed_total",
			Help:      "Mining squads formed.",
		}),
		squadRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "squad",
			Name:      "rejected_total",
			Help:      "Squad formation requests rejected by reason.",
		}, []string{"reason"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit",
			Name:      "state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half-open).",
		}, []string{"breaker"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
		eventPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "publish_errors_total",
			Help:      "Kafka event publish failures by topic.",
		}, []string{"topic"}),
	}
}

// ObserveVerification records one evaluated verification.
func (m *Metrics) ObserveVerification(valid bool, confidence float64, pairs int, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.verifications.WithLabelValues(result).Inc()
	m.verifyLatency.Observe(elapsed.Seconds())
	m.verifyConfidence.Observe(confidence)
	m.suspiciousPairs.Add(float64(pairs))
}

// CacheHit records a verification cache hit.
func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheLookups.WithLabelValues("hit").Inc()
	}
}

// CacheMiss records a miss; stale is true when an entry existed but was outdated.
func (m *Metrics) CacheMiss(stale bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if stale {
		outcome = "stale"
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

// SetRegisteredDevices updates the registry size gauge.
func (m *Metrics) SetRegisteredDevices(n int) {
	if m != nil {
		m.registeredDevices.Set(float64(n))
	}
}

// Registration records a registration attempt.
func (m *Metrics) Registration(accepted bool) {
	if m == nil {
		return
	}
	result := "duplicate"
	if accepted {
		result = "accepted"
	}
	m.registrations.WithLabelValues(result).Inc()
}

// ShareIngested records telemetry applied from source (kafka, zmq, api).
func (m *Metrics) ShareIngested(source string) {
	if m != nil {
		m.sharesIngested.WithLabelValues(source).Inc()
	}
}

// ShareRejected records telemetry dropped for reason.
func (m *Metrics) ShareRejected(reason string) {
	if m != nil {
		m.sharesRejected.WithLabelValues(reason).Inc()
	}
}

// SquadFormed records a successful squad formation.
func (m *Metrics) SquadFormed() {
	if m != nil {
		m.squadsFormed.Inc()
	}
}

// SquadRejected records a refused squad formation.
func (m *Metrics) SquadRejected(reason string) {
	if m != nil {
		m.squadRejections.WithLabelValues(reason).Inc()
	}
}

// BreakerStateChanged is a circuit.Config OnStateChange hook.
func (m *Metrics) BreakerStateChanged(name string, _, to circuit.State) {
	if m != nil {
		m.breakerState.WithLabelValues(name).Set(float64(to))
	}
}

// HTTPRequest records one served API request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m != nil {
		m.httpRequests.WithLabelValues(route, code).Inc()
	}
}

// PublishFailed records a Kafka event that could not be delivered.
func (m *Metrics) PublishFailed(topic string) {
	if m != nil {
		m.eventPublishErrors.WithLabelValues(topic).Inc()
	}
}
