// Package metrics exposes Prometheus instrumentation for the session
// core, grounded on arzzra-soft_phone/pkg/dialog/metrics.go's
// (`+build prometheus`) collector, made unconditional since this
// expansion carries metrics as an always-on ambient concern rather
// than a build-tagged extra.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a constructed collector — never a package-level global —
// injected into the Session core wherever it needs to record an
// observation.
type Metrics struct {
	sessionsTotal        *prometheus.CounterVec
	sessionsActive       prometheus.Gauge
	sessionDuration       prometheus.Histogram
	stateTransitions      *prometheus.CounterVec
	negotiationFailures   prometheus.Counter
	streamFailures        *prometheus.CounterVec
	proposalOutcomes      *prometheus.CounterVec
	holdStateChanges      prometheus.Counter
}

// New registers the collector's series on reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the
// default global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "total",
			Help:      "Total number of sessions created, by direction.",
		}, []string{"direction"}),
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of currently active sessions.",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "Duration of sessions from start_time to end_time.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 3600, 7200},
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions.",
		}, []string{"from", "to"}),
		negotiationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "negotiation_failures_total",
			Help:      "SDP offer/answer negotiations that failed.",
		}),
		streamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "stream",
			Name:      "failures_total",
			Help:      "Media stream failures by kind.",
		}, []string{"kind"}),
		proposalOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "proposal_outcomes_total",
			Help:      "Mid-dialog proposal outcomes by originator and result.",
		}, []string{"originator", "result"}),
		holdStateChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sipcore",
			Subsystem: "session",
			Name:      "hold_state_changes_total",
			Help:      "SessionDidChangeHoldState notifications published.",
		}),
	}
}

func (m *Metrics) SessionCreated(direction string) {
	m.sessionsTotal.WithLabelValues(direction).Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded(duration time.Duration) {
	m.sessionsActive.Dec()
	m.sessionDuration.Observe(duration.Seconds())
}

func (m *Metrics) StateTransition(from, to string) {
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) NegotiationFailed() {
	m.negotiationFailures.Inc()
}

func (m *Metrics) StreamFailed(kind string) {
	m.streamFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ProposalOutcome(originator, result string) {
	m.proposalOutcomes.WithLabelValues(originator, result).Inc()
}

func (m *Metrics) HoldStateChanged() {
	m.holdStateChanges.Inc()
}
