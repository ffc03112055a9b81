// Package metrics exposes Prometheus collectors for action controllers.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for completed actions.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeCanceled  = "canceled"
)

// Recorder receives lifecycle observations from action controllers.
type Recorder interface {
	Started(action string)
	Finished(action, outcome string, elapsed time.Duration)
	Rejected(action string)
}

// Metrics reports controller activity to Prometheus.
type Metrics struct {
	inFlight *prometheus.GaugeVec
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	autoFill *prometheus.CounterVec
}

var (
	defaultOnce sync.Once
	shared      *Metrics
)

// Default returns the package-level instance registered with the global
// registry. Collectors are created once so repeated construction in tests
// does not panic on duplicate registration.
func Default() *Metrics {
	defaultOnce.Do(func() {
		shared = MustNew(prometheus.DefaultRegisterer)
	})
	return shared
}

// MustNew constructs collectors and registers them with reg. Registration
// errors panic, mirroring promauto.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dayboard",
			Subsystem: "action",
			Name:      "in_flight",
			Help:      "Outstanding external calls per action.",
		}, []string{"action"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dayboard",
			Subsystem: "action",
			Name:      "outcomes_total",
			Help:      "Completed, failed and rejected action submissions.",
		}, []string{"action", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dayboard",
			Subsystem: "action",
			Name:      "duration_seconds",
			Help:      "Time an action spent in flight.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"action", "outcome"}),
		autoFill: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dayboard",
			Subsystem: "planner",
			Name:      "autofill_total",
			Help:      "Auto-fill attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.inFlight, m.outcomes, m.duration, m.autoFill)
	return m
}

// Started marks an action as in flight.
func (m *Metrics) Started(action string) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(action).Inc()
}

// Finished records the outcome of an in-flight action.
func (m *Metrics) Finished(action, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(action).Dec()
	m.outcomes.WithLabelValues(action, outcome).Inc()
	m.duration.WithLabelValues(action, outcome).Observe(elapsed.Seconds())
}

// Rejected counts a submission refused because another call was outstanding.
func (m *Metrics) Rejected(action string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(action, OutcomeRejected).Inc()
}

// AutoFill counts an auto-fill attempt.
func (m *Metrics) AutoFill(applied bool) {
	if m == nil {
		return
	}
	result := "applied"
	if !applied {
		result = "skipped"
	}
	m.autoFill.WithLabelValues(result).Inc()
}

// Nop discards all observations.
type Nop struct{}

func (Nop) Started(string)                         {}
func (Nop) Finished(string, string, time.Duration) {}
func (Nop) Rejected(string)                        {}
