// Package metrics holds the container's prometheus collectors and tracer.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/km-arc/go-mc/framework/msc"
)

const namespace = "mc"

// TracerName is the instrumentation scope of lifecycle spans.
const TracerName = "github.com/km-arc/go-mc/framework/lifecycle"

// Metrics contains the lifecycle and scheduler collectors.
type Metrics struct {
	PhaseDuration  *prometheus.HistogramVec
	PhaseFailures  *prometheus.CounterVec
	TeardownErrors *prometheus.CounterVec
	BeansInstalled *prometheus.GaugeVec
	UnitsByState   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a private registry.
func New() *Metrics {
	m := &Metrics{
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "phase",
				Name:      "duration_seconds",
				Help:      "Time spent entering a lifecycle phase",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"deployment", "phase"},
		),

		PhaseFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "phase",
				Name:      "failures_total",
				Help:      "Lifecycle phases that failed",
			},
			[]string{"deployment", "phase"},
		),

		TeardownErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "teardown",
				Name:      "errors_total",
				Help:      "Errors logged while leaving a lifecycle phase",
			},
			[]string{"deployment", "phase"},
		),

		BeansInstalled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "beans",
				Name:      "installed",
				Help:      "Beans currently in the INSTALLED state",
			},
			[]string{"deployment"},
		),

		UnitsByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "units",
				Name:      "state",
				Help:      "Scheduler units per state",
			},
			[]string{"state"},
		),

		registry: prometheus.NewRegistry(),
	}
	m.registry.MustRegister(m.PhaseDuration, m.PhaseFailures, m.TeardownErrors, m.BeansInstalled, m.UnitsByState)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// RecordPhase records one forward phase.
func (m *Metrics) RecordPhase(deployment, phase string, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(deployment, phase).Observe(took.Seconds())
	if err != nil {
		m.PhaseFailures.WithLabelValues(deployment, phase).Inc()
	}
}

// RecordTeardownError counts an error swallowed during teardown.
func (m *Metrics) RecordTeardownError(deployment, phase string) {
	if m == nil {
		return
	}
	m.TeardownErrors.WithLabelValues(deployment, phase).Inc()
}

// BeanInstalled moves the installed gauge by delta.
func (m *Metrics) BeanInstalled(deployment string, delta float64) {
	if m == nil {
		return
	}
	m.BeansInstalled.WithLabelValues(deployment).Add(delta)
}

// Listener returns an msc listener keeping UnitsByState current.
func (m *Metrics) Listener() func(msc.Event) {
	if m == nil {
		return func(msc.Event) {}
	}
	current := make(map[string]msc.State)
	return func(e msc.Event) {
		if prev, ok := current[e.Unit]; ok {
			if prev == e.State {
				return
			}
			m.UnitsByState.WithLabelValues(prev.String()).Dec()
		}
		if e.State == msc.Removed {
			delete(current, e.Unit)
			return
		}
		current[e.Unit] = e.State
		m.UnitsByState.WithLabelValues(e.State.String()).Inc()
	}
}

// Tracer returns the lifecycle tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
