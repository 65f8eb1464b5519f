// Package metrics exposes saga outcomes as Prometheus series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jcmexdev/tenant-sagas/internal/coordinator"
	"github.com/jcmexdev/tenant-sagas/internal/coordinator/sagalog"
)

var _ coordinator.Recorder = (*Metrics)(nil)

// Metrics implements coordinator.Recorder.
type Metrics struct {
	SagasTotal         *prometheus.CounterVec
	StepsTotal         *prometheus.CounterVec
	StepRetriesTotal   *prometheus.CounterVec
	StepDuration       *prometheus.HistogramVec
	CompensationsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the saga series on a fresh registry labelled with service.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(service, reg, reg)
}

// NewWithRegistry registers the series on reg and serves them from g.
func NewWithRegistry(service string, reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	labels := prometheus.Labels{"service": service}
	m := &Metrics{
		SagasTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "saga_runs_total",
				Help:        "Finished saga runs by name and final status",
				ConstLabels: labels,
			},
			[]string{"saga", "status"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "saga_steps_total",
				Help:        "Finished saga steps by outcome",
				ConstLabels: labels,
			},
			[]string{"saga", "step", "status"},
		),
		StepRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "saga_step_retries_total",
				Help:        "Step attempts that were retried",
				ConstLabels: labels,
			},
			[]string{"saga", "step"},
		),
		StepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "saga_step_duration_seconds",
				Help:        "Histogram of step latency including retries",
				ConstLabels: labels,
				Buckets:     []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"saga", "step"},
		),
		CompensationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "saga_compensations_total",
				Help:        "Compensations run during rollback by result",
				ConstLabels: labels,
			},
			[]string{"saga", "compensation", "result"},
		),
		gatherer: g,
	}

	reg.MustRegister(m.SagasTotal, m.StepsTotal, m.StepRetriesTotal, m.StepDuration, m.CompensationsTotal)
	return m
}

func (m *Metrics) StepFinished(saga, step string, status sagalog.StepStatus, elapsed time.Duration) {
	m.StepsTotal.WithLabelValues(saga, step, string(status)).Inc()
	m.StepDuration.WithLabelValues(saga, step).Observe(elapsed.Seconds())
}

func (m *Metrics) StepRetried(saga, step string) {
	m.StepRetriesTotal.WithLabelValues(saga, step).Inc()
}

func (m *Metrics) SagaFinished(saga string, status sagalog.Status) {
	m.SagasTotal.WithLabelValues(saga, string(status)).Inc()
}

func (m *Metrics) CompensationFinished(saga, name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CompensationsTotal.WithLabelValues(saga, name, result).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
