// Package metrics exposes saga orchestration metrics to Prometheus. A
// *Metrics is a saga.Observer and is attached with saga.WithObserver.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortressi/saga"
)

const namespace = "saga"

const (
	PhaseExecute    = "execute"
	PhaseCompensate = "compensate"

	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	SagasStarted  *prometheus.CounterVec
	SagasFinished *prometheus.CounterVec
	StepAttempts  *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer
}

// New registers metrics with registry. If registry is nil, a new isolated
// registry with the Go and process collectors is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	m := &Metrics{
		SagasStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_started_total",
			Help:      "Sagas started, by type.",
		}, []string{"type"}),
		SagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sagas_finished_total",
			Help:      "Sagas that reached a terminal status.",
		}, []string{"type", "status", "partial"}),
		StepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Step execute attempts by result.",
		}, []string{"type", "step", "result"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_attempts_total",
			Help:      "Step compensate attempts by result.",
		}, []string{"type", "step", "result"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Latency of a single execute or compensate attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type", "phase"}),
		registerer: registry,
		gatherer:   registry,
	}
	registry.MustRegister(
		m.SagasStarted,
		m.SagasFinished,
		m.StepAttempts,
		m.Compensations,
		m.StepDuration,
	)
	return m
}

// RegisterInFlight exports the number of sagas the orchestrator is
// currently driving.
func (m *Metrics) RegisterInFlight(o *saga.Orchestrator) {
	m.registerer.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "in_flight",
		Help:      "Sagas driven by this worker right now.",
	}, func() float64 { return float64(o.InFlight()) }))
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) SagaStarted(rec *saga.Record) {
	m.SagasStarted.WithLabelValues(string(rec.Type)).Inc()
}

func (m *Metrics) StepExecuted(rec *saga.Record, step saga.StepName, _ int, err error, elapsed time.Duration) {
	m.StepAttempts.WithLabelValues(string(rec.Type), string(step), result(err)).Inc()
	m.StepDuration.WithLabelValues(string(rec.Type), PhaseExecute).Observe(elapsed.Seconds())
}

func (m *Metrics) StepCompensated(rec *saga.Record, step saga.StepName, _ int, err error, elapsed time.Duration) {
	m.Compensations.WithLabelValues(string(rec.Type), string(step), result(err)).Inc()
	m.StepDuration.WithLabelValues(string(rec.Type), PhaseCompensate).Observe(elapsed.Seconds())
}

func (m *Metrics) SagaFinished(rec *saga.Record) {
	m.SagasFinished.WithLabelValues(string(rec.Type), string(rec.Status), strconv.FormatBool(rec.PartialCompensation)).Inc()
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

var _ saga.Observer = (*Metrics)(nil)
