// Package metrics records fetch-cycle outcomes in a Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ppiankov/threatintel/internal/model"
)

// Recorder owns a registry and the threatintel collectors. It implements
// pipeline.Observer and pipeline.RetryObserver.
type Recorder struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	Inserted      *prometheus.CounterVec
	Duplicates    prometheus.Counter
	Dropped       prometheus.Counter
	CycleDuration prometheus.Histogram
	Retries       *prometheus.CounterVec
	UIRequests    *prometheus.CounterVec
}

// NewRecorder creates a Recorder with a fresh registry that also carries the
// Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,

		Cycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatintel_cycles_total",
				Help: "Fetch cycles by outcome",
			},
			[]string{"outcome"},
		),
		Inserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatintel_indicators_inserted_total",
				Help: "Indicator documents inserted",
			},
			[]string{"type"},
		),
		Duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatintel_indicators_duplicate_total",
			Help: "Indicator documents skipped because the natural key existed",
		}),
		Dropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "threatintel_records_dropped_total",
			Help: "Raw records dropped for missing indicator or type",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "threatintel_cycle_duration_seconds",
			Help:    "Fetch cycle wall time",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatintel_upstream_retries_total",
				Help: "Retried calls by source",
			},
			[]string{"provider"},
		),
		UIRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threatintel_ui_requests_total",
				Help: "Read-side HTTP requests by route and status",
			},
			[]string{"route", "code"},
		),
	}
}

// ObserveCycle records one cycle result
func (r *Recorder) ObserveCycle(result *model.CycleResult) {
	r.Cycles.WithLabelValues(result.Outcome()).Inc()
	r.CycleDuration.Observe(result.Duration().Seconds())
	r.Duplicates.Add(float64(result.Duplicates))
	r.Dropped.Add(float64(result.Dropped))

	for typ, n := range result.InsertedByType {
		r.Inserted.WithLabelValues(typ).Add(float64(n))
	}
}

// ObserveRetry counts one retried call
func (r *Recorder) ObserveRetry(source string) {
	r.Retries.WithLabelValues(source).Inc()
}

// ObserveRequest counts one read-side request
func (r *Recorder) ObserveRequest(route, code string) {
	r.UIRequests.WithLabelValues(route, code).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
