// Package metrics exposes Prometheus collectors for billing operations.
// Collectors are registered once by Init. Every helper calls Init first, so
// packages can record unconditionally from any goroutine.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "condo_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once
	registry     *prometheus.Registry

	slipsGenerated   *prometheus.CounterVec
	generateLatency  *prometheus.HistogramVec
	slipTransitions  *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	schedulerRuns    *prometheus.CounterVec
	rateLimitedTotal prometheus.Counter
)

// Init registers the collectors on a dedicated registry, together with the
// Go runtime and process collectors.
func Init() {
	registerOnce.Do(func() {
		registry = prometheus.NewRegistry()

		slipsGenerated = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "slips_generated_total",
				Help: "Slips materialized from obligations by result",
			},
			[]string{"result"},
		)
		generateLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "generate_latency_seconds",
				Help:    "Period generation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		slipTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "slip_transitions_total",
				Help: "Slip state machine transitions by name and result",
			},
			[]string{"transition", "result"},
		)
		compensations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "compensations_total",
				Help: "Slip compensations by result",
			},
			[]string{"result"},
		)
		eventsPublished = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_published_total",
				Help: "Domain events handed to publishers by event name",
			},
			[]string{"name"},
		)
		schedulerRuns = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scheduler_runs_total",
				Help: "Background billing runs by result",
			},
			[]string{"result"},
		)
		rateLimitedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "http_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		)

		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			slipsGenerated,
			generateLatency,
			slipTransitions,
			compensations,
			eventsPublished,
			schedulerRuns,
			rateLimitedTotal,
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Gatherer returns the registry for tests.
func Gatherer() prometheus.Gatherer {
	Init()
	return registry
}

// ObserveGenerate records one period generation: how many slips were
// created and skipped, and how long it took.
func ObserveGenerate(created, skipped int, err error, duration time.Duration) {
	Init()
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	generateLatency.WithLabelValues(result).Observe(duration.Seconds())
	slipsGenerated.WithLabelValues(ResultSuccess).Add(float64(created))
	slipsGenerated.WithLabelValues(ResultSkipped).Add(float64(skipped))
	if err != nil {
		slipsGenerated.WithLabelValues(ResultError).Inc()
	}
}

// IncTransition counts one transition attempt.
func IncTransition(transition string, err error) {
	Init()
	if transition == "" {
		transition = "unknown"
	}
	slipTransitions.WithLabelValues(transition, resultOf(err)).Inc()
}

func IncCompensation(err error) {
	Init()
	compensations.WithLabelValues(resultOf(err)).Inc()
}

func IncEventPublished(name string) {
	Init()
	if name == "" {
		name = "unknown"
	}
	eventsPublished.WithLabelValues(name).Inc()
}

func IncSchedulerRun(err error) {
	Init()
	schedulerRuns.WithLabelValues(resultOf(err)).Inc()
}

func IncRateLimited() {
	Init()
	rateLimitedTotal.Inc()
}

func resultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
