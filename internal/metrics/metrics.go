// Package metrics exposes Prometheus collectors for the syndication run.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Outcome labels shared by the search and enrichment counters.
const (
	OutcomeOK           = "ok"
	OutcomeEmpty        = "empty"
	OutcomeUnauthorized = "unauthorized"
	OutcomeError        = "error"
	OutcomeFallback     = "fallback"
)

var (
	searchRequestsTotal    *prometheus.CounterVec
	productsFetchedTotal   prometheus.Counter
	duplicatesSkippedTotal prometheus.Counter
	artifactsWrittenTotal  prometheus.Counter
	enrichmentsTotal       *prometheus.CounterVec
	quotaWaitSeconds       prometheus.Histogram
	runDurationSeconds     prometheus.Histogram
	lastRunTimestamp       prometheus.Gauge

	registry *prometheus.Registry
	once     sync.Once
)

// Init initializes the Prometheus collectors on a dedicated registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()
		factory := promauto.With(registry)

		searchRequestsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealshuttle_search_requests_total",
				Help: "Total number of product search calls, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		productsFetchedTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dealshuttle_products_fetched_total",
				Help: "Total number of normalized product records returned by search.",
			},
		)

		duplicatesSkippedTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dealshuttle_duplicates_skipped_total",
				Help: "Total number of products skipped because they were already published.",
			},
		)

		artifactsWrittenTotal = factory.NewCounter(
			prometheus.CounterOpts{
				Name: "dealshuttle_artifacts_written_total",
				Help: "Total number of product pages written.",
			},
		)

		enrichmentsTotal = factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dealshuttle_enrichments_total",
				Help: "Total number of descriptions produced, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		quotaWaitSeconds = factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealshuttle_quota_wait_seconds",
				Help:    "Histogram of time spent waiting for the generation quota.",
				Buckets: []float64{0.1, 1, 5, 10, 20, 30, 45, 60},
			},
		)

		runDurationSeconds = factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dealshuttle_run_duration_seconds",
				Help:    "Histogram of whole-run durations.",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200},
			},
		)

		lastRunTimestamp = factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dealshuttle_last_run_timestamp_seconds",
				Help: "Unix time at which the last run finished.",
			},
		)
	})
}

// Registry returns the registry holding every collector.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// ObserveSearch records one search call.
func ObserveSearch(outcome string, products int) {
	Init()
	searchRequestsTotal.WithLabelValues(outcome).Inc()
	if products > 0 {
		productsFetchedTotal.Add(float64(products))
	}
}

// ObserveDuplicate records a product skipped by the ledger.
func ObserveDuplicate() {
	Init()
	duplicatesSkippedTotal.Inc()
}

// ObserveArtifact records a page written to disk.
func ObserveArtifact() {
	Init()
	artifactsWrittenTotal.Inc()
}

// ObserveEnrichment records whether a description was generated or fell back.
func ObserveEnrichment(outcome string) {
	Init()
	enrichmentsTotal.WithLabelValues(outcome).Inc()
}

// ObserveQuotaWait records the duration of a generation quota wait.
func ObserveQuotaWait(d time.Duration) {
	Init()
	quotaWaitSeconds.Observe(d.Seconds())
}

// ObserveRun records a finished run.
func ObserveRun(d time.Duration, finished time.Time) {
	Init()
	runDurationSeconds.Observe(d.Seconds())
	lastRunTimestamp.Set(float64(finished.Unix()))
}

// Push sends every collector to a Prometheus Pushgateway. A scheduled job
// exits before any scraper could see it, so this is the only way out.
func Push(ctx context.Context, gatewayURL, job string) error {
	Init()
	if err := push.New(gatewayURL, job).Gatherer(registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", gatewayURL, err)
	}
	return nil
}
