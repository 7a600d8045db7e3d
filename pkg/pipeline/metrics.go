package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for pipeline runs.
var (
	fetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_fetches_total",
		Help: "Total fetch attempts by outcome",
	}, []string{"outcome"}) // "ok", "failed", "cancelled"

	fetchesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_fetches_in_flight",
		Help: "Fetches currently holding a semaphore permit",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_queue_depth",
		Help: "Entries waiting in the pipeline queue",
	})

	itemsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_items_processed_total",
		Help: "Records fanned out to every registered processor",
	})

	processorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_processor_failures_total",
		Help: "Processor invocations that returned an error or panicked",
	}, []string{"processor"})

	fanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_fanout_duration_seconds",
		Help:    "Time to run all processors for one record",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeline_runs_total",
		Help: "Pipeline runs by result",
	}, []string{"result"}) // "completed", "interrupted", "failed"
)
