package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed.
	OutcomeSuccess = "success"
	// OutcomeError labels operations that failed.
	OutcomeError = "error"
)

var (
	observationsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applyflow_analytics",
			Name:      "observations_ingested_total",
			Help:      "Total metric observations accepted into the buffer, partitioned by kind.",
		},
		[]string{"kind"},
	)

	flushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applyflow_analytics",
			Name:      "buffer_flushes_total",
			Help:      "Total ingestion buffer flushes, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	flushBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "applyflow_analytics",
			Name:      "buffer_flush_batch_size",
			Help:      "Number of observations written per flush.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	aggregationRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applyflow_analytics",
			Name:      "aggregation_runs_total",
			Help:      "Total per-rule aggregation executions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	insightGenerationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "applyflow_analytics",
			Name:      "insight_generation_seconds",
			Help:      "Insight generation latency in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 8},
		},
	)

	insightsGeneratedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "applyflow_analytics",
			Name:      "insights_generated_total",
			Help:      "Total insights produced, partitioned by type.",
		},
		[]string{"type"},
	)

	predictionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "applyflow_analytics",
			Name:      "prediction_seconds",
			Help:      "Forecast and success-score latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)
)

// Register attaches the analytics collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		observationsIngestedTotal,
		flushesTotal,
		flushBatchSize,
		aggregationRunsTotal,
		insightGenerationSeconds,
		insightsGeneratedTotal,
		predictionSeconds,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIngested counts an accepted observation.
func ObserveIngested(kind string) {
	observationsIngestedTotal.WithLabelValues(kind).Inc()
}

// ObserveFlush records a buffer flush and its batch size.
func ObserveFlush(batchSize int, outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	flushesTotal.WithLabelValues(outcome).Inc()
	flushBatchSize.Observe(float64(batchSize))
}

// ObserveAggregationRun counts one per-rule aggregation execution.
func ObserveAggregationRun(outcome string) {
	if outcome != OutcomeError {
		outcome = OutcomeSuccess
	}
	aggregationRunsTotal.WithLabelValues(outcome).Inc()
}

// ObserveInsightGeneration records a generation pass duration and the number
// of findings per type.
func ObserveInsightGeneration(duration time.Duration, countsByType map[string]int) {
	if duration < 0 {
		duration = 0
	}
	insightGenerationSeconds.Observe(duration.Seconds())
	for typ, count := range countsByType {
		insightsGeneratedTotal.WithLabelValues(typ).Add(float64(count))
	}
}

// ObservePrediction records a forecast or success-score latency.
func ObservePrediction(duration time.Duration) {
	if duration < 0 {
		duration = 0
	}
	predictionSeconds.Observe(duration.Seconds())
}
