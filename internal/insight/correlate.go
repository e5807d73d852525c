package insight

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const (
	minCorrelationPoints = 5
	correlationThreshold = 0.3
	strongCorrThreshold  = 0.7
)

// FindCorrelations computes pairwise Pearson correlations between metrics,
// aligning samples on hour buckets. Pairs whose |r| stays at or below the
// reporting threshold are dropped.
func (g *Generator) FindCorrelations(ctx context.Context, metricNames []string, window models.TimeWindow) ([]models.Correlation, error) {
	if len(metricNames) < 2 {
		return nil, utils.ValidationError("correlation needs at least two metrics")
	}
	if !window.Valid() {
		return nil, utils.ValidationError("unknown time window %q", window)
	}

	buckets := make(map[string]map[time.Time]float64, len(metricNames))
	for _, metric := range metricNames {
		values, timestamps, err := g.series(ctx, metric, window)
		if err != nil {
			return nil, err
		}
		buckets[metric] = bucketByHour(values, timestamps)
	}
	return correlationsFromBuckets(metricNames, buckets), nil
}

// bucketByHour averages samples falling into the same hour so that two
// metrics reported at different instants still align.
func bucketByHour(values []float64, timestamps []time.Time) map[time.Time]float64 {
	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)
	for i, v := range values {
		bucket := utils.FloorToHour(timestamps[i])
		sums[bucket] += v
		counts[bucket]++
	}
	out := make(map[time.Time]float64, len(sums))
	for bucket, sum := range sums {
		out[bucket] = sum / float64(counts[bucket])
	}
	return out
}

func correlationsFromBuckets(metricNames []string, buckets map[string]map[time.Time]float64) []models.Correlation {
	names := append([]string(nil), metricNames...)
	sort.Strings(names)

	var results []models.Correlation
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			a, b := alignedSeries(buckets[names[i]], buckets[names[j]])
			if len(a) < minCorrelationPoints {
				continue
			}
			r, ok := stats.Pearson(a, b)
			if !ok || math.Abs(r) <= correlationThreshold {
				continue
			}
			results = append(results, models.Correlation{
				MetricA:      names[i],
				MetricB:      names[j],
				Coefficient:  r,
				SampleCount:  len(a),
				Significance: significance(r, len(a)),
				Strength:     correlationStrength(r),
				Positive:     r > 0,
			})
		}
	}
	return results
}

// alignedSeries intersects two bucketed series on shared timestamps,
// returning value pairs in chronological order.
func alignedSeries(a, b map[time.Time]float64) ([]float64, []float64) {
	shared := make([]time.Time, 0, len(a))
	for ts := range a {
		if _, ok := b[ts]; ok {
			shared = append(shared, ts)
		}
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i].Before(shared[j]) })

	va := make([]float64, len(shared))
	vb := make([]float64, len(shared))
	for i, ts := range shared {
		va[i] = a[ts]
		vb[i] = b[ts]
	}
	return va, vb
}

func correlationStrength(r float64) models.CorrelationStrength {
	abs := math.Abs(r)
	switch {
	case abs >= strongCorrThreshold:
		return models.CorrelationStrong
	case abs > correlationThreshold:
		return models.CorrelationModerate
	default:
		return models.CorrelationWeak
	}
}

// significance maps the t statistic of r onto (0,1). It is a ranking proxy,
// not a p-value.
func significance(r float64, n int) float64 {
	if n <= 2 {
		return 0
	}
	if math.Abs(r) >= 1 {
		return 1
	}
	t := math.Abs(r) * math.Sqrt(float64(n-2)/(1-r*r))
	return stats.Clamp(t/(1+t), 0, 1)
}
