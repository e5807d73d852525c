package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/store"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

type staticQuerier struct {
	observations []models.MetricObservation
}

func (q *staticQuerier) Query(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error) {
	var out []models.MetricObservation
	names := make(map[string]struct{}, len(filter.Names))
	for _, n := range filter.Names {
		names[n] = struct{}{}
	}
	for _, obs := range q.observations {
		if len(names) > 0 {
			if _, ok := names[obs.Name]; !ok {
				continue
			}
		}
		if !filter.Start.IsZero() && obs.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && obs.Timestamp.After(filter.End) {
			continue
		}
		out = append(out, obs)
	}
	return out, nil
}

func newTestEngine(t *testing.T, observations []models.MetricObservation, now time.Time) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	engine := NewEngine(nil, st, &staticQuerier{observations: observations}, func() time.Time { return now })
	return engine, st
}

func hourlyObservations(now time.Time, values []float64) []models.MetricObservation {
	out := make([]models.MetricObservation, 0, len(values))
	for i, v := range values {
		out = append(out, models.MetricObservation{
			ID:        string(rune('a' + i)),
			Name:      "users.active",
			Kind:      models.MetricKindGauge,
			Value:     v,
			Timestamp: now.Add(-time.Duration(len(values)-i) * time.Minute),
		})
	}
	return out
}

func TestCreateRuleValidation(t *testing.T) {
	engine, _ := newTestEngine(t, nil, time.Now())
	ctx := context.Background()

	_, err := engine.CreateRule(ctx, models.AggregationRule{Name: "x"})
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = engine.CreateRule(ctx, models.AggregationRule{
		Name: "x", SourceMetricNames: []string{"m"}, Kind: "median", Window: models.WindowHour,
	})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestHourlyAverageScenario(t *testing.T) {
	// 15 observations 10,12,11,13,14,...,24: the seeded hourly rollup must
	// report their arithmetic mean.
	values := []float64{10, 12, 11, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24}
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, hourlyObservations(now, values), now)
	ctx := context.Background()

	id, err := engine.CreateRule(ctx, models.AggregationRule{
		Name:              "hourly-user-activity",
		SourceMetricNames: []string{"users.active"},
		Kind:              models.AggregationAvg,
		Window:            models.WindowHour,
		Active:            true,
	})
	require.NoError(t, err)

	require.NoError(t, engine.RunAggregation(ctx, id, ""))

	records, err := engine.GetAggregatedData(ctx, models.AggregateFilter{
		MetricName: "users.active", Window: models.WindowHour,
	})
	require.NoError(t, err)
	require.Len(t, records, 1)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	assert.InDelta(t, mean, records[0].Avg, 1e-9)
	assert.InDelta(t, mean, records[0].Value, 1e-9)
	assert.Equal(t, len(values), records[0].Count)
	assert.Equal(t, models.WindowHour.Floor(now), records[0].PeriodStart)
	assert.Equal(t, "hourly-user-activity", records[0].Metadata["rule_name"])
}

func TestRunAggregationIdempotent(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, hourlyObservations(now, values), now)
	ctx := context.Background()

	id, err := engine.CreateRule(ctx, models.AggregationRule{
		Name: "r", SourceMetricNames: []string{"users.active"},
		Kind: models.AggregationSum, Window: models.WindowHour, Active: true,
	})
	require.NoError(t, err)

	require.NoError(t, engine.RunAggregation(ctx, id, ""))
	require.NoError(t, engine.RunAggregation(ctx, id, ""))

	records, err := engine.GetAggregatedData(ctx, models.AggregateFilter{
		MetricName: "users.active", Window: models.WindowHour,
	})
	require.NoError(t, err)
	require.Len(t, records, 1, "re-running the same rule and period must not duplicate buckets")
	assert.InDelta(t, 15, records[0].Value, 1e-9)
}

func TestGroupByDimensions(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	observations := []models.MetricObservation{
		{ID: "1", Name: "requests", Kind: models.MetricKindCounter, Value: 10, Timestamp: now.Add(-time.Minute),
			Dimensions: models.DimensionSet{"region": "eu"}},
		{ID: "2", Name: "requests", Kind: models.MetricKindCounter, Value: 30, Timestamp: now.Add(-2 * time.Minute),
			Dimensions: models.DimensionSet{"region": "eu"}},
		{ID: "3", Name: "requests", Kind: models.MetricKindCounter, Value: 7, Timestamp: now.Add(-3 * time.Minute),
			Dimensions: models.DimensionSet{"region": "us"}},
	}
	engine, _ := newTestEngine(t, observations, now)
	ctx := context.Background()

	id, err := engine.CreateRule(ctx, models.AggregationRule{
		Name: "by-region", SourceMetricNames: []string{"requests"},
		Kind: models.AggregationSum, GroupByDimensions: []string{"region"},
		Window: models.WindowHour, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, engine.RunAggregation(ctx, id, ""))

	records, err := engine.GetAggregatedData(ctx, models.AggregateFilter{
		MetricName: "requests", Window: models.WindowHour,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	byRegion := map[string]models.AggregatedRecord{}
	for _, rec := range records {
		byRegion[rec.Dimensions["region"]] = rec
	}
	assert.InDelta(t, 40, byRegion["eu"].Value, 1e-9)
	assert.InDelta(t, 7, byRegion["us"].Value, 1e-9)
}

func TestTimestampPseudoDimensionBucketsByHour(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	observations := []models.MetricObservation{
		{ID: "1", Name: "m", Kind: models.MetricKindGauge, Value: 1, Timestamp: time.Date(2026, 8, 24, 13, 5, 0, 0, time.UTC)},
		{ID: "2", Name: "m", Kind: models.MetricKindGauge, Value: 3, Timestamp: time.Date(2026, 8, 24, 13, 55, 0, 0, time.UTC)},
		{ID: "3", Name: "m", Kind: models.MetricKindGauge, Value: 5, Timestamp: time.Date(2026, 8, 24, 14, 10, 0, 0, time.UTC)},
	}
	engine, _ := newTestEngine(t, observations, now)
	ctx := context.Background()

	id, err := engine.CreateRule(ctx, models.AggregationRule{
		Name: "hourly-buckets", SourceMetricNames: []string{"m"},
		Kind: models.AggregationAvg, GroupByDimensions: []string{models.TimestampDimension},
		Window: models.WindowDay, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, engine.RunAggregation(ctx, id, ""))

	records, err := engine.GetAggregatedData(ctx, models.AggregateFilter{
		MetricName: "m", Window: models.WindowDay,
	})
	require.NoError(t, err)
	require.Len(t, records, 2, "observations in different hours must land in different groups")
}

func TestRunAggregationWindowFilter(t *testing.T) {
	values := []float64{1, 2, 3}
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, hourlyObservations(now, values), now)
	ctx := context.Background()

	_, err := engine.CreateRule(ctx, models.AggregationRule{
		Name: "hourly", SourceMetricNames: []string{"users.active"},
		Kind: models.AggregationCount, Window: models.WindowHour, Active: true,
	})
	require.NoError(t, err)
	_, err = engine.CreateRule(ctx, models.AggregationRule{
		Name: "daily", SourceMetricNames: []string{"users.active"},
		Kind: models.AggregationCount, Window: models.WindowDay, Active: true,
	})
	require.NoError(t, err)

	require.NoError(t, engine.RunAggregation(ctx, "", models.WindowHour))

	hourly, err := engine.GetAggregatedData(ctx, models.AggregateFilter{MetricName: "users.active", Window: models.WindowHour})
	require.NoError(t, err)
	assert.Len(t, hourly, 1)

	daily, err := engine.GetAggregatedData(ctx, models.AggregateFilter{MetricName: "users.active", Window: models.WindowDay})
	require.NoError(t, err)
	assert.Empty(t, daily, "window filter must not run rules for other windows")
}

func TestInactiveRulesSkipped(t *testing.T) {
	values := []float64{1, 2, 3}
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, hourlyObservations(now, values), now)
	ctx := context.Background()

	id, err := engine.CreateRule(ctx, models.AggregationRule{
		Name: "hourly", SourceMetricNames: []string{"users.active"},
		Kind: models.AggregationCount, Window: models.WindowHour, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, engine.SetRuleActive(ctx, id, false))

	require.NoError(t, engine.RunAggregation(ctx, "", ""))
	records, err := engine.GetAggregatedData(ctx, models.AggregateFilter{MetricName: "users.active", Window: models.WindowHour})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPercentileRuleUsesP95(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	now := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	observations := make([]models.MetricObservation, len(values))
	for i, v := range values {
		observations[i] = models.MetricObservation{
			ID: uuidLike(i), Name: "latency", Kind: models.MetricKindHistogram,
			Value: v, Timestamp: now.Add(-time.Duration(i) * time.Second),
		}
	}
	engine, _ := newTestEngine(t, observations, now)
	ctx := context.Background()

	id, err := engine.CreateRule(ctx, models.AggregationRule{
		Name: "latency-p95", SourceMetricNames: []string{"latency"},
		Kind: models.AggregationPercentile, Window: models.WindowHour, Active: true,
	})
	require.NoError(t, err)
	require.NoError(t, engine.RunAggregation(ctx, id, ""))

	records, err := engine.GetAggregatedData(ctx, models.AggregateFilter{MetricName: "latency", Window: models.WindowHour})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 95, records[0].Value, 1.0)
}

func uuidLike(i int) string {
	return "obs-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}

func TestSeedRulesIdempotent(t *testing.T) {
	now := time.Now()
	engine, st := newTestEngine(t, nil, now)
	ctx := context.Background()

	require.NoError(t, EnsureSeedRules(ctx, nil, st, engine, nil))
	require.NoError(t, EnsureSeedRules(ctx, nil, st, engine, nil))

	rules, err := st.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, rules, len(DefaultRules()))
}
