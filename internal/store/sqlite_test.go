package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestObservationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	batch := []models.MetricObservation{
		{ID: "a", Name: "users.active", Kind: models.MetricKindGauge, Value: 10, Timestamp: now, Source: "web",
			Dimensions: models.DimensionSet{"region": "eu"}},
		{ID: "b", Name: "users.active", Kind: models.MetricKindGauge, Value: 12, Timestamp: now.Add(time.Minute), Source: "web",
			Dimensions: models.DimensionSet{"region": "us"}},
		{ID: "c", Name: "sessions.count", Kind: models.MetricKindCounter, Value: 3, Timestamp: now.Add(2 * time.Minute), Source: "api"},
	}
	require.NoError(t, s.InsertObservations(ctx, batch))

	got, err := s.QueryObservations(ctx, models.ObservationFilter{Names: []string{"users.active"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Newest first.
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)
	assert.Equal(t, models.DimensionSet{"region": "us"}, got[0].Dimensions)

	got, err = s.QueryObservations(ctx, models.ObservationFilter{
		Names:      []string{"users.active"},
		Dimensions: map[string]string{"region": "eu"},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestQueryObservationsTimeRangeAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 0, 0, 0, 0, time.UTC)

	var batch []models.MetricObservation
	for i := 0; i < 10; i++ {
		batch = append(batch, models.MetricObservation{
			ID: string(rune('a' + i)), Name: "m", Kind: models.MetricKindGauge,
			Value: float64(i), Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
	}
	require.NoError(t, s.InsertObservations(ctx, batch))

	got, err := s.QueryObservations(ctx, models.ObservationFilter{
		Names: []string{"m"},
		Start: base.Add(2 * time.Hour),
		End:   base.Add(7 * time.Hour),
		Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, float64(7), got[0].Value)
}

func TestUpsertAggregateIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	period := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	rec := models.AggregatedRecord{
		MetricName:  "users.active",
		Window:      models.WindowHour,
		PeriodStart: period,
		Dimensions:  models.DimensionSet{"region": "eu"},
		Value:       17, Count: 15, Min: 10, Max: 24, Avg: 17, Sum: 255,
	}
	require.NoError(t, s.UpsertAggregate(ctx, rec))
	require.NoError(t, s.UpsertAggregate(ctx, rec))

	got, err := s.QueryAggregates(ctx, models.AggregateFilter{MetricName: "users.active", Window: models.WindowHour})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 17, got[0].Avg, 1e-9)
	assert.Equal(t, 15, got[0].Count)
}

func TestAggregateKeySeparatorSafety(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	period := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)

	// These two dimension sets collide under naive "|"-joined keys.
	a := models.AggregatedRecord{
		MetricName: "m", Window: models.WindowHour, PeriodStart: period,
		Dimensions: models.DimensionSet{"x": "a|b", "y": "c"}, Value: 1, Count: 1,
	}
	b := models.AggregatedRecord{
		MetricName: "m", Window: models.WindowHour, PeriodStart: period,
		Dimensions: models.DimensionSet{"x": "a", "y": "b|c"}, Value: 2, Count: 1,
	}
	require.NoError(t, s.UpsertAggregate(ctx, a))
	require.NoError(t, s.UpsertAggregate(ctx, b))

	got, err := s.QueryAggregates(ctx, models.AggregateFilter{MetricName: "m", Window: models.WindowHour})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestRuleLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rule := models.AggregationRule{
		ID:                "rule-1",
		Name:              "hourly-user-activity",
		SourceMetricNames: []string{"users.active"},
		Kind:              models.AggregationAvg,
		Window:            models.WindowHour,
		Active:            true,
		CreatedAt:         time.Now(),
	}
	require.NoError(t, s.InsertRule(ctx, rule))

	got, err := s.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.True(t, got.Active)

	require.NoError(t, s.SetRuleActive(ctx, "rule-1", false))
	active, err := s.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := s.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	err = s.SetRuleActive(ctx, "nope", true)
	assert.ErrorIs(t, err, utils.ErrNotFound)
}

func TestInsightUpsertAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(24 * time.Hour)

	in := models.Insight{
		ID: "ins-1", Type: models.InsightAnomaly, Category: "engagement",
		Title: "Spike in users.active", Severity: models.SeverityHigh,
		Confidence: 0.9, Impact: models.ImpactNegative,
		SourceMetricNames: []string{"users.active"},
		Data:              map[string]interface{}{"deviation": 3.2},
		Recommendations:   []string{"Investigate traffic source"},
		CreatedAt:         now, ExpiresAt: &expires,
	}
	require.NoError(t, s.UpsertInsight(ctx, in))

	in.Severity = models.SeverityCritical
	require.NoError(t, s.UpsertInsight(ctx, in))

	got, err := s.ListInsights(ctx, "engagement", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.SeverityCritical, got[0].Severity)
	require.NotNil(t, got[0].ExpiresAt)
	assert.Equal(t, expires.UnixNano(), got[0].ExpiresAt.UnixNano())
}

func TestPredictionModelRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	model := models.PredictionModel{
		ID: "model-1", TargetMetric: "users.active", Kind: models.ModelLinear,
		Accuracy: 0.92, LastTrainedAt: time.Now().UTC(),
		Parameters: models.ModelParameters{Intercept: 1, Slope: 2, ResidualStdDev: 0.1, TrainingSize: 30},
	}
	require.NoError(t, s.SavePredictionModel(ctx, model))

	got, err := s.GetPredictionModel(ctx, "users.active", models.ModelLinear)
	require.NoError(t, err)
	assert.InDelta(t, 2, got.Parameters.Slope, 1e-9)
	assert.InDelta(t, 0.92, got.Accuracy, 1e-9)

	_, err = s.GetPredictionModel(ctx, "users.active", models.ModelSeasonal)
	assert.ErrorIs(t, err, utils.ErrNotFound)

	model.Accuracy = 0.5
	require.NoError(t, s.SavePredictionModel(ctx, model))
	got, err = s.GetPredictionModel(ctx, "users.active", models.ModelLinear)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Accuracy, 1e-9)
}
