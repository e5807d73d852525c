package predict

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow-analytics/internal/cache"
	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/store"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

// testQuerier serves canned observations newest first, honoring the filter
// fields the engine uses.
type testQuerier struct {
	observations []models.MetricObservation
}

func (q *testQuerier) Query(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error) {
	names := make(map[string]struct{}, len(filter.Names))
	for _, n := range filter.Names {
		names[n] = struct{}{}
	}
	var out []models.MetricObservation
	for _, obs := range q.observations {
		if len(names) > 0 {
			if _, ok := names[obs.Name]; !ok {
				continue
			}
		}
		if filter.StudentID != "" && obs.StudentID != filter.StudentID {
			continue
		}
		if !matchDimensions(obs.Dimensions, filter.Dimensions) {
			continue
		}
		if !filter.Start.IsZero() && obs.Timestamp.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && obs.Timestamp.After(filter.End) {
			continue
		}
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func matchDimensions(have models.DimensionSet, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func newTestEngine(t *testing.T, observations []models.MetricObservation, provider cache.Provider, now time.Time) (*Engine, *store.SQLiteStore) {
	t.Helper()
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	engine := NewEngine(nil, st, &testQuerier{observations: observations}, provider, func() time.Time { return now })
	return engine, st
}

// dailySeries emits one observation per day ending yesterday, oldest first.
func dailySeries(metric string, now time.Time, values []float64) []models.MetricObservation {
	out := make([]models.MetricObservation, 0, len(values))
	for i, v := range values {
		out = append(out, models.MetricObservation{
			ID:        metric + "-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26)),
			Name:      metric,
			Kind:      models.MetricKindGauge,
			Value:     v,
			Timestamp: now.AddDate(0, 0, -(len(values) - i)),
		})
	}
	return out
}

func ramp(n int) []float64 {
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i + 1)
	}
	return values
}

func TestPredictMetricLinearRamp(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, dailySeries("users.active", now, ramp(30)), nil, now)

	predictions, err := engine.PredictMetric(context.Background(), "users.active", 3, models.ModelLinear)
	require.NoError(t, err)
	require.Len(t, predictions, 3)

	for i, p := range predictions {
		assert.InDelta(t, float64(31+i), p.Value, 1e-6)
		assert.Equal(t, models.ModelLinear, p.ModelKind)
		assert.Equal(t, utils.DayBucket(now).AddDate(0, 0, i+1), p.Timestamp)
	}
	// A perfect fit has a collapsed interval and full confidence.
	assert.InDelta(t, predictions[0].Lower, predictions[0].Upper, 1e-6)
	assert.InDelta(t, 1.0, predictions[0].Confidence, 1e-9)
}

func TestPredictMetricAutoPicksAccurateModel(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, st := newTestEngine(t, dailySeries("users.active", now, ramp(30)), nil, now)

	predictions, err := engine.PredictMetric(context.Background(), "users.active", 0, models.ModelAuto)
	require.NoError(t, err)
	require.Len(t, predictions, defaultHorizonDays)
	assert.Greater(t, predictions[0].Confidence, 0.9)

	// The winner is persisted under its concrete kind.
	model, err := st.GetPredictionModel(context.Background(), "users.active", predictions[0].ModelKind)
	require.NoError(t, err)
	assert.Equal(t, now, model.LastTrainedAt)
	assert.Greater(t, model.Accuracy, 0.9)
}

func TestPredictMetricSeasonal(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var observations []models.MetricObservation
	for i := 28; i >= 1; i-- {
		day := now.AddDate(0, 0, -i)
		observations = append(observations, models.MetricObservation{
			ID: day.Format("2006-01-02"), Name: "sessions.count", Kind: models.MetricKindGauge,
			Value:     float64(day.Weekday()) + 1,
			Timestamp: day,
		})
	}
	engine, _ := newTestEngine(t, observations, nil, now)

	predictions, err := engine.PredictMetric(context.Background(), "sessions.count", 7, models.ModelSeasonal)
	require.NoError(t, err)
	require.Len(t, predictions, 7)

	for _, p := range predictions {
		assert.InDelta(t, float64(p.Timestamp.Weekday())+1, p.Value, 1e-6,
			"seasonal forecast must follow the weekday pattern")
	}
}

func TestPredictMetricInsufficientData(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, dailySeries("m", now, []float64{5}), nil, now)

	_, err := engine.PredictMetric(context.Background(), "m", 7, models.ModelAuto)
	assert.ErrorIs(t, err, utils.ErrInsufficientData)
}

func TestPredictMetricValidation(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, nil, nil, now)
	ctx := context.Background()

	_, err := engine.PredictMetric(ctx, "", 7, models.ModelAuto)
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = engine.PredictMetric(ctx, "m", maxHorizonDays+1, models.ModelAuto)
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestPredictMetricDeterministic(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, dailySeries("m", now, ramp(20)), nil, now)
	ctx := context.Background()

	first, err := engine.PredictMetric(ctx, "m", 5, models.ModelLinear)
	require.NoError(t, err)
	second, err := engine.PredictMetric(ctx, "m", 5, models.ModelLinear)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPredictMetricUsesCache(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	provider := cache.NewMemoryProvider()
	querier := &testQuerier{observations: dailySeries("m", now, ramp(20))}
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	engine := NewEngine(nil, st, querier, provider, func() time.Time { return now })
	ctx := context.Background()

	first, err := engine.PredictMetric(ctx, "m", 3, models.ModelLinear)
	require.NoError(t, err)

	// With the source data gone the cached forecast must still be served.
	querier.observations = nil
	second, err := engine.PredictMetric(ctx, "m", 3, models.ModelLinear)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestStaleModelRetrained(t *testing.T) {
	start := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	current := start
	querier := &testQuerier{observations: dailySeries("m", start, ramp(20))}
	st, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	engine := NewEngine(nil, st, querier, nil, func() time.Time { return current })
	ctx := context.Background()

	_, err = engine.PredictMetric(ctx, "m", 3, models.ModelLinear)
	require.NoError(t, err)
	model, err := st.GetPredictionModel(ctx, "m", models.ModelLinear)
	require.NoError(t, err)
	assert.Equal(t, start, model.LastTrainedAt)

	// Eight days later the stored model is past its age limit.
	current = start.Add(8 * 24 * time.Hour)
	querier.observations = dailySeries("m", current, ramp(28))
	_, err = engine.PredictMetric(ctx, "m", 3, models.ModelLinear)
	require.NoError(t, err)

	retrained, err := st.GetPredictionModel(ctx, "m", models.ModelLinear)
	require.NoError(t, err)
	assert.Equal(t, current, retrained.LastTrainedAt)
	assert.Equal(t, 28, retrained.Parameters.TrainingSize)
}
