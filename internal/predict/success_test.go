package predict

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

func studentObservations(metric, studentID string, now time.Time, values []float64) []models.MetricObservation {
	out := make([]models.MetricObservation, 0, len(values))
	for i, v := range values {
		out = append(out, models.MetricObservation{
			ID:        metric + "-" + studentID + "-" + string(rune('a'+i%26)),
			Name:      metric,
			Kind:      models.MetricKindGauge,
			Value:     v,
			StudentID: studentID,
			Timestamp: now.AddDate(0, 0, -(i + 1)),
		})
	}
	return out
}

func TestPredictStudentSuccessAllFactors(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var observations []models.MetricObservation
	observations = append(observations, studentObservations("academic.score", "s1", now, []float64{90, 90})...)
	observations = append(observations, studentObservations("engagement.events", "s1", now, []float64{50, 50})...)
	observations = append(observations, studentObservations("submission.quality", "s1", now, []float64{80, 80})...)
	observations = append(observations, studentObservations("timeline.adherence", "s1", now, []float64{0.9, 0.9})...)
	engine, _ := newTestEngine(t, observations, nil, now)

	prediction, err := engine.PredictStudentSuccess(context.Background(), "s1")
	require.NoError(t, err)

	// 0.30*0.9 + 0.25*1.0 + 0.25*0.8 + 0.20*0.9
	assert.InDelta(t, 0.90, prediction.Score, 1e-9)
	assert.Equal(t, models.RiskLow, prediction.Risk)
	assert.InDelta(t, 1.0, prediction.Confidence, 1e-9)
	require.Len(t, prediction.Factors, 4)
	for _, factor := range prediction.Factors {
		assert.True(t, factor.Observed)
	}
	assert.Empty(t, prediction.Recommendations)
}

func TestPredictStudentSuccessMissingFactorsAreNeutral(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	observations := studentObservations("academic.score", "s1", now, []float64{90})
	engine, _ := newTestEngine(t, observations, nil, now)

	prediction, err := engine.PredictStudentSuccess(context.Background(), "s1")
	require.NoError(t, err)

	// 0.30*0.9 plus neutral 0.5 for the three unobserved factors.
	assert.InDelta(t, 0.27+0.70*0.5, prediction.Score, 1e-9)
	assert.Equal(t, models.RiskMedium, prediction.Risk)
	assert.InDelta(t, 0.5+0.5*0.30, prediction.Confidence, 1e-9)

	observed := 0
	for _, factor := range prediction.Factors {
		if factor.Observed {
			observed++
		} else {
			assert.InDelta(t, neutralScore, factor.Score, 1e-9)
		}
	}
	assert.Equal(t, 1, observed)
}

func TestPredictStudentSuccessLowFactorAdvice(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	observations := studentObservations("academic.score", "s1", now, []float64{30, 30})
	engine, _ := newTestEngine(t, observations, nil, now)

	prediction, err := engine.PredictStudentSuccess(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, models.RiskMedium, prediction.Risk)
	assert.NotEmpty(t, prediction.Recommendations)
}

func TestPredictStudentSuccessValidation(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, nil, nil, now)

	_, err := engine.PredictStudentSuccess(context.Background(), "")
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestBenchmarkStudent(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var observations []models.MetricObservation
	observations = append(observations, studentObservations("academic.score", "s1", now, []float64{90, 90})...)
	observations = append(observations, studentObservations("academic.score", "s2", now, []float64{70, 70})...)
	observations = append(observations, studentObservations("academic.score", "s3", now, []float64{50, 50})...)
	engine, _ := newTestEngine(t, observations, nil, now)
	ctx := context.Background()

	top, err := engine.BenchmarkStudent(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 3, top.PeerCount)
	assert.InDelta(t, 100*2.5/3, top.Percentiles["academic_performance"], 1e-9)
	assert.Contains(t, top.Strengths, "academic_performance")
	assert.Empty(t, top.ImprovementAreas)

	bottom, err := engine.BenchmarkStudent(ctx, "s3")
	require.NoError(t, err)
	assert.Contains(t, bottom.ImprovementAreas, "academic_performance")
	assert.Empty(t, bottom.Strengths)
}

func TestBenchmarkStudentNoData(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, nil, nil, now)

	_, err := engine.BenchmarkStudent(context.Background(), "ghost")
	assert.ErrorIs(t, err, utils.ErrInsufficientData)
}

func TestOptimizeTimeline(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	var observations []models.MetricObservation
	for i, v := range []float64{8, 8, 8} {
		observations = append(observations, models.MetricObservation{
			ID: "d" + string(rune('a'+i)), Name: taskDurationMetric, Kind: models.MetricKindGauge,
			Value: v, Dimensions: models.DimensionSet{"task": "essay"},
			Timestamp: now.AddDate(0, 0, -(i + 1)),
		})
	}
	engine, _ := newTestEngine(t, observations, nil, now)

	plan, err := engine.OptimizeTimeline(context.Background(), "s1", now.AddDate(0, 0, 10), []string{"essay", "review"})
	require.NoError(t, err)

	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "essay", plan.Tasks[0].Task)
	assert.InDelta(t, 8, plan.Tasks[0].EstimatedHours, 1e-9)
	assert.Equal(t, now, plan.Tasks[0].SuggestedStart)

	// Unmeasured tasks get the default estimate, scheduled after the first.
	assert.InDelta(t, defaultTaskHours, plan.Tasks[1].EstimatedHours, 1e-9)
	assert.Equal(t, now.AddDate(0, 0, 2), plan.Tasks[1].SuggestedStart)

	assert.InDelta(t, 12, plan.TotalHours, 1e-9)
	assert.Equal(t, models.RiskLow, plan.Risk, "12h of work against a 40h budget is low risk")
}

func TestOptimizeTimelineValidation(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, nil, nil, now)
	ctx := context.Background()

	_, err := engine.OptimizeTimeline(ctx, "", now.AddDate(0, 0, 1), []string{"t"})
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = engine.OptimizeTimeline(ctx, "s1", now.AddDate(0, 0, 1), nil)
	assert.ErrorIs(t, err, utils.ErrValidation)

	_, err = engine.OptimizeTimeline(ctx, "s1", now.AddDate(0, 0, -1), []string{"t"})
	assert.ErrorIs(t, err, utils.ErrValidation)
}

func TestOptimizeTimelineTightDeadlineIsHighRisk(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	engine, _ := newTestEngine(t, nil, nil, now)

	plan, err := engine.OptimizeTimeline(context.Background(), "s1", now.Add(26*time.Hour),
		[]string{"a", "b", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, models.RiskHigh, plan.Risk)
}
