package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/applyflow/applyflow-analytics/internal/cache"
	"github.com/applyflow/applyflow-analytics/internal/metrics"
	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const (
	// neutralScore stands in for a factor with no observed data.
	neutralScore = 0.5

	successCacheTTL = 10 * time.Minute

	strengthPercentile    = 70.0
	improvementPercentile = 40.0

	taskDurationMetric = "task.duration"
	defaultTaskHours   = 4.0
	workHoursPerDay    = 4.0
)

// successFactor is one weighted component of the composite score. Observed
// averages are divided by scale and clamped to [0,1].
type successFactor struct {
	name   string
	metric string
	weight float64
	scale  float64
	advice string
}

var successFactors = []successFactor{
	{
		name: "academic_performance", metric: "academic.score", weight: 0.30, scale: 100,
		advice: "Schedule additional study sessions for the weakest subjects",
	},
	{
		name: "engagement", metric: "engagement.events", weight: 0.25, scale: 50,
		advice: "Log in more regularly and complete the weekly checklist",
	},
	{
		name: "submission_quality", metric: "submission.quality", weight: 0.25, scale: 100,
		advice: "Use the essay review service before submitting documents",
	},
	{
		name: "timeline_adherence", metric: "timeline.adherence", weight: 0.20, scale: 1,
		advice: "Break upcoming deadlines into smaller weekly milestones",
	},
}

// PredictStudentSuccess computes the weighted composite success score for one
// student. Factors without data fall back to a neutral score and lower the
// overall confidence.
func (e *Engine) PredictStudentSuccess(ctx context.Context, studentID string) (models.SuccessPrediction, error) {
	if studentID == "" {
		return models.SuccessPrediction{}, utils.ValidationError("student id is required")
	}
	started := e.now()
	now := started.UTC()

	cacheKey := cache.Key("success", studentID)
	if cached, err := e.cache.Get(ctx, cacheKey); err == nil {
		var prediction models.SuccessPrediction
		if err := json.Unmarshal(cached, &prediction); err == nil {
			return prediction, nil
		}
	}

	var (
		composite      float64
		observedWeight float64
		factors        []models.FactorScore
		advice         []string
	)
	for _, factor := range successFactors {
		observations, err := e.querier.Query(ctx, models.ObservationFilter{
			Names:     []string{factor.metric},
			StudentID: studentID,
			Start:     now.AddDate(0, 0, -historyDays),
			End:       now,
			Limit:     models.MaxQueryLimit,
		})
		if err != nil {
			return models.SuccessPrediction{}, err
		}

		score := neutralScore
		observed := len(observations) > 0
		if observed {
			values := make([]float64, len(observations))
			for i, obs := range observations {
				values[i] = obs.Value
			}
			score = stats.Clamp(stats.Mean(values)/factor.scale, 0, 1)
			observedWeight += factor.weight
			if score < neutralScore {
				advice = append(advice, factor.advice)
			}
		}

		composite += factor.weight * score
		factors = append(factors, models.FactorScore{
			Name:     factor.name,
			Score:    score,
			Weight:   factor.weight,
			Positive: score >= neutralScore,
			Observed: observed,
		})
	}

	prediction := models.SuccessPrediction{
		StudentID:       studentID,
		Score:           composite,
		Risk:            models.RiskFromScore(composite),
		Factors:         factors,
		Recommendations: advice,
		Confidence:      0.5 + 0.5*observedWeight,
		GeneratedAt:     now,
	}

	if payload, err := json.Marshal(prediction); err == nil {
		if err := e.cache.Set(ctx, cacheKey, payload, successCacheTTL); err != nil {
			e.logger.Debug("success cache write failed", slog.Any("error", err))
		}
	}
	metrics.ObservePrediction(e.now().Sub(started))
	return prediction, nil
}

// BenchmarkStudent ranks the student's factor averages against every peer
// with data for the same metric.
func (e *Engine) BenchmarkStudent(ctx context.Context, studentID string) (models.Benchmark, error) {
	if studentID == "" {
		return models.Benchmark{}, utils.ValidationError("student id is required")
	}
	now := e.now().UTC()

	benchmark := models.Benchmark{
		StudentID:   studentID,
		Percentiles: make(map[string]float64),
		GeneratedAt: now,
	}

	for _, factor := range successFactors {
		observations, err := e.querier.Query(ctx, models.ObservationFilter{
			Names: []string{factor.metric},
			Start: now.AddDate(0, 0, -historyDays),
			End:   now,
			Limit: models.MaxQueryLimit,
		})
		if err != nil {
			return models.Benchmark{}, err
		}

		averages := perStudentAverages(observations)
		mine, ok := averages[studentID]
		if !ok {
			continue
		}
		if len(averages) > benchmark.PeerCount {
			benchmark.PeerCount = len(averages)
		}

		percentile := percentileRank(averages, mine)
		benchmark.Percentiles[factor.name] = percentile
		switch {
		case percentile >= strengthPercentile:
			benchmark.Strengths = append(benchmark.Strengths, factor.name)
		case percentile < improvementPercentile:
			benchmark.ImprovementAreas = append(benchmark.ImprovementAreas, factor.name)
		}
	}

	if len(benchmark.Percentiles) == 0 {
		return models.Benchmark{}, utils.InsufficientDataError("benchmark", 0, 1)
	}
	return benchmark, nil
}

func perStudentAverages(observations []models.MetricObservation) map[string]float64 {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, obs := range observations {
		if obs.StudentID == "" {
			continue
		}
		sums[obs.StudentID] += obs.Value
		counts[obs.StudentID]++
	}
	averages := make(map[string]float64, len(sums))
	for id, sum := range sums {
		averages[id] = sum / float64(counts[id])
	}
	return averages
}

// percentileRank is the midpoint rank of value among the peer averages,
// scaled to 0-100.
func percentileRank(averages map[string]float64, value float64) float64 {
	if len(averages) == 0 {
		return 0
	}
	below, equal := 0, 0
	for _, avg := range averages {
		switch {
		case avg < value:
			below++
		case avg == value:
			equal++
		}
	}
	return 100 * (float64(below) + 0.5*float64(equal)) / float64(len(averages))
}

// OptimizeTimeline schedules the student's remaining tasks against the
// deadline using historical task durations, defaulting when a task has never
// been measured.
func (e *Engine) OptimizeTimeline(ctx context.Context, studentID string, deadline time.Time, tasks []string) (models.TimelinePlan, error) {
	if studentID == "" {
		return models.TimelinePlan{}, utils.ValidationError("student id is required")
	}
	if len(tasks) == 0 {
		return models.TimelinePlan{}, utils.ValidationError("at least one task is required")
	}
	now := e.now().UTC()
	if !deadline.After(now) {
		return models.TimelinePlan{}, utils.ValidationError("deadline must be in the future")
	}

	plan := models.TimelinePlan{
		StudentID:   studentID,
		Deadline:    deadline,
		GeneratedAt: now,
	}

	cursor := now
	for _, task := range tasks {
		hours, err := e.taskHours(ctx, task, now)
		if err != nil {
			return models.TimelinePlan{}, err
		}
		plan.Tasks = append(plan.Tasks, models.TaskEstimate{
			Task:           task,
			EstimatedHours: hours,
			SuggestedStart: cursor,
		})
		plan.TotalHours += hours
		days := int(math.Ceil(hours / workHoursPerDay))
		if days < 1 {
			days = 1
		}
		cursor = cursor.AddDate(0, 0, days)
	}

	availableHours := deadline.Sub(now).Hours() / 24 * workHoursPerDay
	slack := 0.0
	if availableHours > 0 {
		slack = stats.Clamp(1-plan.TotalHours/availableHours, 0, 1)
	}
	plan.Risk = models.RiskFromScore(slack)

	sort.SliceStable(plan.Tasks, func(i, j int) bool {
		return plan.Tasks[i].SuggestedStart.Before(plan.Tasks[j].SuggestedStart)
	})
	return plan, nil
}

// taskHours averages historical durations for the task, falling back to the
// default estimate when nobody has completed it yet.
func (e *Engine) taskHours(ctx context.Context, task string, now time.Time) (float64, error) {
	observations, err := e.querier.Query(ctx, models.ObservationFilter{
		Names:      []string{taskDurationMetric},
		Dimensions: map[string]string{"task": task},
		Start:      now.AddDate(0, 0, -historyDays),
		End:        now,
		Limit:      models.MaxQueryLimit,
	})
	if err != nil {
		return 0, fmt.Errorf("task duration lookup for %q: %w", task, err)
	}
	if len(observations) == 0 {
		return defaultTaskHours, nil
	}
	values := make([]float64, len(observations))
	for i, obs := range observations {
		values[i] = obs.Value
	}
	return stats.Mean(values), nil
}
