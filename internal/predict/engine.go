// Package predict fits lightweight forecasting models over daily metric
// history and derives per-student success scores, peer benchmarks, and
// timeline plans from them.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyflow/applyflow-analytics/internal/cache"
	"github.com/applyflow/applyflow-analytics/internal/metrics"
	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/store"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const (
	historyDays        = 90
	modelMaxAge        = 7 * 24 * time.Hour
	minModelAccuracy   = 0.7
	defaultHorizonDays = 7
	maxHorizonDays     = 30
	forecastZ          = 1.96
	forecastCacheTTL   = 5 * time.Minute

	minLinearPoints   = 2
	minPolyPoints     = 3
	minSeasonalPoints = 14
)

// trainableKinds are the concrete model variants auto selection ranges over.
var trainableKinds = []models.ModelKind{models.ModelLinear, models.ModelPolynomial, models.ModelSeasonal}

// Querier is the observation read interface the engine pulls history through.
type Querier interface {
	Query(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error)
}

// Engine trains, caches, and evaluates prediction models.
type Engine struct {
	logger  *slog.Logger
	store   store.Store
	querier Querier
	cache   cache.Provider
	now     func() time.Time
}

// NewEngine constructs a prediction engine. cache may be nil for no caching,
// now may be nil for wall-clock time.
func NewEngine(logger *slog.Logger, st store.Store, querier Querier, provider cache.Provider, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{logger: logger, store: st, querier: querier, cache: provider, now: now}
}

// PredictMetric forecasts the metric's daily values over the horizon. A fresh
// enough stored model is reused; otherwise one is trained from the last 90
// days of history.
func (e *Engine) PredictMetric(ctx context.Context, metric string, horizonDays int, kind models.ModelKind) ([]models.Prediction, error) {
	if metric == "" {
		return nil, utils.ValidationError("metric name is required")
	}
	if horizonDays <= 0 {
		horizonDays = defaultHorizonDays
	}
	if horizonDays > maxHorizonDays {
		return nil, utils.ValidationError("horizon %d exceeds the %d day maximum", horizonDays, maxHorizonDays)
	}
	started := e.now()

	cacheKey := cache.Key("forecast", metric, string(kind), strconv.Itoa(horizonDays))
	if cached, err := e.cache.Get(ctx, cacheKey); err == nil {
		var predictions []models.Prediction
		if err := json.Unmarshal(cached, &predictions); err == nil {
			return predictions, nil
		}
	}

	model, err := e.resolveModel(ctx, metric, kind)
	if err != nil {
		return nil, err
	}
	predictions := e.forecast(model, horizonDays)

	if payload, err := json.Marshal(predictions); err == nil {
		if err := e.cache.Set(ctx, cacheKey, payload, forecastCacheTTL); err != nil {
			e.logger.Debug("forecast cache write failed", slog.Any("error", err))
		}
	}
	metrics.ObservePrediction(e.now().Sub(started))
	return predictions, nil
}

// resolveModel returns a usable model for the metric, training one when
// nothing stored is fresh enough. Auto requests pick the most accurate fresh
// model across the concrete kinds.
func (e *Engine) resolveModel(ctx context.Context, metric string, kind models.ModelKind) (models.PredictionModel, error) {
	now := e.now().UTC()

	if kind != models.ModelAuto && kind != "" {
		stored, err := e.store.GetPredictionModel(ctx, metric, kind)
		if err == nil && !stored.Stale(now, modelMaxAge, minModelAccuracy) {
			return stored, nil
		}
		if err != nil && !errors.Is(err, utils.ErrNotFound) {
			return models.PredictionModel{}, err
		}
		return e.train(ctx, metric, kind)
	}

	var best models.PredictionModel
	found := false
	for _, candidate := range trainableKinds {
		stored, err := e.store.GetPredictionModel(ctx, metric, candidate)
		if err != nil {
			if errors.Is(err, utils.ErrNotFound) {
				continue
			}
			return models.PredictionModel{}, err
		}
		if stored.Stale(now, modelMaxAge, minModelAccuracy) {
			continue
		}
		if !found || stored.Accuracy > best.Accuracy {
			best = stored
			found = true
		}
	}
	if found {
		return best, nil
	}
	return e.train(ctx, metric, models.ModelAuto)
}

// train fits the requested kind, or every feasible kind for auto, and stores
// the winner. Auto fits the candidate kinds concurrently over the shared
// history slice; the fits only read it.
func (e *Engine) train(ctx context.Context, metric string, kind models.ModelKind) (models.PredictionModel, error) {
	values, days, err := e.history(ctx, metric)
	if err != nil {
		return models.PredictionModel{}, err
	}

	candidates := trainableKinds
	if kind != models.ModelAuto && kind != "" {
		candidates = []models.ModelKind{kind}
	}

	type fit struct {
		model models.PredictionModel
		ok    bool
	}
	fits := make([]fit, len(candidates))
	var wg sync.WaitGroup
	wg.Add(len(candidates))
	for i, candidate := range candidates {
		go func(i int, candidate models.ModelKind) {
			defer wg.Done()
			fits[i].model, fits[i].ok = fitModel(candidate, values, days)
		}(i, candidate)
	}
	wg.Wait()

	// Candidate order breaks accuracy ties, so auto prefers the simpler kind.
	var best models.PredictionModel
	found := false
	for _, f := range fits {
		if !f.ok {
			continue
		}
		if !found || f.model.Accuracy > best.Accuracy {
			best = f.model
			found = true
		}
	}
	if !found {
		return models.PredictionModel{}, utils.InsufficientDataError("model training", len(values), minPoints(kind))
	}

	best.ID = uuid.NewString()
	best.TargetMetric = metric
	best.LastTrainedAt = e.now().UTC()
	if err := e.store.SavePredictionModel(ctx, best); err != nil {
		return models.PredictionModel{}, err
	}
	e.logger.Info("prediction model trained",
		slog.String("metric", metric),
		slog.String("kind", string(best.Kind)),
		slog.Float64("accuracy", best.Accuracy),
		slog.Int("training_size", best.Parameters.TrainingSize))
	return best, nil
}

// history loads the metric's last 90 days as a chronological series of daily
// mean values.
func (e *Engine) history(ctx context.Context, metric string) ([]float64, []time.Time, error) {
	now := e.now().UTC()
	observations, err := e.querier.Query(ctx, models.ObservationFilter{
		Names: []string{metric},
		Start: now.AddDate(0, 0, -historyDays),
		End:   now,
		Limit: models.MaxQueryLimit,
	})
	if err != nil {
		return nil, nil, err
	}

	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)
	for _, obs := range observations {
		day := utils.DayBucket(obs.Timestamp)
		sums[day] += obs.Value
		counts[day]++
	}

	days := make([]time.Time, 0, len(sums))
	for day := range sums {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	values := make([]float64, len(days))
	for i, day := range days {
		values[i] = sums[day] / float64(counts[day])
	}
	return values, days, nil
}

func minPoints(kind models.ModelKind) int {
	switch kind {
	case models.ModelPolynomial:
		return minPolyPoints
	case models.ModelSeasonal:
		return minSeasonalPoints
	default:
		return minLinearPoints
	}
}

// fitModel fits one concrete kind against the daily series. Accuracy is one
// minus the variance-normalized mean squared error, clamped to [0,1].
func fitModel(kind models.ModelKind, values []float64, days []time.Time) (models.PredictionModel, bool) {
	switch kind {
	case models.ModelLinear:
		if len(values) < minLinearPoints {
			return models.PredictionModel{}, false
		}
		fit, ok := stats.FitLine(values)
		if !ok {
			return models.PredictionModel{}, false
		}
		fitted := make([]float64, len(values))
		for i := range values {
			fitted[i] = fit.At(float64(i))
		}
		return models.PredictionModel{
			Kind:     models.ModelLinear,
			Accuracy: accuracy(values, fitted),
			Parameters: models.ModelParameters{
				Intercept:      fit.Intercept,
				Slope:          fit.Slope,
				ResidualStdDev: fit.ResidualStd,
				TrainingSize:   len(values),
			},
		}, true

	case models.ModelPolynomial:
		coeffs, residualStd, ok := stats.FitPolynomial(values)
		if !ok {
			return models.PredictionModel{}, false
		}
		fitted := make([]float64, len(values))
		for i := range values {
			x := float64(i)
			fitted[i] = coeffs[0] + coeffs[1]*x + coeffs[2]*x*x
		}
		return models.PredictionModel{
			Kind:     models.ModelPolynomial,
			Accuracy: accuracy(values, fitted),
			Parameters: models.ModelParameters{
				Coefficients:   coeffs,
				ResidualStdDev: residualStd,
				TrainingSize:   len(values),
			},
		}, true

	case models.ModelSeasonal:
		return fitSeasonal(values, days)

	default:
		return models.PredictionModel{}, false
	}
}

// fitSeasonal models the series as a baseline scaled by per-weekday factors.
func fitSeasonal(values []float64, days []time.Time) (models.PredictionModel, bool) {
	if len(values) < minSeasonalPoints || len(values) != len(days) {
		return models.PredictionModel{}, false
	}
	baseline := stats.Mean(values)
	if baseline == 0 {
		return models.PredictionModel{}, false
	}

	sums := make([]float64, 7)
	counts := make([]int, 7)
	for i, day := range days {
		wd := int(day.Weekday())
		sums[wd] += values[i]
		counts[wd]++
	}
	factors := make([]float64, 7)
	for wd := range factors {
		if counts[wd] == 0 {
			factors[wd] = 1
			continue
		}
		factors[wd] = (sums[wd] / float64(counts[wd])) / baseline
	}

	fitted := make([]float64, len(values))
	for i, day := range days {
		fitted[i] = baseline * factors[int(day.Weekday())]
	}

	var residualSq float64
	for i := range values {
		d := values[i] - fitted[i]
		residualSq += d * d
	}
	residualStd := math.Sqrt(residualSq / float64(len(values)))

	return models.PredictionModel{
		Kind:     models.ModelSeasonal,
		Accuracy: accuracy(values, fitted),
		Parameters: models.ModelParameters{
			Baseline:        baseline,
			SeasonalFactors: factors,
			ResidualStdDev:  residualStd,
			TrainingSize:    len(values),
		},
	}, true
}

// forecast evaluates the model over the horizon, one prediction per future
// day with a ±1.96σ interval.
func (e *Engine) forecast(model models.PredictionModel, horizonDays int) []models.Prediction {
	today := utils.DayBucket(e.now())
	lastX := float64(model.Parameters.TrainingSize - 1)
	margin := forecastZ * model.Parameters.ResidualStdDev
	confidence := stats.Clamp(model.Accuracy, 0, 1)

	predictions := make([]models.Prediction, 0, horizonDays)
	for h := 1; h <= horizonDays; h++ {
		day := today.AddDate(0, 0, h)
		var value float64
		switch model.Kind {
		case models.ModelPolynomial:
			x := lastX + float64(h)
			c := model.Parameters.Coefficients
			value = c[0] + c[1]*x + c[2]*x*x
		case models.ModelSeasonal:
			value = model.Parameters.Baseline * model.Parameters.SeasonalFactors[int(day.Weekday())]
		default:
			value = model.Parameters.Intercept + model.Parameters.Slope*(lastX+float64(h))
		}
		predictions = append(predictions, models.Prediction{
			Metric:     model.TargetMetric,
			Timestamp:  day,
			Value:      value,
			Lower:      value - margin,
			Upper:      value + margin,
			Confidence: confidence,
			ModelKind:  model.Kind,
		})
	}
	return predictions
}

func accuracy(actual, fitted []float64) float64 {
	return stats.Clamp(1-stats.NormalizedMSE(actual, fitted), 0, 1)
}
