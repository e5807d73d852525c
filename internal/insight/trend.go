package insight

import (
	"context"
	"math"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const (
	minTrendPoints        = 3
	stableSlopeThreshold  = 0.01
	volatileCVThreshold   = 0.3
	seasonalLag           = 7
	minSeasonalPoints     = 2 * seasonalLag
	seasonalCorrThreshold = 0.3
	forecastZ             = 1.96
)

// AnalyzeTrends fits a least-squares line over the metric's history inside
// the window and classifies its direction.
func (g *Generator) AnalyzeTrends(ctx context.Context, metric string, window models.TimeWindow) (models.TrendAnalysis, error) {
	if metric == "" {
		return models.TrendAnalysis{}, utils.ValidationError("metric name is required")
	}
	if !window.Valid() {
		return models.TrendAnalysis{}, utils.ValidationError("unknown time window %q", window)
	}
	values, _, err := g.series(ctx, metric, window)
	if err != nil {
		return models.TrendAnalysis{}, err
	}
	return trendFromSeries(metric, window, values)
}

// trendFromSeries runs the trend classification over a chronological sample.
func trendFromSeries(metric string, window models.TimeWindow, values []float64) (models.TrendAnalysis, error) {
	if len(values) < minTrendPoints {
		return models.TrendAnalysis{}, utils.InsufficientDataError("trend analysis", len(values), minTrendPoints)
	}

	fit, ok := stats.FitLine(values)
	if !ok {
		return models.TrendAnalysis{}, utils.InsufficientDataError("trend analysis", len(values), minTrendPoints)
	}
	cv := stats.CoefficientOfVariation(values)

	direction := models.TrendStable
	switch {
	case math.Abs(fit.Slope) >= stableSlopeThreshold:
		if fit.Slope > 0 {
			direction = models.TrendIncreasing
		} else {
			direction = models.TrendDecreasing
		}
	case cv > volatileCVThreshold:
		direction = models.TrendVolatile
	}

	analysis := models.TrendAnalysis{
		Metric:           metric,
		Window:           window,
		Direction:        direction,
		Slope:            fit.Slope,
		Intercept:        fit.Intercept,
		CoefficientOfVar: cv,
		SampleCount:      len(values),
	}

	// A period-7 pattern shows up as self-correlation at lag 7.
	if len(values) >= minSeasonalPoints {
		if r, ok := stats.Pearson(values[:len(values)-seasonalLag], values[seasonalLag:]); ok && r > seasonalCorrThreshold {
			analysis.Seasonal = true
			analysis.SeasonalCorrelation = r
		}
	}

	next := fit.At(float64(len(values)))
	margin := forecastZ * fit.ResidualStd
	analysis.Forecast = models.ForecastPoint{Value: next, Lower: next - margin, Upper: next + margin}
	return analysis, nil
}
