package insight

import (
	"context"
	"math"
	"time"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const (
	minAnomalyPoints   = 10
	anomalyThreshold   = 2.0
	anomalyMediumSigma = 2.5
	anomalyHighSigma   = 3.0
)

// DetectAnomalies flags observations whose deviation from the sample mean
// exceeds two standard deviations.
func (g *Generator) DetectAnomalies(ctx context.Context, metric string, window models.TimeWindow) ([]models.Anomaly, error) {
	if metric == "" {
		return nil, utils.ValidationError("metric name is required")
	}
	if !window.Valid() {
		return nil, utils.ValidationError("unknown time window %q", window)
	}
	values, timestamps, err := g.series(ctx, metric, window)
	if err != nil {
		return nil, err
	}
	return anomaliesFromSeries(metric, values, timestamps)
}

func anomaliesFromSeries(metric string, values []float64, timestamps []time.Time) ([]models.Anomaly, error) {
	if len(values) < minAnomalyPoints {
		return nil, utils.InsufficientDataError("anomaly detection", len(values), minAnomalyPoints)
	}

	mean := stats.Mean(values)
	std := stats.StdDev(values)
	if std == 0 {
		return nil, nil
	}

	var anomalies []models.Anomaly
	for i, v := range values {
		deviation := (v - mean) / std
		if math.Abs(deviation) < anomalyThreshold {
			continue
		}
		direction := models.AnomalySpike
		if deviation < 0 {
			direction = models.AnomalyDrop
		}
		anomalies = append(anomalies, models.Anomaly{
			Metric:    metric,
			Timestamp: timestamps[i],
			Value:     v,
			Deviation: deviation,
			Severity:  anomalySeverity(math.Abs(deviation)),
			Direction: direction,
		})
	}
	return anomalies, nil
}

func anomalySeverity(sigma float64) models.Severity {
	switch {
	case sigma > anomalyHighSigma:
		return models.SeverityHigh
	case sigma > anomalyMediumSigma:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
