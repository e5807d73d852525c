package models

import "time"

// InsightType enumerates the finding categories produced by the generator.
type InsightType string

const (
	InsightTrend          InsightType = "trend"
	InsightAnomaly        InsightType = "anomaly"
	InsightCorrelation    InsightType = "correlation"
	InsightPrediction     InsightType = "prediction"
	InsightRecommendation InsightType = "recommendation"
)

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for sorting, critical first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Impact classifies whether a finding is good or bad news.
type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNegative Impact = "negative"
	ImpactNeutral  Impact = "neutral"
)

// Insight is a derived analytical finding. Insights are immutable once
// created; later generation runs supersede rather than mutate them.
type Insight struct {
	ID                string                 `json:"id"`
	Type              InsightType            `json:"type"`
	Category          string                 `json:"category"`
	Title             string                 `json:"title"`
	Description       string                 `json:"description"`
	Severity          Severity               `json:"severity"`
	Confidence        float64                `json:"confidence"`
	Impact            Impact                 `json:"impact"`
	SourceMetricNames []string               `json:"sourceMetricNames,omitempty"`
	Data              map[string]interface{} `json:"data,omitempty"`
	Recommendations   []string               `json:"recommendations,omitempty"`
	CreatedAt         time.Time              `json:"createdAt"`
	ExpiresAt         *time.Time             `json:"expiresAt,omitempty"`
}

// Expired reports whether the insight is stale at the given instant.
func (i Insight) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && now.After(*i.ExpiresAt)
}

// TrendDirection classifies the slope of a metric over time.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
	TrendVolatile   TrendDirection = "volatile"
)

// ForecastPoint is a one-step-ahead projection with a confidence interval.
type ForecastPoint struct {
	Value float64 `json:"value"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// TrendAnalysis summarises a least-squares fit over a metric's recent history.
type TrendAnalysis struct {
	Metric              string         `json:"metric"`
	Window              TimeWindow     `json:"period"`
	Direction           TrendDirection `json:"direction"`
	Slope               float64        `json:"slope"`
	Intercept           float64        `json:"intercept"`
	CoefficientOfVar    float64        `json:"coefficientOfVariation"`
	Seasonal            bool           `json:"seasonal"`
	SeasonalCorrelation float64        `json:"seasonalCorrelation,omitempty"`
	Forecast            ForecastPoint  `json:"forecast"`
	SampleCount         int            `json:"sampleCount"`
}

// AnomalyDirection classifies which side of the mean a deviation fell on.
type AnomalyDirection string

const (
	AnomalySpike AnomalyDirection = "spike"
	AnomalyDrop  AnomalyDirection = "drop"
)

// Anomaly is one observation whose deviation from the mean exceeded the
// detection threshold.
type Anomaly struct {
	Metric    string           `json:"metric"`
	Timestamp time.Time        `json:"timestamp"`
	Value     float64          `json:"value"`
	Deviation float64          `json:"deviation"`
	Severity  Severity         `json:"severity"`
	Direction AnomalyDirection `json:"direction"`
}

// CorrelationStrength classifies |r| at the 0.3/0.7 thresholds.
type CorrelationStrength string

const (
	CorrelationWeak     CorrelationStrength = "weak"
	CorrelationModerate CorrelationStrength = "moderate"
	CorrelationStrong   CorrelationStrength = "strong"
)

// Correlation reports the Pearson relationship between two metrics.
type Correlation struct {
	MetricA      string              `json:"metricA"`
	MetricB      string              `json:"metricB"`
	Coefficient  float64             `json:"coefficient"`
	SampleCount  int                 `json:"sampleCount"`
	Significance float64             `json:"significance"`
	Strength     CorrelationStrength `json:"strength"`
	Positive     bool                `json:"positive"`
}
