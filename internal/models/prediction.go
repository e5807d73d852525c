package models

import (
	"fmt"
	"time"
)

// ModelKind is the closed set of forecasting model variants. Adding a kind
// means extending the switch in predict.train, not a string convention.
type ModelKind string

const (
	ModelLinear     ModelKind = "linear"
	ModelPolynomial ModelKind = "polynomial"
	ModelSeasonal   ModelKind = "seasonal"
	ModelAuto       ModelKind = "auto"
)

// ParseModelKind resolves a request string to a ModelKind, defaulting to auto.
func ParseModelKind(s string) (ModelKind, error) {
	switch ModelKind(s) {
	case ModelLinear, ModelPolynomial, ModelSeasonal, ModelAuto:
		return ModelKind(s), nil
	case "":
		return ModelAuto, nil
	default:
		return "", fmt.Errorf("unknown model kind %q", s)
	}
}

// ModelParameters holds the fitted coefficients. Which fields are meaningful
// depends on the kind: linear uses Intercept/Slope, polynomial uses
// Coefficients (ascending degree), seasonal uses Baseline plus per-weekday
// factors.
type ModelParameters struct {
	Intercept       float64   `json:"intercept,omitempty"`
	Slope           float64   `json:"slope,omitempty"`
	Coefficients    []float64 `json:"coefficients,omitempty"`
	Baseline        float64   `json:"baseline,omitempty"`
	SeasonalFactors []float64 `json:"seasonalFactors,omitempty"`
	ResidualStdDev  float64   `json:"residualStdDev,omitempty"`
	TrainingSize    int       `json:"trainingSize,omitempty"`
}

// PredictionModel is a cached fitted model owned by the prediction engine.
type PredictionModel struct {
	ID            string          `json:"id"`
	TargetMetric  string          `json:"targetMetric"`
	Kind          ModelKind       `json:"modelKind"`
	Accuracy      float64         `json:"accuracy"`
	LastTrainedAt time.Time       `json:"lastTrainedAt"`
	Parameters    ModelParameters `json:"parameters"`
}

// Stale reports whether the model must be retrained before reuse.
func (m PredictionModel) Stale(now time.Time, maxAge time.Duration, minAccuracy float64) bool {
	if now.Sub(m.LastTrainedAt) > maxAge {
		return true
	}
	return m.Accuracy < minAccuracy
}

// Prediction is one forecast point for a future day.
type Prediction struct {
	Metric     string    `json:"metric"`
	Timestamp  time.Time `json:"timestamp"`
	Value      float64   `json:"value"`
	Lower      float64   `json:"lower"`
	Upper      float64   `json:"upper"`
	Confidence float64   `json:"confidence"`
	ModelKind  ModelKind `json:"modelKind"`
}

// RiskLevel tiers a success score at the 0.7/0.4 thresholds.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskFromScore applies the tier thresholds to a composite score.
func RiskFromScore(score float64) RiskLevel {
	switch {
	case score >= 0.7:
		return RiskLow
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// FactorScore is one weighted sub-factor of a success prediction.
type FactorScore struct {
	Name     string  `json:"name"`
	Score    float64 `json:"score"`
	Weight   float64 `json:"weight"`
	Positive bool    `json:"positive"`
	Observed bool    `json:"observed"`
}

// SuccessPrediction is the composite success score for one student.
type SuccessPrediction struct {
	StudentID       string        `json:"studentId"`
	Score           float64       `json:"score"`
	Risk            RiskLevel     `json:"risk"`
	Factors         []FactorScore `json:"factors"`
	Recommendations []string      `json:"recommendations,omitempty"`
	Confidence      float64       `json:"confidence"`
	GeneratedAt     time.Time     `json:"generatedAt"`
}

// Benchmark compares a student's factor scores against peer aggregates.
type Benchmark struct {
	StudentID        string             `json:"studentId"`
	Percentiles      map[string]float64 `json:"percentiles"`
	PeerCount        int                `json:"peerCount"`
	Strengths        []string           `json:"strengths,omitempty"`
	ImprovementAreas []string           `json:"improvementAreas,omitempty"`
	GeneratedAt      time.Time          `json:"generatedAt"`
}

// TaskEstimate is one remaining task with its projected effort.
type TaskEstimate struct {
	Task           string    `json:"task"`
	EstimatedHours float64   `json:"estimatedHours"`
	SuggestedStart time.Time `json:"suggestedStart"`
}

// TimelinePlan schedules a student's remaining tasks against a deadline.
type TimelinePlan struct {
	StudentID   string         `json:"studentId"`
	Deadline    time.Time      `json:"deadline"`
	Tasks       []TaskEstimate `json:"tasks"`
	TotalHours  float64        `json:"totalHours"`
	Risk        RiskLevel      `json:"scheduleRisk"`
	GeneratedAt time.Time      `json:"generatedAt"`
}
