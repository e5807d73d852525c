// Package store defines the persistence boundary for the analytics core.
// The schema is deliberately narrow: four record families keyed as described
// in the domain model, queryable by time range and dimension equality.
package store

import (
	"context"

	"github.com/applyflow/applyflow-analytics/internal/models"
)

// Store is the generic insert/query interface every component above the
// ingestion layer depends on.
type Store interface {
	// Observations.
	InsertObservations(ctx context.Context, observations []models.MetricObservation) error
	QueryObservations(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error)

	// Aggregates.
	UpsertAggregate(ctx context.Context, record models.AggregatedRecord) error
	QueryAggregates(ctx context.Context, filter models.AggregateFilter) ([]models.AggregatedRecord, error)

	// Aggregation rules.
	InsertRule(ctx context.Context, rule models.AggregationRule) error
	SetRuleActive(ctx context.Context, id string, active bool) error
	GetRule(ctx context.Context, id string) (models.AggregationRule, error)
	ListRules(ctx context.Context, onlyActive bool) ([]models.AggregationRule, error)

	// Insights.
	UpsertInsight(ctx context.Context, insight models.Insight) error
	ListInsights(ctx context.Context, category string, limit int) ([]models.Insight, error)

	// Prediction models.
	SavePredictionModel(ctx context.Context, model models.PredictionModel) error
	GetPredictionModel(ctx context.Context, metric string, kind models.ModelKind) (models.PredictionModel, error)

	Close() error
}
