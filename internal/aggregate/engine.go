// Package aggregate evaluates declarative rollup rules over raw observations
// and upserts the results as time-bucketed aggregated records.
package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyflow/applyflow-analytics/internal/metrics"
	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/store"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

// Querier is the observation read interface the engine pulls through.
type Querier interface {
	Query(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error)
}

// Engine executes aggregation rules.
type Engine struct {
	logger  *slog.Logger
	store   store.Store
	querier Querier
	now     func() time.Time
}

// NewEngine constructs an aggregation engine. now may be nil for wall-clock time.
func NewEngine(logger *slog.Logger, st store.Store, querier Querier, now func() time.Time) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{logger: logger, store: st, querier: querier, now: now}
}

// CreateRule validates and persists a rule definition, returning its id.
func (e *Engine) CreateRule(ctx context.Context, rule models.AggregationRule) (string, error) {
	if err := rule.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", utils.ErrValidation, err)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = e.now().UTC()
	}
	if err := e.store.InsertRule(ctx, rule); err != nil {
		return "", err
	}
	e.logger.Info("aggregation rule registered",
		slog.String("rule_id", rule.ID), slog.String("name", rule.Name), slog.String("window", string(rule.Window)))
	return rule.ID, nil
}

// SetRuleActive soft-disables or re-enables a rule.
func (e *Engine) SetRuleActive(ctx context.Context, id string, active bool) error {
	return e.store.SetRuleActive(ctx, id, active)
}

// ListRules returns registered rules.
func (e *Engine) ListRules(ctx context.Context, onlyActive bool) ([]models.AggregationRule, error) {
	return e.store.ListRules(ctx, onlyActive)
}

// RunAggregation executes one rule by id, or every active rule matching the
// window filter when ruleID is empty. Rules run independently: one failing
// rule is logged and skipped without affecting its siblings.
func (e *Engine) RunAggregation(ctx context.Context, ruleID string, window models.TimeWindow) error {
	var rules []models.AggregationRule

	if ruleID != "" {
		rule, err := e.store.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		rules = append(rules, rule)
	} else {
		active, err := e.store.ListRules(ctx, true)
		if err != nil {
			return err
		}
		for _, rule := range active {
			if window != "" && rule.Window != window {
				continue
			}
			rules = append(rules, rule)
		}
	}

	if len(rules) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(rules))
	for i, rule := range rules {
		wg.Add(1)
		go func(i int, rule models.AggregationRule) {
			defer wg.Done()
			if err := e.runRule(ctx, rule); err != nil {
				errs[i] = err
				metrics.ObserveAggregationRun(metrics.OutcomeError)
				e.logger.Error("aggregation rule failed",
					slog.String("rule_id", rule.ID), slog.String("name", rule.Name), slog.Any("error", err))
				return
			}
			metrics.ObserveAggregationRun(metrics.OutcomeSuccess)
		}(i, rule)
	}
	wg.Wait()

	// A directly requested rule propagates its failure; bulk runs degrade.
	if ruleID != "" {
		return errs[0]
	}
	return nil
}

func (e *Engine) runRule(ctx context.Context, rule models.AggregationRule) error {
	now := e.now().UTC()
	start := now.Add(-rule.Window.Duration())

	observations, err := e.querier.Query(ctx, models.ObservationFilter{
		Names: rule.SourceMetricNames,
		Start: start,
		End:   now,
		Limit: models.MaxQueryLimit,
	})
	if err != nil {
		return err
	}
	if len(observations) == 0 {
		return nil
	}

	type group struct {
		dims   models.DimensionSet
		metric string
		values []float64
	}
	groups := make(map[models.AggregateKey]*group)
	periodStart := rule.Window.Floor(now)

	for _, obs := range observations {
		dims := make(models.DimensionSet, len(rule.GroupByDimensions))
		for _, name := range rule.GroupByDimensions {
			if name == models.TimestampDimension {
				dims[models.TimestampDimension] = utils.FloorToHour(obs.Timestamp).Format(time.RFC3339)
				continue
			}
			dims[name] = obs.Dimensions[name]
		}
		key := models.AggregateKey{
			MetricName:   obs.Name,
			Window:       rule.Window,
			PeriodStart:  periodStart,
			DimensionKey: dims.Key(),
		}
		g, ok := groups[key]
		if !ok {
			g = &group{dims: dims, metric: obs.Name}
			groups[key] = g
		}
		g.values = append(g.values, obs.Value)
	}

	for _, g := range groups {
		summary := stats.Summarize(g.values)
		record := models.AggregatedRecord{
			MetricName:  g.metric,
			Window:      rule.Window,
			PeriodStart: periodStart,
			Dimensions:  g.dims,
			Count:       summary.Count,
			Min:         summary.Min,
			Max:         summary.Max,
			Avg:         summary.Avg,
			Sum:         summary.Sum,
			Value:       ruleValue(rule.Kind, summary, g.values),
			Metadata: map[string]string{
				"rule_id":   rule.ID,
				"rule_name": rule.Name,
				"kind":      string(rule.Kind),
			},
		}
		if err := e.store.UpsertAggregate(ctx, record); err != nil {
			return err
		}
	}

	e.logger.Debug("aggregation rule completed",
		slog.String("rule_id", rule.ID), slog.Int("groups", len(groups)), slog.Int("observations", len(observations)))
	return nil
}

// GetAggregatedData returns previously computed buckets.
func (e *Engine) GetAggregatedData(ctx context.Context, filter models.AggregateFilter) ([]models.AggregatedRecord, error) {
	if filter.MetricName == "" {
		return nil, utils.ValidationError("metric name is required")
	}
	if !filter.Window.Valid() {
		return nil, utils.ValidationError("unknown time window %q", filter.Window)
	}
	return e.store.QueryAggregates(ctx, filter)
}

// ruleValue picks the rule's representative statistic. Percentile is fixed
// at p95.
func ruleValue(kind models.AggregationKind, s stats.Summary, values []float64) float64 {
	switch kind {
	case models.AggregationSum:
		return s.Sum
	case models.AggregationMin:
		return s.Min
	case models.AggregationMax:
		return s.Max
	case models.AggregationCount:
		return float64(s.Count)
	case models.AggregationPercentile:
		return stats.Percentile(values, 95)
	default:
		return s.Avg
	}
}
