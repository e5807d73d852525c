package aggregate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/store"
)

// rulePackFile is the YAML root structure for a seed rule pack.
type rulePackFile struct {
	Rules []models.AggregationRule `yaml:"rules"`
}

// LoadRulePack reads rule definitions from a YAML file. A missing file is
// not an error; the built-in defaults apply instead.
func LoadRulePack(path string) ([]models.AggregationRule, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var pack rulePackFile
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, err
	}
	return pack.Rules, nil
}

// DefaultRules returns the seed rollups every deployment starts with.
func DefaultRules() []models.AggregationRule {
	return []models.AggregationRule{
		{
			Name:              "hourly-user-activity",
			SourceMetricNames: []string{"users.active", "sessions.count"},
			Kind:              models.AggregationAvg,
			GroupByDimensions: []string{models.TimestampDimension},
			Window:            models.WindowHour,
			Active:            true,
		},
		{
			Name:              "daily-application-funnel",
			SourceMetricNames: []string{"applications.started", "applications.submitted", "applications.completed"},
			Kind:              models.AggregationSum,
			GroupByDimensions: []string{"stage"},
			Window:            models.WindowDay,
			Active:            true,
		},
		{
			Name:              "weekly-engagement",
			SourceMetricNames: []string{"engagement.events"},
			Kind:              models.AggregationAvg,
			GroupByDimensions: nil,
			Window:            models.WindowWeek,
			Active:            true,
		},
	}
}

// EnsureSeedRules registers any rule from the pack that is not already
// present, matching by name so restarts do not duplicate seed data.
func EnsureSeedRules(ctx context.Context, logger *slog.Logger, st store.Store, engine *Engine, rules []models.AggregationRule) error {
	if logger == nil {
		logger = slog.Default()
	}
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	existing, err := st.ListRules(ctx, false)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(existing))
	for _, rule := range existing {
		known[rule.Name] = struct{}{}
	}

	for _, rule := range rules {
		if _, ok := known[rule.Name]; ok {
			continue
		}
		rule.CreatedAt = time.Time{}
		if _, err := engine.CreateRule(ctx, rule); err != nil {
			logger.Warn("seed rule registration failed",
				slog.String("name", rule.Name), slog.Any("error", err))
			continue
		}
	}
	return nil
}
