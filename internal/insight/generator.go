// Package insight derives analytical findings from raw observations: trend
// classification, statistical anomaly detection, cross-metric correlation,
// and threshold heuristics, merged into a ranked and persisted insight list.
package insight

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyflow/applyflow-analytics/internal/metrics"
	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
	"github.com/applyflow/applyflow-analytics/internal/store"
	"github.com/applyflow/applyflow-analytics/internal/utils"
)

const (
	anomalyInsightTTL       = 24 * time.Hour
	defaultGenerateInterval = time.Hour
)

// insightNamespace seeds deterministic insight ids so repeated generation
// runs upsert the same finding instead of accumulating duplicates.
var insightNamespace = uuid.MustParse("b3a64ff1-52c8-4c7e-9d0a-7f20c14a9e66")

// Querier is the observation read interface the generator pulls through.
type Querier interface {
	Query(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error)
}

// Generator runs the analysis passes and persists their findings.
type Generator struct {
	logger  *slog.Logger
	store   store.Store
	querier Querier
	now     func() time.Time
	latency *utils.LatencyTracker

	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewGenerator constructs an insight generator. now may be nil for wall-clock
// time, interval zero for the hourly default.
func NewGenerator(logger *slog.Logger, st store.Store, querier Querier, now func() time.Time, interval time.Duration) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	if interval <= 0 {
		interval = defaultGenerateInterval
	}
	return &Generator{
		logger:   logger,
		store:    st,
		querier:  querier,
		now:      now,
		latency:  utils.NewLatencyTracker(256),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Generate runs every analysis pass over the timeframe, merges and ranks the
// findings, and persists them. Metrics without enough history are skipped,
// not failed.
func (g *Generator) Generate(ctx context.Context, timeframe string) ([]models.Insight, error) {
	window := models.TimeWindow(timeframe)
	if timeframe == "" {
		window = models.WindowDay
	}
	if !window.Valid() {
		return nil, utils.ValidationError("unknown timeframe %q", timeframe)
	}

	started := g.now()
	now := started.UTC()

	observations, err := g.querier.Query(ctx, models.ObservationFilter{
		Start: now.Add(-window.Duration()),
		End:   now,
		Limit: models.MaxQueryLimit,
	})
	if err != nil {
		return nil, err
	}

	byMetric, byMetricTS := chronologicalSeries(observations)
	metricNames := make([]string, 0, len(byMetric))
	for name := range byMetric {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)

	var mu sync.Mutex
	var findings []models.Insight
	add := func(batch []models.Insight) {
		if len(batch) == 0 {
			return
		}
		mu.Lock()
		findings = append(findings, batch...)
		mu.Unlock()
	}

	// The passes are independent reads over the in-memory series.
	var wg sync.WaitGroup
	wg.Add(5)

	go func() {
		defer wg.Done()
		var batch []models.Insight
		for _, metric := range metricNames {
			analysis, err := trendFromSeries(metric, window, byMetric[metric])
			if err != nil {
				continue
			}
			if insight := trendInsight(analysis, now); insight != nil {
				batch = append(batch, *insight)
			}
		}
		add(batch)
	}()

	go func() {
		defer wg.Done()
		var batch []models.Insight
		for _, metric := range metricNames {
			anomalies, err := anomaliesFromSeries(metric, byMetric[metric], byMetricTS[metric])
			if err != nil {
				continue
			}
			for _, anomaly := range anomalies {
				batch = append(batch, anomalyInsight(anomaly, now))
			}
		}
		add(batch)
	}()

	go func() {
		defer wg.Done()
		if len(metricNames) < 2 {
			return
		}
		buckets := make(map[string]map[time.Time]float64, len(metricNames))
		for _, metric := range metricNames {
			buckets[metric] = bucketByHour(byMetric[metric], byMetricTS[metric])
		}
		var batch []models.Insight
		for _, corr := range correlationsFromBuckets(metricNames, buckets) {
			batch = append(batch, correlationInsight(corr, now))
		}
		add(batch)
	}()

	for _, rules := range [][]heuristicRule{performanceHeuristics, engagementHeuristics} {
		go func(rules []heuristicRule) {
			defer wg.Done()
			batch := heuristicFindings(rules, byMetric)
			for i := range batch {
				batch[i].CreatedAt = now
			}
			add(batch)
		}(rules)
	}

	wg.Wait()

	insights := rankAndDedup(findings)
	counts := make(map[string]int, len(insights))
	for _, insight := range insights {
		counts[string(insight.Type)]++
		if err := g.store.UpsertInsight(ctx, insight); err != nil {
			return nil, err
		}
	}

	elapsed := g.now().Sub(started)
	g.latency.Observe(elapsed)
	metrics.ObserveInsightGeneration(elapsed, counts)
	g.logger.Info("insight generation completed",
		slog.String("timeframe", string(window)),
		slog.Int("metrics", len(metricNames)),
		slog.Int("insights", len(insights)),
		slog.Duration("duration", elapsed),
		slog.Duration("p95", g.latency.Percentile(95)))
	return insights, nil
}

// GetInsights returns stored insights, newest first, with expired anomaly
// findings filtered out.
func (g *Generator) GetInsights(ctx context.Context, category string, limit int) ([]models.Insight, error) {
	stored, err := g.store.ListInsights(ctx, category, limit)
	if err != nil {
		return nil, err
	}
	now := g.now().UTC()
	fresh := stored[:0]
	for _, insight := range stored {
		if insight.Expired(now) {
			continue
		}
		fresh = append(fresh, insight)
	}
	return fresh, nil
}

// Start launches the periodic generation loop over the daily timeframe.
func (g *Generator) Start() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := g.Generate(context.Background(), string(models.WindowDay)); err != nil {
					g.logger.Error("scheduled insight generation failed", slog.Any("error", err))
				}
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the generation loop and waits for it to exit.
func (g *Generator) Stop() {
	g.stopOnce.Do(func() { close(g.stopCh) })
	g.wg.Wait()
}

// series loads one metric's history inside the window in chronological order.
func (g *Generator) series(ctx context.Context, metric string, window models.TimeWindow) ([]float64, []time.Time, error) {
	now := g.now().UTC()
	observations, err := g.querier.Query(ctx, models.ObservationFilter{
		Names: []string{metric},
		Start: now.Add(-window.Duration()),
		End:   now,
		Limit: models.MaxQueryLimit,
	})
	if err != nil {
		return nil, nil, err
	}
	values := make([]float64, len(observations))
	timestamps := make([]time.Time, len(observations))
	for i, obs := range observations {
		// Queries return newest first; analysis wants oldest first.
		j := len(observations) - 1 - i
		values[j] = obs.Value
		timestamps[j] = obs.Timestamp
	}
	return values, timestamps, nil
}

// chronologicalSeries splits a newest-first observation batch into ascending
// per-metric value and timestamp slices.
func chronologicalSeries(observations []models.MetricObservation) (map[string][]float64, map[string][]time.Time) {
	values := make(map[string][]float64)
	timestamps := make(map[string][]time.Time)
	for i := len(observations) - 1; i >= 0; i-- {
		obs := observations[i]
		values[obs.Name] = append(values[obs.Name], obs.Value)
		timestamps[obs.Name] = append(timestamps[obs.Name], obs.Timestamp)
	}
	return values, timestamps
}

// rankAndDedup assigns deterministic ids, drops duplicates, and orders by
// severity then confidence.
func rankAndDedup(findings []models.Insight) []models.Insight {
	seen := make(map[string]struct{}, len(findings))
	out := make([]models.Insight, 0, len(findings))
	for _, finding := range findings {
		if finding.ID == "" {
			finding.ID = insightID(finding)
		}
		if _, ok := seen[finding.ID]; ok {
			continue
		}
		seen[finding.ID] = struct{}{}
		out = append(out, finding)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := out[i].Severity.Rank(), out[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// insightID derives a stable id from the finding's identity so a rerun over
// the same state supersedes rather than duplicates.
func insightID(insight models.Insight) string {
	parts := []string{string(insight.Type), insight.Category, insight.Title}
	parts = append(parts, insight.SourceMetricNames...)
	if ts, ok := insight.Data["timestamp"].(string); ok {
		parts = append(parts, ts)
	}
	return uuid.NewSHA1(insightNamespace, []byte(strings.Join(parts, "|"))).String()
}

func trendInsight(analysis models.TrendAnalysis, now time.Time) *models.Insight {
	if analysis.Direction == models.TrendStable {
		return nil
	}

	severity := models.SeverityLow
	impact := models.ImpactNeutral
	switch analysis.Direction {
	case models.TrendVolatile:
		severity = models.SeverityMedium
		impact = models.ImpactNegative
	case models.TrendIncreasing:
		if badWhenRising(analysis.Metric) {
			severity = models.SeverityMedium
			impact = models.ImpactNegative
		} else {
			impact = models.ImpactPositive
		}
	case models.TrendDecreasing:
		if badWhenRising(analysis.Metric) {
			impact = models.ImpactPositive
		} else {
			severity = models.SeverityMedium
			impact = models.ImpactNegative
		}
	}

	insight := models.Insight{
		Type:              models.InsightTrend,
		Category:          metricCategory(analysis.Metric),
		Title:             fmt.Sprintf("%s is %s", analysis.Metric, analysis.Direction),
		Description:       trendDescription(analysis),
		Severity:          severity,
		Confidence:        stats.Clamp(0.4+0.02*float64(analysis.SampleCount), 0.4, 0.9),
		Impact:            impact,
		SourceMetricNames: []string{analysis.Metric},
		Data: map[string]interface{}{
			"direction":  string(analysis.Direction),
			"slope":      analysis.Slope,
			"cv":         analysis.CoefficientOfVar,
			"seasonal":   analysis.Seasonal,
			"forecast":   analysis.Forecast.Value,
			"samples":    analysis.SampleCount,
			"timeWindow": string(analysis.Window),
		},
		CreatedAt: now,
	}
	return &insight
}

func trendDescription(analysis models.TrendAnalysis) string {
	switch analysis.Direction {
	case models.TrendVolatile:
		return fmt.Sprintf("%s fluctuates heavily over the last %s (coefficient of variation %.2f).",
			analysis.Metric, analysis.Window, analysis.CoefficientOfVar)
	default:
		return fmt.Sprintf("%s is %s at %.3f per sample over the last %s; next value projected at %.2f.",
			analysis.Metric, analysis.Direction, analysis.Slope, analysis.Window, analysis.Forecast.Value)
	}
}

func anomalyInsight(anomaly models.Anomaly, now time.Time) models.Insight {
	expires := now.Add(anomalyInsightTTL)
	return models.Insight{
		Type:     models.InsightAnomaly,
		Category: metricCategory(anomaly.Metric),
		Title:    fmt.Sprintf("%s %s detected", anomaly.Metric, anomaly.Direction),
		Description: fmt.Sprintf("%s recorded %.2f at %s, %.1f standard deviations from the mean.",
			anomaly.Metric, anomaly.Value, anomaly.Timestamp.UTC().Format(time.RFC3339), anomaly.Deviation),
		Severity:          anomaly.Severity,
		Confidence:        stats.Clamp(math.Abs(anomaly.Deviation)/4, 0.5, 0.99),
		Impact:            models.ImpactNegative,
		SourceMetricNames: []string{anomaly.Metric},
		Data: map[string]interface{}{
			"value":     anomaly.Value,
			"deviation": anomaly.Deviation,
			"direction": string(anomaly.Direction),
			"timestamp": anomaly.Timestamp.UTC().Format(time.RFC3339),
		},
		CreatedAt: now,
		ExpiresAt: &expires,
	}
}

func correlationInsight(corr models.Correlation, now time.Time) models.Insight {
	severity := models.SeverityLow
	if corr.Strength == models.CorrelationStrong {
		severity = models.SeverityMedium
	}
	relation := "positively"
	if !corr.Positive {
		relation = "negatively"
	}
	return models.Insight{
		Type:     models.InsightCorrelation,
		Category: metricCategory(corr.MetricA),
		Title:    fmt.Sprintf("%s and %s are %s correlated", corr.MetricA, corr.MetricB, relation),
		Description: fmt.Sprintf("Pearson r=%.2f over %d aligned samples (%s).",
			corr.Coefficient, corr.SampleCount, corr.Strength),
		Severity:          severity,
		Confidence:        corr.Significance,
		Impact:            models.ImpactNeutral,
		SourceMetricNames: []string{corr.MetricA, corr.MetricB},
		Data: map[string]interface{}{
			"coefficient": corr.Coefficient,
			"samples":     corr.SampleCount,
			"strength":    string(corr.Strength),
		},
		CreatedAt: now,
	}
}

// badWhenRising reports whether growth in the metric is unwelcome, which
// flips the impact classification of a trend.
func badWhenRising(metric string) bool {
	for _, marker := range []string{"error", "bounce", "latency", "response_time", "churn", "drop"} {
		if strings.Contains(metric, marker) {
			return true
		}
	}
	return false
}

func metricCategory(metric string) string {
	switch {
	case strings.HasPrefix(metric, "api.") || strings.HasPrefix(metric, "system."):
		return "performance"
	case strings.HasPrefix(metric, "sessions.") || strings.HasPrefix(metric, "engagement."):
		return "engagement"
	case strings.HasPrefix(metric, "applications.") || strings.HasPrefix(metric, "submission."):
		return "applications"
	default:
		return "usage"
	}
}
