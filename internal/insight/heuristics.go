package insight

import (
	"fmt"

	"github.com/applyflow/applyflow-analytics/internal/models"
	"github.com/applyflow/applyflow-analytics/internal/stats"
)

const (
	slowResponseMillis     = 1000
	verySlowResponseMillis = 2000
	highBounceRate         = 0.6
)

// heuristicRule turns a metric's recent sample into an optional
// recommendation finding.
type heuristicRule struct {
	name   string
	metric string
	apply  func(s stats.Summary) *models.Insight
}

// performanceHeuristics watch the platform's operational health.
var performanceHeuristics = []heuristicRule{
	{
		name:   "slow-response-time",
		metric: "api.response_time",
		apply: func(s stats.Summary) *models.Insight {
			if s.Avg <= slowResponseMillis {
				return nil
			}
			severity := models.SeverityMedium
			if s.Avg > verySlowResponseMillis {
				severity = models.SeverityHigh
			}
			return &models.Insight{
				Type:        models.InsightRecommendation,
				Category:    "performance",
				Title:       "API response time is degraded",
				Description: fmt.Sprintf("Average response time over the window is %.0fms, above the %dms target.", s.Avg, slowResponseMillis),
				Severity:    severity,
				Confidence:  0.8,
				Impact:      models.ImpactNegative,
				Recommendations: []string{
					"Profile the slowest endpoints and add caching for repeated reads",
					"Review recent deployments for query regressions",
				},
			}
		},
	},
}

// engagementHeuristics watch how students behave on the platform.
var engagementHeuristics = []heuristicRule{
	{
		name:   "high-bounce-rate",
		metric: "sessions.bounce_rate",
		apply: func(s stats.Summary) *models.Insight {
			if s.Avg <= highBounceRate {
				return nil
			}
			return &models.Insight{
				Type:        models.InsightRecommendation,
				Category:    "engagement",
				Title:       "Session bounce rate is elevated",
				Description: fmt.Sprintf("Average bounce rate over the window is %.0f%%, above the %.0f%% threshold.", s.Avg*100, highBounceRate*100),
				Severity:    models.SeverityMedium,
				Confidence:  0.75,
				Impact:      models.ImpactNegative,
				Recommendations: []string{
					"Review landing pages students abandon most often",
					"Shorten the first-session onboarding flow",
				},
			}
		},
	},
}

// heuristicFindings evaluates a rule set against the per-metric samples.
func heuristicFindings(rules []heuristicRule, byMetric map[string][]float64) []models.Insight {
	var findings []models.Insight
	for _, rule := range rules {
		values, ok := byMetric[rule.metric]
		if !ok || len(values) == 0 {
			continue
		}
		if finding := rule.apply(stats.Summarize(values)); finding != nil {
			finding.SourceMetricNames = []string{rule.metric}
			findings = append(findings, *finding)
		}
	}
	return findings
}
