package models

import (
	"fmt"
	"time"
)

// AggregationKind enumerates supported rollup statistics.
type AggregationKind string

const (
	AggregationSum        AggregationKind = "sum"
	AggregationAvg        AggregationKind = "avg"
	AggregationMin        AggregationKind = "min"
	AggregationMax        AggregationKind = "max"
	AggregationCount      AggregationKind = "count"
	AggregationPercentile AggregationKind = "percentile"
)

// Valid reports whether the kind is a supported statistic.
func (k AggregationKind) Valid() bool {
	switch k {
	case AggregationSum, AggregationAvg, AggregationMin, AggregationMax, AggregationCount, AggregationPercentile:
		return true
	default:
		return false
	}
}

// TimeWindow is the bucket granularity used for rollups and trend analysis.
type TimeWindow string

const (
	WindowHour  TimeWindow = "hour"
	WindowDay   TimeWindow = "day"
	WindowWeek  TimeWindow = "week"
	WindowMonth TimeWindow = "month"
)

// Valid reports whether the window is one of the enumerated granularities.
func (w TimeWindow) Valid() bool {
	switch w {
	case WindowHour, WindowDay, WindowWeek, WindowMonth:
		return true
	default:
		return false
	}
}

// Duration returns the lookback span covered by one window. Months use a
// fixed 30-day span for lookback computation.
func (w TimeWindow) Duration() time.Duration {
	switch w {
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	case WindowMonth:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Floor truncates t to the start of its window period.
func (w TimeWindow) Floor(t time.Time) time.Time {
	t = t.UTC()
	switch w {
	case WindowHour:
		return t.Truncate(time.Hour)
	case WindowDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case WindowWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		// Weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case WindowMonth:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// Next returns the first window boundary strictly after t.
func (w TimeWindow) Next(t time.Time) time.Time {
	start := w.Floor(t)
	switch w {
	case WindowMonth:
		return start.AddDate(0, 1, 0)
	case WindowWeek:
		return start.AddDate(0, 0, 7)
	case WindowDay:
		return start.AddDate(0, 0, 1)
	default:
		return start.Add(time.Hour)
	}
}

// TimestampDimension is the pseudo-dimension that buckets observations by
// floor-to-hour timestamp when listed in a rule's groupBy clause.
const TimestampDimension = "timestamp"

// AggregationRule declares how raw observations roll up into period summaries.
// Rules are soft-disabled rather than deleted so historical aggregates remain
// attributable.
type AggregationRule struct {
	ID                string          `json:"id" yaml:"id"`
	Name              string          `json:"name" yaml:"name"`
	SourceMetricNames []string        `json:"sourceMetricNames" yaml:"source_metrics"`
	Kind              AggregationKind `json:"aggregationKind" yaml:"kind"`
	GroupByDimensions []string        `json:"groupByDimensions,omitempty" yaml:"group_by"`
	Window            TimeWindow      `json:"timeWindow" yaml:"window"`
	Active            bool            `json:"active" yaml:"active"`
	CreatedAt         time.Time       `json:"createdAt" yaml:"-"`
}

// Validate checks a rule definition before registration.
func (r AggregationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.SourceMetricNames) == 0 {
		return fmt.Errorf("rule requires at least one source metric")
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("unknown aggregation kind %q", r.Kind)
	}
	if !r.Window.Valid() {
		return fmt.Errorf("unknown time window %q", r.Window)
	}
	return nil
}

// AggregateKey uniquely identifies one aggregated bucket. It is an explicit
// struct rather than a concatenated string so dimension values containing
// separator characters cannot collide.
type AggregateKey struct {
	MetricName   string     `json:"metricName"`
	Window       TimeWindow `json:"timeWindow"`
	PeriodStart  time.Time  `json:"periodStart"`
	DimensionKey string     `json:"dimensionKey"`
}

// AggregatedRecord is one derived rollup bucket, upserted idempotently by its
// AggregateKey.
type AggregatedRecord struct {
	MetricName  string            `json:"metricName"`
	Window      TimeWindow        `json:"timeWindow"`
	PeriodStart time.Time         `json:"periodStart"`
	Dimensions  DimensionSet      `json:"dimensions,omitempty"`
	Value       float64           `json:"value"`
	Count       int               `json:"count"`
	Min         float64           `json:"min"`
	Max         float64           `json:"max"`
	Avg         float64           `json:"avg"`
	Sum         float64           `json:"sum"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Key derives the record's idempotency key.
func (r AggregatedRecord) Key() AggregateKey {
	return AggregateKey{
		MetricName:   r.MetricName,
		Window:       r.Window,
		PeriodStart:  r.PeriodStart.UTC(),
		DimensionKey: r.Dimensions.Key(),
	}
}

// AggregateFilter selects aggregated records for read queries.
type AggregateFilter struct {
	MetricName string            `json:"metricName"`
	Window     TimeWindow        `json:"timeWindow"`
	Start      time.Time         `json:"startTime,omitempty"`
	End        time.Time         `json:"endTime,omitempty"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}
