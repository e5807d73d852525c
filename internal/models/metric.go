package models

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// MetricKind enumerates the observation categories accepted by the collector.
type MetricKind string

const (
	MetricKindCounter   MetricKind = "counter"
	MetricKindGauge     MetricKind = "gauge"
	MetricKindHistogram MetricKind = "histogram"
	MetricKindSummary   MetricKind = "summary"
)

// Valid reports whether the kind is one of the enumerated values.
func (k MetricKind) Valid() bool {
	switch k {
	case MetricKindCounter, MetricKindGauge, MetricKindHistogram, MetricKindSummary:
		return true
	default:
		return false
	}
}

// DimensionSet holds the grouping labels attached to an observation.
type DimensionSet map[string]string

// Key returns a canonical encoding of the dimension set usable as an
// idempotency-key component. Names are sorted and both names and values are
// escaped, so value sets containing the separator characters cannot collide.
func (d DimensionSet) Key() string {
	if len(d) == 0 {
		return ""
	}
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(escapeDimension(name))
		b.WriteByte('=')
		b.WriteString(escapeDimension(d[name]))
	}
	return b.String()
}

func escapeDimension(s string) string {
	if !strings.ContainsAny(s, `\=;`) {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\', '=', ';':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Clone returns an independent copy of the dimension set.
func (d DimensionSet) Clone() DimensionSet {
	if d == nil {
		return nil
	}
	out := make(DimensionSet, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// MetricObservation is one immutable timestamped numeric fact.
type MetricObservation struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       MetricKind   `json:"kind"`
	Value      float64      `json:"value"`
	Dimensions DimensionSet `json:"dimensions,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
	Source     string       `json:"source"`
	StudentID  string       `json:"studentId,omitempty"`
	SessionID  string       `json:"sessionId,omitempty"`
}

// Validate checks the observation shape before it is accepted into the buffer.
func (o MetricObservation) Validate() error {
	if o.Name == "" {
		return fmt.Errorf("metric name is required")
	}
	if !o.Kind.Valid() {
		return fmt.Errorf("unknown metric kind %q", o.Kind)
	}
	if math.IsNaN(o.Value) || math.IsInf(o.Value, 0) {
		return fmt.Errorf("metric value must be finite")
	}
	return nil
}

// ObservationFilter selects observations for Query calls.
type ObservationFilter struct {
	Names      []string          `json:"names,omitempty"`
	Start      time.Time         `json:"startTime,omitempty"`
	End        time.Time         `json:"endTime,omitempty"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	StudentID  string            `json:"studentId,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// MaxQueryLimit caps how many observations a single query may return.
const MaxQueryLimit = 1000

// EffectiveLimit resolves the caller-supplied limit against the default cap.
func (f ObservationFilter) EffectiveLimit() int {
	if f.Limit <= 0 || f.Limit > MaxQueryLimit {
		return MaxQueryLimit
	}
	return f.Limit
}

// GroupedSummary is a client-side grouped aggregation returned by Query when
// a groupBy clause is supplied.
type GroupedSummary struct {
	GroupKey   string       `json:"groupKey"`
	Dimensions DimensionSet `json:"dimensions,omitempty"`
	Count      int          `json:"count"`
	Sum        float64      `json:"sum"`
	Min        float64      `json:"min"`
	Max        float64      `json:"max"`
	Avg        float64      `json:"avg"`
	Value      float64      `json:"value"`
}
