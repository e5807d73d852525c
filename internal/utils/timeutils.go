package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// FloorToHour truncates t to the top of its hour in UTC. Used for the
// timestamp pseudo-dimension bucketing.
func FloorToHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

// DayBucket truncates t to midnight UTC. Training series are bucketed per
// day before model fitting.
func DayBucket(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
