// Package ingest accepts metric observations from collaborating services,
// buffers them in memory, and flushes them to the persistent store on a size
// or time trigger.
package ingest

import (
	"context"
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

const (
	defaultCapacity      = 100
	defaultFlushInterval = 30 * time.Second
)

// Config tunes buffering behaviour. Zero values fall back to defaults.
type Config struct {
	Capacity      int
	FlushInterval time.Duration
	// Now is the clock source; injectable so tests trigger flushes
	// deterministically.
	Now func() time.Time
}

// Collector owns the ingestion buffer. All buffer mutations happen under one
// mutex and the lock is never held across a store write.
type Collector struct {
	logger        *slog.Logger
	store         store.Store
	capacity      int
	flushInterval time.Duration
	now           func() time.Time

	mu     sync.Mutex
	buffer []models.MetricObservation

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector constructs a Collector writing to st.
func NewCollector(logger *slog.Logger, st store.Store, cfg Config) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{
		logger:        logger,
		store:         st,
		capacity:      cfg.Capacity,
		flushInterval: cfg.FlushInterval,
		now:           cfg.Now,
		buffer:        make([]models.MetricObservation, 0, cfg.Capacity),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Submit validates and enqueues one observation. The observation becomes
// queryable only after its batch is flushed.
func (c *Collector) Submit(ctx context.Context, obs models.MetricObservation) error {
	if err := obs.Validate(); err != nil {
		return utils.ValidationError("%v", err)
	}
	c.enqueue(ctx, c.stamp(obs))
	return nil
}

// SubmitBatch validates and enqueues many observations; the whole batch is
// rejected when any member is malformed.
func (c *Collector) SubmitBatch(ctx context.Context, batch []models.MetricObservation) error {
	for _, obs := range batch {
		if err := obs.Validate(); err != nil {
			return utils.ValidationError("%v", err)
		}
	}
	stamped := make([]models.MetricObservation, len(batch))
	for i, obs := range batch {
		stamped[i] = c.stamp(obs)
	}
	c.enqueue(ctx, stamped...)
	return nil
}

func (c *Collector) stamp(obs models.MetricObservation) models.MetricObservation {
	if obs.ID == "" {
		obs.ID = uuid.NewString()
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = c.now()
	}
	metrics.ObserveIngested(string(obs.Kind))
	return obs
}

func (c *Collector) enqueue(ctx context.Context, observations ...models.MetricObservation) {
	c.mu.Lock()
	c.buffer = append(c.buffer, observations...)
	var batch []models.MetricObservation
	if len(c.buffer) >= c.capacity {
		batch = c.takeLocked()
	}
	c.mu.Unlock()

	if len(batch) > 0 {
		c.write(ctx, batch)
	}
}

// takeLocked swaps out the buffer; callers must hold c.mu.
func (c *Collector) takeLocked() []models.MetricObservation {
	batch := c.buffer
	c.buffer = make([]models.MetricObservation, 0, c.capacity)
	return batch
}

// Flush forces a buffer write. The buffer is cleared whether or not the
// write succeeds: availability is favoured over durability of one batch.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.takeLocked()
	c.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return c.write(ctx, batch)
}

func (c *Collector) write(ctx context.Context, batch []models.MetricObservation) error {
	if err := c.store.InsertObservations(ctx, batch); err != nil {
		metrics.ObserveFlush(len(batch), metrics.OutcomeError)
		c.logger.Warn("buffer flush failed, batch dropped",
			slog.Int("batch_size", len(batch)), slog.Any("error", err))
		return err
	}
	metrics.ObserveFlush(len(batch), metrics.OutcomeSuccess)
	c.logger.Debug("buffer flushed", slog.Int("batch_size", len(batch)))
	return nil
}

// Pending returns the number of buffered, not-yet-flushed observations.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Start launches the periodic flush timer. Stop terminates it and performs a
// final flush.
func (c *Collector) Start() {
	go func() {
		defer close(c.doneCh)
		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// Best-effort: failures are logged inside write.
				_ = c.Flush(context.Background())
			case <-c.stopCh:
				return
			}
		}
	}()
}

// Stop halts the flush timer and drains the remaining buffer.
func (c *Collector) Stop(ctx context.Context) {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		<-c.doneCh
		_ = c.Flush(ctx)
	})
}

// Query returns flushed observations matching the filter, newest first,
// capped at the filter's effective limit.
func (c *Collector) Query(ctx context.Context, filter models.ObservationFilter) ([]models.MetricObservation, error) {
	filter.Limit = filter.EffectiveLimit()
	return c.store.QueryObservations(ctx, filter)
}

// QueryGrouped returns client-side grouped summaries of matching
// observations. Groups are keyed by the requested dimension names; the
// summary's Value is chosen by the aggregation kind.
func (c *Collector) QueryGrouped(ctx context.Context, filter models.ObservationFilter, kind models.AggregationKind, groupBy []string) ([]models.GroupedSummary, error) {
	observations, err := c.Query(ctx, filter)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]float64)
	groupDims := make(map[string]models.DimensionSet)
	for _, obs := range observations {
		dims := make(models.DimensionSet, len(groupBy))
		for _, name := range groupBy {
			dims[name] = obs.Dimensions[name]
		}
		key := dims.Key()
		groups[key] = append(groups[key], obs.Value)
		if _, ok := groupDims[key]; !ok {
			groupDims[key] = dims
		}
	}

	out := make([]models.GroupedSummary, 0, len(groups))
	for key, values := range groups {
		s := stats.Summarize(values)
		summary := models.GroupedSummary{
			GroupKey:   key,
			Dimensions: groupDims[key],
			Count:      s.Count,
			Sum:        s.Sum,
			Min:        s.Min,
			Max:        s.Max,
			Avg:        s.Avg,
		}
		summary.Value = representativeValue(kind, s, values)
		out = append(out, summary)
	}
	return out, nil
}

func representativeValue(kind models.AggregationKind, s stats.Summary, values []float64) float64 {
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
