package aggregate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/applyflow/applyflow-analytics/internal/models"
)

// scheduledWindows lists the cadences the background scheduler drives.
var scheduledWindows = []models.TimeWindow{
	models.WindowHour,
	models.WindowDay,
	models.WindowWeek,
	models.WindowMonth,
}

// Scheduler fires RunAggregation for each window at its natural boundary:
// top of hour, midnight, week start, month start.
type Scheduler struct {
	logger *slog.Logger
	engine *Engine
	now    func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler constructs a scheduler around an engine.
func NewScheduler(logger *slog.Logger, engine *Engine, now func() time.Time) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{logger: logger, engine: engine, now: now, stopCh: make(chan struct{})}
}

// Start launches one timer loop per window.
func (s *Scheduler) Start() {
	for _, window := range scheduledWindows {
		s.wg.Add(1)
		go s.run(window)
	}
}

// Stop terminates the timer loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run(window models.TimeWindow) {
	defer s.wg.Done()
	for {
		next := window.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-timer.C:
			s.logger.Debug("scheduled aggregation firing", slog.String("window", string(window)))
			if err := s.engine.RunAggregation(context.Background(), "", window); err != nil {
				s.logger.Error("scheduled aggregation failed",
					slog.String("window", string(window)), slog.Any("error", err))
			}
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}
