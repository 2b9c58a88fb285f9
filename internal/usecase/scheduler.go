package usecase

import (
	"context"
	"log/slog"
	"time"

	"MailRouter/internal/ports"
)

// Scheduler wires the periodic driver with the ingestion engine.
type Scheduler struct {
	driver ports.Scheduler
	engine *Engine
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring runs.
func NewScheduler(driver ports.Scheduler, engine *Engine, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, engine: engine, logger: logger}
}

// Start registers the engine with the provided scheduler. Run errors are
// logged and surfaced to the next schedule; the engine has no retry loop of
// its own.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.engine == nil {
		return nil
	}

	job := func(trigger time.Time) {
		if _, err := s.engine.Run(ctx, trigger); err != nil && s.logger != nil {
			s.logger.Error("ingestion run failed", "error", err)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
