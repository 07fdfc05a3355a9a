// Package scheduler runs the master's periodic background jobs on a gocron
// scheduler. Today that is a single job: sweeping queued operations that no
// agent ever picked up and failing them with a dispatch-timeout reason, so
// the UI is not left watching a command that can no longer run.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/lattice-sh/lattice/internal/master/store"
)

// Scheduler wraps gocron. The zero value is not usable — create instances
// with New.
type Scheduler struct {
	cron       gocron.Scheduler
	store      *store.Store
	staleAfter time.Duration
	logger     *zap.Logger
}

// New creates a Scheduler. staleAfter of zero selects the store's default
// cutoff behaviour (the sweep floor is one minute regardless).
func New(st *store.Store, staleAfter time.Duration, logger *zap.Logger) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Scheduler{
		cron:       cron,
		store:      st,
		staleAfter: staleAfter,
		logger:     logger.Named("scheduler"),
	}, nil
}

// Start registers the jobs and starts the scheduler. Jobs run in singleton
// mode: a sweep still running when the next tick fires suppresses the new
// run instead of overlapping.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(time.Minute),
		gocron.NewTask(func() { s.sweepStale(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: stale sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Duration("stale_after", s.staleAfter))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs to finish.
func (s *Scheduler) Stop() {
	if err := s.cron.Shutdown(); err != nil {
		s.logger.Warn("scheduler shutdown", zap.Error(err))
	}
}

func (s *Scheduler) sweepStale(ctx context.Context) {
	n, err := s.store.FailStaleOperations(ctx, s.staleAfter)
	if err != nil {
		s.logger.Error("stale operation sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Warn("failed stale operations", zap.Int64("count", n))
	}
}
