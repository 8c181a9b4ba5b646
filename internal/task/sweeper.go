package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/phrazzld/storyboard-api/internal/redact"
	"github.com/robfig/cron/v3"
)

// SweepStats reports one sweep.
type SweepStats struct {
	Requeued int64
	Failed   int64
	Finished int
}

// Sweeper periodically reaps expired leases and polls asynchronous jobs.
// Runs never overlap; a run still in progress when the next is due causes
// that run to be skipped.
type Sweeper struct {
	lease       *LeaseManager
	correlator  *Correlator
	concurrency int
	logger      *slog.Logger

	cron *cron.Cron

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSweeper creates a sweeper running on schedule, a cron spec such as
// "@every 20s".
func NewSweeper(
	lease *LeaseManager,
	correlator *Correlator,
	schedule string,
	concurrency int,
	logger *slog.Logger,
) (*Sweeper, error) {
	s := &Sweeper{
		lease:       lease,
		correlator:  correlator,
		concurrency: concurrency,
		logger:      logger.With("component", "sweeper"),
		cron:        cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
	if _, err := s.cron.AddFunc(schedule, s.tick); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// RunOnce reaps expired leases and then polls every task waiting on an
// external job.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	reclaimed, reclaimErr := s.lease.ReclaimExpired(ctx)
	stats.Requeued, stats.Failed = reclaimed.Requeued, reclaimed.Failed

	finished, pollErr := s.correlator.Sweep(ctx, s.concurrency)
	stats.Finished = finished

	return stats, errors.Join(reclaimErr, pollErr)
}

func (s *Sweeper) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	stats, err := s.RunOnce(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "error", redact.Error(err))
		return
	}
	if stats.Finished > 0 {
		s.logger.Info("sweep finished external jobs", "finished", stats.Finished)
	}
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("sweeper started")
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Run starts the sweeper and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}
