package materialize

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs RunAll for today on a cron schedule.
type Scheduler struct {
	cron *cron.Cron
	m    *Materializer
	log  *zap.Logger
	ctx  context.Context
}

// NewScheduler parses spec (standard five-field cron or a descriptor such
// as "@daily") and registers the materialization job. Jobs run with ctx.
func NewScheduler(ctx context.Context, m *Materializer, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron: cron.New(),
		m:    m,
		log:  m.log.Named("schedule"),
		ctx:  ctx,
	}
	if _, err := s.cron.AddFunc(spec, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid materialization schedule %q: %w", spec, err)
	}
	return s, nil
}

// RunOnce performs one scheduled pass.
func (s *Scheduler) RunOnce() {
	s.log.Info("running scheduled materialization")
	report, err := s.m.RunAll(s.ctx, s.m.Today())
	if err != nil {
		s.log.Error("scheduled materialization failed", zap.Error(err))
		return
	}
	s.log.Info("scheduled materialization completed",
		zap.Int("issuers", len(report.Completed)),
		zap.Int("failed", len(report.Failed)))
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler; the returned context is done when a running
// job has finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
