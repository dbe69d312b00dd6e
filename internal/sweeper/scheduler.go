// Package sweeper runs the reconciliation sweep on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/payledger/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper is the engine side of a reconciliation pass.
type Sweeper interface {
	Sweep(ctx context.Context) (service.SweepResult, error)
}

// Scheduler triggers Sweep on a schedule. Overlapping runs are skipped and a
// panicking run is logged instead of killing the process or later runs.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  Sweeper
	schedule string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewScheduler(sweeper Sweeper, schedule string, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	logger = logger.Named("sweeper")
	cronLogger := cronLog{logger.Sugar()}
	// Recover must sit inside SkipIfStillRunning so a panicking sweep still
	// hands back the running token.
	c := cron.New(cron.WithLogger(cronLogger), cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))
	return &Scheduler{cron: c, sweeper: sweeper, schedule: schedule, timeout: timeout, logger: logger}
}

// Start registers the sweep job and starts the scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.RunOnce); err != nil {
		return fmt.Errorf("schedule sweep %q: %w", s.schedule, err)
	}
	s.logger.Info("scheduled reconciliation sweep", zap.String("schedule", s.schedule))
	s.cron.Start()
	return nil
}

// Stop stops scheduling; the returned context is done once a running sweep finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs one sweep bounded by the scheduler's timeout.
func (s *Scheduler) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return
	}
	s.logger.Debug("sweep complete",
		zap.Int("expired", res.Expired),
		zap.Int("stuck", res.Stuck),
		zap.Duration("took", time.Since(start)),
	)
}

// cronLog adapts zap to cron's logger interface.
type cronLog struct {
	s *zap.SugaredLogger
}

func (l cronLog) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLog) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
