// Package scheduler runs the periodic sync pass on a runtime-adjustable
// interval.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"calagg/internal/metrics"
	"calagg/internal/syncer"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	MinInterval     = 1
	MaxInterval     = 1440
	DefaultInterval = 10
)

// IntervalStore persists the sync interval in minutes.
type IntervalStore interface {
	SyncInterval(ctx context.Context) (int, error)
	SetSyncInterval(ctx context.Context, minutes int) error
}

// Runner performs one sync pass.
type Runner interface {
	SyncAll(ctx context.Context, userID *int64) (map[string]syncer.Result, error)
}

// Scheduler owns the recurring sync job.
type Scheduler struct {
	runner    Runner
	intervals IntervalStore
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu       sync.Mutex
	cron     *cron.Cron
	entry    cron.EntryID
	interval int
	ctx      context.Context
	cancel   context.CancelFunc

	// running guards against overlapping passes, including a pass still
	// running from an entry that was replaced by Reconfigure.
	running atomic.Bool
}

// New creates a stopped scheduler. m may be nil.
func New(runner Runner, intervals IntervalStore, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		runner:    runner,
		intervals: intervals,
		metrics:   m,
		logger:    logger,
		interval:  DefaultInterval,
	}
}

// ClampInterval bounds minutes to the accepted 1..1440 range.
func ClampInterval(minutes int) int {
	if minutes < MinInterval {
		return MinInterval
	}
	if minutes > MaxInterval {
		return MaxInterval
	}
	return minutes
}

// Start reads the persisted interval and schedules the sync job. Passes run
// until Stop is called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	minutes, err := s.intervals.SyncInterval(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int("default", DefaultInterval).Msg("Could not read sync interval, using default.")
		minutes = DefaultInterval
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	cl := cronLogger{logger: s.logger}
	s.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.interval = ClampInterval(minutes)
	s.entry = s.cron.Schedule(cron.Every(time.Duration(s.interval)*time.Minute), cron.FuncJob(s.run))
	s.cron.Start()

	s.logger.Info().Int("minutes", s.interval).Msg("Scheduler started.")
	return nil
}

// Reconfigure clamps, persists and applies a new interval without a
// restart. It returns the interval in effect.
func (s *Scheduler) Reconfigure(ctx context.Context, minutes int) (int, error) {
	minutes = ClampInterval(minutes)
	if err := s.intervals.SetSyncInterval(ctx, minutes); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.interval = minutes
	if s.cron != nil {
		s.cron.Remove(s.entry)
		s.entry = s.cron.Schedule(cron.Every(time.Duration(minutes)*time.Minute), cron.FuncJob(s.run))
	}
	s.logger.Info().Int("minutes", minutes).Msg("Sync interval changed.")
	return minutes, nil
}

// Stop cancels a running pass and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped.")
}

// Interval returns the interval in minutes.
func (s *Scheduler) Interval() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// NextRun returns when the next pass is due, or the zero time when the
// scheduler is not running.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entry).Next
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	s.RunOnce(ctx)
}

// RunOnce performs a sync pass unless one is already running. It reports
// whether the pass ran.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Info().Msg("Previous sync pass still running, skipping.")
		return false
	}
	defer s.running.Store(false)

	s.metrics.RecordSchedulerRun()
	s.logger.Info().Msg("Scheduled calendar sync started.")

	results, err := s.runner.SyncAll(ctx, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error during scheduled sync.")
		return true
	}

	for _, name := range syncer.Names(results) {
		r := results[name]
		if r.Success {
			s.logger.Info().Str("source", name).Str("message", r.Message).Msg("Source sync succeeded.")
		} else {
			s.logger.Warn().Str("source", name).Str("message", r.Message).Msg("Source sync failed.")
		}
	}
	ok, failed := syncer.Summarize(results)
	s.logger.Info().Int("success", ok).Int("failed", failed).Msg("Scheduled sync completed.")
	return true
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
