/*
scheduler.go - Automated club sweep scheduler

PURPOSE:
  Runs the club subscription sweep on a cron schedule so that memberships
  whose fee went unpaid are downgraded without anyone calling the API.

DESIGN:
  - Schedule is a standard 5-field cron expression, evaluated in the
    reference time zone (default "15 3 * * *", 03:15 local)
  - A run that is still going when the next one fires is skipped
  - Each run sweeps every scope, a bounded number at a time
  - The sweep is idempotent, so a run after a missed one catches up

USAGE:
  scheduler, err := NewClubSweepScheduler(sweeper, SchedulerConfig{...})
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunSweep endpoint (manual sweep)
  - club/sweep.go: Sweeper
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/club"
	"github.com/warp/points-ledger/loyalty"
)

// DefaultSweepSchedule runs the sweep once a day after midnight.
const DefaultSweepSchedule = "15 3 * * *"

// SchedulerConfig configures a ClubSweepScheduler.
type SchedulerConfig struct {
	Schedule    string
	Concurrency int
	Calendar    loyalty.Calendar
	Logger      *zap.Logger
	Now         func() time.Time
}

// ClubSweepScheduler runs the club sweep on a cron schedule.
type ClubSweepScheduler struct {
	sweeper     *club.Sweeper
	concurrency int
	logger      *zap.Logger
	now         func() time.Time

	cron    *cron.Cron
	entryID cron.EntryID

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewClubSweepScheduler parses the schedule and prepares the cron runner.
// Nothing runs until Start.
func NewClubSweepScheduler(sweeper *club.Sweeper, cfg SchedulerConfig) (*ClubSweepScheduler, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Calendar.Location == nil {
		cfg.Calendar = loyalty.DefaultCalendar()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	logger := cronLogger{cfg.Logger.Sugar()}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(cfg.Calendar.Location),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	s := &ClubSweepScheduler{
		sweeper:     sweeper,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         cfg.Now,
		cron:        c,
	}
	id, err := c.AddFunc(cfg.Schedule, s.runScheduled)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	s.entryID = id
	return s, nil
}

// Start begins the scheduler.
func (s *ClubSweepScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("club sweep scheduler started", zap.Time("next_run", s.NextRun()))
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *ClubSweepScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("club sweep scheduler stopped")
}

// RunNow sweeps every scope immediately (for testing/admin).
func (s *ClubSweepScheduler) RunNow(ctx context.Context) ([]club.SweepResult, error) {
	now := s.now()
	results, err := s.sweeper.SweepAll(ctx, now, s.concurrency)

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()

	changed := 0
	for _, r := range results {
		changed += r.Changed
	}
	s.logger.Info("club sweep completed",
		zap.Int("scopes", len(results)),
		zap.Int("changed", changed),
		zap.Error(err))
	return results, err
}

// NextRun returns when the next scheduled sweep will occur. It is zero
// before Start.
func (s *ClubSweepScheduler) NextRun() time.Time {
	return s.cron.Entry(s.entryID).Next
}

// LastRun returns when the last sweep started.
func (s *ClubSweepScheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *ClubSweepScheduler) runScheduled() {
	// Errors are logged per scope by the sweeper.
	_, _ = s.RunNow(context.Background())
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
