package club

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/points-ledger/loyalty"
)

const DefaultBatchSize = 200

// Metrics receives sweep outcomes. observability.Metrics implements it.
type Metrics interface {
	SweepChanged(program, status string, n int)
	SweepFinished(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) SweepChanged(string, string, int) {}
func (nopMetrics) SweepFinished(time.Duration)      {}

// SweepResult summarizes one sweep over a scope.
type SweepResult struct {
	Scope   loyalty.TeamID
	Today   loyalty.Date
	Scanned int

	// Changed counts rows written; Skipped counts rows that changed status
	// between our read and our write and were left alone.
	Changed int
	Skipped int

	ByStatus map[Status]int
}

// Sweeper evaluates every open subscription of a scope and persists the
// downgrades.
type Sweeper struct {
	store     loyalty.SubscriptionStore
	calendar  loyalty.Calendar
	batchSize int
	metrics   Metrics
	logger    *zap.Logger
}

type SweeperConfig struct {
	Calendar  loyalty.Calendar
	BatchSize int
	Metrics   Metrics
	Logger    *zap.Logger
}

func NewSweeper(store loyalty.SubscriptionStore, cfg SweeperConfig) *Sweeper {
	if cfg.Calendar.Location == nil {
		cfg.Calendar = loyalty.DefaultCalendar()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		calendar:  cfg.Calendar,
		batchSize: cfg.BatchSize,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// Scopes returns every scope that owns subscriptions.
func (s *Sweeper) Scopes(ctx context.Context) ([]loyalty.TeamID, error) {
	return s.store.ListScopes(ctx)
}

// Sweep evaluates the scope's non-canceled subscriptions as of now and
// writes the rows whose status must be downgraded. Each write is
// conditional on the status read, so overlapping sweeps never undo each
// other. Running it twice with the same now writes nothing the second time.
func (s *Sweeper) Sweep(ctx context.Context, scope loyalty.TeamID, now time.Time) (SweepResult, error) {
	start := time.Now()
	defer func() { s.metrics.SweepFinished(time.Since(start)) }()

	today := s.calendar.DateOf(now)
	res := SweepResult{Scope: scope, Today: today, ByStatus: map[Status]int{}}

	recs, err := s.store.ListOpenSubscriptions(ctx, scope, string(StatusCanceled))
	if err != nil {
		return res, fmt.Errorf("list subscriptions for scope %q: %w", scope, err)
	}
	res.Scanned = len(recs)

	type pending struct {
		loyalty.StatusChange
		program loyalty.Program
	}
	var changes []loyalty.StatusChange
	byID := map[string]pending{}
	for _, rec := range recs {
		sub := fromRecord(rec)
		if sub.Status.Terminal() {
			continue
		}
		ev := Evaluate(sub, today)
		next := Advance(sub.Status, ev.Candidate)
		if next == sub.Status {
			continue
		}
		c := loyalty.StatusChange{
			ID:         sub.ID,
			FromStatus: string(sub.Status),
			ToStatus:   string(next),
			NextDueAt:  ev.NextDue,
			At:         now.UTC(),
		}
		changes = append(changes, c)
		byID[c.ID] = pending{StatusChange: c, program: sub.Program}
	}

	for i := 0; i < len(changes); i += s.batchSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		batch := changes[i:min(i+s.batchSize, len(changes))]
		written, err := s.store.UpdateSubscriptionStatuses(ctx, batch)
		if err != nil {
			return res, fmt.Errorf("persist sweep batch %d for scope %q: %w", i/s.batchSize, scope, err)
		}
		res.Changed += len(written)
		res.Skipped += len(batch) - len(written)
		for _, id := range written {
			c := byID[id]
			res.ByStatus[Status(c.ToStatus)]++
			s.metrics.SweepChanged(c.program.String(), c.ToStatus, 1)
		}
	}

	s.logger.Info("club sweep finished",
		zap.String("scope", string(scope)),
		zap.String("today", today.String()),
		zap.Int("scanned", res.Scanned),
		zap.Int("changed", res.Changed),
		zap.Int("skipped", res.Skipped),
		zap.Duration("duration", time.Since(start)))
	return res, nil
}

// SweepAll sweeps every scope, at most concurrency scopes at a time. Scopes
// are independent; a failing scope does not stop the others, and the first
// error is returned with every result that completed.
func (s *Sweeper) SweepAll(ctx context.Context, now time.Time, concurrency int) ([]SweepResult, error) {
	scopes, err := s.Scopes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	if concurrency < 1 {
		concurrency = 1
	}

	results := make([]SweepResult, len(scopes))
	errs := make([]error, len(scopes))
	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, scope := range scopes {
		g.Go(func() error {
			results[i], errs[i] = s.Sweep(ctx, scope, now)
			if errs[i] != nil {
				s.logger.Error("club sweep failed", zap.String("scope", string(scope)), zap.Error(errs[i]))
			}
			return nil
		})
	}
	_ = g.Wait()

	done := results[:0]
	var first error
	for i := range scopes {
		if errs[i] != nil {
			if first == nil {
				first = errs[i]
			}
			continue
		}
		done = append(done, results[i])
	}
	return done, first
}
