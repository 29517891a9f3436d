package emission

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/points-ledger/loyalty"
)

const DefaultCacheSize = 1024

// AccountReader resolves accounts so events are never recorded against an
// unknown account.
type AccountReader interface {
	GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error)
}

// Metrics receives usage query outcomes. observability.Metrics implements it.
type Metrics interface {
	ObserveUsageQuery(program, cache string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveUsageQuery(string, string) {}

type usageKey struct {
	account loyalty.AccountID
	program loyalty.Program
	start   loyalty.Date
	end     loyalty.Date
}

type seriesKey struct {
	account loyalty.AccountID
	program loyalty.Program
}

type cachedUsage struct {
	used int64
	gen  uint64
}

// Engine answers quota questions and records emission events.
type Engine struct {
	store    loyalty.EmissionStore
	accounts AccountReader
	policies Policies
	calendar loyalty.Calendar
	metrics  Metrics
	logger   *zap.Logger
	now      func() time.Time

	cache *lru.Cache[usageKey, cachedUsage]

	// gen is bumped on every write to a series; cached sums computed under
	// an older generation are ignored.
	genMu sync.Mutex
	gen   map[seriesKey]uint64

	// writeLocks serializes enforced check-and-append per series.
	writeMu    sync.Mutex
	writeLocks map[seriesKey]*sync.Mutex
}

// Config holds the Engine settings.
type Config struct {
	Policies  Policies
	Calendar  loyalty.Calendar
	CacheSize int
	Metrics   Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

func NewEngine(store loyalty.EmissionStore, accounts AccountReader, cfg Config) (*Engine, error) {
	if cfg.Policies == nil {
		cfg.Policies = DefaultPolicies(Limits{})
	}
	if cfg.Calendar.Location == nil {
		cfg.Calendar = loyalty.DefaultCalendar()
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	cache, err := lru.New[usageKey, cachedUsage](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create usage cache: %w", err)
	}
	return &Engine{
		store:    store,
		accounts: accounts,
		policies: cfg.Policies,
		calendar: cfg.Calendar,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      cfg.Now,
		cache:    cache,
		gen:      make(map[seriesKey]uint64),

		writeLocks: make(map[seriesKey]*sync.Mutex),
	}, nil
}

// Calendar returns the reference calendar used to turn instants into dates.
func (e *Engine) Calendar() loyalty.Calendar { return e.calendar }

// Today returns the current date in the reference zone.
func (e *Engine) Today() loyalty.Date { return e.calendar.DateOf(e.now()) }

// =============================================================================
// QUERIES
// =============================================================================

// GetUsage reports the passengers used and remaining for program in the
// window that applies to candidate. It never writes.
func (e *Engine) GetUsage(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, candidate loyalty.Date) (Usage, error) {
	if err := validProgram(program); err != nil {
		return Usage{}, err
	}
	if err := e.requireAccount(ctx, accountID); err != nil {
		return Usage{}, err
	}
	return e.usage(ctx, accountID, program, candidate)
}

// GetAllUsage reports usage for every program on the same candidate date.
func (e *Engine) GetAllUsage(ctx context.Context, accountID loyalty.AccountID, candidate loyalty.Date) ([]Usage, error) {
	if err := e.requireAccount(ctx, accountID); err != nil {
		return nil, err
	}
	if candidate.IsZero() {
		candidate = e.Today()
	}
	out := make([]Usage, len(loyalty.Programs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range loyalty.Programs {
		g.Go(func() error {
			u, err := e.usage(gctx, accountID, p, candidate)
			if err != nil {
				return err
			}
			out[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) usage(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, candidate loyalty.Date) (Usage, error) {
	if candidate.IsZero() {
		candidate = e.Today()
	}
	pol := e.policies.For(program)
	w := pol.Window.WindowFor(candidate)
	key := usageKey{account: accountID, program: program, start: w.Start, end: w.End}
	series := seriesKey{account: accountID, program: program}

	gen := e.generation(series)
	if hit, ok := e.cache.Get(key); ok && hit.gen == gen {
		e.metrics.ObserveUsageQuery(program.String(), "hit")
		return NewUsage(accountID, pol, candidate, hit.used), nil
	}

	used, err := e.store.SumPassengers(ctx, accountID, program, w)
	if err != nil {
		return Usage{}, fmt.Errorf("sum passengers for %s/%s: %w", accountID, program, err)
	}
	if e.generation(series) == gen {
		e.cache.Add(key, cachedUsage{used: used, gen: gen})
	}
	e.metrics.ObserveUsageQuery(program.String(), "miss")
	return NewUsage(accountID, pol, candidate, used), nil
}

// Check fails with *loyalty.QuotaExceededError when issuing passengers more
// on candidate would go over the limit. Unbounded programs always pass.
// Check alone does not reserve anything; Record with Enforce set checks and
// appends as one step.
func (e *Engine) Check(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, candidate loyalty.Date, passengers int64) (Usage, error) {
	if err := validProgram(program); err != nil {
		return Usage{}, err
	}
	if err := e.requireAccount(ctx, accountID); err != nil {
		return Usage{}, err
	}
	return e.check(ctx, accountID, program, candidate, passengers)
}

func (e *Engine) check(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, candidate loyalty.Date, passengers int64) (Usage, error) {
	u, err := e.usage(ctx, accountID, program, candidate)
	if err != nil {
		return Usage{}, err
	}
	if !u.Fits(passengers) {
		return u, &loyalty.QuotaExceededError{
			AccountID: accountID,
			Program:   program,
			Window:    u.Window,
			Limit:     u.Limit,
			Used:      u.Used,
			Requested: passengers,
		}
	}
	return u, nil
}

// List returns the events counted by the window that applies to candidate.
func (e *Engine) List(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, candidate loyalty.Date) ([]loyalty.EmissionEvent, loyalty.Window, error) {
	if err := validProgram(program); err != nil {
		return nil, loyalty.Window{}, err
	}
	if err := e.requireAccount(ctx, accountID); err != nil {
		return nil, loyalty.Window{}, err
	}
	if candidate.IsZero() {
		candidate = e.Today()
	}
	w := e.policies.For(program).Window.WindowFor(candidate)
	events, err := e.store.ListEmissions(ctx, accountID, program, w)
	if err != nil {
		return nil, w, err
	}
	return events, w, nil
}

// =============================================================================
// WRITES
// =============================================================================

// RecordRequest is one emission to append.
type RecordRequest struct {
	AccountID  loyalty.AccountID
	Program    loyalty.Program
	IssuedAt   loyalty.Date
	Passengers int64
	Source     string
	Note       string

	// Enforce rejects the event with *loyalty.QuotaExceededError when it
	// would go over the limit.
	Enforce bool
}

// Record appends an emission event. The quota is only enforced when the
// request asks for it; historical imports record past the limit.
func (e *Engine) Record(ctx context.Context, req RecordRequest) (loyalty.EmissionEvent, error) {
	verr := &loyalty.ValidationError{}
	if !req.Program.Valid() {
		verr.Add("program", "must be one of LATAM, SMILES, LIVELO, ESFERA")
	}
	if req.Passengers < 1 {
		verr.Add("passengers", "must be at least 1")
	}
	if err := verr.OrNil(); err != nil {
		return loyalty.EmissionEvent{}, err
	}
	if err := e.requireAccount(ctx, req.AccountID); err != nil {
		return loyalty.EmissionEvent{}, err
	}
	if req.IssuedAt.IsZero() {
		req.IssuedAt = e.Today()
	}

	unlock := e.lockSeries(req.AccountID, req.Program)
	defer unlock()
	if req.Enforce {
		if _, err := e.check(ctx, req.AccountID, req.Program, req.IssuedAt, req.Passengers); err != nil {
			return loyalty.EmissionEvent{}, err
		}
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "manual"
	}

	ev := loyalty.EmissionEvent{
		ID:              loyalty.EmissionID(uuid.NewString()),
		AccountID:       req.AccountID,
		Program:         req.Program,
		IssuedAt:        req.IssuedAt,
		PassengersCount: req.Passengers,
		Source:          source,
		Note:            strings.TrimSpace(req.Note),
		CreatedAt:       e.now(),
	}
	if err := e.store.AppendEmission(ctx, ev); err != nil {
		return loyalty.EmissionEvent{}, err
	}
	e.invalidate(ev.AccountID, ev.Program)

	e.logger.Info("emission recorded",
		zap.String("account_id", string(ev.AccountID)),
		zap.String("program", ev.Program.String()),
		zap.String("issued_at", ev.IssuedAt.String()),
		zap.Int64("passengers", ev.PassengersCount))
	return ev, nil
}

// Delete removes an event as the reversal of a canceled sale.
func (e *Engine) Delete(ctx context.Context, id loyalty.EmissionID) error {
	ev, err := e.store.GetEmission(ctx, id)
	if err != nil {
		return err
	}
	if err := e.store.DeleteEmission(ctx, id); err != nil {
		return err
	}
	e.invalidate(ev.AccountID, ev.Program)
	e.logger.Info("emission deleted",
		zap.String("emission_id", string(id)),
		zap.String("account_id", string(ev.AccountID)),
		zap.String("program", ev.Program.String()))
	return nil
}

// Correct fixes the passenger count and note of an event. Nothing else on
// an event is ever updated.
func (e *Engine) Correct(ctx context.Context, id loyalty.EmissionID, passengers int64, note string) (loyalty.EmissionEvent, error) {
	if passengers < 1 {
		verr := &loyalty.ValidationError{}
		verr.Add("passengers", "must be at least 1")
		return loyalty.EmissionEvent{}, verr
	}
	note = strings.TrimSpace(note)
	if err := e.store.CorrectEmission(ctx, id, passengers, note); err != nil {
		return loyalty.EmissionEvent{}, err
	}
	ev, err := e.store.GetEmission(ctx, id)
	if err != nil {
		return loyalty.EmissionEvent{}, err
	}
	e.invalidate(ev.AccountID, ev.Program)
	return ev, nil
}

func validProgram(p loyalty.Program) error {
	if p.Valid() {
		return nil
	}
	verr := &loyalty.ValidationError{}
	verr.Add("program", "must be one of LATAM, SMILES, LIVELO, ESFERA")
	return verr
}

func (e *Engine) requireAccount(ctx context.Context, id loyalty.AccountID) error {
	if e.accounts == nil {
		return nil
	}
	_, err := e.accounts.GetAccount(ctx, id)
	return err
}

// lockSeries serializes writers of one series inside this process.
func (e *Engine) lockSeries(account loyalty.AccountID, program loyalty.Program) func() {
	k := seriesKey{account: account, program: program}
	e.writeMu.Lock()
	l, ok := e.writeLocks[k]
	if !ok {
		l = &sync.Mutex{}
		e.writeLocks[k] = l
	}
	e.writeMu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) generation(k seriesKey) uint64 {
	e.genMu.Lock()
	defer e.genMu.Unlock()
	return e.gen[k]
}

// invalidate drops every cached window of the series.
func (e *Engine) invalidate(account loyalty.AccountID, program loyalty.Program) {
	e.genMu.Lock()
	e.gen[seriesKey{account: account, program: program}]++
	e.genMu.Unlock()

	for _, k := range e.cache.Keys() {
		if k.account == account && k.program == program {
			e.cache.Remove(k)
		}
	}
}

// Purge drops every cached usage. Call it after the store is reset
// underneath the engine.
func (e *Engine) Purge() {
	e.genMu.Lock()
	for k := range e.gen {
		e.gen[k]++
	}
	e.genMu.Unlock()
	e.cache.Purge()
}
