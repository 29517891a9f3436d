package club

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/loyalty"
)

// AccountReader resolves the team that owns an account.
type AccountReader interface {
	GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error)
}

// Service handles the explicit subscription actions: subscribing, renewing
// and manual status changes. Automatic downgrades belong to the Sweeper.
type Service struct {
	store    loyalty.SubscriptionStore
	accounts AccountReader
	calendar loyalty.Calendar
	logger   *zap.Logger
	now      func() time.Time
}

func NewService(store loyalty.SubscriptionStore, accounts AccountReader, calendar loyalty.Calendar, logger *zap.Logger) *Service {
	if calendar.Location == nil {
		calendar = loyalty.DefaultCalendar()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:    store,
		accounts: accounts,
		calendar: calendar,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SubscribeRequest starts a membership.
type SubscribeRequest struct {
	AccountID    loyalty.AccountID
	Program      loyalty.Program
	SubscribedAt loyalty.Date // today when zero
	RenewalDay   int          // subscribedAt's day when zero
}

// Subscribe creates the (account, program) subscription as ACTIVE, or
// replaces the existing one with a fresh membership.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (Subscription, error) {
	verr := &loyalty.ValidationError{}
	if !req.Program.Valid() {
		verr.Add("program", "must be one of LATAM, SMILES, LIVELO, ESFERA")
	}
	if req.RenewalDay < 0 || req.RenewalDay > 31 {
		verr.Add("renewal_day", "must be between 1 and 31")
	}
	if err := verr.OrNil(); err != nil {
		return Subscription{}, err
	}
	acc, err := s.accounts.GetAccount(ctx, req.AccountID)
	if err != nil {
		return Subscription{}, err
	}

	now := s.now()
	if req.SubscribedAt.IsZero() {
		req.SubscribedAt = s.calendar.DateOf(now)
	}
	if req.RenewalDay == 0 {
		req.RenewalDay = req.SubscribedAt.Day()
	}
	sub := Subscription{
		ID:           uuid.NewString(),
		AccountID:    acc.ID,
		TeamID:       acc.TeamID,
		Program:      req.Program,
		Status:       StatusActive,
		SubscribedAt: req.SubscribedAt,
		RenewalDay:   req.RenewalDay,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	sub.NextDueAt = Evaluate(sub, req.SubscribedAt).NextDue
	if err := s.store.UpsertSubscription(ctx, sub.record()); err != nil {
		return Subscription{}, err
	}
	s.logger.Info("club subscribed",
		zap.String("account_id", string(sub.AccountID)),
		zap.String("program", sub.Program.String()),
		zap.String("subscribed_at", sub.SubscribedAt.String()))
	return s.Get(ctx, sub.AccountID, sub.Program)
}

// Renew records a paid renewal and re-activates a PAUSED subscription.
// CANCELED subscriptions must subscribe again.
func (s *Service) Renew(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, renewedAt loyalty.Date) (Subscription, error) {
	sub, err := s.Get(ctx, accountID, program)
	if err != nil {
		return Subscription{}, err
	}
	if sub.Status.Terminal() {
		return Subscription{}, &loyalty.InvalidStateError{Resource: "subscription", ID: sub.ID, State: string(sub.Status), Op: "renew"}
	}
	now := s.now()
	if renewedAt.IsZero() {
		renewedAt = s.calendar.DateOf(now)
	}
	if renewedAt.Before(sub.SubscribedAt) {
		verr := &loyalty.ValidationError{}
		verr.Add("renewed_at", "must not be before subscribed_at %s", sub.SubscribedAt)
		return Subscription{}, verr
	}
	if RuleFor(program).FixedDays > 0 {
		// Fixed-term programs have no renewal cycle: a renewal starts a new term.
		sub.SubscribedAt = renewedAt
	}
	sub.LastRenewedAt = &renewedAt
	sub.Status = StatusActive
	sub.NextDueAt = Evaluate(sub, renewedAt).NextDue
	sub.UpdatedAt = now
	if err := s.store.UpsertSubscription(ctx, sub.record()); err != nil {
		return Subscription{}, err
	}
	s.logger.Info("club renewed",
		zap.String("account_id", string(accountID)),
		zap.String("program", program.String()),
		zap.String("renewed_at", renewedAt.String()))
	return sub, nil
}

// SetStatus changes the status by hand. This is the only way ESFERA
// subscriptions move, and the way any program is re-activated without a
// renewal. CANCELED is final.
func (s *Service) SetStatus(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, status Status) (Subscription, error) {
	if !status.Valid() {
		verr := &loyalty.ValidationError{}
		verr.Add("status", "must be one of ACTIVE, PAUSED, CANCELED")
		return Subscription{}, verr
	}
	sub, err := s.Get(ctx, accountID, program)
	if err != nil {
		return Subscription{}, err
	}
	if sub.Status == status {
		return sub, nil
	}
	if sub.Status.Terminal() {
		return Subscription{}, &loyalty.InvalidStateError{Resource: "subscription", ID: sub.ID, State: string(sub.Status), Op: "change status of"}
	}
	sub.Status = status
	sub.UpdatedAt = s.now()
	if err := s.store.UpsertSubscription(ctx, sub.record()); err != nil {
		return Subscription{}, err
	}
	s.logger.Info("club status set",
		zap.String("account_id", string(accountID)),
		zap.String("program", program.String()),
		zap.String("status", string(status)))
	return sub, nil
}

func (s *Service) Get(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program) (Subscription, error) {
	rec, err := s.store.GetSubscription(ctx, accountID, program)
	if err != nil {
		return Subscription{}, err
	}
	return fromRecord(rec), nil
}

func (s *Service) List(ctx context.Context, accountID loyalty.AccountID) ([]Subscription, error) {
	recs, err := s.store.ListSubscriptions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	out := make([]Subscription, 0, len(recs))
	for _, r := range recs {
		out = append(out, fromRecord(r))
	}
	return out, nil
}

// Status evaluates a subscription for today without persisting anything.
func (s *Service) Status(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, today loyalty.Date) (Subscription, Evaluation, error) {
	sub, err := s.Get(ctx, accountID, program)
	if err != nil {
		return Subscription{}, Evaluation{}, err
	}
	if today.IsZero() {
		today = s.calendar.DateOf(s.now())
	}
	return sub, Evaluate(sub, today), nil
}
