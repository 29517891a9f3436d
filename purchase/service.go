package purchase

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/points-ledger/loyalty"
)

// Metrics receives release outcomes. observability.Metrics implements it.
type Metrics interface {
	ObserveRelease(itemType, result string, d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveRelease(string, string, time.Duration) {}

// Service exposes account, purchase and item operations.
type Service struct {
	store   loyalty.TxLedgerStore
	release *ReleaseEngine
	metrics Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics records release outcomes.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store loyalty.TxLedgerStore, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		store:   store,
		metrics: nopMetrics{},
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.release = NewReleaseEngine(store, logger.Named("release"))
	s.release.now = s.now
	return s
}

// =============================================================================
// ACCOUNTS
// =============================================================================

// CreateAccount seeds an account with zero balances.
func (s *Service) CreateAccount(ctx context.Context, teamID loyalty.TeamID, name string) (loyalty.Account, error) {
	verr := &loyalty.ValidationError{}
	if strings.TrimSpace(string(teamID)) == "" {
		verr.Add("team_id", "is required")
	}
	if err := verr.OrNil(); err != nil {
		return loyalty.Account{}, err
	}
	now := s.now()
	acc := loyalty.Account{
		ID:        loyalty.AccountID(s.newID()),
		TeamID:    teamID,
		Name:      strings.TrimSpace(name),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return loyalty.Account{}, err
	}
	return acc, nil
}

func (s *Service) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// =============================================================================
// PURCHASES
// =============================================================================

// CreatePurchase opens a new purchase for the account.
func (s *Service) CreatePurchase(ctx context.Context, accountID loyalty.AccountID, title string) (loyalty.Purchase, error) {
	acc, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return loyalty.Purchase{}, err
	}
	now := s.now()
	p := loyalty.Purchase{
		ID:        loyalty.PurchaseID(s.newID()),
		AccountID: acc.ID,
		TeamID:    acc.TeamID,
		Title:     truncateRunes(strings.TrimSpace(title), MaxTitleLength),
		Status:    loyalty.PurchaseOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePurchase(ctx, p); err != nil {
		return loyalty.Purchase{}, err
	}
	return p, nil
}

func (s *Service) GetPurchase(ctx context.Context, id loyalty.PurchaseID) (loyalty.Purchase, []loyalty.Item, error) {
	p, err := s.store.GetPurchase(ctx, id)
	if err != nil {
		return loyalty.Purchase{}, nil, err
	}
	items, err := s.store.ListItems(ctx, id)
	if err != nil {
		return loyalty.Purchase{}, nil, err
	}
	return p, items, nil
}

func (s *Service) ListPurchases(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Purchase, error) {
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.store.ListPurchases(ctx, accountID)
}

// ClosePurchase moves an OPEN purchase to CLOSED. Items stay as they are.
func (s *Service) ClosePurchase(ctx context.Context, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	return s.transitionPurchase(ctx, id, loyalty.PurchaseClosed, "close")
}

// CancelPurchase moves an OPEN purchase to CANCELED and cancels its PENDING
// items. Released items are untouched; they are compensated with new items.
func (s *Service) CancelPurchase(ctx context.Context, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	return s.transitionPurchase(ctx, id, loyalty.PurchaseCanceled, "cancel")
}

func (s *Service) transitionPurchase(ctx context.Context, id loyalty.PurchaseID, to loyalty.PurchaseStatus, op string) (loyalty.Purchase, error) {
	var out loyalty.Purchase
	err := s.store.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		p, _, err := lockPurchase(ctx, tx, id)
		if err != nil {
			return err
		}
		at := s.now()
		ok, err := tx.SetPurchaseStatus(ctx, id, loyalty.PurchaseOpen, to, at)
		if err != nil {
			return err
		}
		if !ok {
			return &loyalty.InvalidStateError{Resource: "purchase", ID: string(id), State: string(p.Status), Op: op}
		}
		if to == loyalty.PurchaseCanceled {
			items, err := tx.ListItems(ctx, id)
			if err != nil {
				return err
			}
			for _, it := range items {
				if it.Status != loyalty.ItemPending {
					continue
				}
				if _, err := tx.SetItemStatus(ctx, it.ID, loyalty.ItemPending, loyalty.ItemCanceled, at); err != nil {
					return err
				}
			}
		}
		p.Status = to
		p.UpdatedAt = at
		out = p
		return nil
	})
	return out, err
}

// =============================================================================
// ITEMS
// =============================================================================

// CreateItem validates the draft and adds it as a PENDING item of an OPEN
// purchase.
func (s *Service) CreateItem(ctx context.Context, purchaseID loyalty.PurchaseID, d Draft) (loyalty.Item, error) {
	item, err := Normalize(d)
	if err != nil {
		return loyalty.Item{}, err
	}
	now := s.now()
	item.ID = loyalty.ItemID(s.newID())
	item.PurchaseID = purchaseID
	item.CreatedAt = now
	item.UpdatedAt = now

	err = s.store.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		p, _, err := lockPurchase(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if err := requireOpen(p, "add item to"); err != nil {
			return err
		}
		return tx.InsertItem(ctx, item)
	})
	if err != nil {
		return loyalty.Item{}, err
	}
	s.logger.Info("item created",
		zap.String("purchase_id", string(purchaseID)),
		zap.String("item_id", string(item.ID)),
		zap.String("type", string(item.Type)))
	return item, nil
}

// UpdateItem replaces a PENDING item with a new draft. PointsFinal is
// recomputed from the new inputs.
func (s *Service) UpdateItem(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID, d Draft) (loyalty.Item, error) {
	next, err := Normalize(d)
	if err != nil {
		return loyalty.Item{}, err
	}
	var out loyalty.Item
	err = s.store.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		p, _, err := lockPurchase(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		if err := requireOpen(p, "edit item of"); err != nil {
			return err
		}
		cur, err := tx.GetItem(ctx, purchaseID, itemID)
		if err != nil {
			return err
		}
		if cur.Status != loyalty.ItemPending {
			return &loyalty.InvalidStateError{Resource: "item", ID: string(itemID), State: string(cur.Status), Op: "edit"}
		}
		next.ID = cur.ID
		next.PurchaseID = cur.PurchaseID
		next.CreatedAt = cur.CreatedAt
		next.UpdatedAt = s.now()
		if err := tx.UpdateItem(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// ReleaseItem applies a PENDING item to the account balances.
func (s *Service) ReleaseItem(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	start := time.Now()
	item, err := s.release.Release(ctx, purchaseID, itemID)
	itemType := string(item.Type)
	if itemType == "" {
		itemType = "unknown"
	}
	s.metrics.ObserveRelease(itemType, resultLabel(err), time.Since(start))
	if err != nil && !loyalty.IsClientError(err) && !loyalty.IsNotFound(err) {
		s.logger.Error("release failed",
			zap.String("purchase_id", string(purchaseID)),
			zap.String("item_id", string(itemID)),
			zap.Error(err))
	}
	return item, err
}

// CancelItem marks a PENDING item CANCELED. Canceling a CANCELED item
// returns it unchanged; a RELEASED item cannot be canceled.
func (s *Service) CancelItem(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	var out loyalty.Item
	err := s.store.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		if _, _, err := lockPurchase(ctx, tx, purchaseID); err != nil {
			return err
		}
		item, err := tx.GetItem(ctx, purchaseID, itemID)
		if err != nil {
			return err
		}
		switch item.Status {
		case loyalty.ItemCanceled:
			out = item
			return nil
		case loyalty.ItemReleased:
			return &loyalty.InvalidStateError{Resource: "item", ID: string(itemID), State: string(item.Status), Op: "cancel"}
		}
		at := s.now()
		ok, err := tx.SetItemStatus(ctx, itemID, loyalty.ItemPending, loyalty.ItemCanceled, at)
		if err != nil {
			return err
		}
		if !ok {
			return loyalty.ErrConcurrentModification
		}
		item.Status = loyalty.ItemCanceled
		item.UpdatedAt = at
		item.CanceledAt = &at
		out = item
		return nil
	})
	return out, err
}

func requireOpen(p loyalty.Purchase, op string) error {
	if p.Status != loyalty.PurchaseOpen {
		return &loyalty.InvalidStateError{Resource: "purchase", ID: string(p.ID), State: string(p.Status), Op: op}
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "released"
	case errors.Is(err, loyalty.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, loyalty.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, loyalty.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
