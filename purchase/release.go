package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/points-ledger/loyalty"
)

// =============================================================================
// MOVEMENTS - Balance effect of an item
// =============================================================================

// Movement is a signed change to one program balance.
type Movement struct {
	Program loyalty.Program
	Delta   int64
}

// Movements returns the balance changes releasing item would make, debits
// first. CLUB and EXTRA_COST items move no points.
func Movements(item loyalty.Item) ([]Movement, error) {
	switch item.Type {
	case loyalty.ItemPointsBuy:
		return []Movement{{Program: item.ProgramTo, Delta: item.PointsFinal}}, nil

	case loyalty.ItemTransfer:
		debit := item.PointsBase
		if item.TransferMode == loyalty.TransferPointsPlusCash {
			debit = item.PointsDebitedFromOrigin
		}
		return []Movement{
			{Program: item.ProgramFrom, Delta: -debit},
			{Program: item.ProgramTo, Delta: item.PointsFinal},
		}, nil

	case loyalty.ItemAdjustment:
		if item.PointsBase == 0 {
			return nil, nil
		}
		return []Movement{{Program: item.ProgramTo, Delta: item.PointsBase}}, nil

	case loyalty.ItemClub, loyalty.ItemExtraCost:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown item type %q", item.Type)
	}
}

// ApplyMovements applies movements in order and fails on the first one that
// would leave a negative balance. The input is never modified.
func ApplyMovements(accountID loyalty.AccountID, balances loyalty.Balances, moves []Movement) (loyalty.Balances, error) {
	next := balances
	for _, mv := range moves {
		var err error
		next, err = next.Apply(mv.Program, mv.Delta)
		if err != nil {
			var ib *loyalty.InsufficientBalanceError
			if errors.As(err, &ib) {
				ib.AccountID = accountID
			}
			return balances, err
		}
	}
	return next, nil
}

// =============================================================================
// RELEASE ENGINE
// =============================================================================

// ReleaseEngine applies PENDING items to account balances, exactly once.
type ReleaseEngine struct {
	store  loyalty.TxLedgerStore
	now    func() time.Time
	logger *zap.Logger
}

func NewReleaseEngine(store loyalty.TxLedgerStore, logger *zap.Logger) *ReleaseEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReleaseEngine{store: store, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Release applies the item's movements to the purchase's account and marks
// the item RELEASED in one transaction. Releasing a RELEASED item returns it
// unchanged; releasing a CANCELED item fails with ErrInvalidState.
func (e *ReleaseEngine) Release(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	var released loyalty.Item
	var replay bool

	err := e.store.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		// Every item type takes the account lock before reading the item, so
		// a concurrent release of the same item is seen as already released.
		p, acc, err := lockPurchase(ctx, tx, purchaseID)
		if err != nil {
			return err
		}
		item, err := tx.GetItem(ctx, purchaseID, itemID)
		if err != nil {
			return err
		}
		if done, err := checkReleasable(item); done || err != nil {
			released, replay = item, done
			return err
		}
		if p.Status == loyalty.PurchaseCanceled {
			return &loyalty.InvalidStateError{Resource: "purchase", ID: string(p.ID), State: string(p.Status), Op: "release item of"}
		}

		moves, err := Movements(item)
		if err != nil {
			return err
		}
		if len(moves) > 0 {
			next, err := ApplyMovements(acc.ID, acc.Balances, moves)
			if err != nil {
				return err
			}
			if err := tx.UpdateBalances(ctx, acc.ID, next, acc.Version); err != nil {
				return err
			}
		}

		at := e.now()
		ok, err := tx.SetItemStatus(ctx, item.ID, loyalty.ItemPending, loyalty.ItemReleased, at)
		if err != nil {
			return err
		}
		if !ok {
			return loyalty.ErrConcurrentModification
		}
		item.Status = loyalty.ItemReleased
		item.UpdatedAt = at
		item.ReleasedAt = &at
		released = item
		return nil
	})
	if err != nil {
		return loyalty.Item{}, err
	}

	if replay {
		e.logger.Debug("item already released",
			zap.String("purchase_id", string(purchaseID)),
			zap.String("item_id", string(itemID)))
	} else {
		e.logger.Info("item released",
			zap.String("purchase_id", string(purchaseID)),
			zap.String("item_id", string(itemID)),
			zap.String("type", string(released.Type)),
			zap.Int64("points_final", released.PointsFinal))
	}
	return released, nil
}

// lockPurchase locks the account owning the purchase for the rest of the
// transaction and returns the purchase as read under that lock. Every write
// to a purchase or its items goes through it.
func lockPurchase(ctx context.Context, tx loyalty.LedgerStore, id loyalty.PurchaseID) (loyalty.Purchase, loyalty.Account, error) {
	p, err := tx.GetPurchase(ctx, id)
	if err != nil {
		return loyalty.Purchase{}, loyalty.Account{}, err
	}
	acc, err := tx.LockAccount(ctx, p.AccountID)
	if err != nil {
		return loyalty.Purchase{}, loyalty.Account{}, err
	}
	p, err = tx.GetPurchase(ctx, id)
	if err != nil {
		return loyalty.Purchase{}, loyalty.Account{}, err
	}
	return p, acc, nil
}

// checkReleasable reports done=true for an already released item and an
// error for any other non-pending state.
func checkReleasable(item loyalty.Item) (done bool, err error) {
	switch item.Status {
	case loyalty.ItemPending:
		return false, nil
	case loyalty.ItemReleased:
		return true, nil
	default:
		return false, &loyalty.InvalidStateError{
			Resource: "item", ID: string(item.ID), State: string(item.Status), Op: "release",
		}
	}
}
