package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/purchase"
	"github.com/warp/points-ledger/store/sqlite"
)

// =============================================================================
// RELEASE ON SQLITE
// =============================================================================

// fundedService returns a purchase service over s with one account holding
// bal and an open purchase on it.
func fundedService(t *testing.T, s *sqlite.Store, bal loyalty.Balances) (*purchase.Service, loyalty.Account, loyalty.Purchase) {
	t.Helper()
	ctx := context.Background()
	clock := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)
	svc := purchase.NewService(s, nil, purchase.WithClock(func() time.Time { return clock }))

	acc, err := svc.CreateAccount(ctx, "team-a", "Bia")
	require.NoError(t, err)
	require.NoError(t, s.UpdateBalances(ctx, acc.ID, bal, acc.Version))
	p, err := svc.CreatePurchase(ctx, acc.ID, "March sale")
	require.NoError(t, err)
	return svc, acc, p
}

func storedAccount(t *testing.T, s *sqlite.Store, id loyalty.AccountID) loyalty.Account {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func TestSQLiteRelease_TransferWithBonus(t *testing.T) {
	// GIVEN: 60,000 LIVELO and a 50,000 transfer to SMILES with 30% bonus
	s := newTestStore(t)
	ctx := context.Background()
	svc, acc, p := fundedService(t, s, loyalty.NewBalances(0, 0, 60_000, 0))
	item, err := svc.CreateItem(ctx, p.ID, purchase.Draft{
		Type:         "TRANSFER",
		ProgramFrom:  "LIVELO",
		ProgramTo:    "SMILES",
		PointsBase:   decimal.NewFromInt(50_000),
		BonusMode:    "PERCENT",
		BonusValue:   decimal.NewFromInt(30),
		TransferMode: "POINTS_ONLY",
	})
	require.NoError(t, err)

	// WHEN: The item is released
	_, err = svc.ReleaseItem(ctx, p.ID, item.ID)
	require.NoError(t, err)

	// THEN: Balances and item status are persisted together
	after := storedAccount(t, s, acc.ID)
	assert.Equal(t, loyalty.NewBalances(0, 65_000, 10_000, 0), after.Balances)
	assert.Equal(t, acc.Version+2, after.Version, "seed write plus release")

	stored, err := s.GetItem(ctx, p.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ItemReleased, stored.Status)
	require.NotNil(t, stored.ReleasedAt)
}

func TestSQLiteRelease_OverdrawChangesNothing(t *testing.T) {
	// GIVEN: 1,000 LATAM and a 5,000 transfer out of it
	s := newTestStore(t)
	ctx := context.Background()
	svc, acc, p := fundedService(t, s, loyalty.NewBalances(1_000, 0, 0, 0))
	item, err := svc.CreateItem(ctx, p.ID, purchase.Draft{
		Type:         "TRANSFER",
		ProgramFrom:  "LATAM",
		ProgramTo:    "ESFERA",
		PointsBase:   decimal.NewFromInt(5_000),
		TransferMode: "POINTS_ONLY",
	})
	require.NoError(t, err)
	before := storedAccount(t, s, acc.ID)

	// WHEN: The item is released
	_, err = svc.ReleaseItem(ctx, p.ID, item.ID)

	// THEN: The release fails and neither the balances nor the item changed
	assert.ErrorIs(t, err, loyalty.ErrInsufficientBalance)
	after := storedAccount(t, s, acc.ID)
	assert.Equal(t, before.Balances, after.Balances)
	assert.Equal(t, before.Version, after.Version)

	stored, err := s.GetItem(ctx, p.ID, item.ID)
	require.NoError(t, err)
	assert.Equal(t, loyalty.ItemPending, stored.Status)
	assert.Nil(t, stored.ReleasedAt)
}

func TestSQLiteRelease_DoubleReleaseAppliesOnce(t *testing.T) {
	// GIVEN: A pending 7,000 point buy
	s := newTestStore(t)
	ctx := context.Background()
	svc, acc, p := fundedService(t, s, loyalty.Balances{})
	item, err := svc.CreateItem(ctx, p.ID, purchase.Draft{
		Type: "POINTS_BUY", ProgramTo: "SMILES", PointsBase: decimal.NewFromInt(7_000),
	})
	require.NoError(t, err)

	// WHEN: It is released twice in a row and then by eight goroutines at once
	first, err := svc.ReleaseItem(ctx, p.ID, item.ID)
	require.NoError(t, err)
	second, err := svc.ReleaseItem(ctx, p.ID, item.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.ReleaseItem(ctx, p.ID, item.ID)
		}()
	}
	wg.Wait()

	// THEN: Every call succeeds and the credit landed once
	for _, err := range errs {
		assert.NoError(t, err)
	}
	require.NotNil(t, first.ReleasedAt)
	require.NotNil(t, second.ReleasedAt)
	assert.True(t, first.ReleasedAt.Equal(*second.ReleasedAt))
	assert.Equal(t, int64(7_000), storedAccount(t, s, acc.ID).Balances.Get(loyalty.ProgramSmiles))
}

func TestSQLiteRelease_CanceledPurchaseTakesNoNewItems(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	svc, _, p := fundedService(t, s, loyalty.Balances{})
	pending, err := svc.CreateItem(ctx, p.ID, purchase.Draft{Type: "CLUB", AmountCents: decimal.NewFromInt(4_990)})
	require.NoError(t, err)

	_, err = svc.CancelPurchase(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.CreateItem(ctx, p.ID, purchase.Draft{Type: "CLUB", AmountCents: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)
	_, err = svc.ReleaseItem(ctx, p.ID, pending.ID)
	assert.ErrorIs(t, err, loyalty.ErrInvalidState)
}
