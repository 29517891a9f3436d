package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newAccount(t *testing.T, m *store.Memory, id string, bal loyalty.Balances) loyalty.Account {
	t.Helper()
	acc := loyalty.Account{ID: loyalty.AccountID(id), TeamID: "team-a", Name: id, Balances: bal}
	require.NoError(t, m.CreateAccount(context.Background(), acc))
	return acc
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestMemory_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: An account with 500 LATAM points
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.NewBalances(500, 0, 0, 0))

	// WHEN: A transaction writes balances and then fails
	boom := errors.New("boom")
	err := m.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		acc, err := tx.LockAccount(ctx, "acc-1")
		require.NoError(t, err)
		require.NoError(t, tx.UpdateBalances(ctx, acc.ID, loyalty.NewBalances(0, 0, 0, 0), acc.Version))
		return boom
	})

	// THEN: The error comes back and nothing was written
	assert.ErrorIs(t, err, boom)
	acc, err := m.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), acc.Balances.Get(loyalty.ProgramLatam))
	assert.Equal(t, int64(0), acc.Version)
}

func TestMemory_WithTx_CommitsAndBumpsVersion(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.NewBalances(500, 0, 0, 0))

	err := m.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		acc, err := tx.LockAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		// Reads inside the transaction see the staged write.
		if err := tx.UpdateBalances(ctx, acc.ID, loyalty.NewBalances(200, 300, 0, 0), acc.Version); err != nil {
			return err
		}
		staged, err := tx.GetAccount(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(300), staged.Balances.Get(loyalty.ProgramSmiles))
		return nil
	})
	require.NoError(t, err)

	acc, err := m.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.NewBalances(200, 300, 0, 0), acc.Balances)
	assert.Equal(t, int64(1), acc.Version)
}

func TestMemory_WithTx_PurchaseStatusChangedUnderneath(t *testing.T) {
	// GIVEN: An open purchase read inside a transaction
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.Balances{})
	require.NoError(t, m.CreatePurchase(ctx, loyalty.Purchase{ID: "p-1", AccountID: "acc-1", Status: loyalty.PurchaseOpen}))

	// WHEN: The purchase is canceled before the transaction adds an item
	err := m.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		p, err := tx.GetPurchase(ctx, "p-1")
		require.NoError(t, err)
		require.Equal(t, loyalty.PurchaseOpen, p.Status)
		ok, err := m.SetPurchaseStatus(ctx, "p-1", loyalty.PurchaseOpen, loyalty.PurchaseCanceled, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		return tx.InsertItem(ctx, loyalty.Item{ID: "it-1", PurchaseID: "p-1", Type: loyalty.ItemClub, Status: loyalty.ItemPending})
	})

	// THEN: The commit is refused and no item lands under the canceled purchase
	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
	items, err := m.ListItems(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestMemory_UpdateBalances_StaleVersion(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.Balances{})

	require.NoError(t, m.UpdateBalances(ctx, "acc-1", loyalty.NewBalances(1, 0, 0, 0), 0))
	err := m.UpdateBalances(ctx, "acc-1", loyalty.NewBalances(2, 0, 0, 0), 0)

	assert.ErrorIs(t, err, loyalty.ErrConcurrentModification)
}

func TestMemory_SetItemStatus_OnlyFromExpectedStatus(t *testing.T) {
	// GIVEN: A pending item
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.Balances{})
	require.NoError(t, m.CreatePurchase(ctx, loyalty.Purchase{ID: "p-1", AccountID: "acc-1", Status: loyalty.PurchaseOpen}))
	require.NoError(t, m.InsertItem(ctx, loyalty.Item{ID: "i-1", PurchaseID: "p-1", Type: loyalty.ItemClub, Status: loyalty.ItemPending}))
	now := time.Now().UTC()

	// WHEN: It is released twice
	first, err := m.SetItemStatus(ctx, "i-1", loyalty.ItemPending, loyalty.ItemReleased, now)
	require.NoError(t, err)
	second, err := m.SetItemStatus(ctx, "i-1", loyalty.ItemPending, loyalty.ItemReleased, now)
	require.NoError(t, err)

	// THEN: Only the first transition writes
	assert.True(t, first)
	assert.False(t, second)
	item, err := m.GetItem(ctx, "p-1", "i-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.ItemReleased, item.Status)
	require.NotNil(t, item.ReleasedAt)
}

func TestMemory_GetItem_ScopedToPurchase(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.Balances{})
	require.NoError(t, m.CreatePurchase(ctx, loyalty.Purchase{ID: "p-1", AccountID: "acc-1", Status: loyalty.PurchaseOpen}))
	require.NoError(t, m.CreatePurchase(ctx, loyalty.Purchase{ID: "p-2", AccountID: "acc-1", Status: loyalty.PurchaseOpen}))
	require.NoError(t, m.InsertItem(ctx, loyalty.Item{ID: "i-1", PurchaseID: "p-1", Status: loyalty.ItemPending}))

	_, err := m.GetItem(ctx, "p-2", "i-1")

	assert.True(t, loyalty.IsNotFound(err))
}

// =============================================================================
// EMISSION TESTS
// =============================================================================

func TestMemory_SumPassengers_HalfOpenWindow(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	for i, on := range []string{"2024-12-31", "2025-01-01", "2025-12-31", "2026-01-01"} {
		require.NoError(t, m.AppendEmission(ctx, loyalty.EmissionEvent{
			ID:              loyalty.EmissionID(on),
			AccountID:       "acc-1",
			Program:         loyalty.ProgramSmiles,
			IssuedAt:        loyalty.MustParseDate(on),
			PassengersCount: int64(i + 1),
		}))
	}
	w := loyalty.Window{Start: loyalty.MustParseDate("2025-01-01"), End: loyalty.MustParseDate("2026-01-01")}

	total, err := m.SumPassengers(ctx, "acc-1", loyalty.ProgramSmiles, w)
	require.NoError(t, err)
	other, err := m.SumPassengers(ctx, "acc-1", loyalty.ProgramLatam, w)
	require.NoError(t, err)

	assert.Equal(t, int64(2+3), total)
	assert.Equal(t, int64(0), other)
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func TestMemory_UpdateSubscriptionStatuses_Conditional(t *testing.T) {
	// GIVEN: Two active subscriptions
	m := store.NewMemory()
	ctx := context.Background()
	for _, p := range []loyalty.Program{loyalty.ProgramLatam, loyalty.ProgramSmiles} {
		require.NoError(t, m.UpsertSubscription(ctx, loyalty.SubscriptionRecord{
			ID:        "sub-" + p.String(),
			AccountID: "acc-1",
			TeamID:    "team-a",
			Program:   p,
			Status:    "ACTIVE",
		}))
	}

	// WHEN: One change matches the stored status and one does not
	written, err := m.UpdateSubscriptionStatuses(ctx, []loyalty.StatusChange{
		{ID: "sub-LATAM", FromStatus: "ACTIVE", ToStatus: "PAUSED"},
		{ID: "sub-SMILES", FromStatus: "PAUSED", ToStatus: "CANCELED"},
	})
	require.NoError(t, err)

	// THEN: Only the matching row is written
	assert.Equal(t, []string{"sub-LATAM"}, written)
	smiles, err := m.GetSubscription(ctx, "acc-1", loyalty.ProgramSmiles)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", smiles.Status)
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	newAccount(t, m, "acc-1", loyalty.Balances{})

	require.NoError(t, m.Reset(ctx))

	_, err := m.GetAccount(ctx, "acc-1")
	assert.True(t, loyalty.IsNotFound(err))
}
