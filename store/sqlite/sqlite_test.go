package sqlite_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/points-ledger/loyalty"
	"github.com/warp/points-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAccount(t *testing.T, s *sqlite.Store, id string, team loyalty.TeamID, bal loyalty.Balances) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreateAccount(context.Background(), loyalty.Account{
		ID: loyalty.AccountID(id), TeamID: team, Name: id, Balances: bal, CreatedAt: now, UpdatedAt: now,
	}))
}

func seedPurchase(t *testing.T, s *sqlite.Store, id, account string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, s.CreatePurchase(context.Background(), loyalty.Purchase{
		ID: loyalty.PurchaseID(id), AccountID: loyalty.AccountID(account), TeamID: "team-a",
		Status: loyalty.PurchaseOpen, CreatedAt: now, UpdatedAt: now,
	}))
}

// =============================================================================
// ACCOUNT TESTS
// =============================================================================

func TestStore_AccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.NewBalances(10, 20, 30, 40))

	acc, err := s.GetAccount(ctx, "acc-1")

	require.NoError(t, err)
	assert.Equal(t, loyalty.TeamID("team-a"), acc.TeamID)
	assert.Equal(t, loyalty.NewBalances(10, 20, 30, 40), acc.Balances)
	assert.Equal(t, int64(0), acc.Version)

	_, err = s.GetAccount(ctx, "ghost")
	assert.True(t, loyalty.IsNotFound(err))
}

func TestStore_CreateAccount_Duplicate(t *testing.T) {
	s := newTestStore(t)
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})

	err := s.CreateAccount(context.Background(), loyalty.Account{ID: "acc-1", TeamID: "team-a"})

	assert.ErrorIs(t, err, loyalty.ErrInvalidState)
}

func TestStore_UpdateBalances_VersionCheck(t *testing.T) {
	// GIVEN: An account at version 0
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})

	// WHEN: Two writers both expect version 0
	first := s.UpdateBalances(ctx, "acc-1", loyalty.NewBalances(5, 0, 0, 0), 0)
	second := s.UpdateBalances(ctx, "acc-1", loyalty.NewBalances(9, 0, 0, 0), 0)

	// THEN: Only the first lands
	require.NoError(t, first)
	assert.ErrorIs(t, second, loyalty.ErrConcurrentModification)
	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), acc.Balances.Get(loyalty.ProgramLatam))
	assert.Equal(t, int64(1), acc.Version)

	assert.True(t, loyalty.IsNotFound(s.UpdateBalances(ctx, "ghost", loyalty.Balances{}, 0)))
}

func TestStore_WithTx_RollsBack(t *testing.T) {
	// GIVEN: An account with 100 SMILES points
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.NewBalances(0, 100, 0, 0))
	seedPurchase(t, s, "p-1", "acc-1")

	// WHEN: A transaction writes an item and balances, then fails
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx loyalty.LedgerStore) error {
		acc, err := tx.LockAccount(ctx, "acc-1")
		if err != nil {
			return err
		}
		if err := tx.InsertItem(ctx, loyalty.Item{ID: "i-1", PurchaseID: "p-1", Type: loyalty.ItemClub, Status: loyalty.ItemPending}); err != nil {
			return err
		}
		if err := tx.UpdateBalances(ctx, acc.ID, loyalty.Balances{}, acc.Version); err != nil {
			return err
		}
		// Reads see the transaction's own writes.
		staged, err := tx.GetAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(1), staged.Version)
		return boom
	})

	// THEN: Nothing survives
	assert.ErrorIs(t, err, boom)
	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balances.Get(loyalty.ProgramSmiles))
	items, err := s.ListItems(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

// =============================================================================
// ITEM TESTS
// =============================================================================

func TestStore_ItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})
	seedPurchase(t, s, "p-1", "acc-1")
	seedPurchase(t, s, "p-2", "acc-1")

	item := loyalty.Item{
		ID: "i-1", PurchaseID: "p-1", Type: loyalty.ItemTransfer, Status: loyalty.ItemPending,
		ProgramFrom: loyalty.ProgramLivelo, ProgramTo: loyalty.ProgramSmiles,
		PointsBase: 1000, BonusMode: loyalty.BonusPercent, BonusValue: 50, PointsFinal: 1500,
		TransferMode: loyalty.TransferPointsOnly,
	}
	require.NoError(t, s.InsertItem(ctx, item))

	got, err := s.GetItem(ctx, "p-1", "i-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.ProgramLivelo, got.ProgramFrom)
	assert.Equal(t, loyalty.ProgramSmiles, got.ProgramTo)
	assert.Equal(t, int64(1500), got.PointsFinal)
	assert.Equal(t, loyalty.TransferPointsOnly, got.TransferMode)

	_, err = s.GetItem(ctx, "p-2", "i-1")
	assert.True(t, loyalty.IsNotFound(err))

	ok, err := s.SetItemStatus(ctx, "i-1", loyalty.ItemPending, loyalty.ItemReleased, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.SetItemStatus(ctx, "i-1", loyalty.ItemPending, loyalty.ItemCanceled, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = s.GetItem(ctx, "p-1", "i-1")
	require.NoError(t, err)
	assert.Equal(t, loyalty.ItemReleased, got.Status)
	assert.NotNil(t, got.ReleasedAt)
	assert.Nil(t, got.CanceledAt)
}

// =============================================================================
// EMISSION TESTS
// =============================================================================

func TestStore_EmissionWindowQueries(t *testing.T) {
	// GIVEN: LATAM emissions around a year boundary
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})
	for i, on := range []string{"2024-06-10", "2024-06-11", "2025-01-05", "2025-06-10", "2025-06-11"} {
		require.NoError(t, s.AppendEmission(ctx, loyalty.EmissionEvent{
			ID:              loyalty.EmissionID("ev-" + on),
			AccountID:       "acc-1",
			Program:         loyalty.ProgramLatam,
			IssuedAt:        loyalty.MustParseDate(on),
			PassengersCount: int64(i + 1),
			CreatedAt:       time.Now(),
		}))
	}
	w := loyalty.WindowConfig{Kind: loyalty.WindowRolling, RollingDays: 365}.WindowFor(loyalty.MustParseDate("2025-06-10"))

	// WHEN: The window is summed and listed
	total, err := s.SumPassengers(ctx, "acc-1", loyalty.ProgramLatam, w)
	require.NoError(t, err)
	events, err := s.ListEmissions(ctx, "acc-1", loyalty.ProgramLatam, w)
	require.NoError(t, err)

	// THEN: Both edges are honored and the list is oldest first
	assert.Equal(t, int64(2+3+4), total)
	require.Len(t, events, 3)
	assert.Equal(t, "2024-06-11", events[0].IssuedAt.String())
	assert.Equal(t, "2025-06-10", events[2].IssuedAt.String())
}

func TestStore_EmissionCorrectAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})
	require.NoError(t, s.AppendEmission(ctx, loyalty.EmissionEvent{
		ID: "ev-1", AccountID: "acc-1", Program: loyalty.ProgramSmiles,
		IssuedAt: loyalty.MustParseDate("2025-02-01"), PassengersCount: 4, Source: "manual",
	}))

	require.NoError(t, s.CorrectEmission(ctx, "ev-1", 2, "fixed typo"))
	ev, err := s.GetEmission(ctx, "ev-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ev.PassengersCount)
	assert.Equal(t, "fixed typo", ev.Note)
	assert.Equal(t, "2025-02-01", ev.IssuedAt.String())

	require.NoError(t, s.DeleteEmission(ctx, "ev-1"))
	_, err = s.GetEmission(ctx, "ev-1")
	assert.True(t, loyalty.IsNotFound(err))
	assert.True(t, loyalty.IsNotFound(s.DeleteEmission(ctx, "ev-1")))
}

// =============================================================================
// SUBSCRIPTION TESTS
// =============================================================================

func subRecord(id, account string, team loyalty.TeamID, p loyalty.Program, status string) loyalty.SubscriptionRecord {
	due := loyalty.MustParseDate("2025-02-10")
	return loyalty.SubscriptionRecord{
		ID: id, AccountID: loyalty.AccountID(account), TeamID: team, Program: p, Status: status,
		SubscribedAt: loyalty.MustParseDate("2025-01-10"), RenewalDay: 10, NextDueAt: &due,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
}

func TestStore_UpsertSubscription_KeepsIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})
	require.NoError(t, s.UpsertSubscription(ctx, subRecord("sub-1", "acc-1", "team-a", loyalty.ProgramLatam, "ACTIVE")))

	// A second subscribe for the same program replaces the row in place.
	require.NoError(t, s.UpsertSubscription(ctx, subRecord("sub-2", "acc-1", "team-a", loyalty.ProgramLatam, "PAUSED")))

	rec, err := s.GetSubscription(ctx, "acc-1", loyalty.ProgramLatam)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", rec.ID)
	assert.Equal(t, "PAUSED", rec.Status)
	assert.Equal(t, "2025-02-10", rec.NextDueAt.String())
	assert.Nil(t, rec.LastRenewedAt)

	list, err := s.ListSubscriptions(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestStore_SubscriptionScopesAndConditionalUpdate(t *testing.T) {
	// GIVEN: Subscriptions in two teams, one already canceled
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})
	seedAccount(t, s, "acc-2", "team-b", loyalty.Balances{})
	require.NoError(t, s.UpsertSubscription(ctx, subRecord("s-1", "acc-1", "team-a", loyalty.ProgramLatam, "ACTIVE")))
	require.NoError(t, s.UpsertSubscription(ctx, subRecord("s-2", "acc-1", "team-a", loyalty.ProgramSmiles, "CANCELED")))
	require.NoError(t, s.UpsertSubscription(ctx, subRecord("s-3", "acc-2", "team-b", loyalty.ProgramLivelo, "ACTIVE")))

	scopes, err := s.ListScopes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []loyalty.TeamID{"team-a", "team-b"}, scopes)

	open, err := s.ListOpenSubscriptions(ctx, "team-a", "CANCELED")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s-1", open[0].ID)

	// WHEN: A batch holds one current and one stale change
	written, err := s.UpdateSubscriptionStatuses(ctx, []loyalty.StatusChange{
		{ID: "s-1", FromStatus: "ACTIVE", ToStatus: "PAUSED", At: time.Now()},
		{ID: "s-3", FromStatus: "PAUSED", ToStatus: "CANCELED", At: time.Now()},
	})

	// THEN: Only the current one is written
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, written)
	rec, err := s.GetSubscription(ctx, "acc-2", loyalty.ProgramLivelo)
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", rec.Status)
}

func TestStore_Reset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedAccount(t, s, "acc-1", "team-a", loyalty.Balances{})
	seedPurchase(t, s, "p-1", "acc-1")
	require.NoError(t, s.UpsertSubscription(ctx, subRecord("s-1", "acc-1", "team-a", loyalty.ProgramLatam, "ACTIVE")))

	require.NoError(t, s.Reset(ctx))

	_, err := s.GetAccount(ctx, "acc-1")
	assert.True(t, loyalty.IsNotFound(err))
	scopes, err := s.ListScopes(ctx)
	require.NoError(t, err)
	assert.Empty(t, scopes)
}

// =============================================================================
// SQL SHAPE TESTS (sqlmock)
// =============================================================================

const conditionalUpdateSQL = `UPDATE club_subscriptions SET status = ?, next_due_at = ?, updated_at = ? WHERE id = ? AND status = ?`

func TestStore_UpdateSubscriptionStatuses_SQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.Open(db)

	// GIVEN: The first row still matches and the second has moved on
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(conditionalUpdateSQL)).
		WithArgs("PAUSED", sqlmock.AnyArg(), sqlmock.AnyArg(), "s-1", "ACTIVE").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(conditionalUpdateSQL)).
		WithArgs("CANCELED", sqlmock.AnyArg(), sqlmock.AnyArg(), "s-2", "PAUSED").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	// WHEN: The batch is applied
	written, err := s.UpdateSubscriptionStatuses(context.Background(), []loyalty.StatusChange{
		{ID: "s-1", FromStatus: "ACTIVE", ToStatus: "PAUSED", At: time.Now()},
		{ID: "s-2", FromStatus: "PAUSED", ToStatus: "CANCELED", At: time.Now()},
	})

	// THEN: Both run in one transaction and only the affected row is reported
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateSubscriptionStatuses_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.Open(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(conditionalUpdateSQL)).
		WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	_, err = s.UpdateSubscriptionStatuses(context.Background(), []loyalty.StatusChange{
		{ID: "s-1", FromStatus: "ACTIVE", ToStatus: "PAUSED", At: time.Now()},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "s-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UpdateBalances_SQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := sqlite.Open(db)

	mock.ExpectExec(`UPDATE accounts SET latam_balance = \?, smiles_balance = \?, livelo_balance = \?, esfera_balance = \?, version = version \+ 1, updated_at = \? WHERE id = \? AND version = \?`).
		WithArgs(int64(1), int64(2), int64(3), int64(4), sqlmock.AnyArg(), "acc-1", int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = s.UpdateBalances(context.Background(), "acc-1", loyalty.NewBalances(1, 2, 3, 4), 7)

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
