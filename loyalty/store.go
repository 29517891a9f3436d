/*
store.go - Persistence interfaces for the ledger engines

PURPOSE:
  Defines the boundary between the engines and the database. Engines are
  written against these interfaces only; the SQLite and in-memory stores
  implement all of them.

KEY INTERFACES:
  LedgerStore:       accounts, purchases and items (read + write)
  TxLedgerStore:     LedgerStore plus WithTx for atomic release
  EmissionStore:     append-only emission log with in-place correction
  SubscriptionStore: club subscriptions with conditional status updates

ATOMIC RELEASE:
  The release engine runs load-lock-compute-write inside WithTx. LockAccount
  must serialize concurrent transactions on the same account until the
  enclosing transaction ends; transactions on different accounts may run in
  parallel when the backend allows it.

CONDITIONAL WRITES:
  SetItemStatus and UpdateSubscriptionStatuses only write when the row still
  holds the status the caller read. A lost race is reported, not overwritten.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - loyalty/store/memory.go: in-memory for tests and dev

SEE ALSO:
  - purchase/release.go: main WithTx user
  - club/sweep.go: main UpdateSubscriptionStatuses user
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Accounts, purchases, items
// =============================================================================

type LedgerStore interface {
	CreateAccount(ctx context.Context, acc Account) error
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// LockAccount reads the account and holds it for the rest of the
	// enclosing transaction. Outside WithTx it behaves like GetAccount.
	LockAccount(ctx context.Context, id AccountID) (Account, error)

	// UpdateBalances writes new balances if the stored version still equals
	// expectedVersion, bumping the version. Returns ErrConcurrentModification
	// otherwise.
	UpdateBalances(ctx context.Context, id AccountID, balances Balances, expectedVersion int64) error

	CreatePurchase(ctx context.Context, p Purchase) error
	GetPurchase(ctx context.Context, id PurchaseID) (Purchase, error)
	SetPurchaseStatus(ctx context.Context, id PurchaseID, from, to PurchaseStatus, at time.Time) (bool, error)
	ListPurchases(ctx context.Context, accountID AccountID) ([]Purchase, error)

	InsertItem(ctx context.Context, item Item) error

	// GetItem returns the item only if it belongs to the purchase.
	GetItem(ctx context.Context, purchaseID PurchaseID, itemID ItemID) (Item, error)
	ListItems(ctx context.Context, purchaseID PurchaseID) ([]Item, error)

	// UpdateItem rewrites the editable fields of a PENDING item.
	UpdateItem(ctx context.Context, item Item) error

	// SetItemStatus moves an item from one status to another. It returns
	// false without writing when the stored status is not `from`.
	SetItemStatus(ctx context.Context, itemID ItemID, from, to ItemStatus, at time.Time) (bool, error)
}

// TxLedgerStore wraps LedgerStore with transaction support.
type TxLedgerStore interface {
	LedgerStore

	// WithTx executes fn within a transaction.
	// If fn returns error, nothing fn wrote is kept.
	WithTx(ctx context.Context, fn func(LedgerStore) error) error
}

// =============================================================================
// EMISSION STORE - Append-only passenger usage log
// =============================================================================

type EmissionStore interface {
	AppendEmission(ctx context.Context, ev EmissionEvent) error
	GetEmission(ctx context.Context, id EmissionID) (EmissionEvent, error)

	// DeleteEmission removes an event as the reversal of a canceled sale.
	DeleteEmission(ctx context.Context, id EmissionID) error

	// CorrectEmission updates only passengers and note.
	CorrectEmission(ctx context.Context, id EmissionID, passengers int64, note string) error

	// SumPassengers totals PassengersCount for events with IssuedAt in w.
	SumPassengers(ctx context.Context, accountID AccountID, program Program, w Window) (int64, error)

	// ListEmissions returns the events with IssuedAt in w, oldest first.
	ListEmissions(ctx context.Context, accountID AccountID, program Program, w Window) ([]EmissionEvent, error)
}

// =============================================================================
// SUBSCRIPTION STORE - Club memberships
// =============================================================================

// SubscriptionRecord is the persisted form of a club subscription. The club
// package owns the status semantics; the store only moves strings.
type SubscriptionRecord struct {
	ID            string
	AccountID     AccountID
	TeamID        TeamID
	Program       Program
	Status        string
	SubscribedAt  Date
	LastRenewedAt *Date
	RenewalDay    int
	NextDueAt     *Date
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StatusChange is one conditional subscription update.
type StatusChange struct {
	ID         string
	FromStatus string
	ToStatus   string
	NextDueAt  *Date
	At         time.Time
}

type SubscriptionStore interface {
	// UpsertSubscription inserts or replaces the row for (account, program).
	UpsertSubscription(ctx context.Context, rec SubscriptionRecord) error
	GetSubscription(ctx context.Context, accountID AccountID, program Program) (SubscriptionRecord, error)
	ListSubscriptions(ctx context.Context, accountID AccountID) ([]SubscriptionRecord, error)

	// ListOpenSubscriptions returns every row of the scope whose status is
	// not excluded (the sweep excludes terminal statuses).
	ListOpenSubscriptions(ctx context.Context, scope TeamID, excludeStatuses ...string) ([]SubscriptionRecord, error)

	// ListScopes returns every team that owns at least one subscription.
	ListScopes(ctx context.Context) ([]TeamID, error)

	// UpdateSubscriptionStatuses applies the changes atomically as one batch.
	// A change whose row no longer holds FromStatus is skipped. Returns the
	// IDs of the rows written.
	UpdateSubscriptionStatuses(ctx context.Context, changes []StatusChange) ([]string, error)
}
