/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (TxLedgerStore, EmissionStore,
  SubscriptionStore) using SQLite. The SQL is kept portable so the same
  statements run on PostgreSQL with only placeholder changes.

INTERFACES IMPLEMENTED:
  loyalty.TxLedgerStore:     accounts, purchases, items, atomic release
  loyalty.EmissionStore:     passenger usage log
  loyalty.SubscriptionStore: club subscriptions

KEY TABLES:
  accounts:           one row per account, four balance columns, version
  purchases:          item containers
  purchase_items:     ledger operations, status PENDING/RELEASED/CANCELED
  emission_events:    passenger usage, queried by (account, program, date)
  club_subscriptions: one row per (account, program)

INVARIANTS IN THE SCHEMA:
  - CHECK (balance >= 0) on every balance column: a bug in the engine can
    fail a write but never store a negative balance
  - UNIQUE (account_id, program) on club_subscriptions
  - Dates are stored as YYYY-MM-DD text so range filters compare correctly

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, plus BEGIN IMMEDIATE for WithTx so
  the writer lock is taken up front. Balance updates are also guarded by
  the account version, and status flips by the status they expect.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). Open() wraps an existing handle and
  does not migrate.

SEE ALSO:
  - loyalty/store.go: Interface definitions
  - loyalty/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/points-ledger/loyalty"
)

var (
	_ loyalty.TxLedgerStore     = (*Store)(nil)
	_ loyalty.EmissionStore     = (*Store)(nil)
	_ loyalty.SubscriptionStore = (*Store)(nil)
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// querier is the part of *sql.DB and *sql.Tx the queries need.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := Open(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Open wraps an already opened database. The schema must exist.
func Open(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		team_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		latam_balance INTEGER NOT NULL DEFAULT 0 CHECK (latam_balance >= 0),
		smiles_balance INTEGER NOT NULL DEFAULT 0 CHECK (smiles_balance >= 0),
		livelo_balance INTEGER NOT NULL DEFAULT 0 CHECK (livelo_balance >= 0),
		esfera_balance INTEGER NOT NULL DEFAULT 0 CHECK (esfera_balance >= 0),
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_team
		ON accounts(team_id);

	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		team_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'OPEN',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_account
		ON purchases(account_id, created_at);

	CREATE TABLE IF NOT EXISTS purchase_items (
		id TEXT PRIMARY KEY,
		purchase_id TEXT NOT NULL REFERENCES purchases(id),
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		title TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		program_from TEXT,
		program_to TEXT,
		points_base INTEGER NOT NULL DEFAULT 0,
		bonus_mode TEXT,
		bonus_value INTEGER NOT NULL DEFAULT 0,
		points_final INTEGER NOT NULL DEFAULT 0,
		transfer_mode TEXT,
		points_debited_from_origin INTEGER NOT NULL DEFAULT 0,
		amount_cents INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		released_at TEXT,
		canceled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_purchase_items_purchase
		ON purchase_items(purchase_id, seq);

	CREATE TABLE IF NOT EXISTS emission_events (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		program TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		passengers_count INTEGER NOT NULL CHECK (passengers_count >= 1),
		source TEXT NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Quota window queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_emission_events_account_program_date
		ON emission_events(account_id, program, issued_at);

	CREATE TABLE IF NOT EXISTS club_subscriptions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		team_id TEXT NOT NULL,
		program TEXT NOT NULL,
		status TEXT NOT NULL,
		subscribed_at TEXT NOT NULL,
		last_renewed_at TEXT,
		renewal_day INTEGER NOT NULL CHECK (renewal_day BETWEEN 1 AND 31),
		next_due_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (account_id, program)
	);

	-- Sweep loads one scope at a time
	CREATE INDEX IF NOT EXISTS idx_club_subscriptions_team_status
		ON club_subscriptions(team_id, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountColumns = `id, team_id, name, latam_balance, smiles_balance, livelo_balance, esfera_balance,
	version, created_at, updated_at`

func (s *Store) CreateAccount(ctx context.Context, acc loyalty.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createAccount(ctx, s.db, acc)
}

func createAccount(ctx context.Context, db querier, acc loyalty.Account) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		acc.ID, acc.TeamID, acc.Name,
		acc.Balances.Get(loyalty.ProgramLatam),
		acc.Balances.Get(loyalty.ProgramSmiles),
		acc.Balances.Get(loyalty.ProgramLivelo),
		acc.Balances.Get(loyalty.ProgramEsfera),
		acc.Version,
		formatTime(acc.CreatedAt), formatTime(acc.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.InvalidStateError{Resource: "account", ID: string(acc.ID), State: "exists", Op: "create"}
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

// LockAccount outside a transaction is a plain read.
func (s *Store) LockAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return s.GetAccount(ctx, id)
}

func getAccount(ctx context.Context, db querier, id loyalty.AccountID) (loyalty.Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)

	var (
		acc                  loyalty.Account
		latam, smiles        int64
		livelo, esfera       int64
		createdAt, updatedAt string
	)
	err := row.Scan(&acc.ID, &acc.TeamID, &acc.Name, &latam, &smiles, &livelo, &esfera,
		&acc.Version, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Account{}, loyalty.NotFound("account", id)
	}
	if err != nil {
		return loyalty.Account{}, fmt.Errorf("failed to get account: %w", err)
	}
	acc.Balances = loyalty.NewBalances(latam, smiles, livelo, esfera)
	acc.CreatedAt = parseTime(createdAt)
	acc.UpdatedAt = parseTime(updatedAt)
	return acc, nil
}

func (s *Store) UpdateBalances(ctx context.Context, id loyalty.AccountID, balances loyalty.Balances, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateBalances(ctx, s.db, id, balances, expectedVersion)
}

func updateBalances(ctx context.Context, db querier, id loyalty.AccountID, b loyalty.Balances, expectedVersion int64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE accounts
		SET latam_balance = ?, smiles_balance = ?, livelo_balance = ?, esfera_balance = ?,
		    version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		b.Get(loyalty.ProgramLatam), b.Get(loyalty.ProgramSmiles),
		b.Get(loyalty.ProgramLivelo), b.Get(loyalty.ProgramEsfera),
		formatTime(time.Now()), id, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update balances: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update balances: %w", err)
	}
	if n == 0 {
		if _, err := getAccount(ctx, db, id); err != nil {
			return err
		}
		return loyalty.ErrConcurrentModification
	}
	return nil
}

// =============================================================================
// PURCHASES
// =============================================================================

const purchaseColumns = `id, account_id, team_id, title, status, created_at, updated_at`

func (s *Store) CreatePurchase(ctx context.Context, p loyalty.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createPurchase(ctx, s.db, p)
}

func createPurchase(ctx context.Context, db querier, p loyalty.Purchase) error {
	if _, err := getAccount(ctx, db, p.AccountID); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AccountID, p.TeamID, p.Title, p.Status, formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create purchase: %w", err)
	}
	return nil
}

func (s *Store) GetPurchase(ctx context.Context, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPurchase(ctx, s.db, id)
}

func getPurchase(ctx context.Context, db querier, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	row := db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = ?`, id)
	p, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Purchase{}, loyalty.NotFound("purchase", id)
	}
	if err != nil {
		return loyalty.Purchase{}, fmt.Errorf("failed to get purchase: %w", err)
	}
	return p, nil
}

func (s *Store) SetPurchaseStatus(ctx context.Context, id loyalty.PurchaseID, from, to loyalty.PurchaseStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setPurchaseStatus(ctx, s.db, id, from, to, at)
}

func setPurchaseStatus(ctx context.Context, db querier, id loyalty.PurchaseID, from, to loyalty.PurchaseStatus, at time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE purchases SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, to, formatTime(at), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to set purchase status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set purchase status: %w", err)
	}
	if n == 0 {
		if _, err := getPurchase(ctx, db, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) ListPurchases(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPurchases(ctx, s.db, accountID)
}

func listPurchases(ctx context.Context, db querier, accountID loyalty.AccountID) ([]loyalty.Purchase, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+purchaseColumns+` FROM purchases
		WHERE account_id = ?
		ORDER BY created_at ASC, id ASC
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan purchase: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPurchase(row scanner) (loyalty.Purchase, error) {
	var (
		p                    loyalty.Purchase
		createdAt, updatedAt string
	)
	if err := row.Scan(&p.ID, &p.AccountID, &p.TeamID, &p.Title, &p.Status, &createdAt, &updatedAt); err != nil {
		return loyalty.Purchase{}, err
	}
	p.CreatedAt = parseTime(createdAt)
	p.UpdatedAt = parseTime(updatedAt)
	return p, nil
}

// =============================================================================
// PURCHASE ITEMS
// =============================================================================

const itemColumns = `id, purchase_id, type, status, title, details, program_from, program_to,
	points_base, bonus_mode, bonus_value, points_final, transfer_mode, points_debited_from_origin,
	amount_cents, created_at, updated_at, released_at, canceled_at`

func (s *Store) InsertItem(ctx context.Context, item loyalty.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertItem(ctx, s.db, item)
}

func insertItem(ctx context.Context, db querier, it loyalty.Item) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO purchase_items (seq, `+itemColumns+`)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM purchase_items WHERE purchase_id = ?),
		        ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		it.PurchaseID,
		it.ID, it.PurchaseID, it.Type, it.Status, it.Title, it.Details,
		nullProgram(it.ProgramFrom), nullProgram(it.ProgramTo),
		it.PointsBase, nullString(string(it.BonusMode)), it.BonusValue, it.PointsFinal,
		nullString(string(it.TransferMode)), it.PointsDebitedFromOrigin, it.AmountCents,
		formatTime(it.CreatedAt), formatTime(it.UpdatedAt),
		nullTime(it.ReleasedAt), nullTime(it.CanceledAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert item: %w", err)
	}
	return nil
}

func (s *Store) GetItem(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getItem(ctx, s.db, purchaseID, itemID)
}

func getItem(ctx context.Context, db querier, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	row := db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM purchase_items
		WHERE id = ? AND purchase_id = ?
	`, itemID, purchaseID)
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.Item{}, loyalty.NotFound("item", itemID)
	}
	if err != nil {
		return loyalty.Item{}, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

func (s *Store) ListItems(ctx context.Context, purchaseID loyalty.PurchaseID) ([]loyalty.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listItems(ctx, s.db, purchaseID)
}

func listItems(ctx context.Context, db querier, purchaseID loyalty.PurchaseID) ([]loyalty.Item, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM purchase_items
		WHERE purchase_id = ?
		ORDER BY seq ASC
	`, purchaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	var out []loyalty.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) UpdateItem(ctx context.Context, item loyalty.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateItem(ctx, s.db, item)
}

func updateItem(ctx context.Context, db querier, it loyalty.Item) error {
	res, err := db.ExecContext(ctx, `
		UPDATE purchase_items
		SET type = ?, title = ?, details = ?, program_from = ?, program_to = ?,
		    points_base = ?, bonus_mode = ?, bonus_value = ?, points_final = ?,
		    transfer_mode = ?, points_debited_from_origin = ?, amount_cents = ?, updated_at = ?
		WHERE id = ? AND purchase_id = ? AND status = ?
	`,
		it.Type, it.Title, it.Details, nullProgram(it.ProgramFrom), nullProgram(it.ProgramTo),
		it.PointsBase, nullString(string(it.BonusMode)), it.BonusValue, it.PointsFinal,
		nullString(string(it.TransferMode)), it.PointsDebitedFromOrigin, it.AmountCents,
		formatTime(it.UpdatedAt),
		it.ID, it.PurchaseID, loyalty.ItemPending,
	)
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update item: %w", err)
	}
	if n == 0 {
		cur, err := getItem(ctx, db, it.PurchaseID, it.ID)
		if err != nil {
			return err
		}
		return &loyalty.InvalidStateError{Resource: "item", ID: string(it.ID), State: string(cur.Status), Op: "edit"}
	}
	return nil
}

func (s *Store) SetItemStatus(ctx context.Context, itemID loyalty.ItemID, from, to loyalty.ItemStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setItemStatus(ctx, s.db, itemID, from, to, at)
}

func setItemStatus(ctx context.Context, db querier, itemID loyalty.ItemID, from, to loyalty.ItemStatus, at time.Time) (bool, error) {
	var releasedAt, canceledAt sql.NullString
	switch to {
	case loyalty.ItemReleased:
		releasedAt = nullTime(&at)
	case loyalty.ItemCanceled:
		canceledAt = nullTime(&at)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE purchase_items
		SET status = ?, updated_at = ?,
		    released_at = COALESCE(?, released_at),
		    canceled_at = COALESCE(?, canceled_at)
		WHERE id = ? AND status = ?
	`, to, formatTime(at), releasedAt, canceledAt, itemID, from)
	if err != nil {
		return false, fmt.Errorf("failed to set item status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to set item status: %w", err)
	}
	if n == 0 {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM purchase_items WHERE id = ?`, itemID).Scan(&exists)
		if err != nil {
			return false, fmt.Errorf("failed to check item: %w", err)
		}
		if exists == 0 {
			return false, loyalty.NotFound("item", itemID)
		}
		return false, nil
	}
	return true, nil
}

func scanItem(row scanner) (loyalty.Item, error) {
	var (
		it                      loyalty.Item
		from, to                sql.NullString
		bonusMode, transferMode sql.NullString
		createdAt, updatedAt    string
		releasedAt, canceledAt  sql.NullString
	)
	err := row.Scan(&it.ID, &it.PurchaseID, &it.Type, &it.Status, &it.Title, &it.Details,
		&from, &to, &it.PointsBase, &bonusMode, &it.BonusValue, &it.PointsFinal,
		&transferMode, &it.PointsDebitedFromOrigin, &it.AmountCents,
		&createdAt, &updatedAt, &releasedAt, &canceledAt)
	if err != nil {
		return loyalty.Item{}, err
	}
	it.ProgramFrom, _ = loyalty.ParseProgram(from.String)
	it.ProgramTo, _ = loyalty.ParseProgram(to.String)
	it.BonusMode = loyalty.BonusMode(bonusMode.String)
	it.TransferMode = loyalty.TransferMode(transferMode.String)
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	it.ReleasedAt = parseNullTime(releasedAt)
	it.CanceledAt = parseNullTime(canceledAt)
	return it, nil
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxLedgerStore interface)
// =============================================================================

// WithTx executes a function within a database transaction. The store's
// write lock is held for the whole transaction, so LockAccount inside fn
// serializes against every other writer.
func (s *Store) WithTx(ctx context.Context, fn func(store loyalty.LedgerStore) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the LedgerStore view of an open transaction. Every read goes
// through the transaction so it sees the transaction's own writes.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateAccount(ctx context.Context, acc loyalty.Account) error {
	return createAccount(ctx, ts.tx, acc)
}

func (ts *txStore) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

// LockAccount reads the account inside the transaction. The transaction
// already holds the database write lock (BEGIN IMMEDIATE) and the store
// mutex, so no other writer can touch the row until commit.
func (ts *txStore) LockAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) UpdateBalances(ctx context.Context, id loyalty.AccountID, balances loyalty.Balances, expectedVersion int64) error {
	return updateBalances(ctx, ts.tx, id, balances, expectedVersion)
}

func (ts *txStore) CreatePurchase(ctx context.Context, p loyalty.Purchase) error {
	return createPurchase(ctx, ts.tx, p)
}

func (ts *txStore) GetPurchase(ctx context.Context, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	return getPurchase(ctx, ts.tx, id)
}

func (ts *txStore) SetPurchaseStatus(ctx context.Context, id loyalty.PurchaseID, from, to loyalty.PurchaseStatus, at time.Time) (bool, error) {
	return setPurchaseStatus(ctx, ts.tx, id, from, to, at)
}

func (ts *txStore) ListPurchases(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Purchase, error) {
	return listPurchases(ctx, ts.tx, accountID)
}

func (ts *txStore) InsertItem(ctx context.Context, item loyalty.Item) error {
	return insertItem(ctx, ts.tx, item)
}

func (ts *txStore) GetItem(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	return getItem(ctx, ts.tx, purchaseID, itemID)
}

func (ts *txStore) ListItems(ctx context.Context, purchaseID loyalty.PurchaseID) ([]loyalty.Item, error) {
	return listItems(ctx, ts.tx, purchaseID)
}

func (ts *txStore) UpdateItem(ctx context.Context, item loyalty.Item) error {
	return updateItem(ctx, ts.tx, item)
}

func (ts *txStore) SetItemStatus(ctx context.Context, itemID loyalty.ItemID, from, to loyalty.ItemStatus, at time.Time) (bool, error) {
	return setItemStatus(ctx, ts.tx, itemID, from, to, at)
}

// =============================================================================
// EMISSION STORE
// =============================================================================

const emissionColumns = `id, account_id, program, issued_at, passengers_count, source, note, created_at`

func (s *Store) AppendEmission(ctx context.Context, ev loyalty.EmissionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO emission_events (`+emissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.AccountID, ev.Program.String(), ev.IssuedAt.String(), ev.PassengersCount,
		ev.Source, ev.Note, formatTime(ev.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &loyalty.InvalidStateError{Resource: "emission", ID: string(ev.ID), State: "exists", Op: "record"}
		}
		return fmt.Errorf("failed to append emission: %w", err)
	}
	return nil
}

func (s *Store) GetEmission(ctx context.Context, id loyalty.EmissionID) (loyalty.EmissionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+emissionColumns+` FROM emission_events WHERE id = ?`, id)
	ev, err := scanEmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.EmissionEvent{}, loyalty.NotFound("emission", id)
	}
	if err != nil {
		return loyalty.EmissionEvent{}, fmt.Errorf("failed to get emission: %w", err)
	}
	return ev, nil
}

func (s *Store) DeleteEmission(ctx context.Context, id loyalty.EmissionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM emission_events WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete emission: %w", err)
	}
	return requireRow(res, "emission", id)
}

func (s *Store) CorrectEmission(ctx context.Context, id loyalty.EmissionID, passengers int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE emission_events SET passengers_count = ?, note = ?
		WHERE id = ?
	`, passengers, note, id)
	if err != nil {
		return fmt.Errorf("failed to correct emission: %w", err)
	}
	return requireRow(res, "emission", id)
}

// SumPassengers totals passengers with issued_at in [w.Start, w.End).
func (s *Store) SumPassengers(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, w loyalty.Window) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(passengers_count), 0) FROM emission_events
		WHERE account_id = ? AND program = ?
		  AND issued_at >= ? AND issued_at < ?
	`, accountID, program.String(), w.Start.String(), w.End.String()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum passengers: %w", err)
	}
	return total, nil
}

func (s *Store) ListEmissions(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, w loyalty.Window) ([]loyalty.EmissionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+emissionColumns+` FROM emission_events
		WHERE account_id = ? AND program = ?
		  AND issued_at >= ? AND issued_at < ?
		ORDER BY issued_at ASC, created_at ASC
	`, accountID, program.String(), w.Start.String(), w.End.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query emissions: %w", err)
	}
	defer rows.Close()

	var out []loyalty.EmissionEvent
	for rows.Next() {
		ev, err := scanEmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan emission: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEmission(row scanner) (loyalty.EmissionEvent, error) {
	var (
		ev                loyalty.EmissionEvent
		program, issuedAt string
		createdAt         string
	)
	if err := row.Scan(&ev.ID, &ev.AccountID, &program, &issuedAt, &ev.PassengersCount,
		&ev.Source, &ev.Note, &createdAt); err != nil {
		return loyalty.EmissionEvent{}, err
	}
	p, err := loyalty.ParseProgram(program)
	if err != nil {
		return loyalty.EmissionEvent{}, err
	}
	d, err := loyalty.ParseDate(issuedAt)
	if err != nil {
		return loyalty.EmissionEvent{}, err
	}
	ev.Program = p
	ev.IssuedAt = d
	ev.CreatedAt = parseTime(createdAt)
	return ev, nil
}

// =============================================================================
// SUBSCRIPTION STORE
// =============================================================================

const subscriptionColumns = `id, account_id, team_id, program, status, subscribed_at, last_renewed_at,
	renewal_day, next_due_at, created_at, updated_at`

// UpsertSubscription inserts the (account, program) row or replaces its
// mutable fields. The original id and created_at are kept.
func (s *Store) UpsertSubscription(ctx context.Context, rec loyalty.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO club_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, program) DO UPDATE SET
			team_id = excluded.team_id,
			status = excluded.status,
			subscribed_at = excluded.subscribed_at,
			last_renewed_at = excluded.last_renewed_at,
			renewal_day = excluded.renewal_day,
			next_due_at = excluded.next_due_at,
			updated_at = excluded.updated_at
	`,
		rec.ID, rec.AccountID, rec.TeamID, rec.Program.String(), rec.Status,
		rec.SubscribedAt.String(), nullDate(rec.LastRenewedAt), rec.RenewalDay, nullDate(rec.NextDueAt),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program) (loyalty.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM club_subscriptions
		WHERE account_id = ? AND program = ?
	`, accountID, program.String())
	rec, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return loyalty.SubscriptionRecord{}, loyalty.NotFound("subscription", string(accountID)+"/"+program.String())
	}
	if err != nil {
		return loyalty.SubscriptionRecord{}, fmt.Errorf("failed to get subscription: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.querySubscriptions(ctx, `
		SELECT `+subscriptionColumns+` FROM club_subscriptions
		WHERE account_id = ?
	`, accountID)
}

func (s *Store) ListOpenSubscriptions(ctx context.Context, scope loyalty.TeamID, excludeStatuses ...string) ([]loyalty.SubscriptionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + subscriptionColumns + ` FROM club_subscriptions WHERE team_id = ?`
	args := []any{scope}
	if len(excludeStatuses) > 0 {
		query += ` AND status NOT IN (?` + strings.Repeat(", ?", len(excludeStatuses)-1) + `)`
		for _, st := range excludeStatuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY id ASC`
	return s.querySubscriptions(ctx, query, args...)
}

func (s *Store) ListScopes(ctx context.Context) ([]loyalty.TeamID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT team_id FROM club_subscriptions ORDER BY team_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scopes: %w", err)
	}
	defer rows.Close()

	var out []loyalty.TeamID
	for rows.Next() {
		var t loyalty.TeamID
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan scope: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateSubscriptionStatuses applies the batch in one transaction. Each
// row is only written if it still holds the status the sweep read.
func (s *Store) UpdateSubscriptionStatuses(ctx context.Context, changes []loyalty.StatusChange) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	var written []string
	for _, c := range changes {
		res, err := sqlTx.ExecContext(ctx, `
			UPDATE club_subscriptions
			SET status = ?, next_due_at = ?, updated_at = ?
			WHERE id = ? AND status = ?
		`, c.ToStatus, nullDate(c.NextDueAt), formatTime(c.At), c.ID, c.FromStatus)
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription %s: %w", c.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to update subscription %s: %w", c.ID, err)
		}
		if n > 0 {
			written = append(written, c.ID)
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit subscription batch: %w", err)
	}
	return written, nil
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...any) ([]loyalty.SubscriptionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var out []loyalty.SubscriptionRecord
	for rows.Next() {
		rec, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Program order, not name order: LATAM, SMILES, LIVELO, ESFERA.
	sortByProgram(out)
	return out, nil
}

func scanSubscription(row scanner) (loyalty.SubscriptionRecord, error) {
	var (
		rec                      loyalty.SubscriptionRecord
		program, subscribedAt    string
		lastRenewedAt, nextDueAt sql.NullString
		createdAt, updatedAt     string
	)
	err := row.Scan(&rec.ID, &rec.AccountID, &rec.TeamID, &program, &rec.Status, &subscribedAt,
		&lastRenewedAt, &rec.RenewalDay, &nextDueAt, &createdAt, &updatedAt)
	if err != nil {
		return loyalty.SubscriptionRecord{}, err
	}
	if rec.Program, err = loyalty.ParseProgram(program); err != nil {
		return loyalty.SubscriptionRecord{}, err
	}
	if rec.SubscribedAt, err = loyalty.ParseDate(subscribedAt); err != nil {
		return loyalty.SubscriptionRecord{}, err
	}
	rec.LastRenewedAt = parseNullDate(lastRenewedAt)
	rec.NextDueAt = parseNullDate(nextDueAt)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return rec, nil
}

func sortByProgram(recs []loyalty.SubscriptionRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Program < recs[j].Program })
}

// =============================================================================
// ADMIN
// =============================================================================

// Reset deletes all data. Used by tests and the demo seed.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"club_subscriptions", "emission_events", "purchase_items", "purchases", "accounts"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func requireRow(res sql.Result, resource string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return loyalty.NotFound(resource, id)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullDate(d *loyalty.Date) sql.NullString {
	if d == nil || d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDate(ns sql.NullString) *loyalty.Date {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d, err := loyalty.ParseDate(ns.String)
	if err != nil {
		return nil
	}
	return &d
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullProgram(p loyalty.Program) sql.NullString {
	if !p.Valid() {
		return sql.NullString{}
	}
	return nullString(p.String())
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
