// Package store provides in-memory implementations of the loyalty store interfaces.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/points-ledger/loyalty"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements TxLedgerStore, EmissionStore and SubscriptionStore.
type Memory struct {
	mu        sync.RWMutex
	accounts  map[loyalty.AccountID]loyalty.Account
	purchases map[loyalty.PurchaseID]loyalty.Purchase
	items     map[loyalty.ItemID]loyalty.Item
	itemOrder map[loyalty.PurchaseID][]loyalty.ItemID
	emissions map[loyalty.EmissionID]loyalty.EmissionEvent
	subs      map[subKey]loyalty.SubscriptionRecord

	locksMu      sync.Mutex
	accountLocks map[loyalty.AccountID]*sync.Mutex
}

type subKey struct {
	AccountID loyalty.AccountID
	Program   loyalty.Program
}

var (
	_ loyalty.TxLedgerStore     = (*Memory)(nil)
	_ loyalty.EmissionStore     = (*Memory)(nil)
	_ loyalty.SubscriptionStore = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[loyalty.AccountID]loyalty.Account),
		purchases:    make(map[loyalty.PurchaseID]loyalty.Purchase),
		items:        make(map[loyalty.ItemID]loyalty.Item),
		itemOrder:    make(map[loyalty.PurchaseID][]loyalty.ItemID),
		emissions:    make(map[loyalty.EmissionID]loyalty.EmissionEvent),
		subs:         make(map[subKey]loyalty.SubscriptionRecord),
		accountLocks: make(map[loyalty.AccountID]*sync.Mutex),
	}
}

// Reset removes all data.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = make(map[loyalty.AccountID]loyalty.Account)
	m.purchases = make(map[loyalty.PurchaseID]loyalty.Purchase)
	m.items = make(map[loyalty.ItemID]loyalty.Item)
	m.itemOrder = make(map[loyalty.PurchaseID][]loyalty.ItemID)
	m.emissions = make(map[loyalty.EmissionID]loyalty.EmissionEvent)
	m.subs = make(map[subKey]loyalty.SubscriptionRecord)
	return nil
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, acc loyalty.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.ID]; ok {
		return &loyalty.InvalidStateError{Resource: "account", ID: string(acc.ID), State: "exists", Op: "create"}
	}
	m.accounts[acc.ID] = acc
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return loyalty.Account{}, loyalty.NotFound("account", id)
	}
	return acc, nil
}

func (m *Memory) LockAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	return m.GetAccount(ctx, id)
}

func (m *Memory) UpdateBalances(_ context.Context, id loyalty.AccountID, balances loyalty.Balances, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBalancesLocked(id, balances, expectedVersion, time.Now().UTC())
}

func (m *Memory) updateBalancesLocked(id loyalty.AccountID, balances loyalty.Balances, expectedVersion int64, at time.Time) error {
	acc, ok := m.accounts[id]
	if !ok {
		return loyalty.NotFound("account", id)
	}
	if acc.Version != expectedVersion {
		return loyalty.ErrConcurrentModification
	}
	acc.Balances = balances
	acc.Version++
	acc.UpdatedAt = at
	m.accounts[id] = acc
	return nil
}

// accountLock returns the mutex that serializes transactions on one account.
func (m *Memory) accountLock(id loyalty.AccountID) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.accountLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.accountLocks[id] = l
	}
	return l
}

// =============================================================================
// PURCHASES AND ITEMS
// =============================================================================

func (m *Memory) CreatePurchase(_ context.Context, p loyalty.Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[p.AccountID]; !ok {
		return loyalty.NotFound("account", p.AccountID)
	}
	m.purchases[p.ID] = p
	return nil
}

func (m *Memory) GetPurchase(_ context.Context, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.purchases[id]
	if !ok {
		return loyalty.Purchase{}, loyalty.NotFound("purchase", id)
	}
	return p, nil
}

func (m *Memory) SetPurchaseStatus(_ context.Context, id loyalty.PurchaseID, from, to loyalty.PurchaseStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.purchases[id]
	if !ok {
		return false, loyalty.NotFound("purchase", id)
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	m.purchases[id] = p
	return true, nil
}

func (m *Memory) ListPurchases(_ context.Context, accountID loyalty.AccountID) ([]loyalty.Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loyalty.Purchase
	for _, p := range m.purchases {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertItem(_ context.Context, item loyalty.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertItemLocked(item)
	return nil
}

func (m *Memory) insertItemLocked(item loyalty.Item) {
	if _, exists := m.items[item.ID]; !exists {
		m.itemOrder[item.PurchaseID] = append(m.itemOrder[item.PurchaseID], item.ID)
	}
	m.items[item.ID] = item
}

func (m *Memory) GetItem(_ context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[itemID]
	if !ok || item.PurchaseID != purchaseID {
		return loyalty.Item{}, loyalty.NotFound("item", itemID)
	}
	return item, nil
}

func (m *Memory) ListItems(_ context.Context, purchaseID loyalty.PurchaseID) ([]loyalty.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.itemOrder[purchaseID]
	out := make([]loyalty.Item, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.items[id])
	}
	return out, nil
}

func (m *Memory) UpdateItem(_ context.Context, item loyalty.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateItemLocked(item)
}

func (m *Memory) updateItemLocked(item loyalty.Item) error {
	cur, ok := m.items[item.ID]
	if !ok || cur.PurchaseID != item.PurchaseID {
		return loyalty.NotFound("item", item.ID)
	}
	if cur.Status != loyalty.ItemPending {
		return &loyalty.InvalidStateError{Resource: "item", ID: string(item.ID), State: string(cur.Status), Op: "edit"}
	}
	item.Status = cur.Status
	item.CreatedAt = cur.CreatedAt
	m.items[item.ID] = item
	return nil
}

func (m *Memory) SetItemStatus(_ context.Context, itemID loyalty.ItemID, from, to loyalty.ItemStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setItemStatusLocked(itemID, from, to, at)
}

func (m *Memory) setItemStatusLocked(itemID loyalty.ItemID, from, to loyalty.ItemStatus, at time.Time) (bool, error) {
	item, ok := m.items[itemID]
	if !ok {
		return false, loyalty.NotFound("item", itemID)
	}
	if item.Status != from {
		return false, nil
	}
	m.items[itemID] = withStatus(item, to, at)
	return true, nil
}

func withStatus(item loyalty.Item, to loyalty.ItemStatus, at time.Time) loyalty.Item {
	item.Status = to
	item.UpdatedAt = at
	switch to {
	case loyalty.ItemReleased:
		item.ReleasedAt = &at
	case loyalty.ItemCanceled:
		item.CanceledAt = &at
	}
	return item
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn within a transaction.
// Writes are staged in the view and applied together on success; the
// preconditions they were based on (item status, account version) are
// re-checked at commit so a concurrent writer cannot be overwritten. The
// status of every purchase read is part of those preconditions.
// Accounts locked through LockAccount stay locked until WithTx returns.
func (m *Memory) WithTx(ctx context.Context, fn func(loyalty.LedgerStore) error) error {
	tx := &memoryTx{
		parent:    m,
		accounts:  make(map[loyalty.AccountID]stagedBalances),
		purchases: make(map[loyalty.PurchaseID]loyalty.Purchase),
		readFrom:  make(map[loyalty.PurchaseID]loyalty.PurchaseStatus),
		items:     make(map[loyalty.ItemID]stagedItem),
		locked:    make(map[loyalty.AccountID]*sync.Mutex),
	}
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

type stagedBalances struct {
	balances        loyalty.Balances
	expectedVersion int64
	at              time.Time
}

type stagedItem struct {
	item       loyalty.Item
	inserted   bool
	fromStatus loyalty.ItemStatus // status the write was based on
}

type memoryTx struct {
	parent    *Memory
	accounts  map[loyalty.AccountID]stagedBalances
	purchases map[loyalty.PurchaseID]loyalty.Purchase
	readFrom  map[loyalty.PurchaseID]loyalty.PurchaseStatus // purchase status last read from the store
	items     map[loyalty.ItemID]stagedItem
	itemSeq   []loyalty.ItemID
	locked    map[loyalty.AccountID]*sync.Mutex
}

func (tx *memoryTx) unlockAll() {
	for _, l := range tx.locked {
		l.Unlock()
	}
}

func (tx *memoryTx) commit() error {
	m := tx.parent
	m.mu.Lock()
	defer m.mu.Unlock()

	// Verify every precondition before writing anything.
	for id, st := range tx.accounts {
		acc, ok := m.accounts[id]
		if !ok {
			return loyalty.NotFound("account", id)
		}
		if acc.Version != st.expectedVersion {
			return loyalty.ErrConcurrentModification
		}
	}
	for id, st := range tx.items {
		if st.inserted {
			continue
		}
		cur, ok := m.items[id]
		if !ok {
			return loyalty.NotFound("item", id)
		}
		if cur.Status != st.fromStatus {
			return loyalty.ErrConcurrentModification
		}
	}
	for id, status := range tx.readFrom {
		cur, ok := m.purchases[id]
		if !ok {
			return loyalty.NotFound("purchase", id)
		}
		if cur.Status != status {
			return loyalty.ErrConcurrentModification
		}
	}

	for id, st := range tx.accounts {
		if err := m.updateBalancesLocked(id, st.balances, st.expectedVersion, st.at); err != nil {
			return err
		}
	}
	for id, p := range tx.purchases {
		m.purchases[id] = p
	}
	for _, id := range tx.itemSeq {
		m.insertItemLocked(tx.items[id].item)
	}
	for id, st := range tx.items {
		if !st.inserted {
			m.items[id] = st.item
		}
	}
	return nil
}

func (tx *memoryTx) CreateAccount(ctx context.Context, acc loyalty.Account) error {
	return tx.parent.CreateAccount(ctx, acc)
}

func (tx *memoryTx) GetAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	acc, err := tx.parent.GetAccount(ctx, id)
	if err != nil {
		return acc, err
	}
	if st, ok := tx.accounts[id]; ok {
		acc.Balances = st.balances
		acc.Version = st.expectedVersion + 1
	}
	return acc, nil
}

func (tx *memoryTx) LockAccount(ctx context.Context, id loyalty.AccountID) (loyalty.Account, error) {
	if _, held := tx.locked[id]; !held {
		l := tx.parent.accountLock(id)
		l.Lock()
		tx.locked[id] = l
	}
	return tx.GetAccount(ctx, id)
}

func (tx *memoryTx) UpdateBalances(_ context.Context, id loyalty.AccountID, balances loyalty.Balances, expectedVersion int64) error {
	base := expectedVersion
	if st, ok := tx.accounts[id]; ok {
		if expectedVersion != st.expectedVersion+1 {
			return loyalty.ErrConcurrentModification
		}
		base = st.expectedVersion
	}
	tx.accounts[id] = stagedBalances{balances: balances, expectedVersion: base, at: time.Now().UTC()}
	return nil
}

func (tx *memoryTx) CreatePurchase(_ context.Context, p loyalty.Purchase) error {
	tx.purchases[p.ID] = p
	return nil
}

func (tx *memoryTx) GetPurchase(ctx context.Context, id loyalty.PurchaseID) (loyalty.Purchase, error) {
	if p, ok := tx.purchases[id]; ok {
		return p, nil
	}
	p, err := tx.parent.GetPurchase(ctx, id)
	if err != nil {
		return p, err
	}
	tx.readFrom[id] = p.Status
	return p, nil
}

func (tx *memoryTx) SetPurchaseStatus(ctx context.Context, id loyalty.PurchaseID, from, to loyalty.PurchaseStatus, at time.Time) (bool, error) {
	p, err := tx.GetPurchase(ctx, id)
	if err != nil {
		return false, err
	}
	if p.Status != from {
		return false, nil
	}
	p.Status = to
	p.UpdatedAt = at
	tx.purchases[id] = p
	return true, nil
}

func (tx *memoryTx) ListPurchases(ctx context.Context, accountID loyalty.AccountID) ([]loyalty.Purchase, error) {
	return tx.parent.ListPurchases(ctx, accountID)
}

func (tx *memoryTx) InsertItem(_ context.Context, item loyalty.Item) error {
	tx.items[item.ID] = stagedItem{item: item, inserted: true}
	tx.itemSeq = append(tx.itemSeq, item.ID)
	return nil
}

func (tx *memoryTx) GetItem(ctx context.Context, purchaseID loyalty.PurchaseID, itemID loyalty.ItemID) (loyalty.Item, error) {
	if st, ok := tx.items[itemID]; ok {
		if st.item.PurchaseID != purchaseID {
			return loyalty.Item{}, loyalty.NotFound("item", itemID)
		}
		return st.item, nil
	}
	return tx.parent.GetItem(ctx, purchaseID, itemID)
}

func (tx *memoryTx) ListItems(ctx context.Context, purchaseID loyalty.PurchaseID) ([]loyalty.Item, error) {
	items, err := tx.parent.ListItems(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	for i, it := range items {
		if st, ok := tx.items[it.ID]; ok {
			items[i] = st.item
		}
	}
	for _, id := range tx.itemSeq {
		if it := tx.items[id].item; it.PurchaseID == purchaseID {
			items = append(items, it)
		}
	}
	return items, nil
}

func (tx *memoryTx) UpdateItem(ctx context.Context, item loyalty.Item) error {
	cur, err := tx.GetItem(ctx, item.PurchaseID, item.ID)
	if err != nil {
		return err
	}
	if cur.Status != loyalty.ItemPending {
		return &loyalty.InvalidStateError{Resource: "item", ID: string(item.ID), State: string(cur.Status), Op: "edit"}
	}
	item.Status = cur.Status
	item.CreatedAt = cur.CreatedAt
	tx.stageItem(item, cur.Status)
	return nil
}

func (tx *memoryTx) SetItemStatus(_ context.Context, itemID loyalty.ItemID, from, to loyalty.ItemStatus, at time.Time) (bool, error) {
	var cur loyalty.Item
	if st, ok := tx.items[itemID]; ok {
		cur = st.item
	} else {
		tx.parent.mu.RLock()
		item, ok := tx.parent.items[itemID]
		tx.parent.mu.RUnlock()
		if !ok {
			return false, loyalty.NotFound("item", itemID)
		}
		cur = item
	}
	if cur.Status != from {
		return false, nil
	}
	tx.stageItem(withStatus(cur, to, at), from)
	return true, nil
}

// stageItem records a write to an existing or staged item, keeping the
// status the first write in this transaction was based on.
func (tx *memoryTx) stageItem(item loyalty.Item, basedOn loyalty.ItemStatus) {
	if st, ok := tx.items[item.ID]; ok {
		st.item = item
		tx.items[item.ID] = st
		return
	}
	tx.items[item.ID] = stagedItem{item: item, fromStatus: basedOn}
}

// =============================================================================
// EMISSIONS
// =============================================================================

func (m *Memory) AppendEmission(_ context.Context, ev loyalty.EmissionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emissions[ev.ID]; ok {
		return &loyalty.InvalidStateError{Resource: "emission", ID: string(ev.ID), State: "exists", Op: "record"}
	}
	m.emissions[ev.ID] = ev
	return nil
}

func (m *Memory) GetEmission(_ context.Context, id loyalty.EmissionID) (loyalty.EmissionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.emissions[id]
	if !ok {
		return loyalty.EmissionEvent{}, loyalty.NotFound("emission", id)
	}
	return ev, nil
}

func (m *Memory) DeleteEmission(_ context.Context, id loyalty.EmissionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emissions[id]; !ok {
		return loyalty.NotFound("emission", id)
	}
	delete(m.emissions, id)
	return nil
}

func (m *Memory) CorrectEmission(_ context.Context, id loyalty.EmissionID, passengers int64, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.emissions[id]
	if !ok {
		return loyalty.NotFound("emission", id)
	}
	ev.PassengersCount = passengers
	ev.Note = note
	m.emissions[id] = ev
	return nil
}

func (m *Memory) SumPassengers(ctx context.Context, accountID loyalty.AccountID, program loyalty.Program, w loyalty.Window) (int64, error) {
	events, err := m.ListEmissions(ctx, accountID, program, w)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, ev := range events {
		total += ev.PassengersCount
	}
	return total, nil
}

func (m *Memory) ListEmissions(_ context.Context, accountID loyalty.AccountID, program loyalty.Program, w loyalty.Window) ([]loyalty.EmissionEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loyalty.EmissionEvent
	for _, ev := range m.emissions {
		if ev.AccountID == accountID && ev.Program == program && w.Contains(ev.IssuedAt) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssuedAt.Equal(out[j].IssuedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out, nil
}

// =============================================================================
// SUBSCRIPTIONS
// =============================================================================

func (m *Memory) UpsertSubscription(_ context.Context, rec loyalty.SubscriptionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := subKey{AccountID: rec.AccountID, Program: rec.Program}
	if cur, ok := m.subs[k]; ok {
		rec.ID = cur.ID
		rec.CreatedAt = cur.CreatedAt
	}
	m.subs[k] = rec
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, accountID loyalty.AccountID, program loyalty.Program) (loyalty.SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.subs[subKey{AccountID: accountID, Program: program}]
	if !ok {
		return loyalty.SubscriptionRecord{}, loyalty.NotFound("subscription", string(accountID)+"/"+program.String())
	}
	return rec, nil
}

func (m *Memory) ListSubscriptions(_ context.Context, accountID loyalty.AccountID) ([]loyalty.SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []loyalty.SubscriptionRecord
	for _, rec := range m.subs {
		if rec.AccountID == accountID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Program < out[j].Program })
	return out, nil
}

func (m *Memory) ListOpenSubscriptions(_ context.Context, scope loyalty.TeamID, excludeStatuses ...string) ([]loyalty.SubscriptionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	excluded := make(map[string]bool, len(excludeStatuses))
	for _, s := range excludeStatuses {
		excluded[s] = true
	}
	var out []loyalty.SubscriptionRecord
	for _, rec := range m.subs {
		if rec.TeamID == scope && !excluded[rec.Status] {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListScopes(_ context.Context) ([]loyalty.TeamID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[loyalty.TeamID]bool)
	var out []loyalty.TeamID
	for _, rec := range m.subs {
		if !seen[rec.TeamID] {
			seen[rec.TeamID] = true
			out = append(out, rec.TeamID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Memory) UpdateSubscriptionStatuses(_ context.Context, changes []loyalty.StatusChange) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID := make(map[string]subKey, len(m.subs))
	for k, rec := range m.subs {
		byID[rec.ID] = k
	}

	var written []string
	for _, c := range changes {
		k, ok := byID[c.ID]
		if !ok {
			continue
		}
		rec := m.subs[k]
		if rec.Status != c.FromStatus {
			continue
		}
		rec.Status = c.ToStatus
		rec.NextDueAt = c.NextDueAt
		rec.UpdatedAt = c.At
		m.subs[k] = rec
		written = append(written, c.ID)
	}
	return written, nil
}
