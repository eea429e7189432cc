// Package store provides in-memory ledger.TxRepository implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/zeva/credit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.RWMutex
	transactions map[ledger.OrganizationID][]ledger.Transaction
	snapshots    map[snapshotKey][]ledger.EndingBalance
	history      []ledger.HistoryEntry
	ids          map[string]bool
}

type snapshotKey struct {
	Org  ledger.OrganizationID
	Year int
}

func NewMemory() *Memory {
	return &Memory{
		transactions: make(map[ledger.OrganizationID][]ledger.Transaction),
		snapshots:    make(map[snapshotKey][]ledger.EndingBalance),
		ids:          make(map[string]bool),
	}
}

func (m *Memory) MostRecentSnapshotYear(_ context.Context, org ledger.OrganizationID) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(org)
}

func (m *Memory) latestLocked(org ledger.OrganizationID) (int, bool, error) {
	year, ok := 0, false
	for k := range m.snapshots {
		if k.Org == org && (!ok || k.Year > year) {
			year, ok = k.Year, true
		}
	}
	return year, ok, nil
}

func (m *Memory) SnapshotRecords(_ context.Context, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(org, year), nil
}

func (m *Memory) snapshotLocked(org ledger.OrganizationID, year int) []ledger.EndingBalance {
	rows := m.snapshots[snapshotKey{Org: org, Year: year}]
	out := make([]ledger.EndingBalance, len(rows))
	copy(out, rows)
	return out
}

func (m *Memory) Transactions(_ context.Context, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.transactionsLocked(org, w), nil
}

func (m *Memory) transactionsLocked(org ledger.OrganizationID, w ledger.Window) []ledger.Transaction {
	var result []ledger.Transaction
	for _, tx := range m.transactions[org] {
		if w.Contains(tx.Timestamp) {
			result = append(result, tx)
		}
	}
	return result
}

func (m *Memory) Organizations(_ context.Context) ([]ledger.OrganizationID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.organizationsLocked(), nil
}

func (m *Memory) organizationsLocked() []ledger.OrganizationID {
	seen := make(map[ledger.OrganizationID]bool)
	for org := range m.transactions {
		seen[org] = true
	}
	for k := range m.snapshots {
		seen[k.Org] = true
	}
	orgs := make([]ledger.OrganizationID, 0, len(seen))
	for org := range seen {
		orgs = append(orgs, org)
	}
	sort.Slice(orgs, func(i, j int) bool { return orgs[i] < orgs[j] })
	return orgs
}

// History returns the status transitions of one workflow entity, oldest first.
func (m *Memory) History(_ context.Context, refType ledger.ReferenceType, refID string) ([]ledger.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ledger.HistoryEntry
	for _, h := range m.history {
		if h.ReferenceType == refType && h.ReferenceID == refID {
			out = append(out, h)
		}
	}
	return out, nil
}

// AllHistory returns every recorded status transition, oldest first.
func (m *Memory) AllHistory() []ledger.HistoryEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ledger.HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Seed appends transactions outside of a transaction. Test fixtures only.
func (m *Memory) Seed(txs ...ledger.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.appendLocked(txs)
}

func (m *Memory) appendLocked(txs []ledger.Transaction) error {
	batch := make(map[string]bool, len(txs))
	for _, tx := range txs {
		if tx.ID == "" {
			continue
		}
		if m.ids[tx.ID] || batch[tx.ID] {
			return ledger.ErrConcurrentModification
		}
		batch[tx.ID] = true
	}
	for _, tx := range txs {
		list := m.transactions[tx.OrganizationID]

		// Keep each organization's rows ordered by timestamp.
		i := sort.Search(len(list), func(i int) bool {
			return list[i].Timestamp.After(tx.Timestamp)
		})
		list = append(list, ledger.Transaction{})
		copy(list[i+1:], list[i:])
		list[i] = tx
		m.transactions[tx.OrganizationID] = list

		if tx.ID != "" {
			m.ids[tx.ID] = true
		}
	}
	return nil
}

func (m *Memory) saveSnapshotLocked(org ledger.OrganizationID, year int, rows []ledger.EndingBalance) error {
	k := snapshotKey{Org: org, Year: year}
	if _, exists := m.snapshots[k]; exists {
		return ledger.ErrSnapshotExists
	}
	m.snapshots[k] = append([]ledger.EndingBalance{}, rows...)
	return nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn while holding the store's write lock, which serializes
// every commit. Writes are applied to the live maps and rolled back from a
// copy if fn fails or panics.
func (m *Memory) WithTx(ctx context.Context, _ ledger.OrganizationID, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	defer func() {
		if r := recover(); r != nil {
			m.restore(snap)
			panic(r)
		}
	}()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	transactions map[ledger.OrganizationID][]ledger.Transaction
	snapshots    map[snapshotKey][]ledger.EndingBalance
	history      []ledger.HistoryEntry
	ids          map[string]bool
}

func (m *Memory) snapshot() memorySnapshot {
	txs := make(map[ledger.OrganizationID][]ledger.Transaction, len(m.transactions))
	for k, v := range m.transactions {
		txs[k] = append([]ledger.Transaction{}, v...)
	}
	snaps := make(map[snapshotKey][]ledger.EndingBalance, len(m.snapshots))
	for k, v := range m.snapshots {
		snaps[k] = v
	}
	ids := make(map[string]bool, len(m.ids))
	for k, v := range m.ids {
		ids[k] = v
	}
	return memorySnapshot{
		transactions: txs,
		snapshots:    snaps,
		history:      append([]ledger.HistoryEntry{}, m.history...),
		ids:          ids,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.transactions = s.transactions
	m.snapshots = s.snapshots
	m.history = s.history
	m.ids = s.ids
}

// txView reads and writes the parent's maps directly; the parent lock is
// already held by WithTx.
type txView struct {
	parent *Memory
}

func (tv *txView) MostRecentSnapshotYear(_ context.Context, org ledger.OrganizationID) (int, bool, error) {
	return tv.parent.latestLocked(org)
}

func (tv *txView) SnapshotRecords(_ context.Context, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	return tv.parent.snapshotLocked(org, year), nil
}

func (tv *txView) Transactions(_ context.Context, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	return tv.parent.transactionsLocked(org, w), nil
}

func (tv *txView) Organizations(_ context.Context) ([]ledger.OrganizationID, error) {
	return tv.parent.organizationsLocked(), nil
}

func (tv *txView) AppendTransactions(_ context.Context, txs []ledger.Transaction) error {
	return tv.parent.appendLocked(txs)
}

func (tv *txView) SaveEndingBalances(_ context.Context, org ledger.OrganizationID, year int, rows []ledger.EndingBalance) error {
	return tv.parent.saveSnapshotLocked(org, year, rows)
}

func (tv *txView) AppendHistory(_ context.Context, entry ledger.HistoryEntry) error {
	tv.parent.history = append(tv.parent.history, entry)
	return nil
}

var (
	_ ledger.TxRepository  = (*Memory)(nil)
	_ ledger.HistoryReader = (*Memory)(nil)
)
