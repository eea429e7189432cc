/*
store.go - Persistence interface for ledger rows

PURPOSE:
  The narrow repository the engine reads from. It returns plain Record-bearing
  values; query building for list screens lives outside this package.

KEY INTERFACES:
  Repository:   read-only access (snapshots, transactions, organizations)
  Tx:           Repository plus the writes a terminal transition performs
  TxRepository: opens a Tx that serializes balance-affecting commits for
                one organization

APPEND-ONLY CONTRACT:
  Transactions and ending balances are never updated or deleted. Ending
  balances are written once per (organization, compliance year); a second
  write returns ErrSnapshotExists.

ATOMIC COMMITS:
  WithTx runs fn inside one transaction. Two concurrent approvals for the
  same organization must not both read a stale balance, so implementations
  serialize per organization (serializable isolation, advisory lock or a
  process-wide mutex). If fn returns an error nothing is written.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL
*/
package ledger

import (
	"context"
	"time"
)

// Window bounds a transaction query to [From, To). A zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

// Contains returns true if t falls within the window.
func (w Window) Contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && !t.Before(w.To) {
		return false
	}
	return true
}

// Repository is the read side of the persistence collaborator.
type Repository interface {
	// MostRecentSnapshotYear returns the latest compliance year with ending
	// balances for the organization. ok is false when there is none.
	MostRecentSnapshotYear(ctx context.Context, org OrganizationID) (year int, ok bool, err error)

	// SnapshotRecords returns every ending balance row of (org, year).
	SnapshotRecords(ctx context.Context, org OrganizationID, year int) ([]EndingBalance, error)

	// Transactions returns the organization's transactions within w,
	// ordered by timestamp.
	Transactions(ctx context.Context, org OrganizationID, w Window) ([]Transaction, error)

	// Organizations lists every organization with ledger activity.
	Organizations(ctx context.Context) ([]OrganizationID, error)
}

// Tx is the write side, only available inside WithTx.
type Tx interface {
	Repository

	// AppendTransactions persists committed ledger rows.
	AppendTransactions(ctx context.Context, txs []Transaction) error

	// SaveEndingBalances freezes an organization's position for a compliance
	// year. rows may be empty; the year is still marked as closed.
	SaveEndingBalances(ctx context.Context, org OrganizationID, year int, rows []EndingBalance) error

	// AppendHistory records the status transition that produced the rows.
	AppendHistory(ctx context.Context, entry HistoryEntry) error
}

// TxRepository wraps Repository with an atomic, per-organization boundary.
type TxRepository interface {
	Repository

	// WithTx executes fn within a transaction scoped to org.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, org OrganizationID, fn func(Tx) error) error
}

// =============================================================================
// HISTORY - Status transitions that accompany ledger writes
// =============================================================================

// HistoryReader lists the status transitions of one workflow entity.
type HistoryReader interface {
	History(ctx context.Context, refType ReferenceType, refID string) ([]HistoryEntry, error)
}

type HistoryStatus string

const (
	StatusIssued   HistoryStatus = "ISSUED"
	StatusApproved HistoryStatus = "APPROVED"
	StatusAssessed HistoryStatus = "ASSESSED"
)

// HistoryEntry is one status transition row for a workflow entity.
type HistoryEntry struct {
	ID             string
	OrganizationID OrganizationID
	ReferenceType  ReferenceType
	ReferenceID    string
	Status         HistoryStatus
	ActorID        string
	Comment        string
	At             time.Time
}
