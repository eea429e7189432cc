/*
Package sqlite provides a SQLite-backed implementation of ledger.TxRepository.

PURPOSE:
  Durable single-node storage for development and small deployments. The
  PostgreSQL store (store/postgres) follows the same table layout.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements are issued against ledger tables
  - Triggers abort any UPDATE/DELETE on ledger_transactions and ending_balances
  - compliance_snapshots has one row per (organization, year); a second close
    hits the primary key and surfaces as ledger.ErrSnapshotExists

KEY TABLES:
  ledger_transactions:  Committed ledger records
  compliance_snapshots: Closed (organization, compliance year) markers
  ending_balances:      Frozen buckets of a closed year
  ledger_history:       Status transitions that produced ledger rows

INDEXES:
  - idx_ledger_transactions_org_time: coverage loads (hot path)
  - idx_ending_balances_org_year:     snapshot loads

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. WithTx holds the write lock for the
  whole transaction, so commits for every organization are serialized.

TIMESTAMPS:
  Stored as fixed-width UTC text so that lexical order equals time order.

USAGE:
  repo, err := sqlite.New("./data/zev.db")
  if err != nil {
      log.Fatal(err)
  }
  defer repo.Close()

  checker := ledger.NewChecker(repo, cal)

MIGRATION:
  Schema is auto-migrated on New(). The PostgreSQL store uses versioned
  golang-migrate migrations instead.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/zeva/credit-engine/ledger"
)

// timeLayout is RFC3339 with a fixed nanosecond field.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxRepository using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Committed ledger records (append-only)
	CREATE TABLE IF NOT EXISTS ledger_transactions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('CREDIT', 'DEBIT', 'TRANSFER_AWAY')),
		vehicle_class TEXT NOT NULL,
		credit_class TEXT NOT NULL,
		model_year INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Composite index for coverage loads (hot path)
	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_org_time
		ON ledger_transactions(organization_id, occurred_at);

	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_reference
		ON ledger_transactions(reference_type, reference_id);

	CREATE TRIGGER IF NOT EXISTS trg_ledger_transactions_no_update
		BEFORE UPDATE ON ledger_transactions
		BEGIN SELECT RAISE(ABORT, 'ledger_transactions is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS trg_ledger_transactions_no_delete
		BEFORE DELETE ON ledger_transactions
		BEGIN SELECT RAISE(ABORT, 'ledger_transactions is append-only'); END;

	-- One row per closed (organization, compliance year)
	CREATE TABLE IF NOT EXISTS compliance_snapshots (
		organization_id TEXT NOT NULL,
		compliance_year INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (organization_id, compliance_year)
	);

	-- Ending balances (immutable once written)
	CREATE TABLE IF NOT EXISTS ending_balances (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		organization_id TEXT NOT NULL,
		compliance_year INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('CREDIT', 'DEBIT')),
		vehicle_class TEXT NOT NULL,
		credit_class TEXT NOT NULL,
		model_year INTEGER NOT NULL,
		quantity TEXT NOT NULL,
		FOREIGN KEY (organization_id, compliance_year)
			REFERENCES compliance_snapshots(organization_id, compliance_year)
	);

	CREATE INDEX IF NOT EXISTS idx_ending_balances_org_year
		ON ending_balances(organization_id, compliance_year);

	CREATE TRIGGER IF NOT EXISTS trg_ending_balances_no_update
		BEFORE UPDATE ON ending_balances
		BEGIN SELECT RAISE(ABORT, 'ending_balances is immutable'); END;
	CREATE TRIGGER IF NOT EXISTS trg_ending_balances_no_delete
		BEFORE DELETE ON ending_balances
		BEGIN SELECT RAISE(ABORT, 'ending_balances is immutable'); END;

	-- Workflow status transitions
	CREATE TABLE IF NOT EXISTS ledger_history (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		reference_type TEXT NOT NULL,
		reference_id TEXT NOT NULL,
		status TEXT NOT NULL,
		actor_id TEXT,
		comment TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_history_reference
		ON ledger_history(reference_type, reference_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// READS (ledger.Repository interface)
// =============================================================================

func (s *Store) MostRecentSnapshotYear(ctx context.Context, org ledger.OrganizationID) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return mostRecentSnapshotYear(ctx, s.db, org)
}

func (s *Store) SnapshotRecords(ctx context.Context, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotRecords(ctx, s.db, org, year)
}

func (s *Store) Transactions(ctx context.Context, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return transactions(ctx, s.db, org, w)
}

func (s *Store) Organizations(ctx context.Context) ([]ledger.OrganizationID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return organizations(ctx, s.db)
}

// History returns the status transitions recorded for one workflow entity.
func (s *Store) History(ctx context.Context, refType ledger.ReferenceType, refID string) ([]ledger.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, reference_type, reference_id, status, actor_id, comment, at
		FROM ledger_history
		WHERE reference_type = ? AND reference_id = ?
		ORDER BY at ASC
	`, refType, refID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []ledger.HistoryEntry
	for rows.Next() {
		var (
			e       ledger.HistoryEntry
			actorID sql.NullString
			comment sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.ReferenceType, &e.ReferenceID, &e.Status, &actorID, &comment, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.ActorID = actorID.String
		e.Comment = comment.String
		if e.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("invalid history timestamp %q: %w", at, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func mostRecentSnapshotYear(ctx context.Context, q querier, org ledger.OrganizationID) (int, bool, error) {
	var year sql.NullInt64
	err := q.QueryRowContext(ctx,
		"SELECT MAX(compliance_year) FROM compliance_snapshots WHERE organization_id = ?",
		org,
	).Scan(&year)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	if !year.Valid {
		return 0, false, nil
	}
	return int(year.Int64), true, nil
}

func snapshotRecords(ctx context.Context, q querier, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT kind, vehicle_class, credit_class, model_year, quantity
		FROM ending_balances
		WHERE organization_id = ? AND compliance_year = ?
		ORDER BY id ASC
	`, org, year)
	if err != nil {
		return nil, fmt.Errorf("failed to query ending balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.EndingBalance
	for rows.Next() {
		eb := ledger.EndingBalance{OrganizationID: org, ComplianceYear: year}
		if err := scanRecord(rows, &eb.Record); err != nil {
			return nil, err
		}
		out = append(out, eb)
	}
	return out, rows.Err()
}

func transactions(ctx context.Context, q querier, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	query := `
		SELECT kind, vehicle_class, credit_class, model_year, quantity,
		       id, occurred_at, reference_type, reference_id
		FROM ledger_transactions
		WHERE organization_id = ?`
	args := []any{org}
	if !w.From.IsZero() {
		query += " AND occurred_at >= ?"
		args = append(args, formatTime(w.From))
	}
	if !w.To.IsZero() {
		query += " AND occurred_at < ?"
		args = append(args, formatTime(w.To))
	}
	query += " ORDER BY occurred_at ASC, created_at ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx := ledger.Transaction{OrganizationID: org}
		if err := scanTransaction(rows, &tx); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func organizations(ctx context.Context, q querier) ([]ledger.OrganizationID, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT organization_id FROM ledger_transactions
		UNION
		SELECT organization_id FROM compliance_snapshots
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []ledger.OrganizationID
	for rows.Next() {
		var org ledger.OrganizationID
		if err := rows.Scan(&org); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	return orgs, rows.Err()
}

func scanRecord(rows *sql.Rows, r *ledger.Record) error {
	var quantity string
	if err := rows.Scan(&r.Kind, &r.VehicleClass, &r.CreditClass, &r.ModelYear, &quantity); err != nil {
		return fmt.Errorf("failed to scan ledger record: %w", err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return fmt.Errorf("invalid stored quantity %q: %w", quantity, err)
	}
	r.Quantity = q
	return nil
}

func scanTransaction(rows *sql.Rows, tx *ledger.Transaction) error {
	var (
		quantity   string
		occurredAt string
	)
	err := rows.Scan(
		&tx.Kind, &tx.VehicleClass, &tx.CreditClass, &tx.ModelYear, &quantity,
		&tx.ID, &occurredAt, &tx.ReferenceType, &tx.ReferenceID,
	)
	if err != nil {
		return fmt.Errorf("failed to scan transaction: %w", err)
	}
	if tx.Quantity, err = decimal.NewFromString(quantity); err != nil {
		return fmt.Errorf("invalid stored quantity %q: %w", quantity, err)
	}
	if tx.Timestamp, err = time.Parse(timeLayout, occurredAt); err != nil {
		return fmt.Errorf("invalid stored timestamp %q: %w", occurredAt, err)
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxRepository interface)
// =============================================================================

// WithTx executes a function within a database transaction. The org argument
// is unused: SQLite has one writer, and the store mutex serializes all
// commits.
func (s *Store) WithTx(ctx context.Context, _ ledger.OrganizationID, fn func(ledger.Tx) error) error {
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

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) MostRecentSnapshotYear(ctx context.Context, org ledger.OrganizationID) (int, bool, error) {
	return mostRecentSnapshotYear(ctx, ts.tx, org)
}

func (ts *txStore) SnapshotRecords(ctx context.Context, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	return snapshotRecords(ctx, ts.tx, org, year)
}

func (ts *txStore) Transactions(ctx context.Context, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	return transactions(ctx, ts.tx, org, w)
}

func (ts *txStore) Organizations(ctx context.Context) ([]ledger.OrganizationID, error) {
	return organizations(ctx, ts.tx)
}

func (ts *txStore) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	now := formatTime(time.Now())
	for _, tx := range txs {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO ledger_transactions
			(id, organization_id, kind, vehicle_class, credit_class, model_year, quantity,
			 occurred_at, reference_type, reference_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			tx.ID,
			tx.OrganizationID,
			tx.Kind,
			tx.VehicleClass,
			tx.CreditClass,
			tx.ModelYear.Year(),
			tx.Quantity.String(),
			formatTime(tx.Timestamp),
			tx.ReferenceType,
			tx.ReferenceID,
			now,
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("transaction %s: %w", tx.ID, ledger.ErrConcurrentModification)
			}
			return fmt.Errorf("failed to append transaction: %w", err)
		}
	}
	return nil
}

func (ts *txStore) SaveEndingBalances(ctx context.Context, org ledger.OrganizationID, year int, rows []ledger.EndingBalance) error {
	_, err := ts.tx.ExecContext(ctx,
		"INSERT INTO compliance_snapshots (organization_id, compliance_year, created_at) VALUES (?, ?, ?)",
		org, year, formatTime(time.Now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrSnapshotExists
		}
		return fmt.Errorf("failed to mark compliance year closed: %w", err)
	}

	for _, eb := range rows {
		_, err := ts.tx.ExecContext(ctx, `
			INSERT INTO ending_balances
			(organization_id, compliance_year, kind, vehicle_class, credit_class, model_year, quantity)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, org, year, eb.Kind, eb.VehicleClass, eb.CreditClass, eb.ModelYear.Year(), eb.Quantity.String())
		if err != nil {
			return fmt.Errorf("failed to insert ending balance: %w", err)
		}
	}
	return nil
}

func (ts *txStore) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO ledger_history
		(id, organization_id, reference_type, reference_id, status, actor_id, comment, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.OrganizationID, e.ReferenceType, e.ReferenceID, e.Status,
		nullString(e.ActorID), nullString(e.Comment), formatTime(e.At))
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var (
	_ ledger.TxRepository  = (*Store)(nil)
	_ ledger.HistoryReader = (*Store)(nil)
)
