/*
Package postgres provides a PostgreSQL implementation of ledger.TxRepository.

PURPOSE:
  Production storage. Same table layout as store/sqlite, managed by
  versioned golang-migrate migrations embedded in the binary.

CONCURRENCY:
  WithTx opens a SERIALIZABLE transaction and takes a transaction-scoped
  advisory lock keyed on the organization id before calling fn. Two
  approvals for the same organization therefore run one after the other,
  each reading the other's committed rows; approvals for different
  organizations proceed in parallel. Serialization failures that still
  slip through are reported as ledger.ErrConcurrentModification.

QUANTITIES:
  Stored as NUMERIC(20,2), read back as text and parsed into
  decimal.Decimal so no value passes through float64.

SEE ALSO:
  - migrations/: schema
  - store/sqlite: single-node equivalent
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/zeva/credit-engine/config"
	"github.com/zeva/credit-engine/ledger"
)

// PostgreSQL error codes
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Querier supports database operations for both pool and transactions
type Querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a Querier that can open transactions.
type DB interface {
	Querier
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Ensure interfaces are satisfied (compile-time check)
var (
	_ DB      = (*pgxpool.Pool)(nil)
	_ Querier = (pgx.Tx)(nil)
)

// Store implements ledger.TxRepository on PostgreSQL.
type Store struct {
	db     DB
	pool   *pgxpool.Pool // nil when constructed with New
	logger *slog.Logger
}

// New wraps an existing connection (pool or mock).
func New(db DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Connect runs migrations (when enabled) and opens a connection pool.
func Connect(ctx context.Context, logger *slog.Logger, cfg *config.PostgresConfig) (*Store, error) {
	if cfg.AutoMigrate {
		if err := RunMigrations(cfg.URL); err != nil {
			return nil, err
		}
		logger.Info("PostgreSQL migrations applied")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL connection string: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	logger.Info("Connected to PostgreSQL")
	return &Store{db: pool, pool: pool, logger: logger}, nil
}

// Close releases the pool opened by Connect.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("Closed PostgreSQL connection")
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// =============================================================================
// READS (ledger.Repository interface)
// =============================================================================

func (s *Store) MostRecentSnapshotYear(ctx context.Context, org ledger.OrganizationID) (int, bool, error) {
	return (&repo{q: s.db, logger: s.logger}).MostRecentSnapshotYear(ctx, org)
}

func (s *Store) SnapshotRecords(ctx context.Context, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	return (&repo{q: s.db, logger: s.logger}).SnapshotRecords(ctx, org, year)
}

func (s *Store) Transactions(ctx context.Context, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	return (&repo{q: s.db, logger: s.logger}).Transactions(ctx, org, w)
}

func (s *Store) Organizations(ctx context.Context) ([]ledger.OrganizationID, error) {
	return (&repo{q: s.db, logger: s.logger}).Organizations(ctx)
}

// History returns the status transitions recorded for one workflow entity.
func (s *Store) History(ctx context.Context, refType ledger.ReferenceType, refID string) ([]ledger.HistoryEntry, error) {
	query := `
		SELECT id, organization_id, reference_type, reference_id, status,
		       COALESCE(actor_id, ''), COALESCE(comment, ''), at
		FROM ledger_history
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY at ASC
	`
	rows, err := s.db.Query(ctx, query, string(refType), refID)
	if err != nil {
		s.logger.Error("Failed to query history", "reference_id", refID, "error", err)
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var entries []ledger.HistoryEntry
	for rows.Next() {
		var (
			e           ledger.HistoryEntry
			org, rt, st string
		)
		if err := rows.Scan(&e.ID, &org, &rt, &e.ReferenceID, &st, &e.ActorID, &e.Comment, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		e.OrganizationID = ledger.OrganizationID(org)
		e.ReferenceType = ledger.ReferenceType(rt)
		e.Status = ledger.HistoryStatus(st)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// repo runs ledger queries against a pool or a pgx.Tx.
type repo struct {
	q      Querier
	logger *slog.Logger
}

func (r *repo) MostRecentSnapshotYear(ctx context.Context, org ledger.OrganizationID) (int, bool, error) {
	query := `SELECT COALESCE(MAX(compliance_year), 0) FROM compliance_snapshots WHERE organization_id = $1`

	// Compliance years start at 2019, so 0 means no snapshot.
	var year int
	if err := r.q.QueryRow(ctx, query, string(org)).Scan(&year); err != nil {
		r.logger.Error("Failed to query latest snapshot", "org", org, "error", err)
		return 0, false, fmt.Errorf("failed to query latest snapshot: %w", err)
	}
	if year == 0 {
		return 0, false, nil
	}
	return year, true, nil
}

func (r *repo) SnapshotRecords(ctx context.Context, org ledger.OrganizationID, year int) ([]ledger.EndingBalance, error) {
	query := `
		SELECT kind, vehicle_class, credit_class, model_year, quantity::text
		FROM ending_balances
		WHERE organization_id = $1 AND compliance_year = $2
		ORDER BY id ASC
	`
	rows, err := r.q.Query(ctx, query, string(org), year)
	if err != nil {
		r.logger.Error("Failed to query ending balances", "org", org, "year", year, "error", err)
		return nil, fmt.Errorf("failed to query ending balances: %w", err)
	}
	defer rows.Close()

	var out []ledger.EndingBalance
	for rows.Next() {
		var row recordRow
		if err := rows.Scan(&row.kind, &row.vehicleClass, &row.creditClass, &row.modelYear, &row.quantity); err != nil {
			return nil, fmt.Errorf("failed to scan ending balance: %w", err)
		}
		rec, err := row.record()
		if err != nil {
			return nil, err
		}
		out = append(out, ledger.EndingBalance{Record: rec, OrganizationID: org, ComplianceYear: year})
	}
	return out, rows.Err()
}

func (r *repo) Transactions(ctx context.Context, org ledger.OrganizationID, w ledger.Window) ([]ledger.Transaction, error) {
	query := `
		SELECT id, kind, vehicle_class, credit_class, model_year, quantity::text,
		       occurred_at, reference_type, reference_id
		FROM ledger_transactions
		WHERE organization_id = $1`
	args := []any{string(org)}
	if !w.From.IsZero() {
		args = append(args, w.From)
		query += " AND occurred_at >= $" + strconv.Itoa(len(args))
	}
	if !w.To.IsZero() {
		args = append(args, w.To)
		query += " AND occurred_at < $" + strconv.Itoa(len(args))
	}
	query += " ORDER BY occurred_at ASC, created_at ASC"

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query transactions", "org", org, "error", err)
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var (
			row     recordRow
			tx      = ledger.Transaction{OrganizationID: org}
			refType string
		)
		err := rows.Scan(&tx.ID, &row.kind, &row.vehicleClass, &row.creditClass, &row.modelYear, &row.quantity,
			&tx.Timestamp, &refType, &tx.ReferenceID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Record, err = row.record(); err != nil {
			return nil, err
		}
		tx.ReferenceType = ledger.ReferenceType(refType)
		out = append(out, tx)
	}
	return out, rows.Err()
}

func (r *repo) Organizations(ctx context.Context) ([]ledger.OrganizationID, error) {
	query := `
		SELECT organization_id FROM ledger_transactions
		UNION
		SELECT organization_id FROM compliance_snapshots
		ORDER BY organization_id
	`
	rows, err := r.q.Query(ctx, query)
	if err != nil {
		r.logger.Error("Failed to query organizations", "error", err)
		return nil, fmt.Errorf("failed to query organizations: %w", err)
	}
	defer rows.Close()

	var orgs []ledger.OrganizationID
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		orgs = append(orgs, ledger.OrganizationID(org))
	}
	return orgs, rows.Err()
}

// recordRow holds the raw columns of a ledger record.
type recordRow struct {
	kind, vehicleClass, creditClass string
	modelYear                       int
	quantity                        string
}

func (row recordRow) record() (ledger.Record, error) {
	q, err := decimal.NewFromString(row.quantity)
	if err != nil {
		return ledger.Record{}, fmt.Errorf("invalid stored quantity %q: %w", row.quantity, err)
	}
	return ledger.Record{
		Kind:         ledger.TransactionKind(row.kind),
		VehicleClass: ledger.VehicleClass(row.vehicleClass),
		CreditClass:  ledger.CreditClass(row.creditClass),
		ModelYear:    ledger.ModelYear(row.modelYear),
		Quantity:     q,
	}, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxRepository interface)
// =============================================================================

// WithTx runs fn in a serializable transaction holding org's advisory lock,
// rolling back on error or panic.
func (s *Store) WithTx(ctx context.Context, org ledger.OrganizationID, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback(ctx)
			panic(r)
		}
	}()

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", string(org)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("failed to lock organization %s: %w", org, mapError(err))
	}

	if err := fn(&txRepo{repo: repo{q: tx, logger: s.logger}}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", "org", org, "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapError(err))
	}
	return nil
}

type txRepo struct {
	repo
}

func (t *txRepo) AppendTransactions(ctx context.Context, txs []ledger.Transaction) error {
	query := `
		INSERT INTO ledger_transactions
		(id, organization_id, kind, vehicle_class, credit_class, model_year, quantity,
		 occurred_at, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	for _, tx := range txs {
		_, err := t.q.Exec(ctx, query,
			tx.ID,
			string(tx.OrganizationID),
			string(tx.Kind),
			string(tx.VehicleClass),
			string(tx.CreditClass),
			tx.ModelYear.Year(),
			tx.Quantity.String(),
			tx.Timestamp,
			string(tx.ReferenceType),
			tx.ReferenceID,
		)
		if err != nil {
			t.logger.Error("Failed to append transaction", "id", tx.ID, "error", err)
			return fmt.Errorf("failed to append transaction: %w", mapError(err))
		}
	}
	return nil
}

func (t *txRepo) SaveEndingBalances(ctx context.Context, org ledger.OrganizationID, year int, rows []ledger.EndingBalance) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO compliance_snapshots (organization_id, compliance_year) VALUES ($1, $2)`,
		string(org), year,
	)
	if err != nil {
		if isCode(err, codeUniqueViolation) {
			return ledger.ErrSnapshotExists
		}
		return fmt.Errorf("failed to mark compliance year closed: %w", err)
	}

	query := `
		INSERT INTO ending_balances
		(organization_id, compliance_year, kind, vehicle_class, credit_class, model_year, quantity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for _, eb := range rows {
		_, err := t.q.Exec(ctx, query,
			string(org), year,
			string(eb.Kind), string(eb.VehicleClass), string(eb.CreditClass),
			eb.ModelYear.Year(), eb.Quantity.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert ending balance: %w", err)
		}
	}
	return nil
}

func (t *txRepo) AppendHistory(ctx context.Context, e ledger.HistoryEntry) error {
	query := `
		INSERT INTO ledger_history
		(id, organization_id, reference_type, reference_id, status, actor_id, comment, at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8)
	`
	_, err := t.q.Exec(ctx, query,
		e.ID, string(e.OrganizationID), string(e.ReferenceType), e.ReferenceID,
		string(e.Status), e.ActorID, e.Comment, e.At,
	)
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

func isCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// mapError turns conflicts the caller may retry into ErrConcurrentModification.
func mapError(err error) error {
	if isCode(err, codeSerializationFailure) || isCode(err, codeDeadlockDetected) || isCode(err, codeUniqueViolation) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
	}
	return err
}

var (
	_ ledger.TxRepository  = (*Store)(nil)
	_ ledger.HistoryReader = (*Store)(nil)
	_ ledger.Tx            = (*txRepo)(nil)
)
