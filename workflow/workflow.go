/*
Package workflow commits the terminal transitions that write ledger rows.

PURPOSE:
  Ledger transactions are created only when a workflow entity reaches an
  approved, terminal state: an agreement is issued, a credit transfer is
  approved by the regulator, a penalty credit is approved. Each of those
  transitions is a single atomic unit: re-read the balance, re-validate
  coverage, insert the ledger rows and the history row.

COMMIT FLOW:
  ┌──────────────────────────────────────────────────────────────────┐
  │                                                                  │
  │   WithTx(org)  ──▶  Checker over Tx  ──▶  covered?               │
  │                                             │                    │
  │                         no ◀────────────────┤                    │
  │                         │                   │ yes                │
  │                         ▼                   ▼                    │
  │             ErrUncoveredMovement   AppendTransactions            │
  │             (nothing written)      AppendHistory ──▶ commit      │
  │                                                                  │
  └──────────────────────────────────────────────────────────────────┘

RETRIES:
  Stores report serialization failures as ledger.ErrConcurrentModification.
  The whole unit (including the coverage read) is retried up to
  MaxAttempts times with fresh ids.

SEE ALSO:
  - ledger/coverage.go: Checker
  - ledger/store.go: TxRepository contract
*/
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/metrics"
)

// DefaultMaxAttempts bounds retries of a commit that hit a serialization failure.
const DefaultMaxAttempts = 3

// Action labels for logs and metrics.
const (
	ActionIssueAgreement       = "issue_agreement"
	ActionApproveTransfer      = "approve_transfer"
	ActionApprovePenaltyCredit = "approve_penalty_credit"
)

// ErrInvalidRequest is returned when a workflow entity is structurally invalid
// (missing ids, no lines, self-transfer).
var ErrInvalidRequest = errors.New("invalid workflow request")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// =============================================================================
// WORKFLOW ENTITIES
// =============================================================================

// CreditLine is one bucket of units moved by an agreement or transfer. The
// model year and credit class must be concrete.
type CreditLine struct {
	VehicleClass ledger.VehicleClass
	CreditClass  ledger.CreditClass
	ModelYear    ledger.ModelYear
	Quantity     decimal.Decimal
}

func (c CreditLine) record(kind ledger.TransactionKind) ledger.Record {
	return ledger.Record{
		Kind:         kind,
		VehicleClass: c.VehicleClass,
		CreditClass:  c.CreditClass,
		ModelYear:    c.ModelYear,
		Quantity:     c.Quantity,
	}
}

func (c CreditLine) line() ledger.Line {
	return ledger.Line{
		VehicleClass: c.VehicleClass,
		CreditClass:  c.CreditClass,
		ModelYear:    c.ModelYear,
		Quantity:     c.Quantity,
	}
}

func validateLines(lines []CreditLine) error {
	if len(lines) == 0 {
		return invalid("at least one credit line is required")
	}
	for _, l := range lines {
		// Validating as a CREDIT rejects UNSPECIFIED classes and a zero model year.
		if err := l.record(ledger.KindCredit).Validate(); err != nil {
			return err
		}
		if !l.Quantity.IsPositive() {
			return invalid("credit line %s has no quantity", l.line())
		}
	}
	return nil
}

// Agreement awards units to a supplier.
type Agreement struct {
	ID             string
	OrganizationID ledger.OrganizationID
	Lines          []CreditLine
	ActorID        string
	Comment        string
}

// Transfer moves units from one supplier to another.
type Transfer struct {
	ID      string
	From    ledger.OrganizationID
	To      ledger.OrganizationID
	Lines   []CreditLine
	ActorID string
	Comment string
}

// PenaltyCredit adjusts a supplier's position. A positive quantity awards
// credits; a negative one imposes a debit that must be covered. The credit
// class of a debit may be UNSPECIFIED.
type PenaltyCredit struct {
	ID             string
	OrganizationID ledger.OrganizationID
	VehicleClass   ledger.VehicleClass
	CreditClass    ledger.CreditClass
	ModelYear      ledger.ModelYear
	Quantity       decimal.Decimal
	ActorID        string
	Comment        string
}

// Result is what a committed transition wrote.
type Result struct {
	ReferenceType ledger.ReferenceType
	ReferenceID   string
	Transactions  []ledger.Transaction
	History       ledger.HistoryEntry
}

// =============================================================================
// SERVICE
// =============================================================================

// Service commits workflow transitions against a TxRepository.
type Service struct {
	Repo        ledger.TxRepository
	Calendar    *ledger.Calendar
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string
	MaxAttempts int
}

func NewService(repo ledger.TxRepository, cal *ledger.Calendar, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Repo:        repo,
		Calendar:    cal,
		Logger:      logger,
		Now:         time.Now,
		NewID:       uuid.NewString,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// IssueAgreement writes one CREDIT transaction per agreement line.
func (s *Service) IssueAgreement(ctx context.Context, a Agreement) (*Result, error) {
	if a.ID == "" || a.OrganizationID == "" {
		return nil, invalid("agreement id and organization are required")
	}
	if err := validateLines(a.Lines); err != nil {
		return nil, err
	}

	return s.commit(ctx, ActionIssueAgreement, a.OrganizationID, func(ctx context.Context, tx ledger.Tx, now time.Time) (*Result, error) {
		res := &Result{ReferenceType: ledger.RefAgreement, ReferenceID: a.ID}
		for _, l := range a.Lines {
			res.Transactions = append(res.Transactions, s.transaction(a.OrganizationID, now, res, l.record(ledger.KindCredit)))
		}
		res.History = s.history(a.OrganizationID, res, ledger.StatusIssued, a.ActorID, a.Comment, now)
		return res, s.write(ctx, tx, res)
	})
}

// ApproveTransfer re-validates the transferor's coverage and writes
// TRANSFER_AWAY rows for the transferor and CREDIT rows for the transferee.
func (s *Service) ApproveTransfer(ctx context.Context, t Transfer) (*Result, error) {
	if t.ID == "" || t.From == "" || t.To == "" {
		return nil, invalid("transfer id, transferor and transferee are required")
	}
	if t.From == t.To {
		return nil, invalid("transferor and transferee must differ")
	}
	if err := validateLines(t.Lines); err != nil {
		return nil, err
	}

	movement := make(ledger.Movement, len(t.Lines))
	for i, l := range t.Lines {
		movement[i] = l.line()
	}

	return s.commit(ctx, ActionApproveTransfer, t.From, func(ctx context.Context, tx ledger.Tx, now time.Time) (*Result, error) {
		if err := s.ensureCovered(ctx, tx, t.From, movement); err != nil {
			return nil, err
		}

		res := &Result{ReferenceType: ledger.RefTransfer, ReferenceID: t.ID}
		for _, l := range t.Lines {
			res.Transactions = append(res.Transactions, s.transaction(t.From, now, res, l.record(ledger.KindTransferAway)))
		}
		for _, l := range t.Lines {
			res.Transactions = append(res.Transactions, s.transaction(t.To, now, res, l.record(ledger.KindCredit)))
		}
		res.History = s.history(t.From, res, ledger.StatusApproved, t.ActorID, t.Comment, now)
		return res, s.write(ctx, tx, res)
	})
}

// ApprovePenaltyCredit writes a CREDIT for a positive quantity, or a
// coverage-checked DEBIT for a negative one.
func (s *Service) ApprovePenaltyCredit(ctx context.Context, p PenaltyCredit) (*Result, error) {
	if p.ID == "" || p.OrganizationID == "" {
		return nil, invalid("penalty credit id and organization are required")
	}
	if p.Quantity.IsZero() {
		return nil, invalid("penalty credit quantity must be non-zero")
	}

	kind := ledger.KindCredit
	if p.Quantity.IsNegative() {
		kind = ledger.KindDebit
	}
	rec := ledger.Record{
		Kind:         kind,
		VehicleClass: p.VehicleClass,
		CreditClass:  p.CreditClass,
		ModelYear:    p.ModelYear,
		Quantity:     p.Quantity.Abs(),
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	return s.commit(ctx, ActionApprovePenaltyCredit, p.OrganizationID, func(ctx context.Context, tx ledger.Tx, now time.Time) (*Result, error) {
		if kind == ledger.KindDebit {
			// Deficits are netted without regard to model year.
			debit := ledger.Movement{{VehicleClass: rec.VehicleClass, CreditClass: rec.CreditClass, Quantity: rec.Quantity}}
			if err := s.ensureCovered(ctx, tx, p.OrganizationID, debit); err != nil {
				return nil, err
			}
		}

		res := &Result{ReferenceType: ledger.RefPenaltyCredit, ReferenceID: p.ID}
		res.Transactions = []ledger.Transaction{s.transaction(p.OrganizationID, now, res, rec)}
		res.History = s.history(p.OrganizationID, res, ledger.StatusApproved, p.ActorID, p.Comment, now)
		return res, s.write(ctx, tx, res)
	})
}

// =============================================================================
// COMMIT HELPERS
// =============================================================================

type commitFunc func(ctx context.Context, tx ledger.Tx, now time.Time) (*Result, error)

func (s *Service) commit(ctx context.Context, action string, org ledger.OrganizationID, fn commitFunc) (*Result, error) {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var (
		res *Result
		err error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		res = nil
		err = s.Repo.WithTx(ctx, org, func(tx ledger.Tx) error {
			var ferr error
			res, ferr = fn(ctx, tx, s.Now())
			return ferr
		})
		if err == nil || !ledger.IsRetryable(err) || ctx.Err() != nil {
			break
		}
		s.Logger.Warn("Retrying workflow commit", "action", action, "organization_id", org, "attempt", attempt, "error", err)
	}

	if err != nil {
		metrics.WorkflowCommits.WithLabelValues(action, outcome(err)).Inc()
		if ledger.IsClientError(err) {
			s.Logger.Info("Workflow commit rejected", "action", action, "organization_id", org, "error", err)
		} else {
			s.Logger.Error("Workflow commit failed", "action", action, "organization_id", org, "error", err)
		}
		return nil, fmt.Errorf("%s: %w", action, err)
	}

	metrics.WorkflowCommits.WithLabelValues(action, "committed").Inc()
	for _, t := range res.Transactions {
		metrics.RecordsWritten.WithLabelValues(string(t.Kind)).Inc()
	}
	s.Logger.Info("Workflow commit succeeded",
		"action", action,
		"organization_id", org,
		"reference_id", res.ReferenceID,
		"records", len(res.Transactions),
	)
	return res, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUncoveredMovement):
		return "uncovered"
	case ledger.IsClientError(err):
		return "rejected"
	case ledger.IsRetryable(err):
		return "conflict"
	}
	return "error"
}

// ensureCovered checks the movement against the balance as seen by tx.
func (s *Service) ensureCovered(ctx context.Context, tx ledger.Tx, org ledger.OrganizationID, m ledger.Movement) error {
	started := time.Now()
	_, err := ledger.NewChecker(tx, s.Calendar).Check(ctx, org, m)
	switch {
	case errors.Is(err, ledger.ErrUncoveredMovement):
		metrics.ObserveCoverage(metrics.ResultUncovered, started)
	case err != nil:
		metrics.ObserveCoverage(metrics.ResultError, started)
	default:
		metrics.ObserveCoverage(metrics.ResultCovered, started)
	}
	return err
}

func (s *Service) transaction(org ledger.OrganizationID, now time.Time, res *Result, r ledger.Record) ledger.Transaction {
	return ledger.Transaction{
		Record:         r,
		ID:             s.NewID(),
		OrganizationID: org,
		Timestamp:      now,
		ReferenceType:  res.ReferenceType,
		ReferenceID:    res.ReferenceID,
	}
}

func (s *Service) history(org ledger.OrganizationID, res *Result, status ledger.HistoryStatus, actor, comment string, now time.Time) ledger.HistoryEntry {
	return ledger.HistoryEntry{
		ID:             s.NewID(),
		OrganizationID: org,
		ReferenceType:  res.ReferenceType,
		ReferenceID:    res.ReferenceID,
		Status:         status,
		ActorID:        actor,
		Comment:        comment,
		At:             now,
	}
}

func (s *Service) write(ctx context.Context, tx ledger.Tx, res *Result) error {
	if err := tx.AppendTransactions(ctx, res.Transactions); err != nil {
		return fmt.Errorf("failed to record transactions: %w", err)
	}
	if err := tx.AppendHistory(ctx, res.History); err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}
