/*
Package assessment closes compliance years.

PURPOSE:
  At each compliance-year rollover an organization's net position is frozen
  into ending balance rows. Later balance reads start from those rows and
  only fold the transactions dated at or after the close, so the snapshot
  must equal what a full replay would produce at that instant.

CLOSE SEQUENCE (one organization, inside WithTx):
  1. Resolve the compliance period; the period must have ended
  2. Reject if this year (ErrSnapshotExists) or a later one
     (ErrYearNotClosable) is already closed
  3. Replay the latest earlier snapshot plus transactions before the
     period's open upper bound, outgoing rows in commit order
  4. Persist remaining CREDIT buckets and outstanding DEBIT deficits
  5. Record an ASSESSED history row

KEY COMPONENTS:
  Service:   closes one organization
  Runner:    closes every organization on an ants worker pool
  Scheduler: ticker that closes the previous year once it has ended

SEE ALSO:
  - ledger/depletion.go: Replay
  - ledger/coverage.go: Checker.BalanceUntil
*/
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/metrics"
)

// SystemActor is recorded as the actor of scheduled closes.
const SystemActor = "system"

// Snapshot is the frozen position written for one organization and year.
type Snapshot struct {
	OrganizationID ledger.OrganizationID
	Year           int
	Rows           []ledger.EndingBalance
}

// Balance rebuilds the snapshot as a balance aggregate.
func (s *Snapshot) Balance() (ledger.Balance, error) {
	return ledger.Aggregate(ledger.RecordsOf(s.Rows), nil)
}

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	Repo     ledger.TxRepository
	Calendar *ledger.Calendar
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func NewService(repo ledger.TxRepository, cal *ledger.Calendar, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Repo:     repo,
		Calendar: cal,
		Logger:   logger,
		Now:      time.Now,
		NewID:    uuid.NewString,
	}
}

// Close freezes org's position at the end of compliance year.
func (s *Service) Close(ctx context.Context, org ledger.OrganizationID, year int) (*Snapshot, error) {
	return s.CloseAs(ctx, org, year, SystemActor)
}

// CloseAs is Close with an explicit actor for the history row.
func (s *Service) CloseAs(ctx context.Context, org ledger.OrganizationID, year int, actor string) (_ *Snapshot, err error) {
	defer func() { observe(err) }()

	period, err := s.Calendar.CompliancePeriod(year)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	if now.Before(period.OpenUpperBound) {
		return nil, fmt.Errorf("%w: compliance year %d ends %s", ledger.ErrYearNotClosable, year, period.OpenUpperBound.Format(time.RFC3339))
	}

	var snap *Snapshot
	err = s.Repo.WithTx(ctx, org, func(tx ledger.Tx) error {
		latest, ok, err := tx.MostRecentSnapshotYear(ctx, org)
		if err != nil {
			return fmt.Errorf("failed to find latest snapshot: %w", err)
		}
		if ok && latest == year {
			return ledger.ErrSnapshotExists
		}
		if ok && latest > year {
			return fmt.Errorf("%w: compliance year %d already closed", ledger.ErrYearNotClosable, latest)
		}

		settled, err := ledger.NewChecker(tx, s.Calendar).BalanceUntil(ctx, org, period.OpenUpperBound)
		if err != nil {
			return err
		}

		snap = &Snapshot{OrganizationID: org, Year: year, Rows: endingRows(org, year, settled)}
		if err := tx.SaveEndingBalances(ctx, org, year, snap.Rows); err != nil {
			return fmt.Errorf("failed to save ending balances: %w", err)
		}

		return tx.AppendHistory(ctx, ledger.HistoryEntry{
			ID:             s.NewID(),
			OrganizationID: org,
			ReferenceType:  ledger.RefAssessment,
			ReferenceID:    AssessmentID(org, year),
			Status:         ledger.StatusAssessed,
			ActorID:        actor,
			At:             now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.Info("Closed compliance year", "organization_id", org, "year", year, "rows", len(snap.Rows))
	return snap, nil
}

// AssessmentID is the history reference id of an (organization, year) close.
func AssessmentID(org ledger.OrganizationID, year int) string {
	return fmt.Sprintf("%s:%d", org, year)
}

// endingRows keeps every positive bucket of the settled balance.
func endingRows(org ledger.OrganizationID, year int, settled ledger.Balance) []ledger.EndingBalance {
	var rows []ledger.EndingBalance
	for _, kind := range []ledger.TransactionKind{ledger.KindCredit, ledger.KindDebit} {
		for _, l := range settled.Lines(kind) {
			if !l.Quantity.IsPositive() {
				continue
			}
			rows = append(rows, ledger.EndingBalance{
				Record: ledger.Record{
					Kind:         kind,
					VehicleClass: l.VehicleClass,
					CreditClass:  l.CreditClass,
					ModelYear:    l.ModelYear,
					Quantity:     l.Quantity,
				},
				OrganizationID: org,
				ComplianceYear: year,
			})
		}
	}
	return rows
}

const (
	OutcomeClosed  = "closed"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Outcome classifies a close result. Only an existing snapshot for the same
// year is a skip; every other error is a failure.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeClosed
	case errors.Is(err, ledger.ErrSnapshotExists):
		return OutcomeSkipped
	}
	return OutcomeFailed
}

func observe(err error) {
	metrics.AssessmentsClosed.WithLabelValues(Outcome(err)).Inc()
}
