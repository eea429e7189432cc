/*
coverage.go - Coverage checker

PURPOSE:
  Answers "if this movement were added on top of everything already
  committed, would the organization's balance still cover it?" against a
  live Repository, without writing anything.

LOAD SEQUENCE:
  1. Most recent ending balance year for the organization, if any
  2. That year's ending balance rows
  3. Transactions at or after the close of that year
     (the whole history when there is no snapshot)
  4. Replay the committed rows in commit order (see Replay), then deplete
     any outstanding deficit followed by the proposed movement

SAFE TO CALL CONCURRENTLY:
  Checker holds no mutable state; all reads go through the Repository.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Checker evaluates coverage and balances for organizations.
type Checker struct {
	Repo     Repository
	Calendar *Calendar
}

func NewChecker(repo Repository, cal *Calendar) *Checker {
	return &Checker{Repo: repo, Calendar: cal}
}

// Aggregate loads the unsettled balance aggregate of org.
func (c *Checker) Aggregate(ctx context.Context, org OrganizationID) (Balance, error) {
	return c.AggregateUntil(ctx, org, time.Time{})
}

// AggregateUntil loads the aggregate of org from its latest snapshot and the
// transactions strictly before until (zero = no bound).
func (c *Checker) AggregateUntil(ctx context.Context, org OrganizationID, until time.Time) (Balance, error) {
	snapshot, txs, err := c.load(ctx, org, until)
	if err != nil {
		return nil, err
	}
	return Aggregate(RecordsOf(snapshot), RecordsOf(txs))
}

// Balance returns the settled balance of org: remaining credits plus any
// outstanding deficit.
func (c *Checker) Balance(ctx context.Context, org OrganizationID) (Balance, error) {
	return c.BalanceUntil(ctx, org, time.Time{})
}

// BalanceUntil is Balance restricted to transactions strictly before until.
func (c *Checker) BalanceUntil(ctx context.Context, org OrganizationID, until time.Time) (Balance, error) {
	snapshot, txs, err := c.load(ctx, org, until)
	if err != nil {
		return nil, err
	}
	return Replay(snapshot, txs)
}

// Check depletes the proposed movement on top of org's committed history.
// Returned draws and any UncoveredMovementError index refer to the proposed
// movement; an index of -1 means the committed history alone is uncovered.
func (c *Checker) Check(ctx context.Context, org OrganizationID, proposed Movement) (Depletion, error) {
	settled, err := c.Balance(ctx, org)
	if err != nil {
		return Depletion{}, err
	}

	recorded := OutstandingDeficits(settled)
	movement := make(Movement, 0, len(recorded)+len(proposed))
	movement = append(movement, recorded...)
	movement = append(movement, proposed...)

	d, err := Deplete(settled.Credits(), movement)
	if err != nil {
		var unc *UncoveredMovementError
		if errors.As(err, &unc) {
			unc.Index -= len(recorded)
			if unc.Index < 0 {
				unc.Index = -1
			}
		}
		return Depletion{}, err
	}

	draws := make([]Draw, 0, len(d.Draws))
	for _, dr := range d.Draws {
		if dr.LineIndex >= len(recorded) {
			dr.LineIndex -= len(recorded)
			draws = append(draws, dr)
		}
	}
	return Depletion{Balance: d.Balance, Draws: draws}, nil
}

// IsCovered reports whether the proposed movement is covered. Only
// ErrUncoveredMovement is turned into false; every other error propagates.
func (c *Checker) IsCovered(ctx context.Context, org OrganizationID, proposed Movement) (bool, error) {
	_, err := c.Check(ctx, org, proposed)
	if errors.Is(err, ErrUncoveredMovement) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// load reads the latest snapshot of org and the transactions after its
// boundary and strictly before until. Snapshots whose boundary falls after
// until are not usable.
func (c *Checker) load(ctx context.Context, org OrganizationID, until time.Time) ([]EndingBalance, []Transaction, error) {
	var (
		snapshot []EndingBalance
		from     time.Time
	)

	year, ok, err := c.Repo.MostRecentSnapshotYear(ctx, org)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find latest snapshot: %w", err)
	}
	if ok {
		boundary, err := c.Calendar.SnapshotBoundary(year)
		if err != nil {
			return nil, nil, err
		}
		if !until.IsZero() && boundary.After(until) {
			return nil, nil, fmt.Errorf("%w: snapshot %d closes after %s", ErrYearNotClosable, year, until.Format(time.RFC3339))
		}
		snapshot, err = c.Repo.SnapshotRecords(ctx, org, year)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load ending balances: %w", err)
		}
		from = boundary
	}

	txs, err := c.Repo.Transactions(ctx, org, Window{From: from, To: until})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	return snapshot, txs, nil
}
