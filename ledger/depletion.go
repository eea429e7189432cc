/*
depletion.go - Depletion engine

PURPOSE:
  Decides whether a Balance covers an outgoing movement and, if so, which
  (credit class, model year) buckets are drawn down and by how much.

DEPLETION ORDER (per line, in the order the caller supplies lines):
  1. Credit class: the line's class, then its substitutes
       A -> A;  B -> B, A;  UNSPECIFIED -> B, A;  C -> C
  2. Model year: oldest first. A line with a model year only draws from
     that year; a line without one drains every year.
  3. Buckets clamp at zero; the shortfall moves to the next bucket.

ALL-OR-NOTHING:
  If any line is left with a remainder, ApplyOutgoing returns an
  UncoveredMovementError and the caller's Balance is untouched. The engine
  always works on a clone.

REPLAYING COMMITTED HISTORY:
  Replay settles an organization's rows without failing, in the order they
  were committed: snapshot, then transactions by timestamp. That is the
  state each row was checked against when it was approved, so a row that
  was covered then is covered on every later replay, and a snapshot plus
  the rows after it settles exactly like the full history. Deficits (DEBIT)
  may draw from any model year; transfers-away are pinned to their model
  year. Whatever cannot be covered stays owed and is paid from the next
  credits to arrive; what is still owed at the end is returned as a DEBIT
  bucket: an outstanding deficit.
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Draw is one bucket consumed on behalf of a movement line.
type Draw struct {
	LineIndex    int
	VehicleClass VehicleClass
	CreditClass  CreditClass
	ModelYear    ModelYear
	Quantity     decimal.Decimal
}

// Depletion is the outcome of a successful Deplete.
type Depletion struct {
	Balance Balance
	Draws   []Draw
}

// ApplyOutgoing subtracts the movement from the CREDIT buckets of b and
// returns the resulting Balance. Partitions other than CREDIT are copied
// unchanged.
func ApplyOutgoing(b Balance, m Movement) (Balance, error) {
	d, err := Deplete(b, m)
	if err != nil {
		return nil, err
	}
	return d.Balance, nil
}

// Deplete is ApplyOutgoing that also reports every bucket drawn.
func Deplete(b Balance, m Movement) (Depletion, error) {
	for _, l := range m {
		if err := l.Validate(); err != nil {
			return Depletion{}, err
		}
	}

	work := b.Clone()
	var draws []Draw
	for i, l := range m {
		remaining, lineDraws := drain(work, i, l, l.ModelYear)
		if remaining.IsPositive() {
			return Depletion{}, &UncoveredMovementError{Index: i, Line: l, Remainder: remaining}
		}
		draws = append(draws, lineDraws...)
	}
	return Depletion{Balance: work, Draws: draws}, nil
}

// drain consumes up to l.Quantity from work's CREDIT buckets, mutating work.
// scope restricts the model year; zero drains every year oldest-first.
func drain(work Balance, idx int, l Line, scope ModelYear) (decimal.Decimal, []Draw) {
	remaining := l.Quantity
	var draws []Draw

	for _, cc := range l.CreditClass.SearchOrder() {
		yb := work[KindCredit][l.VehicleClass][cc]
		for _, my := range sortedYears(yb) {
			if !remaining.IsPositive() {
				return remaining, draws
			}
			if scope != 0 && my != scope {
				continue
			}
			available := yb[my]
			if !available.IsPositive() {
				continue
			}
			take := decimal.Min(available, remaining)
			yb[my] = available.Sub(take)
			remaining = remaining.Sub(take)
			draws = append(draws, Draw{
				LineIndex:    idx,
				VehicleClass: l.VehicleClass,
				CreditClass:  cc,
				ModelYear:    my,
				Quantity:     take,
			})
		}
	}
	return remaining, draws
}

// =============================================================================
// REPLAYING COMMITTED HISTORY
// =============================================================================

// obligation is a committed outgoing row still to be met. anyYear marks
// deficits, which may be satisfied from any model year.
type obligation struct {
	Line
	anyYear bool
}

func (o obligation) scope() ModelYear {
	if o.anyYear {
		return 0
	}
	return o.ModelYear
}

// replayer holds the CREDIT buckets and the deficits not yet met, in the
// order they arose.
type replayer struct {
	credits  Balance
	deficits []obligation
}

func (r *replayer) credit(rec Record) {
	r.credits.add(rec)
	r.pay()
}

func (r *replayer) owe(o obligation) {
	remaining, _ := drain(r.credits, -1, o.Line, o.scope())
	if remaining.IsPositive() {
		o.Quantity = remaining
		r.deficits = append(r.deficits, o)
	}
}

// pay meets outstanding deficits, oldest first, from the current credits.
func (r *replayer) pay() {
	kept := r.deficits[:0]
	for _, o := range r.deficits {
		remaining, _ := drain(r.credits, -1, o.Line, o.scope())
		if remaining.IsPositive() {
			o.Quantity = remaining
			kept = append(kept, o)
		}
	}
	r.deficits = kept
}

func (r *replayer) balance() Balance {
	out := r.credits
	for _, o := range r.deficits {
		out.set(KindDebit, o.VehicleClass, o.CreditClass, o.ModelYear,
			out.Get(KindDebit, o.VehicleClass, o.CreditClass, o.ModelYear).Add(o.Quantity))
	}
	return out
}

// Replay settles one organization's history in the order it was committed
// and returns the remaining CREDIT buckets plus, as DEBIT buckets keyed by
// the row's own class and year, whatever is still owed.
//
// Snapshot credits come first and snapshot deficits are owed against them.
// Transactions follow by timestamp; rows sharing a timestamp keep the order
// the repository returned them in. A DEBIT draws from any model year, a
// TRANSFER_AWAY only from its own, and each CREDIT first pays down what is
// still owed. Every record is validated as Aggregate does.
func Replay(snapshot []EndingBalance, txs []Transaction) (Balance, error) {
	if _, err := Aggregate(RecordsOf(snapshot), RecordsOf(txs)); err != nil {
		return nil, err
	}

	r := &replayer{credits: NewBalance()}
	for _, row := range snapshot {
		if row.Kind == KindCredit {
			r.credits.add(row.Record)
		}
	}
	for _, row := range snapshot {
		if row.Kind == KindDebit && row.Quantity.IsPositive() {
			r.owe(obligation{Line: lineOf(row.Record), anyYear: true})
		}
	}

	ordered := make([]Transaction, len(txs))
	copy(ordered, txs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	for _, tx := range ordered {
		switch {
		case !tx.Quantity.IsPositive():
		case tx.Kind == KindCredit:
			r.credit(tx.Record)
		default:
			r.owe(obligation{Line: lineOf(tx.Record), anyYear: tx.Kind == KindDebit})
		}
	}
	return r.balance(), nil
}

// OutstandingDeficits returns the DEBIT buckets of a settled balance as
// movement lines that may draw from any model year.
func OutstandingDeficits(settled Balance) Movement {
	var m Movement
	for _, l := range settled.Lines(KindDebit) {
		if l.Quantity.IsPositive() {
			l.ModelYear = 0
			m = append(m, l)
		}
	}
	return m
}

func lineOf(r Record) Line {
	return Line{VehicleClass: r.VehicleClass, CreditClass: r.CreditClass, ModelYear: r.ModelYear, Quantity: r.Quantity}
}
