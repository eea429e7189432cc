/*
balance.go - Balance aggregate and the aggregator

PURPOSE:
  Folds ending balance snapshot records and the transactions that follow
  them into one nested running total:

    kind -> vehicle class -> credit class -> model year -> quantity

KEY INSIGHT:
  Aggregation is a pure commutative sum. No CREDIT is netted against a
  DEBIT or TRANSFER_AWAY here; that is the depletion engine's job, because
  netting depends on the substitution and oldest-year-first rules.

SEE ALSO:
  - depletion.go: consumes a Balance
  - coverage.go: builds a Balance from a Repository
*/
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// =============================================================================
// BALANCE - The nested aggregate
// =============================================================================

type (
	yearBuckets  map[ModelYear]decimal.Decimal
	classBuckets map[CreditClass]yearBuckets
	vehicleTree  map[VehicleClass]classBuckets
)

// Balance is the balance aggregate. It is a plain value; every operation in
// this package that "changes" a Balance returns a new one.
type Balance map[TransactionKind]vehicleTree

func NewBalance() Balance {
	return make(Balance)
}

// Get returns the quantity of a bucket, zero when absent.
func (b Balance) Get(kind TransactionKind, vc VehicleClass, cc CreditClass, my ModelYear) decimal.Decimal {
	if q, ok := b[kind][vc][cc][my]; ok {
		return q
	}
	return decimal.Zero
}

// Has reports whether the bucket exists, even if it holds zero.
func (b Balance) Has(kind TransactionKind, vc VehicleClass, cc CreditClass, my ModelYear) bool {
	_, ok := b[kind][vc][cc][my]
	return ok
}

func (b Balance) set(kind TransactionKind, vc VehicleClass, cc CreditClass, my ModelYear, q decimal.Decimal) {
	vt, ok := b[kind]
	if !ok {
		vt = make(vehicleTree)
		b[kind] = vt
	}
	cb, ok := vt[vc]
	if !ok {
		cb = make(classBuckets)
		vt[vc] = cb
	}
	yb, ok := cb[cc]
	if !ok {
		yb = make(yearBuckets)
		cb[cc] = yb
	}
	yb[my] = q
}

func (b Balance) add(r Record) {
	b.set(r.Kind, r.VehicleClass, r.CreditClass, r.ModelYear,
		b.Get(r.Kind, r.VehicleClass, r.CreditClass, r.ModelYear).Add(r.Quantity))
}

// Clone returns a deep copy.
func (b Balance) Clone() Balance {
	out := NewBalance()
	b.each(func(kind TransactionKind, vc VehicleClass, cc CreditClass, my ModelYear, q decimal.Decimal) {
		out.set(kind, vc, cc, my, q)
	})
	return out
}

// Credits returns a copy holding only the CREDIT partition.
func (b Balance) Credits() Balance {
	out := NewBalance()
	b.each(func(kind TransactionKind, vc VehicleClass, cc CreditClass, my ModelYear, q decimal.Decimal) {
		if kind == KindCredit {
			out.set(kind, vc, cc, my, q)
		}
	})
	return out
}

// Total sums every model year of one (kind, vehicle class, credit class).
func (b Balance) Total(kind TransactionKind, vc VehicleClass, cc CreditClass) decimal.Decimal {
	total := decimal.Zero
	for _, q := range b[kind][vc][cc] {
		total = total.Add(q)
	}
	return total
}

// HasNegative reports whether any bucket is below zero.
func (b Balance) HasNegative() bool {
	negative := false
	b.each(func(_ TransactionKind, _ VehicleClass, _ CreditClass, _ ModelYear, q decimal.Decimal) {
		if q.IsNegative() {
			negative = true
		}
	})
	return negative
}

// Equal compares bucket values numerically; a missing bucket equals zero.
func (b Balance) Equal(other Balance) bool {
	return b.covers(other) && other.covers(b)
}

func (b Balance) covers(other Balance) bool {
	equal := true
	b.each(func(kind TransactionKind, vc VehicleClass, cc CreditClass, my ModelYear, q decimal.Decimal) {
		if !q.Equal(other.Get(kind, vc, cc, my)) {
			equal = false
		}
	})
	return equal
}

// Lines flattens one partition into movement lines, ordered by vehicle
// class, credit class and model year.
func (b Balance) Lines(kind TransactionKind) []Line {
	var lines []Line
	for vc, cb := range b[kind] {
		for cc, yb := range cb {
			for my, q := range yb {
				lines = append(lines, Line{VehicleClass: vc, CreditClass: cc, ModelYear: my, Quantity: q})
			}
		}
	}
	sortLines(lines)
	return lines
}

func (b Balance) each(fn func(TransactionKind, VehicleClass, CreditClass, ModelYear, decimal.Decimal)) {
	for kind, vt := range b {
		for vc, cb := range vt {
			for cc, yb := range cb {
				for my, q := range yb {
					fn(kind, vc, cc, my, q)
				}
			}
		}
	}
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Aggregate folds snapshot records and the transactions after the snapshot
// into one Balance. Snapshot records must be CREDIT or DEBIT. The result does
// not depend on input order, and empty input yields an empty Balance.
func Aggregate(snapshots []Record, transactions []Record) (Balance, error) {
	b := NewBalance()
	for _, r := range snapshots {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.Kind == KindTransferAway {
			return nil, malformed(r, "ending balance cannot be a transfer-away")
		}
		b.add(r)
	}
	for _, r := range transactions {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		b.add(r)
	}
	return b, nil
}

// =============================================================================
// ORDERING
// =============================================================================

func vehicleRank(v VehicleClass) int { return indexOf(VehicleClasses, v) }
func creditRank(c CreditClass) int   { return indexOf(CreditClasses, c) }

func indexOf[T comparable](xs []T, x T) int {
	for i, v := range xs {
		if v == x {
			return i
		}
	}
	return len(xs)
}

func sortLines(lines []Line) {
	sort.SliceStable(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if ra, rb := vehicleRank(a.VehicleClass), vehicleRank(b.VehicleClass); ra != rb {
			return ra < rb
		}
		if ra, rb := creditRank(a.CreditClass), creditRank(b.CreditClass); ra != rb {
			return ra < rb
		}
		return a.ModelYear < b.ModelYear
	})
}

// sortedYears returns the model years of a bucket set, oldest first.
func sortedYears(yb yearBuckets) []ModelYear {
	years := make([]ModelYear, 0, len(yb))
	for my := range yb {
		years = append(years, my)
	}
	sort.Slice(years, func(i, j int) bool { return years[i] < years[j] })
	return years
}
