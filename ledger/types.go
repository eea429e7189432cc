/*
Package ledger provides the ZEV unit ledger and balance engine.

PURPOSE:
  Suppliers earn, trade and owe ZEV units (credits). Every approved
  workflow transition writes signed ledger records; at each compliance-year
  rollover the net position is frozen into ending balance snapshots. This
  package turns those records into a class-partitioned balance and decides
  whether a proposed outgoing movement is covered by it.

KEY CONCEPTS IN THIS FILE (types.go):
  - Record: the atomic fact {kind, vehicle class, credit class, model year, quantity}
  - Transaction / EndingBalance: persisted rows that carry a Record
  - Line / Movement: a proposed outgoing movement, not yet persisted

DESIGN PRINCIPLES:
  1. Precision: quantities are decimal.Decimal with at most 2 fractional digits
  2. Direction lives in Kind, never in the sign of Quantity
  3. Pure engine: Aggregate, ApplyOutgoing and Replay never touch storage

USAGE:
  bal, err := ledger.Aggregate(ledger.RecordsOf(snapshot), ledger.RecordsOf(txs))
  next, err := ledger.ApplyOutgoing(bal.Credits(), movement)
  if errors.Is(err, ledger.ErrUncoveredMovement) {
      // reject the transfer
  }

SEE ALSO:
  - balance.go: Balance aggregate and the aggregator
  - depletion.go: Depletion engine
  - coverage.go: Coverage checker
  - period.go: Compliance period resolver
*/
package ledger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ENUMS
// =============================================================================

type TransactionKind string

const (
	KindCredit       TransactionKind = "CREDIT"
	KindDebit        TransactionKind = "DEBIT"
	KindTransferAway TransactionKind = "TRANSFER_AWAY"
)

// Kinds lists every transaction kind in netting order.
var Kinds = []TransactionKind{KindCredit, KindDebit, KindTransferAway}

func (k TransactionKind) Valid() bool {
	switch k {
	case KindCredit, KindDebit, KindTransferAway:
		return true
	}
	return false
}

// IsOutgoing reports whether records of this kind reduce the balance.
func (k TransactionKind) IsOutgoing() bool {
	return k == KindDebit || k == KindTransferAway
}

type VehicleClass string

const (
	VehicleReportable    VehicleClass = "REPORTABLE"
	VehicleNonReportable VehicleClass = "NON_REPORTABLE"
)

var VehicleClasses = []VehicleClass{VehicleReportable, VehicleNonReportable}

func (v VehicleClass) Valid() bool {
	return v == VehicleReportable || v == VehicleNonReportable
}

type CreditClass string

const (
	CreditA           CreditClass = "A"
	CreditB           CreditClass = "B"
	CreditUnspecified CreditClass = "UNSPECIFIED"
	CreditC           CreditClass = "C" // legacy, historical data only
)

var CreditClasses = []CreditClass{CreditA, CreditB, CreditC, CreditUnspecified}

func (c CreditClass) Valid() bool {
	switch c {
	case CreditA, CreditB, CreditC, CreditUnspecified:
		return true
	}
	return false
}

// SearchOrder returns the credit classes whose buckets may satisfy an
// obligation of class c, in the order they are drained.
//
//	A           -> A
//	B           -> B, A   (A may stand in for B, never the reverse)
//	UNSPECIFIED -> B, A   (B is the more expendable credit)
//	C           -> C
func (c CreditClass) SearchOrder() []CreditClass {
	switch c {
	case CreditA:
		return []CreditClass{CreditA}
	case CreditB, CreditUnspecified:
		return []CreditClass{CreditB, CreditA}
	case CreditC:
		return []CreditClass{CreditC}
	}
	return nil
}

// ModelYear is an ordered compliance model year. The zero value means
// "any model year" when used in a movement Line.
type ModelYear int

const (
	MinModelYear ModelYear = 2019
	MaxModelYear ModelYear = 2035
)

// ModelYears returns every defined model year, oldest first.
func ModelYears() []ModelYear {
	years := make([]ModelYear, 0, MaxModelYear-MinModelYear+1)
	for y := MinModelYear; y <= MaxModelYear; y++ {
		years = append(years, y)
	}
	return years
}

func (y ModelYear) Valid() bool { return y >= MinModelYear && y <= MaxModelYear }
func (y ModelYear) Year() int   { return int(y) }

func (y ModelYear) String() string {
	if y == 0 {
		return "ANY"
	}
	return "MY_" + strconv.Itoa(int(y))
}

func (y ModelYear) MarshalText() ([]byte, error) { return []byte(y.String()), nil }

func (y *ModelYear) UnmarshalText(b []byte) error {
	parsed, err := ParseModelYear(string(b))
	if err != nil {
		return err
	}
	*y = parsed
	return nil
}

// ParseModelYear accepts "MY_2024", "2024" or "" (any model year).
func ParseModelYear(s string) (ModelYear, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "ANY" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "MY_"))
	if err != nil {
		return 0, fmt.Errorf("invalid model year %q", s)
	}
	y := ModelYear(n)
	if !y.Valid() {
		return 0, fmt.Errorf("model year %q out of range", s)
	}
	return y, nil
}

// =============================================================================
// RECORD - The atomic ledger fact
// =============================================================================

// MaxQuantityPlaces is the number of fractional digits a quantity may carry.
const MaxQuantityPlaces = 2

type Record struct {
	Kind         TransactionKind
	VehicleClass VehicleClass
	CreditClass  CreditClass
	ModelYear    ModelYear
	Quantity     decimal.Decimal
}

// Validate enforces the enum-membership and decimal-precision invariants.
func (r Record) Validate() error {
	switch {
	case !r.Kind.Valid():
		return malformed(r, "unknown transaction kind")
	case !r.VehicleClass.Valid():
		return malformed(r, "unknown vehicle class")
	case !r.CreditClass.Valid():
		return malformed(r, "unknown credit class")
	case !r.ModelYear.Valid():
		return malformed(r, "unknown model year")
	case r.Kind == KindCredit && r.CreditClass == CreditUnspecified:
		return malformed(r, "credits must carry a concrete credit class")
	}
	return validateQuantity(r, r.Quantity)
}

func validateQuantity(r Record, q decimal.Decimal) error {
	if q.IsNegative() {
		return malformed(r, "negative quantity")
	}
	if !q.Equal(q.Truncate(MaxQuantityPlaces)) {
		return malformed(r, "quantity has more than 2 decimal places")
	}
	return nil
}

// ParseQuantity parses a decimal string and enforces the precision invariant.
func ParseQuantity(s string) (decimal.Decimal, error) {
	q, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, &MalformedRecordError{Reason: fmt.Sprintf("unparseable quantity %q", s)}
	}
	if err := validateQuantity(Record{}, q); err != nil {
		return decimal.Zero, err
	}
	return q, nil
}

// Entry is satisfied by anything that carries a ledger Record.
type Entry interface {
	LedgerRecord() Record
}

func (r Record) LedgerRecord() Record { return r }

// RecordsOf extracts the Records from a slice of entries.
func RecordsOf[E Entry](entries []E) []Record {
	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.LedgerRecord()
	}
	return out
}

// =============================================================================
// PERSISTED ROWS
// =============================================================================

type OrganizationID string

// ReferenceType names the workflow entity that produced a transaction.
type ReferenceType string

const (
	RefAgreement     ReferenceType = "agreement"
	RefTransfer      ReferenceType = "credit_transfer"
	RefPenaltyCredit ReferenceType = "penalty_credit"
	RefSupply        ReferenceType = "vehicle_supply"
	RefAssessment    ReferenceType = "assessment"
)

// Transaction is a committed ledger row. Created only by approved, terminal
// workflow transitions.
type Transaction struct {
	Record
	ID             string
	OrganizationID OrganizationID
	Timestamp      time.Time
	ReferenceType  ReferenceType
	ReferenceID    string
}

// EndingBalance is one bucket of an organization's frozen position at the
// close of a compliance year. Kind is CREDIT (available units) or DEBIT
// (outstanding deficit). Immutable once written.
type EndingBalance struct {
	Record
	OrganizationID OrganizationID
	ComplianceYear int
}

// =============================================================================
// MOVEMENT - A proposed outgoing change, never persisted
// =============================================================================

// Line is one entry of a proposed outgoing movement. CreditClass may be
// CreditUnspecified; ModelYear may be zero to drain every year oldest-first.
type Line struct {
	VehicleClass VehicleClass
	CreditClass  CreditClass
	ModelYear    ModelYear
	Quantity     decimal.Decimal
}

type Movement []Line

// Validate checks the line the same way a Record is checked, allowing a zero
// model year.
func (l Line) Validate() error {
	r := Record{Kind: KindTransferAway, VehicleClass: l.VehicleClass, CreditClass: l.CreditClass, ModelYear: l.ModelYear, Quantity: l.Quantity}
	switch {
	case !l.VehicleClass.Valid():
		return malformed(r, "unknown vehicle class")
	case !l.CreditClass.Valid():
		return malformed(r, "unknown credit class")
	case l.ModelYear != 0 && !l.ModelYear.Valid():
		return malformed(r, "unknown model year")
	}
	return validateQuantity(r, l.Quantity)
}

func (l Line) String() string {
	return fmt.Sprintf("%s/%s/%s x %s", l.VehicleClass, l.CreditClass, l.ModelYear, l.Quantity.StringFixed(MaxQuantityPlaces))
}

// Total sums the quantities of every line.
func (m Movement) Total() decimal.Decimal {
	total := decimal.Zero
	for _, l := range m {
		total = total.Add(l.Quantity)
	}
	return total
}
