/*
errors.go - Error taxonomy for the ledger engine

ERROR CATEGORIES:
  1. MalformedRecord - a record or line violates precision/enum invariants.
     Caller or data bug; never retried.
  2. UncoveredMovement - the balance cannot cover a proposed outgoing movement.
     Expected business outcome; surfaced to the user as "insufficient balance".
  3. UnknownComplianceYear - no compliance period is defined for the year.
  4. Store errors - snapshot immutability, concurrency conflicts.

USAGE:
  if errors.Is(err, ledger.ErrUncoveredMovement) {
      var unc *ledger.UncoveredMovementError
      errors.As(err, &unc)
      fmt.Println(unc.Remainder)
  }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrMalformedRecord       = errors.New("malformed ledger record")
	ErrUncoveredMovement     = errors.New("insufficient balance for outgoing movement")
	ErrUnknownComplianceYear = errors.New("unknown compliance year")

	// ErrSnapshotExists is returned when ending balances are written twice
	// for the same organization and compliance year.
	ErrSnapshotExists = errors.New("ending balance already recorded for compliance year")

	// ErrYearNotClosable is returned when assessing a year at or before the
	// most recent snapshot.
	ErrYearNotClosable = errors.New("compliance year cannot be closed")

	// ErrConcurrentModification is returned by stores that detect a
	// serialization failure. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// MalformedRecordError describes which record failed validation and why.
type MalformedRecordError struct {
	Record Record
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed ledger record (%s %s/%s/%s qty %s): %s",
		e.Record.Kind, e.Record.VehicleClass, e.Record.CreditClass, e.Record.ModelYear,
		e.Record.Quantity.String(), e.Reason)
}

func (e *MalformedRecordError) Unwrap() error { return ErrMalformedRecord }

func malformed(r Record, reason string) error {
	return &MalformedRecordError{Record: r, Reason: reason}
}

// UncoveredMovementError reports the first movement line that could not be
// fully satisfied and how much of it was left over.
type UncoveredMovementError struct {
	Index     int
	Line      Line
	Remainder decimal.Decimal
}

func (e *UncoveredMovementError) Error() string {
	return fmt.Sprintf("insufficient balance: line %d (%s) short by %s",
		e.Index, e.Line, e.Remainder.StringFixed(MaxQuantityPlaces))
}

func (e *UncoveredMovementError) Unwrap() error { return ErrUncoveredMovement }

// UnknownComplianceYearError carries the offending year.
type UnknownComplianceYearError struct {
	Year int
}

func (e *UnknownComplianceYearError) Error() string {
	return fmt.Sprintf("unknown compliance year %d", e.Year)
}

func (e *UnknownComplianceYearError) Unwrap() error { return ErrUnknownComplianceYear }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid or insufficient input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrUncoveredMovement) ||
		errors.Is(err, ErrUnknownComplianceYear) ||
		errors.Is(err, ErrSnapshotExists) ||
		errors.Is(err, ErrYearNotClosable)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
