package ledger_test

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zeva/credit-engine/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const (
	rep    = ledger.VehicleReportable
	nonRep = ledger.VehicleNonReportable
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func rec(kind ledger.TransactionKind, cc ledger.CreditClass, my ledger.ModelYear, q string) ledger.Record {
	return ledger.Record{
		Kind:         kind,
		VehicleClass: rep,
		CreditClass:  cc,
		ModelYear:    my,
		Quantity:     qty(q),
	}
}

func credit(cc ledger.CreditClass, my ledger.ModelYear, q string) ledger.Record {
	return rec(ledger.KindCredit, cc, my, q)
}

func line(cc ledger.CreditClass, my ledger.ModelYear, q string) ledger.Line {
	return ledger.Line{VehicleClass: rep, CreditClass: cc, ModelYear: my, Quantity: qty(q)}
}

func mustAggregate(snapshots, txs []ledger.Record) ledger.Balance {
	b, err := ledger.Aggregate(snapshots, txs)
	if err != nil {
		panic(err)
	}
	return b
}

func at(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 12, 0, 0, 0, time.UTC)
}

func transaction(org ledger.OrganizationID, id string, ts time.Time, r ledger.Record) ledger.Transaction {
	return ledger.Transaction{
		Record:         r,
		ID:             id,
		OrganizationID: org,
		Timestamp:      ts,
		ReferenceType:  ledger.RefAgreement,
		ReferenceID:    id,
	}
}

// snapshotRows converts a settled balance into ending balance rows.
func snapshotRows(org ledger.OrganizationID, year int, b ledger.Balance) []ledger.EndingBalance {
	var rows []ledger.EndingBalance
	for _, kind := range []ledger.TransactionKind{ledger.KindCredit, ledger.KindDebit} {
		for _, l := range b.Lines(kind) {
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
