package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/zeva/credit-engine/ledger"
)

func sampleReport(t *testing.T) BalanceReport {
	t.Helper()
	credit := ledger.Record{Kind: ledger.KindCredit, VehicleClass: ledger.VehicleReportable, CreditClass: ledger.CreditA, ModelYear: 2024, Quantity: decimal.RequireFromString("12.5")}
	deficit := ledger.Record{Kind: ledger.KindDebit, VehicleClass: ledger.VehicleReportable, CreditClass: ledger.CreditB, ModelYear: 2023, Quantity: decimal.RequireFromString("3")}
	bal, err := ledger.Aggregate(nil, []ledger.Record{credit, deficit})
	require.NoError(t, err)

	return BalanceReport{
		OrganizationID: "org-1",
		AsOf:           time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		Balance:        bal,
		Transactions: []ledger.Transaction{{
			Record:         credit,
			ID:             "tx-1",
			OrganizationID: "org-1",
			Timestamp:      time.Date(2025, time.January, 2, 10, 0, 0, 0, time.UTC),
			ReferenceType:  ledger.RefAgreement,
			ReferenceID:    "agr-1",
		}},
	}
}

func TestWriteBalance(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultWorkbookOptions()
	require.NoError(t, WriteBalance(&buf, sampleReport(t), opts))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Balance", "Transactions"}, f.GetSheetList())

	rows, err := f.GetRows("Balance", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"Kind", "Vehicle Class", "Credit Class", "Model Year", "Quantity", "", "Organization", "org-1"}, rows[0])
	assert.Equal(t, []string{"CREDIT", "REPORTABLE", "A", "2024", "12.5"}, rows[1][:5])
	assert.Equal(t, []string{"DEBIT", "REPORTABLE", "B", "2023", "3"}, rows[2][:5])

	txRows, err := f.GetRows("Transactions")
	require.NoError(t, err)
	require.Len(t, txRows, 2)
	assert.Equal(t, "agr-1", txRows[1][7])
	assert.Equal(t, "tx-1", txRows[1][8])
}

func TestWriteBalance_WithoutHistory(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultWorkbookOptions()
	opts.IncludeHistory = false
	require.NoError(t, WriteBalance(&buf, sampleReport(t), opts))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Balance"}, f.GetSheetList())
}

func TestWriteBalance_EmptyBalance(t *testing.T) {
	var buf bytes.Buffer
	err := WriteBalance(&buf, BalanceReport{OrganizationID: "org-1", Balance: ledger.NewBalance()}, DefaultWorkbookOptions())
	require.NoError(t, err)

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Balance")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "org-1", rows[0][7])
}
