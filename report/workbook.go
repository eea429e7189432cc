// Package report exports organization balances as Excel workbooks.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/zeva/credit-engine/ledger"
)

// WorkbookOptions configures the balance workbook.
type WorkbookOptions struct {
	BalanceSheet      string
	TransactionsSheet string
	IncludeHistory    bool
	FreezeHeader      bool
	AutoFilter        bool
	NumberFormat      string
	TimestampFormat   string
	HeaderFill        string
	HeaderFontColor   string
}

// DefaultWorkbookOptions returns the options used by the API export.
func DefaultWorkbookOptions() WorkbookOptions {
	return WorkbookOptions{
		BalanceSheet:      "Balance",
		TransactionsSheet: "Transactions",
		IncludeHistory:    true,
		FreezeHeader:      true,
		AutoFilter:        true,
		NumberFormat:      "#,##0.00",
		TimestampFormat:   "yyyy-mm-dd hh:mm:ss",
		HeaderFill:        "4472C4",
		HeaderFontColor:   "FFFFFF",
	}
}

// BalanceReport is the content of one workbook.
type BalanceReport struct {
	OrganizationID ledger.OrganizationID
	AsOf           time.Time
	Balance        ledger.Balance // settled
	Transactions   []ledger.Transaction
}

var (
	balanceColumns     = []string{"Kind", "Vehicle Class", "Credit Class", "Model Year", "Quantity"}
	transactionColumns = []string{"Timestamp", "Kind", "Vehicle Class", "Credit Class", "Model Year", "Quantity", "Reference Type", "Reference ID", "Transaction ID"}
)

// WriteBalance renders r as an xlsx workbook into w.
func WriteBalance(w io.Writer, r BalanceReport, opts WorkbookOptions) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", opts.BalanceSheet); err != nil {
		return fmt.Errorf("failed to name balance sheet: %w", err)
	}

	styles, err := newStyles(f, opts)
	if err != nil {
		return err
	}

	var rows [][]any
	for _, kind := range []ledger.TransactionKind{ledger.KindCredit, ledger.KindDebit} {
		for _, l := range r.Balance.Lines(kind) {
			if !l.Quantity.IsPositive() {
				continue
			}
			rows = append(rows, []any{string(kind), string(l.VehicleClass), string(l.CreditClass), l.ModelYear.Year(), l.Quantity.InexactFloat64()})
		}
	}
	if err := writeSheet(f, opts.BalanceSheet, balanceColumns, rows, styles, opts, map[int]int{5: styles.number}); err != nil {
		return err
	}

	// Title cells to the right of the table.
	meta := [][2]any{{"Organization", string(r.OrganizationID)}}
	if !r.AsOf.IsZero() {
		meta = append(meta, [2]any{"As of", r.AsOf})
	}
	for i, kv := range meta {
		label, _ := excelize.CoordinatesToCellName(len(balanceColumns)+2, i+1)
		value, _ := excelize.CoordinatesToCellName(len(balanceColumns)+3, i+1)
		if err := f.SetCellValue(opts.BalanceSheet, label, kv[0]); err != nil {
			return err
		}
		if err := f.SetCellValue(opts.BalanceSheet, value, kv[1]); err != nil {
			return err
		}
		if _, ok := kv[1].(time.Time); ok {
			if err := f.SetCellStyle(opts.BalanceSheet, value, value, styles.timestamp); err != nil {
				return err
			}
		}
	}

	if opts.IncludeHistory {
		if _, err := f.NewSheet(opts.TransactionsSheet); err != nil {
			return fmt.Errorf("failed to create transactions sheet: %w", err)
		}
		txRows := make([][]any, 0, len(r.Transactions))
		for _, t := range r.Transactions {
			txRows = append(txRows, []any{
				t.Timestamp, string(t.Kind), string(t.VehicleClass), string(t.CreditClass),
				t.ModelYear.Year(), t.Quantity.InexactFloat64(),
				string(t.ReferenceType), t.ReferenceID, t.ID,
			})
		}
		if err := writeSheet(f, opts.TransactionsSheet, transactionColumns, txRows, styles, opts, map[int]int{1: styles.timestamp, 6: styles.number}); err != nil {
			return err
		}
	}

	return f.Write(w)
}

type styleSet struct {
	header    int
	number    int
	timestamp int
}

func newStyles(f *excelize.File, opts WorkbookOptions) (styleSet, error) {
	var s styleSet
	var err error

	header := &excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: opts.HeaderFontColor},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	}
	if opts.HeaderFill != "" {
		header.Fill = excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{opts.HeaderFill}}
	}
	if s.header, err = f.NewStyle(header); err != nil {
		return s, fmt.Errorf("failed to create header style: %w", err)
	}

	numFmt := opts.NumberFormat
	if s.number, err = f.NewStyle(&excelize.Style{CustomNumFmt: &numFmt}); err != nil {
		return s, fmt.Errorf("failed to create number style: %w", err)
	}

	tsFmt := opts.TimestampFormat
	if s.timestamp, err = f.NewStyle(&excelize.Style{CustomNumFmt: &tsFmt}); err != nil {
		return s, fmt.Errorf("failed to create timestamp style: %w", err)
	}
	return s, nil
}

// writeSheet writes a header row and data rows. columnStyles maps 1-based
// column numbers to a style applied to every data cell of that column.
func writeSheet(f *excelize.File, sheet string, columns []string, rows [][]any, styles styleSet, opts WorkbookOptions, columnStyles map[int]int) error {
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	lastHeader, _ := excelize.CoordinatesToCellName(len(columns), 1)
	if err := f.SetCellStyle(sheet, "A1", lastHeader, styles.header); err != nil {
		return err
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	if len(rows) > 0 {
		for col, style := range columnStyles {
			top, _ := excelize.CoordinatesToCellName(col, 2)
			bottom, _ := excelize.CoordinatesToCellName(col, len(rows)+1)
			if err := f.SetCellStyle(sheet, top, bottom, style); err != nil {
				return err
			}
		}
	}

	if opts.FreezeHeader {
		if err := f.SetPanes(sheet, &excelize.Panes{
			Freeze:      true,
			YSplit:      1,
			TopLeftCell: "A2",
			ActivePane:  "bottomLeft",
		}); err != nil {
			return err
		}
	}
	if opts.AutoFilter {
		if err := f.AutoFilter(sheet, "A1:"+lastHeader, nil); err != nil {
			return err
		}
	}

	lastCol, _ := excelize.ColumnNumberToName(len(columns))
	return f.SetColWidth(sheet, "A", lastCol, 16)
}
