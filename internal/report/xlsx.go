// Package report renders match reports as spreadsheets.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/zombor/receipt-matcher/internal/receipt"
)

// Sheet names
const (
	SheetMatches               = "Matches"
	SheetUnmatchedReceipts     = "Unmatched Receipts"
	SheetUnmatchedTransactions = "Unmatched Transactions"
	SheetSummary               = "Summary"
)

var (
	matchHeader = []any{
		"Receipt", "Supplier", "Invoice", "Receipt Date", "Total", "VAT", "Currency",
		"Transaction", "Transaction Date", "Amount", "Reference", "Confidence", "Reasons",
	}
	receiptHeader     = []any{"Receipt", "Supplier", "Invoice", "Date", "Total", "VAT", "Currency", "Confidence", "Error"}
	transactionHeader = []any{"Transaction", "Date", "Amount", "Reference"}
)

// Write renders the report as an XLSX workbook to w
func Write(w io.Writer, rep receipt.MatchReport) error {
	f, err := build(rep)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// SaveAs renders the report as an XLSX workbook at path
func SaveAs(path string, rep receipt.MatchReport) error {
	f, err := build(rep)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}

func build(rep receipt.MatchReport) (*excelize.File, error) {
	f := excelize.NewFile()
	if err := fill(f, rep); err != nil {
		_ = f.Close()
		return nil, err
	}
	return f, nil
}

func fill(f *excelize.File, rep receipt.MatchReport) error {
	if err := f.SetSheetName(f.GetSheetName(0), SheetMatches); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	for _, name := range []string{SheetUnmatchedReceipts, SheetUnmatchedTransactions, SheetSummary} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("creating sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	matches := make([][]any, 0, len(rep.Matches))
	for _, m := range rep.Matches {
		matches = append(matches, []any{
			m.Receipt.ID, m.Receipt.SupplierName, m.Receipt.InvoiceNumber, m.Receipt.Date,
			m.Receipt.TotalAmount.InexactFloat64(), m.Receipt.VATAmount.InexactFloat64(), m.Receipt.Currency,
			m.Transaction.ID, m.Transaction.Date, amountCell(m.Transaction.Amount), m.Transaction.Reference,
			m.ConfidenceScore, strings.Join(m.Reasons, "; "),
		})
	}

	receipts := make([][]any, 0, len(rep.Unmatched.Receipts))
	for _, r := range rep.Unmatched.Receipts {
		receipts = append(receipts, []any{
			r.ID, r.SupplierName, r.InvoiceNumber, r.Date,
			r.TotalAmount.InexactFloat64(), r.VATAmount.InexactFloat64(), r.Currency,
			r.ConfidenceScore, r.Error,
		})
	}

	txs := make([][]any, 0, len(rep.Unmatched.Transactions))
	for _, t := range rep.Unmatched.Transactions {
		txs = append(txs, []any{t.ID, t.Date, amountCell(t.Amount), t.Reference})
	}

	summary := [][]any{
		{"Report", rep.ID},
		{"Created", rep.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Matches", rep.Summary.TotalMatches},
		{"Unmatched receipts", rep.Summary.UnmatchedReceipts},
		{"Unmatched transactions", rep.Summary.UnmatchedTransactions},
		{"Average confidence", rep.Summary.AverageConfidence},
	}

	tables := []struct {
		sheet  string
		header []any
		rows   [][]any
	}{
		{SheetMatches, matchHeader, matches},
		{SheetUnmatchedReceipts, receiptHeader, receipts},
		{SheetUnmatchedTransactions, transactionHeader, txs},
		{SheetSummary, nil, summary},
	}
	for _, t := range tables {
		if err := writeTable(f, t.sheet, t.header, t.rows, bold); err != nil {
			return err
		}
	}
	return nil
}

func writeTable(f *excelize.File, sheet string, header []any, rows [][]any, headerStyle int) error {
	row := 1
	if header != nil {
		if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
			return fmt.Errorf("writing %s header: %w", sheet, err)
		}
		last, err := excelize.CoordinatesToCellName(len(header), 1)
		if err != nil {
			return fmt.Errorf("addressing %s header: %w", sheet, err)
		}
		if err := f.SetCellStyle(sheet, "A1", last, headerStyle); err != nil {
			return fmt.Errorf("styling %s header: %w", sheet, err)
		}
		row++
	}

	for _, values := range rows {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return fmt.Errorf("addressing %s row %d: %w", sheet, row, err)
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, row, err)
		}
		row++
	}
	return nil
}

// amountCell writes a numeric cell when the raw amount can be read, the raw text otherwise
func amountCell(a receipt.Amount) any {
	d, err := a.Decimal()
	if err != nil {
		return string(a)
	}
	return d.InexactFloat64()
}
