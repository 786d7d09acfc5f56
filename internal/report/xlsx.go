package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	summarySheet  = "Summary"
	failuresSheet = "Failures"
)

// WriteXLSX writes the summary to a workbook with a summary and a failures sheet
func WriteXLSX(s Summary, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("naming summary sheet: %w", err)
	}

	rows := [][]any{
		{"From", s.From.Format(time.RFC3339)},
		{"To", s.To.Format(time.RFC3339)},
		{"Attempts", s.Total},
		{"Succeeded", s.Succeeded},
		{},
		{"Error", "Count"},
	}
	for _, e := range s.Errors {
		rows = append(rows, []any{e.Error, e.Count})
	}
	if err := writeRows(f, summarySheet, rows); err != nil {
		return err
	}

	if _, err := f.NewSheet(failuresSheet); err != nil {
		return fmt.Errorf("creating failures sheet: %w", err)
	}
	rows = [][]any{{"Timestamp", "Invoice", "Vendor", "Error"}}
	for _, fl := range s.Failures {
		rows = append(rows, []any{fl.Timestamp.Format(time.RFC3339), fl.Identifier, fl.VendorNo, fl.Error})
	}
	if err := writeRows(f, failuresSheet, rows); err != nil {
		return err
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving report workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("addressing row %d: %w", i+1, err)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}
