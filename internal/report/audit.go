// Package report writes the run-audit workbook: where every subject ended
// up and which fields were redacted.
package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/reconcile"
)

// WriteAudit saves an xlsx workbook with a Subjects sheet (subject,
// status, CID) and a Redactions sheet (one audit line per row).
func WriteAudit(path string, outcomes []reconcile.Outcome, redactions []string) error {
	f := excelize.NewFile()
	defer f.Close()

	subjectsSheet := "Subjects"
	index, err := f.NewSheet(subjectsSheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	for col, header := range []string{"Subject", "Status", "CID"} {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return fmt.Errorf("failed to address header cell: %w", err)
		}
		if err := f.SetCellValue(subjectsSheet, cell, header); err != nil {
			return fmt.Errorf("failed to write header: %w", err)
		}
	}
	for i, o := range outcomes {
		row := i + 2
		if err := setRow(f, subjectsSheet, row, o.Subject, string(o.Status), o.CID); err != nil {
			return err
		}
	}

	redactionsSheet := "Redactions"
	if _, err := f.NewSheet(redactionsSheet); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.SetCellValue(redactionsSheet, "A1", "Redaction"); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, line := range redactions {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to address cell: %w", err)
		}
		if err := f.SetCellValue(redactionsSheet, cell, line); err != nil {
			return fmt.Errorf("failed to write redaction line: %w", err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save audit workbook: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values ...string) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("failed to address cell: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("failed to write cell: %w", err)
		}
	}
	return nil
}
