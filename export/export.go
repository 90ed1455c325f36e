// Package export renders slips as documents: a PDF per slip for the
// resident and an XLSX workbook per period for the back office.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/generic"
)

const (
	ContentTypePDF  = "application/pdf"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// SlipPDF renders one slip.
func SlipPDF(s *billing.Slip) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("Billing slip %s", s.ID()), false)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 14)
	pdf.Cell(0, 8, "Billing Slip")
	pdf.Ln(12)

	pdf.SetFont("Arial", "", 10)
	line := func(label, value string) {
		if value == "" {
			return
		}
		pdf.CellFormat(40, 6, label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, value, "", 0, "L", false, 0, "")
		pdf.Ln(6)
	}
	line("Reference", string(s.ID()))
	line("Unit", string(s.Target()))
	line("Description", s.Description())
	if !s.Period().IsZero() {
		line("Period", s.Period().String())
	}
	line("Due date", s.DueDate().String())
	line("Status", string(s.State()))
	line("Issued", s.CreatedAt().UTC().Format(time.RFC3339))
	if paidAt, ok := s.PaidAt(); ok {
		line("Paid", paidAt.UTC().Format(time.RFC3339))
	}
	line("Replaces", string(s.Replaces()))
	line("Replaced by", string(s.ReplacedBy()))

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 12)
	pdf.CellFormat(40, 8, "Amount due", "1", 0, "L", false, 0, "")
	pdf.CellFormat(50, 8, s.Amount().String(), "1", 0, "R", false, 0, "")
	pdf.Ln(-1)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("export: render slip %s: %w", s.ID(), err)
	}
	return buf.Bytes(), nil
}

const (
	summarySheet = "summary"
	slipsSheet   = "slips"
)

var slipColumns = []string{"Slip", "Unit", "Obligation", "Description", "Due date", "State", "Amount", "Paid at", "Replaced by"}

// PeriodXLSX renders the slips of a period with a summary sheet. Billed
// excludes cancelled and compensated slips.
func PeriodXLSX(period generic.Period, slips []*billing.Slip) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}
	if _, err := f.NewSheet(slipsSheet); err != nil {
		return nil, fmt.Errorf("export: %w", err)
	}

	var billed, paid generic.Money
	for i, s := range slips {
		row := i + 2
		paidAt := ""
		if t, ok := s.PaidAt(); ok {
			paidAt = t.UTC().Format(time.RFC3339)
		}
		values := []any{
			string(s.ID()), string(s.Target()), string(s.ObligationID()), s.Description(),
			s.DueDate().String(), string(s.State()), s.Amount().Decimal().InexactFloat64(),
			paidAt, string(s.ReplacedBy()),
		}
		if err := setRow(f, slipsSheet, row, values); err != nil {
			return nil, err
		}

		switch s.State() {
		case billing.StateCancelled, billing.StateCompensated:
		case billing.StatePaid:
			paid = paid.Add(s.Amount())
			billed = billed.Add(s.Amount())
		default:
			billed = billed.Add(s.Amount())
		}
	}
	header := make([]any, len(slipColumns))
	for i, c := range slipColumns {
		header[i] = c
	}
	if err := setRow(f, slipsSheet, 1, header); err != nil {
		return nil, err
	}

	summary := [][]any{
		{"Billing Period", period.String()},
		{"Slips", len(slips)},
		{"Billed", billed.Decimal().InexactFloat64()},
		{"Paid", paid.Decimal().InexactFloat64()},
		{"Outstanding", billed.Decimal().Sub(paid.Decimal()).InexactFloat64()},
	}
	for i, values := range summary {
		if err := setRow(f, summarySheet, i+1, values); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("export: write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("export: %s row %d: %w", sheet, row, err)
	}
	return nil
}
