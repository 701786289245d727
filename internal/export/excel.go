// Package export renders report data into downloadable workbooks.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"gothamvending/backend/internal/domain"
)

// MonthlyReport bundles everything the monthly workbook needs.
type MonthlyReport struct {
	Summary     domain.SalesSummaryResponse
	Commissions domain.CommissionReportResponse
	Insurance   domain.InsuranceReportResponse
	Profit      domain.MachineProfitReportResponse
}

func dollars(cents int64) float64 { return float64(cents) / 100 }

// MonthlyWorkbook builds an xlsx with one sheet per report section and returns
// the serialized file.
func MonthlyWorkbook(report MonthlyReport) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := writeSummarySheet(f, report.Summary); err != nil {
		return nil, err
	}
	if err := writeCommissionSheet(f, report.Commissions); err != nil {
		return nil, err
	}
	if err := writeInsuranceSheet(f, report.Insurance); err != nil {
		return nil, err
	}
	if err := writeProfitSheet(f, report.Profit); err != nil {
		return nil, err
	}

	// Drop the default sheet so Summary opens first.
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to drop default sheet: %w", err)
	}
	index, err := f.GetSheetIndex("Summary")
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(index)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeSummarySheet(f *excelize.File, summary domain.SalesSummaryResponse) error {
	const sheet = "Summary"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	rows := []struct {
		label string
		value interface{}
	}{
		{"Window Start", summary.Window.Start.Format("2006-01-02")},
		{"Window End", summary.Window.End.Format("2006-01-02")},
		{"Sales", summary.Sales},
		{"Gross", dollars(summary.Summary.GrossCents)},
		{"COGS", dollars(summary.Summary.CogsCents)},
		{"Processor Fees", dollars(summary.Summary.FeeCents)},
		{"Net", dollars(summary.Summary.NetCents)},
		{"Margin %", summary.Summary.MarginPct},
		{"Net Margin %", summary.Summary.NetMarginPct},
	}
	for i, row := range rows {
		f.SetCellValue(sheet, fmt.Sprintf("A%d", i+1), row.label)
		f.SetCellValue(sheet, fmt.Sprintf("B%d", i+1), row.value)
	}
	return nil
}

func writeCommissionSheet(f *excelize.File, report domain.CommissionReportResponse) error {
	const sheet = "Commissions"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	headers := []string{"Location ID", "Location", "Model", "Gross", "Commission"}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, header)
	}

	for i, row := range report.Rows {
		data := []interface{}{
			row.LocationID,
			row.LocationName,
			row.Model,
			dollars(row.GrossCents),
			dollars(row.CommissionCents),
		}
		for col, value := range data {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(sheet, cell, value)
		}
	}

	totalRow := len(report.Rows) + 2
	f.SetCellValue(sheet, fmt.Sprintf("A%d", totalRow), "Total")
	f.SetCellValue(sheet, fmt.Sprintf("E%d", totalRow), dollars(report.TotalCommissionCents))
	return nil
}

func writeInsuranceSheet(f *excelize.File, report domain.InsuranceReportResponse) error {
	const sheet = "Insurance"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	headers := []string{"Machine ID", "Label", "Location ID", "Insurance Share"}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, header)
	}

	for i, row := range report.Rows {
		data := []interface{}{
			row.MachineID,
			row.Label,
			row.LocationID,
			dollars(row.ShareCents),
		}
		for col, value := range data {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(sheet, cell, value)
		}
	}

	totalRow := len(report.Rows) + 2
	f.SetCellValue(sheet, fmt.Sprintf("A%d", totalRow), "Total")
	f.SetCellValue(sheet, fmt.Sprintf("D%d", totalRow), dollars(report.TotalShareCents))
	return nil
}

func writeProfitSheet(f *excelize.File, report domain.MachineProfitReportResponse) error {
	const sheet = "Machine Profit"
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("failed to create sheet %s: %w", sheet, err)
	}

	headers := []string{
		"Machine ID", "Label", "Location ID", "Sales",
		"Gross", "COGS", "Fees", "Net", "Insurance Share", "Profit",
	}
	for col, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(col+1, 1)
		f.SetCellValue(sheet, cell, header)
	}

	for i, row := range report.Rows {
		data := []interface{}{
			row.MachineID,
			row.Label,
			row.LocationID,
			row.Sales,
			dollars(row.Summary.GrossCents),
			dollars(row.Summary.CogsCents),
			dollars(row.Summary.FeeCents),
			dollars(row.Summary.NetCents),
			dollars(row.InsuranceShareCents),
			dollars(row.ProfitCents),
		}
		for col, value := range data {
			cell, _ := excelize.CoordinatesToCellName(col+1, i+2)
			f.SetCellValue(sheet, cell, value)
		}
	}
	return nil
}
