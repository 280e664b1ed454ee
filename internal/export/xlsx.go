// Package export renders scan logs as spreadsheets.
package export

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"schoolpass/internal/records"
)

// SheetName is the worksheet holding the log rows.
const SheetName = "Scan Logs"

// ScanLogHeader is the first row of the sheet.
var ScanLogHeader = []string{
	"Time",
	"Student",
	"Class",
	"Location",
	"Resource",
	"Outcome",
	"Message",
	"Operator",
}

var columnWidths = []float64{20, 24, 10, 18, 12, 16, 48, 20}

// ScanLogsXLSX writes logs, in the order given, to an xlsx workbook.
// Times are rendered in loc.
func ScanLogsXLSX(logs []records.ScanLog, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("create header style: %w", err)
	}

	header := make([]interface{}, len(ScanLogHeader))
	for i, h := range ScanLogHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(ScanLogHeader), 1)
	if err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(SheetName, "A1", last, headerStyle); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}
	for i, w := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, err
		}
		if err := f.SetColWidth(SheetName, col, col, w); err != nil {
			return nil, fmt.Errorf("set column width: %w", err)
		}
	}

	for i, l := range logs {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		operator := l.OperatorName
		if operator == "" {
			operator = l.OperatorID
		}
		row := []interface{}{
			l.At.In(loc).Format("2006-01-02 15:04:05"),
			l.StudentName,
			l.Class,
			l.Location,
			l.Resource,
			l.Outcome,
			l.Message,
			operator,
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
