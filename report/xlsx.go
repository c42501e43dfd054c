package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/pidparts/parts"
)

// SheetName is the worksheet the parts list is written to.
const SheetName = "Parts"

var xlsxHeader = []any{"Tag", "Type", "Size", "Confidence", "Status", "X1", "Y1", "X2", "Y2"}

// WriteXLSX writes items as a workbook with one row per part, sorted by tag.
func WriteXLSX(w io.Writer, items map[string]parts.Item) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("report: naming sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &xlsxHeader); err != nil {
		return fmt.Errorf("report: writing header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"DDDDDD"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(xlsxHeader))
	if err := f.SetCellStyle(SheetName, "A1", lastCol+"1", bold); err != nil {
		return fmt.Errorf("report: header style: %w", err)
	}

	percent, err := f.NewStyle(&excelize.Style{NumFmt: 10}) // 0.00%
	if err != nil {
		return fmt.Errorf("report: percent style: %w", err)
	}

	sorted := parts.SortItems(items)
	for i, it := range sorted {
		row := i + 2
		cellRef, _ := excelize.CoordinatesToCellName(1, row)
		values := []any{it.Tag, it.Type, it.SizeString(), it.Conf, it.Status,
			it.BBox[0], it.BBox[1], it.BBox[2], it.BBox[3]}
		if err := f.SetSheetRow(SheetName, cellRef, &values); err != nil {
			return fmt.Errorf("report: writing row %d: %w", row, err)
		}
	}
	if len(sorted) > 0 {
		first, _ := excelize.CoordinatesToCellName(4, 2)
		last, _ := excelize.CoordinatesToCellName(4, len(sorted)+1)
		if err := f.SetCellStyle(SheetName, first, last, percent); err != nil {
			return fmt.Errorf("report: percent style: %w", err)
		}
	}

	for col, width := range map[string]float64{"A": 18, "B": 22, "C": 12, "D": 12, "E": 12} {
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return fmt.Errorf("report: column width: %w", err)
		}
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("report: freezing header: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("report: writing workbook: %w", err)
	}
	return nil
}
