// Package workbook runs the analyze/apply pipeline against local files
// (XLSX and CSV) instead of the remote spreadsheet service. CSV input is
// loaded into an in-memory workbook; saving writes an .xlsx sibling.
package workbook

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"formulai/engine/internal/action"
	"formulai/engine/internal/sheets"
)

var ErrSheetNotFound = errors.New("sheet not found in workbook")

const (
	// Reads are bounded like remote sheet reads: 26 columns, 1000 rows.
	maxReadRows = 1000
	maxReadCols = 26
)

// Workbook wraps an open spreadsheet file.
type Workbook struct {
	path    string
	fromCSV bool
	file    *excelize.File
}

// Open loads an .xlsx or .csv file. CSV data lands on a single sheet named
// after the file.
func Open(path string) (*Workbook, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return openCSV(path)
	default:
		file, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
		return &Workbook{path: path, file: file}, nil
	}
}

func openCSV(path string) (*Workbook, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer handle.Close()

	reader := csv.NewReader(handle)
	reader.FieldsPerRecord = -1

	file := excelize.NewFile()
	sheetTitle := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := file.SetSheetName("Sheet1", sheetTitle); err != nil {
		return nil, err
	}
	rowNum := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		cell, err := excelize.CoordinatesToCellName(1, rowNum)
		if err != nil {
			return nil, err
		}
		row := make([]any, len(record))
		for i, value := range record {
			row[i] = value
		}
		if err := file.SetSheetRow(sheetTitle, cell, &row); err != nil {
			return nil, err
		}
		rowNum++
	}
	return &Workbook{path: path, fromCSV: true, file: file}, nil
}

func (w *Workbook) Close() error {
	return w.file.Close()
}

// Path reports the file the workbook was opened from.
func (w *Workbook) Path() string {
	return w.path
}

// SheetTitles lists sheets in workbook order.
func (w *Workbook) SheetTitles() []string {
	return w.file.GetSheetList()
}

// Describe extracts the structural descriptor for a sheet, falling back to
// the first sheet when the requested title does not exist.
func (w *Workbook) Describe(sheetTitle string) (sheets.SheetDescriptor, error) {
	resolved, err := w.resolveSheet(sheetTitle)
	if err != nil {
		return sheets.SheetDescriptor{}, err
	}
	grid, err := w.boundedRows(resolved)
	if err != nil {
		return sheets.SheetDescriptor{}, err
	}
	title := strings.TrimSuffix(filepath.Base(w.path), filepath.Ext(w.path))
	return sheets.ExtractDescriptor(w.path, title, resolved, grid), nil
}

// ReadRange reads the cell values of an A1 range as a grid of strings.
func (w *Workbook) ReadRange(sheetTitle, rangeA1 string) ([][]string, error) {
	resolved, err := w.resolveSheet(sheetTitle)
	if err != nil {
		return nil, err
	}
	startCol, startRow, endCol, endRow, err := parseRange(rangeA1)
	if err != nil {
		return nil, err
	}
	grid := make([][]string, 0, endRow-startRow+1)
	for row := startRow; row <= endRow; row++ {
		cells := make([]string, 0, endCol-startCol+1)
		for col := startCol; col <= endCol; col++ {
			name, err := excelize.CoordinatesToCellName(col, row)
			if err != nil {
				return nil, err
			}
			value, err := w.file.GetCellValue(resolved, name)
			if err != nil {
				return nil, err
			}
			cells = append(cells, value)
		}
		grid = append(grid, cells)
	}
	return grid, nil
}

// WriteRange writes a grid of literal values starting at the range's first
// cell. Used by undo to put prior values back.
func (w *Workbook) WriteRange(sheetTitle, rangeA1 string, values [][]string) error {
	resolved, err := w.resolveSheet(sheetTitle)
	if err != nil {
		return err
	}
	startCol, startRow, _, _, err := parseRange(rangeA1)
	if err != nil {
		return err
	}
	for i, row := range values {
		for j, value := range row {
			name, err := excelize.CoordinatesToCellName(startCol+j, startRow+i)
			if err != nil {
				return err
			}
			if err := w.file.SetCellValue(resolved, name, value); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyFormula sets a formula on the first cell of the target range.
func (w *Workbook) ApplyFormula(sheetTitle, rangeA1, formula string) error {
	resolved, err := w.resolveSheet(sheetTitle)
	if err != nil {
		return err
	}
	cell := sheets.FirstCell(rangeA1)
	return w.file.SetCellFormula(resolved, cell, strings.TrimPrefix(formula, "="))
}

// AddChart inserts a chart anchored at the action's position (or D1 when
// unset, clear of typical data columns).
func (w *Workbook) AddChart(sheetTitle string, chart action.ChartAction) error {
	resolved, err := w.resolveSheet(sheetTitle)
	if err != nil {
		return err
	}
	anchorRow, anchorCol := 0, 3
	if chart.Position != nil {
		anchorRow = chart.Position.Row
		anchorCol = chart.Position.Column
	}
	anchor, err := excelize.CoordinatesToCellName(anchorCol+1, anchorRow+1)
	if err != nil {
		return err
	}
	startRow := chart.StartRow + 1
	endRow := chart.EndRow
	if endRow <= chart.StartRow {
		endRow = chart.StartRow + 10
	}
	categories, err := columnRef(resolved, chart.DomainColumn, startRow, endRow)
	if err != nil {
		return err
	}
	series := make([]excelize.ChartSeries, 0, len(chart.Series))
	for _, s := range chart.Series {
		values, err := columnRef(resolved, s.Column, startRow, endRow)
		if err != nil {
			return err
		}
		series = append(series, excelize.ChartSeries{
			Categories: categories,
			Values:     values,
		})
	}
	title := chart.Title
	if title == "" {
		title = "Chart"
	}
	return w.file.AddChart(resolved, anchor, &excelize.Chart{
		Type:   chartType(chart.Type),
		Series: series,
		Title:  []excelize.RichTextRun{{Text: title}},
		Legend: excelize.ChartLegend{Position: "right"},
		XAxis:  excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: chart.XAxisTitle}}},
		YAxis:  excelize.ChartAxis{Title: []excelize.RichTextRun{{Text: chart.YAxisTitle}}},
	})
}

// Save writes the workbook back. CSV-sourced workbooks save as an .xlsx
// sibling because charts and formulas do not survive CSV.
func (w *Workbook) Save() (string, error) {
	target := w.path
	if w.fromCSV {
		target = strings.TrimSuffix(w.path, filepath.Ext(w.path)) + ".xlsx"
	}
	if err := w.file.SaveAs(target); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return target, nil
}

func (w *Workbook) resolveSheet(sheetTitle string) (string, error) {
	titles := w.file.GetSheetList()
	if len(titles) == 0 {
		return "", ErrSheetNotFound
	}
	if sheetTitle == "" {
		return titles[0], nil
	}
	for _, title := range titles {
		if title == sheetTitle {
			return title, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrSheetNotFound, sheetTitle)
}

func (w *Workbook) boundedRows(sheetTitle string) ([][]string, error) {
	rows, err := w.file.GetRows(sheetTitle)
	if err != nil {
		return nil, err
	}
	if len(rows) > maxReadRows {
		rows = rows[:maxReadRows]
	}
	for i, row := range rows {
		if len(row) > maxReadCols {
			rows[i] = row[:maxReadCols]
		}
	}
	return rows, nil
}

func parseRange(rangeA1 string) (startCol, startRow, endCol, endRow int, err error) {
	_, bare := sheets.SplitRange(rangeA1)
	start, end, found := strings.Cut(bare, ":")
	if !found {
		end = start
	}
	startCol, startRow, err = excelize.CellNameToCoordinates(start)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("parse range %q: %w", rangeA1, err)
	}
	endCol, endRow, err = excelize.CellNameToCoordinates(end)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("parse range %q: %w", rangeA1, err)
	}
	return startCol, startRow, endCol, endRow, nil
}

func columnRef(sheetTitle string, column, startRow, endRow int) (string, error) {
	name, err := excelize.ColumnNumberToName(column + 1)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s!$%s$%d:$%s$%d", sheetTitle, name, startRow, name, endRow), nil
}

func chartType(name string) excelize.ChartType {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "bar":
		return excelize.Bar
	case "line":
		return excelize.Line
	case "pie":
		return excelize.Pie
	case "scatter":
		return excelize.Scatter
	case "area":
		return excelize.Area
	default:
		return excelize.Col
	}
}
