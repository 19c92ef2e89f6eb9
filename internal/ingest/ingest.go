// Package ingest reads an uploaded delivery spreadsheet into an untyped table.
package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// RawTable is the first sheet of an upload: a header row plus data rows padded
// to the header width.
type RawTable struct {
	Header []string
	Rows   [][]string
}

// UnsupportedFormatError is returned for file extensions we cannot read.
type UnsupportedFormatError struct {
	Name string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported upload format %q (want .xlsx, .xls or .csv)", filepath.Ext(e.Name))
}

// Read dispatches on the file extension of name.
func Read(name string, r io.Reader) (RawTable, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return RawTable{}, fmt.Errorf("read upload: %w", err)
	}
	var rows [][]string
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(data)
	case ".xls":
		rows, err = readXLS(data)
	case ".csv":
		rows, err = readCSV(data)
	default:
		return RawTable{}, &UnsupportedFormatError{Name: name}
	}
	if err != nil {
		return RawTable{}, err
	}
	return fromRows(rows), nil
}

// readXLSX returns raw cell values so serial dates reach the normalizer unformatted.
func readXLSX(data []byte) ([][]string, error) {
	xl, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer func() { _ = xl.Close() }()
	sheet := xl.GetSheetName(0)
	if sheet == "" {
		return nil, fmt.Errorf("xlsx has no sheets")
	}
	rows, err := xl.GetRows(sheet, excelize.Options{RawCellValue: true})
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	return rows, nil
}

func readXLS(data []byte) ([][]string, error) {
	book, err := xls.OpenReader(bytes.NewReader(data), "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	sheet := book.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("xls has no sheets")
	}
	var rows [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for c := row.FirstCol(); c < row.LastCol(); c++ {
			for len(cells) < c {
				cells = append(cells, "")
			}
			cells = append(cells, row.Col(c))
		}
		rows = append(rows, cells)
	}
	return rows, nil
}

func readCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

func fromRows(rows [][]string) RawTable {
	var table RawTable
	headerSet := false
	for _, row := range rows {
		if isBlank(row) {
			continue
		}
		if !headerSet {
			table.Header = append([]string(nil), row...)
			headerSet = true
			continue
		}
		cells := make([]string, len(table.Header))
		copy(cells, row)
		table.Rows = append(table.Rows, cells)
	}
	return table
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
