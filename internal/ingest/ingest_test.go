package ingest

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func buildXLSX(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatalf("cell name: %v", err)
		}
		r := row
		if err := f.SetSheetRow(sheet, cell, &r); err != nil {
			t.Fatalf("set row: %v", err)
		}
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatalf("write xlsx: %v", err)
	}
	return buf.Bytes()
}

func TestReadXLSXKeepsRawSerialDates(t *testing.T) {
	data := buildXLSX(t, [][]any{
		{"Farmer_ID", "Net Weight (kg)", "Date of purchase from cooperative"},
		{"F1", 1250.5, 45292},
		{},
		{"F2", 300},
	})
	table, err := Read("delivery.XLSX", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !reflect.DeepEqual(table.Header, []string{"Farmer_ID", "Net Weight (kg)", "Date of purchase from cooperative"}) {
		t.Fatalf("header: %v", table.Header)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected blank row skipped, got %d rows", len(table.Rows))
	}
	if table.Rows[0][2] != "45292" {
		t.Fatalf("expected raw serial date, got %q", table.Rows[0][2])
	}
	if len(table.Rows[1]) != 3 || table.Rows[1][2] != "" {
		t.Fatalf("short rows should be padded: %#v", table.Rows[1])
	}
}

func TestReadCSV(t *testing.T) {
	in := "\xef\xbb\xbfexporter,farmer_id\n\nAcme, f1\nAcme\n"
	table, err := Read("upload.csv", strings.NewReader(in))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if table.Header[0] != "exporter" {
		t.Fatalf("BOM not stripped: %q", table.Header[0])
	}
	want := [][]string{{"Acme", "f1"}, {"Acme", ""}}
	if !reflect.DeepEqual(table.Rows, want) {
		t.Fatalf("rows: %#v", table.Rows)
	}
}

func TestReadUnsupported(t *testing.T) {
	_, err := Read("manifest.pdf", strings.NewReader("x"))
	var ue *UnsupportedFormatError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnsupportedFormatError, got %v", err)
	}
	if !strings.Contains(ue.Error(), ".pdf") {
		t.Fatalf("unexpected message %q", ue.Error())
	}
}

func TestReadCorruptXLSX(t *testing.T) {
	if _, err := Read("bad.xlsx", strings.NewReader("not a zip")); err == nil {
		t.Fatalf("expected open error")
	}
}
