// Package artifact renders report tables into files and stores them under
// deterministic keys.
package artifact

import (
	"bytes"
	"encoding/csv"
	"fmt"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/ahrav/reportflow/internal/domain/reporting"
)

const (
	ContentTypeCSV  = "text/csv"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	sheetName = "Report"
)

// Table is the format-independent result of a report strategy.
type Table struct {
	Title   string
	Columns []string
	Rows    [][]any
}

// Artifact is a rendered report ready for storage.
type Artifact struct {
	Key         string
	ContentType string
	Data        []byte
}

// Key returns the storage key for a request's artifact. Reprocessing the same
// request overwrites the same object.
func Key(requestID uuid.UUID, format reporting.Format) string {
	return fmt.Sprintf("reports/%s.%s", requestID, format.Extension())
}

// Render encodes table in the requested format.
func Render(requestID uuid.UUID, format reporting.Format, table Table) (Artifact, error) {
	var (
		data []byte
		ct   string
		err  error
	)
	switch format {
	case reporting.FormatCSV:
		data, err = renderCSV(table)
		ct = ContentTypeCSV
	case reporting.FormatXLSX:
		data, err = renderXLSX(table)
		ct = ContentTypeXLSX
	default:
		return Artifact{}, fmt.Errorf("unsupported artifact format %q", format)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("rendering %s: %w", format, err)
	}
	return Artifact{Key: Key(requestID, format), ContentType: ct, Data: data}, nil
}

func renderCSV(t Table) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.Columns); err != nil {
		return nil, err
	}

	record := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		record = record[:0]
		for _, v := range row {
			record = append(record, formatCell(v))
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return fmt.Sprintf("%.2f", x)
	default:
		return fmt.Sprint(x)
	}
}

func renderXLSX(t Table) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return nil, err
	}
	if t.Title != "" {
		if err := f.SetDocProps(&excelize.DocProperties{Title: t.Title}); err != nil {
			return nil, err
		}
	}

	header := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return nil, err
	}

	for i, row := range t.Rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		r := row
		if err := f.SetSheetRow(sheetName, cell, &r); err != nil {
			return nil, err
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
