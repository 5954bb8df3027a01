package parse

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// TabularParser handles .csv and .tsv files. Each record becomes one
// tab-separated line so the chunker can split on newlines.
type TabularParser struct{}

// CanHandle returns true for CSV/TSV file extensions.
func (c *TabularParser) CanHandle(path string) bool {
	return hasExt(path, ".csv", ".tsv")
}

// Parse reads every record, header included.
func (c *TabularParser) Parse(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	if hasExt(path, ".tsv") {
		reader.Comma = '\t'
	}
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	var lines []string
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		if line := joinRow(rec); line != "" {
			lines = append(lines, line)
		}
	}
	return &Result{Content: strings.Join(lines, "\n")}, nil
}

// SpreadsheetParser handles .xlsx workbooks. Sheets are emitted in workbook
// order, each introduced by a "## <sheet>" heading and separated by a blank
// line.
type SpreadsheetParser struct{}

// CanHandle returns true for Excel workbook extensions.
func (s *SpreadsheetParser) CanHandle(path string) bool {
	return hasExt(path, ".xlsx", ".xlsm")
}

func (s *SpreadsheetParser) Parse(ctx context.Context, path string) (*Result, error) {
	x, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook: %w", err)
	}
	defer x.Close()

	var sheets []string
	for _, name := range x.GetSheetList() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := x.GetRows(name)
		if err != nil {
			return nil, fmt.Errorf("reading sheet %q: %w", name, err)
		}
		var lines []string
		for _, row := range rows {
			if line := joinRow(row); line != "" {
				lines = append(lines, line)
			}
		}
		if len(lines) == 0 {
			continue
		}
		sheets = append(sheets, "## "+name+"\n"+strings.Join(lines, "\n"))
	}
	return &Result{Content: strings.Join(sheets, "\n\n")}, nil
}

// joinRow trims cells and drops trailing empties; an all-empty row yields "".
func joinRow(cells []string) string {
	out := make([]string, len(cells))
	last := -1
	for i, c := range cells {
		out[i] = strings.Join(strings.Fields(c), " ")
		if out[i] != "" {
			last = i
		}
	}
	if last < 0 {
		return ""
	}
	return strings.Join(out[:last+1], "\t")
}
