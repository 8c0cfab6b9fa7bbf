// Package artifact writes generated test cases to a text file and a
// spreadsheet, and reads them back for download.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/mattn/go-runewidth"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"testforge/internal/domain"
)

const (
	// SheetName is the single worksheet in every spreadsheet.
	SheetName = "Test Cases"
	// MaxColumnWidth caps spreadsheet column widths.
	MaxColumnWidth = 50
	lockName       = ".artifacts.lock"
	lockTimeout    = 5 * time.Second
)

// Columns is the fixed spreadsheet column order. Extra fields follow, sorted.
var Columns = []string{"Section", "Title", "Scenario", "Steps", "Expected Result", "Status", "Actual Result", "Priority"}

// Files names the artifacts of one run, relative to the writer directory.
type Files struct {
	Text        string `json:"text_file"`
	Spreadsheet string `json:"excel_file"`
}

// Writer writes artifacts into Dir.
type Writer struct {
	Dir    string
	Logger *zap.Logger
}

// Write stores raw verbatim as <base>.txt and records as <base>.xlsx. Both
// files are built in memory first and renamed into place, so a failure never
// leaves a partial file behind.
func (w Writer) Write(ctx context.Context, raw string, records []domain.TestCaseRecord, base string) (Files, error) {
	base, err := SafeBase(base)
	if err != nil {
		return Files{}, err
	}
	sheet, err := Spreadsheet(records)
	if err != nil {
		return Files{}, fmt.Errorf("%w: build spreadsheet: %v", domain.ErrIO, err)
	}
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return Files{}, fmt.Errorf("%w: %v", domain.ErrIO, err)
	}

	lock := flock.New(filepath.Join(w.Dir, lockName))
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return Files{}, fmt.Errorf("%w: acquire lock: %v", domain.ErrIO, err)
	}
	if !locked {
		return Files{}, fmt.Errorf("%w: could not acquire artifact lock", domain.ErrIO)
	}
	defer func() { _ = lock.Unlock() }()

	files := Files{Text: base + ".txt", Spreadsheet: base + ".xlsx"}
	if err := writeAtomic(filepath.Join(w.Dir, files.Text), []byte(raw)); err != nil {
		return Files{}, err
	}
	if err := writeAtomic(filepath.Join(w.Dir, files.Spreadsheet), sheet); err != nil {
		_ = os.Remove(filepath.Join(w.Dir, files.Text))
		return Files{}, err
	}
	if w.Logger != nil {
		w.Logger.Debug("artifacts written", zap.String("text", files.Text), zap.String("spreadsheet", files.Spreadsheet), zap.Int("records", len(records)))
	}
	return files, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrIO, err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("%w: write %s: %v", domain.ErrIO, filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("%w: close %s: %v", domain.ErrIO, filepath.Base(path), err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("%w: rename %s: %v", domain.ErrIO, filepath.Base(path), err)
	}
	return nil
}

// Spreadsheet renders records into xlsx bytes.
func Spreadsheet(records []domain.TestCaseRecord) ([]byte, error) {
	header, rows := Table(records)

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Vertical: "top"},
	})
	if err != nil {
		return nil, err
	}
	wrap, err := f.NewStyle(&excelize.Style{
		Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"},
	})
	if err != nil {
		return nil, err
	}

	for c, name := range header {
		cell, _ := excelize.CoordinatesToCellName(c+1, 1)
		if err := f.SetCellValue(SheetName, cell, name); err != nil {
			return nil, err
		}
	}
	for r, row := range rows {
		for c, v := range row {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			if err := f.SetCellValue(SheetName, cell, v); err != nil {
				return nil, err
			}
		}
	}

	last, _ := excelize.ColumnNumberToName(len(header))
	if err := f.SetCellStyle(SheetName, "A1", last+"1", bold); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		end, _ := excelize.CoordinatesToCellName(len(header), len(rows)+1)
		if err := f.SetCellStyle(SheetName, "A2", end, wrap); err != nil {
			return nil, err
		}
	}
	for c, width := range ColumnWidths(header, rows) {
		col, _ := excelize.ColumnNumberToName(c + 1)
		if err := f.SetColWidth(SheetName, col, col, width); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Table flattens records into a header and string rows. Missing fields are
// empty strings; steps are a numbered, newline-joined list.
func Table(records []domain.TestCaseRecord) ([]string, [][]string) {
	extras := extraColumns(records)
	header := append(append([]string{}, Columns...), extras...)
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := []string{
			rec.Section,
			rec.Title,
			rec.Scenario,
			domain.FormatSteps(rec.Steps),
			rec.ExpectedResult,
			rec.Status,
			rec.ActualResult,
			rec.Priority,
		}
		for _, k := range extras {
			row = append(row, rec.Extra[k])
		}
		rows = append(rows, row)
	}
	return header, rows
}

func extraColumns(records []domain.TestCaseRecord) []string {
	seen := map[string]bool{}
	for _, c := range Columns {
		seen[c] = true
	}
	var out []string
	for _, rec := range records {
		for k := range rec.Extra {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Strings(out)
	return out
}

// ColumnWidths sizes each column to its longest display value plus padding,
// capped at MaxColumnWidth.
func ColumnWidths(header []string, rows [][]string) []float64 {
	widths := make([]float64, len(header))
	for c, h := range header {
		max := runewidth.StringWidth(h)
		for _, row := range rows {
			if c < len(row) {
				if w := runewidth.StringWidth(row[c]); w > max {
					max = w
				}
			}
		}
		w := max + 2
		if w > MaxColumnWidth {
			w = MaxColumnWidth
		}
		widths[c] = float64(w)
	}
	return widths
}

// SafeBase rejects base names that would escape the output directory.
func SafeBase(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == ".." || strings.ContainsAny(base, `/\`) || strings.ContainsRune(base, 0) {
		return "", fmt.Errorf("%w: invalid artifact name %q", domain.ErrInput, base)
	}
	return base, nil
}
