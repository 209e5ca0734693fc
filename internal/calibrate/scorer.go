package calibrate

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/modelsweep/internal/fsutil"
)

// ValueReader extracts one named numeric value from a completed run.
type ValueReader interface {
	ReadValue(runDir, outputFile, column string) (float64, error)
}

// CSVValueReader reads values from a comma-separated output file whose first
// record is a header row. Empty header cells, such as the one produced by a
// trailing comma, are ignored.
type CSVValueReader struct {
	FS fsutil.FileSystem
	// Row selects the data row: 0 uses the last row, n > 0 the n-th row.
	Row int
}

// ReadValue implements ValueReader.
func (r CSVValueReader) ReadValue(runDir, outputFile, column string) (float64, error) {
	fsys := r.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	path := filepath.Join(runDir, outputFile)
	data, err := fsys.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read output %s: %w", outputFile, err)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return 0, fmt.Errorf("failed to parse output %s: %w", outputFile, err)
	}
	if len(records) < 2 {
		return 0, fmt.Errorf("output %s has no data rows", outputFile)
	}

	col := columnIndex(records[0], column)
	if col < 0 || column == "" {
		return 0, fmt.Errorf("output %s has no column %q", outputFile, column)
	}

	rows := records[1:]
	rowNum := len(rows)
	if r.Row > 0 {
		rowNum = r.Row
	}
	if rowNum > len(rows) {
		return 0, fmt.Errorf("output %s has %d data rows, wanted row %d", outputFile, len(rows), rowNum)
	}
	rec := rows[rowNum-1]
	if col >= len(rec) {
		return 0, fmt.Errorf("output %s row %d has no value for column %q", outputFile, rowNum, column)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(rec[col]), 64)
	if err != nil {
		return 0, fmt.Errorf("output %s column %q: %w", outputFile, column, err)
	}
	return v, nil
}

// TargetContribution is one target's share of a run's score.
type TargetContribution struct {
	Name         string  `json:"name"`
	Actual       float64 `json:"actual"`
	Target       float64 `json:"target"`
	Contribution float64 `json:"contribution"`
}

// Deviation is the contribution of a single target:
// |(actual-target)/scoreStep| / weight. A larger weight widens the
// tolerance for that target rather than amplifying it.
func Deviation(actual float64, t TargetSpec) float64 {
	return math.Abs((actual-t.Target)/t.ScoreStep) / t.Weight
}

// Score sums Deviation over every target, reading each actual value from
// the run's output. Lower is better; zero is an exact match.
func Score(r ValueReader, runDir, outputFile string, targets []TargetSpec) (float64, []TargetContribution, error) {
	var total float64
	breakdown := make([]TargetContribution, 0, len(targets))
	for _, t := range targets {
		actual, err := r.ReadValue(runDir, outputFile, t.Name)
		if err != nil {
			return 0, nil, err
		}
		c := Deviation(actual, t)
		breakdown = append(breakdown, TargetContribution{
			Name:         t.Name,
			Actual:       actual,
			Target:       t.Target,
			Contribution: c,
		})
		total += c
	}
	return total, breakdown, nil
}
