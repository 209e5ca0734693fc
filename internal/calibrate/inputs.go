package calibrate

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// formatValue renders a swept value the way the model reads it back:
// shortest round-trip decimal, never exponent notation.
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DeriveInput returns the contents of a swept input file. With no template
// the result is a two-line CSV holding the column header and the value.
// Otherwise every data cell of the swept column in template is replaced by
// value (InputModeSet) or multiplied by it (InputModeScale); all other
// cells are written back unchanged.
func DeriveInput(template []byte, in SweepParameterSpec, value float64) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if template == nil {
		if err := w.WriteAll([][]string{{in.Column}, {formatValue(value)}}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	r := csv.NewReader(bytes.NewReader(template))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse template %s: %w", in.Name, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("template %s is empty", in.Name)
	}

	col := columnIndex(records[0], in.Column)
	if col < 0 {
		return nil, fmt.Errorf("template %s has no column %q", in.Name, in.Column)
	}

	for row := 1; row < len(records); row++ {
		rec := records[row]
		if col >= len(rec) {
			continue
		}
		switch in.Mode {
		case InputModeScale:
			cell := strings.TrimSpace(rec[col])
			if cell == "" {
				continue
			}
			orig, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("template %s row %d column %q: %w", in.Name, row, in.Column, err)
			}
			rec[col] = formatValue(orig * value)
		default:
			rec[col] = formatValue(value)
		}
	}

	if err := w.WriteAll(records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// columnIndex finds a header cell by name, ignoring surrounding whitespace.
func columnIndex(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}
