// Package testutil provides shared test helpers and the water-quality
// calibration fixtures used across the harness tests.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRequest creates a test HTTP request with an optional body.
func NewTestRequest(method, path, body string) *http.Request {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return httptest.NewRequest(method, path, r)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

// Names used by the two-input water-quality scenario.
const (
	FlowInput     = "hangq01.csv"
	FlowColumn    = "Q"
	WithdrawInput = "qin_br8.csv"
	WithdrawCol   = "QWD"
	OutputFile    = "tsr_2_seg7.csv"
	ModelName     = "wq"
)

// ScenarioRequestJSON sweeps flow over 1..2 step 0.5 and withdrawal over
// 30..40 step 2 (18 runs) against NO3, NH4 and DO targets. The best run
// (flow 2, withdrawal 40) scores 4.4 against ScenarioOutput.
const ScenarioRequestJSON = `{
  "model_run": {
    "type": "ce-qual-w2",
    "model_name": "wq",
    "input_files": [
      {"name": "hangq01.csv", "col_name": "Q", "min_val": "1", "max_val": "2", "steps": "0.5"},
      {"name": "qin_br8.csv", "col_name": "QWD", "min_val": "30", "max_val": "40", "steps": "2"}
    ]
  },
  "model_analysis": {
    "type": "wq",
    "output_file": "tsr_2_seg7.csv",
    "parameters": [
      {"name": "NO3", "target": "3.7", "weight": "4", "score_step": "0.1"},
      {"name": "NH4", "target": "2.4", "weight": "2", "score_step": "0.2"},
      {"name": "DO", "target": "8.0", "weight": "2", "score_step": "0.5"}
    ]
  }
}`

// ScenarioRequestYAML is ScenarioRequestJSON with bare numbers, as YAML.
const ScenarioRequestYAML = `model_run:
  type: ce-qual-w2
  model_name: wq
  input_files:
    - {name: hangq01.csv, col_name: Q, min_val: 1, max_val: 2, steps: 0.5}
    - {name: qin_br8.csv, col_name: QWD, min_val: 30, max_val: 40, steps: 2}
model_analysis:
  output_file: tsr_2_seg7.csv
  parameters:
    - {name: NO3, target: 3.7, weight: 4, score_step: 0.1}
    - {name: NH4, target: 2.4, weight: 2, score_step: 0.2}
    - {name: DO, target: 8.0, weight: 2, score_step: 0.5}
`

// ScenarioOutput is the model output for flow a and withdrawal b, including
// the trailing comma the model writes after every record.
func ScenarioOutput(a, b float64) string {
	return fmt.Sprintf("NO3,NH4,DO,\n%g,2.1,%g,\n", 3.0+0.1*a, 4.8+0.02*b)
}

// ScenarioModelScript is a POSIX shell model that reads the last row of
// each swept input and writes ScenarioOutput.
const ScenarioModelScript = `#!/bin/sh
a=$(tail -n 1 hangq01.csv)
b=$(tail -n 1 qin_br8.csv)
awk -v a="$a" -v b="$b" 'BEGIN { printf "NO3,NH4,DO,\n%.6f,2.1,%.6f,\n", 3.0+0.1*a, 4.8+0.02*b }' > tsr_2_seg7.csv
`

// WriteModelDir creates dir and writes files into it. Names ending in
// "model" or ".sh" are made executable.
func WriteModelDir(t testing.TB, dir string, files map[string]string) string {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	for name, content := range files {
		perm := os.FileMode(0o644)
		if strings.HasSuffix(name, "model") || strings.HasSuffix(name, ".sh") {
			perm = 0o755
		}
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir for %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), perm); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return dir
}

// ScenarioModelDir writes the shell scenario model into root/wq and
// returns the model directory.
func ScenarioModelDir(t testing.TB, root string) string {
	t.Helper()
	return WriteModelDir(t, filepath.Join(root, ModelName), map[string]string{
		"model": ScenarioModelScript,
	})
}
