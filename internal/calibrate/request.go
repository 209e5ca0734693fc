package calibrate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/modelsweep/internal/security"
)

// Numeric is a number received as text. Requests may carry either "3.7" or
// 3.7; both decode to the same Numeric and are parsed by SweepRequest.Spec.
type Numeric string

// UnmarshalJSON accepts a JSON string or a bare JSON number.
func (n *Numeric) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Numeric(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("numeric field: %w", err)
	}
	*n = Numeric(num.String())
	return nil
}

// UnmarshalYAML accepts any YAML scalar.
func (n *Numeric) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: numeric field must be a scalar", value.Line)
	}
	*n = Numeric(value.Value)
	return nil
}

// InputFile is one swept input as it appears on the wire.
type InputFile struct {
	Name    string  `json:"name" yaml:"name"`
	ColName string  `json:"col_name" yaml:"col_name"`
	MinVal  Numeric `json:"min_val" yaml:"min_val"`
	MaxVal  Numeric `json:"max_val" yaml:"max_val"`
	Steps   Numeric `json:"steps" yaml:"steps"`
	Mode    string  `json:"mode,omitempty" yaml:"mode,omitempty"` // "set" (default) or "scale"
}

// ModelRun selects the model and the inputs to sweep.
type ModelRun struct {
	Type       string      `json:"type" yaml:"type"`
	ModelName  string      `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	InputFiles []InputFile `json:"input_files" yaml:"input_files"`
}

// AnalysisParameter is one scoring target as it appears on the wire.
type AnalysisParameter struct {
	Name      string  `json:"name" yaml:"name"`
	Target    Numeric `json:"target" yaml:"target"`
	Weight    Numeric `json:"weight" yaml:"weight"`
	ScoreStep Numeric `json:"score_step" yaml:"score_step"`
}

// ModelAnalysis names the output file and the targets scored against it.
type ModelAnalysis struct {
	Type       string              `json:"type,omitempty" yaml:"type,omitempty"`
	OutputFile string              `json:"output_file" yaml:"output_file"`
	Parameters []AnalysisParameter `json:"parameters" yaml:"parameters"`
}

// SweepRequest is the calibration request schema.
type SweepRequest struct {
	ModelRun      ModelRun      `json:"model_run" yaml:"model_run"`
	ModelAnalysis ModelAnalysis `json:"model_analysis" yaml:"model_analysis"`
}

// InputMode controls how a swept value is written into an input file.
type InputMode string

const (
	// InputModeSet replaces every cell of the swept column with the value.
	InputModeSet InputMode = "set"
	// InputModeScale multiplies every cell of the swept column by the value.
	InputModeScale InputMode = "scale"
)

// SweepParameterSpec defines one swept input dimension.
type SweepParameterSpec struct {
	Name   string    `json:"name"`
	Column string    `json:"column"`
	Min    float64   `json:"min"`
	Max    float64   `json:"max"`
	Step   float64   `json:"step"`
	Mode   InputMode `json:"mode"`
}

// TargetSpec defines one scored output column.
type TargetSpec struct {
	Name      string  `json:"name"`
	Target    float64 `json:"target"`
	Weight    float64 `json:"weight"`
	ScoreStep float64 `json:"score_step"`
}

// SweepSpec is the typed form of a SweepRequest.
type SweepSpec struct {
	ModelType  string               `json:"model_type,omitempty"`
	ModelName  string               `json:"model_name,omitempty"`
	Inputs     []SweepParameterSpec `json:"inputs"`
	OutputFile string               `json:"output_file"`
	Targets    []TargetSpec         `json:"targets"`
}

// ArchiveFiles lists the files preserved from the winning run directory:
// every swept input file, then the analysis output file.
func (s SweepSpec) ArchiveFiles() []string {
	files := make([]string, 0, len(s.Inputs)+1)
	for _, in := range s.Inputs {
		files = append(files, in.Name)
	}
	return append(files, s.OutputFile)
}

// Spec parses and validates the request into a SweepSpec. Every failure is
// a *ConfigError naming the offending field.
func (r SweepRequest) Spec() (SweepSpec, error) {
	spec := SweepSpec{
		ModelType:  r.ModelRun.Type,
		ModelName:  strings.TrimSpace(r.ModelRun.ModelName),
		OutputFile: strings.TrimSpace(r.ModelAnalysis.OutputFile),
	}

	if len(r.ModelRun.InputFiles) == 0 {
		return SweepSpec{}, &ConfigError{Field: "model_run.input_files", Err: errors.New("at least one input file is required")}
	}
	seen := make(map[string]bool, len(r.ModelRun.InputFiles))
	for i, in := range r.ModelRun.InputFiles {
		prefix := fmt.Sprintf("model_run.input_files[%d]", i)
		p, err := parseInputFile(prefix, in)
		if err != nil {
			return SweepSpec{}, err
		}
		if seen[p.Name] {
			return SweepSpec{}, &ConfigError{Field: prefix + ".name", Value: p.Name, Err: errors.New("duplicate input file")}
		}
		seen[p.Name] = true
		spec.Inputs = append(spec.Inputs, p)
	}

	if err := security.ValidateBaseName(spec.OutputFile); err != nil {
		return SweepSpec{}, &ConfigError{Field: "model_analysis.output_file", Value: spec.OutputFile, Err: err}
	}
	if seen[spec.OutputFile] {
		return SweepSpec{}, &ConfigError{Field: "model_analysis.output_file", Value: spec.OutputFile, Err: errors.New("output file collides with a swept input file")}
	}

	if len(r.ModelAnalysis.Parameters) == 0 {
		return SweepSpec{}, &ConfigError{Field: "model_analysis.parameters", Err: errors.New("at least one target is required")}
	}
	for i, p := range r.ModelAnalysis.Parameters {
		t, err := parseTarget(fmt.Sprintf("model_analysis.parameters[%d]", i), p)
		if err != nil {
			return SweepSpec{}, err
		}
		spec.Targets = append(spec.Targets, t)
	}

	return spec, nil
}

func parseInputFile(prefix string, in InputFile) (SweepParameterSpec, error) {
	p := SweepParameterSpec{
		Name:   strings.TrimSpace(in.Name),
		Column: strings.TrimSpace(in.ColName),
		Mode:   InputMode(strings.ToLower(strings.TrimSpace(in.Mode))),
	}
	if err := security.ValidateBaseName(p.Name); err != nil {
		return p, &ConfigError{Field: prefix + ".name", Value: p.Name, Err: err}
	}
	if p.Column == "" {
		return p, &ConfigError{Field: prefix + ".col_name", Err: errors.New("column name is required")}
	}
	switch p.Mode {
	case "":
		p.Mode = InputModeSet
	case InputModeSet, InputModeScale:
	default:
		return p, &ConfigError{Field: prefix + ".mode", Value: in.Mode, Err: errors.New(`must be "set" or "scale"`)}
	}

	var err error
	if p.Min, err = parseNumeric(prefix+".min_val", in.MinVal); err != nil {
		return p, err
	}
	if p.Max, err = parseNumeric(prefix+".max_val", in.MaxVal); err != nil {
		return p, err
	}
	if p.Step, err = parseNumeric(prefix+".steps", in.Steps); err != nil {
		return p, err
	}
	if p.Step <= 0 {
		return p, &ConfigError{Field: prefix + ".steps", Value: string(in.Steps), Err: errors.New("step must be positive")}
	}
	if p.Max < p.Min {
		return p, &ConfigError{Field: prefix + ".max_val", Value: string(in.MaxVal), Err: fmt.Errorf("must not be below min_val %g", p.Min)}
	}
	return p, nil
}

func parseTarget(prefix string, in AnalysisParameter) (TargetSpec, error) {
	t := TargetSpec{Name: strings.TrimSpace(in.Name)}
	if t.Name == "" {
		return t, &ConfigError{Field: prefix + ".name", Err: errors.New("target name is required")}
	}

	var err error
	if t.Target, err = parseNumeric(prefix+".target", in.Target); err != nil {
		return t, err
	}
	if t.Weight, err = parseNumeric(prefix+".weight", in.Weight); err != nil {
		return t, err
	}
	if t.ScoreStep, err = parseNumeric(prefix+".score_step", in.ScoreStep); err != nil {
		return t, err
	}
	if t.Weight == 0 {
		return t, &ConfigError{Field: prefix + ".weight", Value: string(in.Weight), Err: errors.New("weight must be non-zero")}
	}
	if t.ScoreStep == 0 {
		return t, &ConfigError{Field: prefix + ".score_step", Value: string(in.ScoreStep), Err: errors.New("score step must be non-zero")}
	}
	return t, nil
}

func parseNumeric(field string, n Numeric) (float64, error) {
	s := strings.TrimSpace(string(n))
	if s == "" {
		return 0, &ConfigError{Field: field, Err: errors.New("value is required")}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &ConfigError{Field: field, Value: s, Err: err}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ConfigError{Field: field, Value: s, Err: errors.New("value must be finite")}
	}
	return v, nil
}

// DecodeRequest decodes a request body. YAML is used when format is "yaml"
// or "yml"; anything else is treated as JSON.
func DecodeRequest(data []byte, format string) (SweepRequest, error) {
	var req SweepRequest
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &req); err != nil {
			return SweepRequest{}, fmt.Errorf("failed to parse request YAML: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return SweepRequest{}, fmt.Errorf("failed to parse request JSON: %w", err)
		}
	}
	return req, nil
}

// LoadRequest reads a request file, choosing the decoder from its extension.
func LoadRequest(path string) (SweepRequest, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return SweepRequest{}, fmt.Errorf("failed to read request file: %w", err)
	}
	return DecodeRequest(data, filepath.Ext(path))
}
