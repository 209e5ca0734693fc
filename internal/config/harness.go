package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// DefaultConfigPath is the path to the canonical harness defaults file.
const DefaultConfigPath = "config/harness.defaults.json"

// HarnessConfig is the root configuration of the calibration harness.
// Every field is optional; the Get* accessors supply defaults.
type HarnessConfig struct {
	// Filesystem layout
	ModelsDir  *string `json:"models_dir,omitempty"`
	WorkDir    *string `json:"work_dir,omitempty"`
	ArchiveDir *string `json:"archive_dir,omitempty"`

	// Model invocation
	DefaultModel    *string  `json:"default_model,omitempty"`
	ModelExecutable *string  `json:"model_executable,omitempty"`
	ModelArgs       []string `json:"model_args,omitempty"`

	// Sweep execution
	MaxConcurrentRuns *int    `json:"max_concurrent_runs,omitempty"`
	RunTimeout        *string `json:"run_timeout,omitempty"` // duration string like "10m"; "0" disables
	FailurePolicy     *string `json:"failure_policy,omitempty"`
	KeepRunDirs       *bool   `json:"keep_run_dirs,omitempty"`
	MaxPermutations   *int    `json:"max_permutations,omitempty"`

	// Persistence and serving
	DBPath          *string `json:"db_path,omitempty"` // empty keeps results in memory only
	Listen          *string `json:"listen,omitempty"`
	ResultRetention *string `json:"result_retention,omitempty"` // duration string; empty keeps results forever
}

// Helper functions to create pointers
func ptrString(v string) *string { return &v }
func ptrInt(v int) *int          { return &v }
func ptrBool(v bool) *bool       { return &v }

// EmptyHarnessConfig returns a HarnessConfig with all fields unset.
func EmptyHarnessConfig() *HarnessConfig {
	return &HarnessConfig{}
}

// DefaultHarnessConfig returns a HarnessConfig with every field populated
// from its default.
func DefaultHarnessConfig() *HarnessConfig {
	empty := EmptyHarnessConfig()
	return &HarnessConfig{
		ModelsDir:         ptrString(empty.GetModelsDir()),
		WorkDir:           ptrString(empty.GetWorkDir()),
		ArchiveDir:        ptrString(empty.GetArchiveDir()),
		DefaultModel:      ptrString(empty.GetDefaultModel()),
		ModelExecutable:   ptrString(empty.GetModelExecutable()),
		MaxConcurrentRuns: ptrInt(empty.GetMaxConcurrentRuns()),
		RunTimeout:        ptrString(empty.GetRunTimeout().String()),
		FailurePolicy:     ptrString(empty.GetFailurePolicy()),
		KeepRunDirs:       ptrBool(empty.GetKeepRunDirs()),
		MaxPermutations:   ptrInt(empty.GetMaxPermutations()),
		DBPath:            ptrString(empty.GetDBPath()),
		Listen:            ptrString(empty.GetListen()),
		ResultRetention:   ptrString(""),
	}
}

// LoadHarnessConfig loads a HarnessConfig from a JSON file.
// The file must have a .json extension and be under 1MB. Fields omitted
// from the file keep their defaults, so partial configs are safe.
func LoadHarnessConfig(path string) (*HarnessConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyHarnessConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *HarnessConfig) Validate() error {
	if c.MaxConcurrentRuns != nil && *c.MaxConcurrentRuns < 0 {
		return fmt.Errorf("max_concurrent_runs must be non-negative, got %d", *c.MaxConcurrentRuns)
	}
	if c.MaxPermutations != nil && *c.MaxPermutations < 0 {
		return fmt.Errorf("max_permutations must be non-negative, got %d", *c.MaxPermutations)
	}

	if c.FailurePolicy != nil {
		switch *c.FailurePolicy {
		case "", "skip", "abort":
		default:
			return fmt.Errorf("failure_policy must be \"skip\" or \"abort\", got %q", *c.FailurePolicy)
		}
	}

	if c.RunTimeout != nil && *c.RunTimeout != "" {
		d, err := time.ParseDuration(*c.RunTimeout)
		if err != nil {
			return fmt.Errorf("invalid run_timeout '%s': %w", *c.RunTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("run_timeout must be non-negative, got %s", d)
		}
	}

	if c.ResultRetention != nil && *c.ResultRetention != "" {
		d, err := time.ParseDuration(*c.ResultRetention)
		if err != nil {
			return fmt.Errorf("invalid result_retention '%s': %w", *c.ResultRetention, err)
		}
		if d <= 0 {
			return fmt.Errorf("result_retention must be positive, got %s", d)
		}
	}

	if c.ModelExecutable != nil && *c.ModelExecutable == "" {
		return fmt.Errorf("model_executable must not be empty")
	}

	return nil
}

// GetModelsDir returns the models root or the default.
func (c *HarnessConfig) GetModelsDir() string {
	if c.ModelsDir == nil || *c.ModelsDir == "" {
		return "models"
	}
	return *c.ModelsDir
}

// GetWorkDir returns the run-directory root or the default.
func (c *HarnessConfig) GetWorkDir() string {
	if c.WorkDir == nil || *c.WorkDir == "" {
		return filepath.Join(os.TempDir(), "modelsweep")
	}
	return *c.WorkDir
}

// GetArchiveDir returns the archive directory or the default.
func (c *HarnessConfig) GetArchiveDir() string {
	if c.ArchiveDir == nil || *c.ArchiveDir == "" {
		return "archives"
	}
	return *c.ArchiveDir
}

// GetDefaultModel returns the model used when a request names none.
func (c *HarnessConfig) GetDefaultModel() string {
	if c.DefaultModel == nil || *c.DefaultModel == "" {
		return "default"
	}
	return *c.DefaultModel
}

// GetModelExecutable returns the model program name or the default.
func (c *HarnessConfig) GetModelExecutable() string {
	if c.ModelExecutable == nil || *c.ModelExecutable == "" {
		return "model"
	}
	return *c.ModelExecutable
}

// GetModelArgs returns the arguments passed to every model run.
func (c *HarnessConfig) GetModelArgs() []string {
	return append([]string(nil), c.ModelArgs...)
}

// GetMaxConcurrentRuns returns the worker count or the default.
func (c *HarnessConfig) GetMaxConcurrentRuns() int {
	if c.MaxConcurrentRuns == nil || *c.MaxConcurrentRuns == 0 {
		return runtime.NumCPU()
	}
	return *c.MaxConcurrentRuns
}

// GetRunTimeout parses and returns the per-run timeout. Zero disables it.
func (c *HarnessConfig) GetRunTimeout() time.Duration {
	if c.RunTimeout == nil || *c.RunTimeout == "" {
		return 10 * time.Minute // default
	}
	d, err := time.ParseDuration(*c.RunTimeout)
	if err != nil {
		return 10 * time.Minute // default on parse error
	}
	return d
}

// GetFailurePolicy returns "skip" or "abort".
func (c *HarnessConfig) GetFailurePolicy() string {
	if c.FailurePolicy == nil || *c.FailurePolicy == "" {
		return "skip"
	}
	return *c.FailurePolicy
}

// GetKeepRunDirs returns the keep_run_dirs value or the default.
func (c *HarnessConfig) GetKeepRunDirs() bool {
	if c.KeepRunDirs == nil {
		return false
	}
	return *c.KeepRunDirs
}

// GetMaxPermutations returns the sweep size limit or the default.
func (c *HarnessConfig) GetMaxPermutations() int {
	if c.MaxPermutations == nil || *c.MaxPermutations == 0 {
		return 10000
	}
	return *c.MaxPermutations
}

// GetDBPath returns the SQLite result database path; empty means results
// are kept in memory only.
func (c *HarnessConfig) GetDBPath() string {
	if c.DBPath == nil {
		return ""
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address or the default.
func (c *HarnessConfig) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8090"
	}
	return *c.Listen
}

// GetResultRetention returns how long results are kept; zero keeps them
// forever.
func (c *HarnessConfig) GetResultRetention() time.Duration {
	if c.ResultRetention == nil || *c.ResultRetention == "" {
		return 0
	}
	d, err := time.ParseDuration(*c.ResultRetention)
	if err != nil {
		return 0
	}
	return d
}
