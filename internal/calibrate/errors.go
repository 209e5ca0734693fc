package calibrate

import (
	"errors"
	"fmt"
)

// ErrAllRunsFailed is returned by Coordinator.Run when no run in the sweep
// produced a score.
var ErrAllRunsFailed = errors.New("every run in the sweep failed")

// ErrResultNotFound is returned by a ResultStore for unknown execution ids.
var ErrResultNotFound = errors.New("result not found")

// ModelNotFoundError reports a model name with no registry entry.
type ModelNotFoundError struct {
	Name string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q is not registered", e.Name)
}

// ModelDirNotFoundError reports a registry entry whose directory is missing.
type ModelDirNotFoundError struct {
	Dir string
}

func (e *ModelDirNotFoundError) Error() string {
	return fmt.Sprintf("model directory %s does not exist", e.Dir)
}

// RunExecutionError reports a single run whose model process failed, timed
// out, or left no output file behind.
type RunExecutionError struct {
	Index  int
	RunDir string
	Err    error
	Output string
}

func (e *RunExecutionError) Error() string {
	msg := fmt.Sprintf("run %d in %s: %v", e.Index, e.RunDir, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *RunExecutionError) Unwrap() error { return e.Err }

// ConfigError reports a malformed sweep request field.
type ConfigError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
