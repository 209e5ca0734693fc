package calibrate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/modelsweep/internal/fsutil"
	"github.com/banshee-data/modelsweep/internal/security"
)

// RunExecutor prepares and runs one model invocation.
type RunExecutor interface {
	// Prepare allocates a fresh run directory, materialises the model into
	// it and writes the swept input files for ps. It is safe to call
	// concurrently; each call touches only its own directory.
	Prepare(ctx context.Context, execID string, ps ParameterSet, modelDir string) (string, error)

	// Execute runs the model rooted at runDir, waits for it to exit and
	// returns the lines of outputFile.
	Execute(ctx context.Context, runDir, outputFile string) ([]string, error)
}

// CommandRunner starts a process in dir and waits for it to finish,
// returning its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecCommandRunner runs commands with os/exec.
type ExecCommandRunner struct {
	// WaitDelay bounds how long output pipes are drained after the context
	// kills the process.
	WaitDelay time.Duration
}

// Run implements CommandRunner.
func (r ExecCommandRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 5 * time.Second
	}
	return cmd.CombinedOutput()
}

const (
	maxAllocAttempts = 8
	maxOutputTail    = 2048
)

// ProcessExecutor runs a model executable as a child process inside a
// per-run copy of the model directory below WorkRoot.
type ProcessExecutor struct {
	// WorkRoot holds one directory per execution id, each holding one
	// directory per run.
	WorkRoot string
	// Executable is the model program. A name that exists inside the run
	// directory is run from there; otherwise it is looked up on PATH.
	Executable string
	Args       []string
	// Timeout bounds a single Execute call; zero disables it.
	Timeout time.Duration
	Runner  CommandRunner
	FS      fsutil.FileSystem
}

// NewProcessExecutor returns a ProcessExecutor using os/exec and the real
// filesystem.
func NewProcessExecutor(workRoot, executable string, args []string, timeout time.Duration) *ProcessExecutor {
	return &ProcessExecutor{
		WorkRoot:   workRoot,
		Executable: executable,
		Args:       args,
		Timeout:    timeout,
		Runner:     ExecCommandRunner{},
		FS:         fsutil.OSFileSystem{},
	}
}

func (e *ProcessExecutor) fs() fsutil.FileSystem {
	if e.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return e.FS
}

// ExecutionDir is the directory holding every run of execID.
func (e *ProcessExecutor) ExecutionDir(execID string) string {
	return filepath.Join(e.WorkRoot, security.SanitizeFilename(execID))
}

// Prepare implements RunExecutor.
func (e *ProcessExecutor) Prepare(ctx context.Context, execID string, ps ParameterSet, modelDir string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	runDir, err := e.allocate(execID, ps.Index())
	if err != nil {
		return "", err
	}

	if err := fsutil.CopyTree(e.fs(), modelDir, runDir); err != nil {
		return runDir, fmt.Errorf("failed to copy model %s: %w", modelDir, err)
	}

	for i := 0; i < ps.Len(); i++ {
		in := ps.Input(i)
		path := filepath.Join(runDir, in.Name)

		var template []byte
		if e.fs().Exists(path) {
			if template, err = e.fs().ReadFile(path); err != nil {
				return runDir, fmt.Errorf("failed to read template %s: %w", in.Name, err)
			}
		}
		data, err := DeriveInput(template, in, ps.At(i))
		if err != nil {
			return runDir, err
		}
		if err := e.fs().WriteFile(path, data, 0o644); err != nil {
			return runDir, fmt.Errorf("failed to write input %s: %w", in.Name, err)
		}
	}
	return runDir, nil
}

// allocate creates a uniquely named run directory. Mkdir fails on an
// existing name, so concurrent callers can never share a directory.
func (e *ProcessExecutor) allocate(execID string, index int) (string, error) {
	root := e.ExecutionDir(execID)
	if err := e.fs().MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work directory %s: %w", root, err)
	}
	for attempt := 0; attempt < maxAllocAttempts; attempt++ {
		dir := filepath.Join(root, fmt.Sprintf("run-%04d-%s", index, uuid.NewString()[:8]))
		err := e.fs().Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("failed to create run directory: %w", err)
		}
	}
	return "", fmt.Errorf("failed to allocate a run directory below %s after %d attempts", root, maxAllocAttempts)
}

// Execute implements RunExecutor. Process failures, timeouts and a missing
// output file are reported as *RunExecutionError.
func (e *ProcessExecutor) Execute(ctx context.Context, runDir, outputFile string) ([]string, error) {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	runner := e.Runner
	if runner == nil {
		runner = ExecCommandRunner{}
	}

	out, err := runner.Run(ctx, runDir, e.command(runDir), e.Args...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.Timeout, err)
		}
		return nil, &RunExecutionError{Index: -1, RunDir: runDir, Err: err, Output: tail(out)}
	}

	data, err := e.fs().ReadFile(filepath.Join(runDir, outputFile))
	if err != nil {
		return nil, &RunExecutionError{Index: -1, RunDir: runDir, Err: fmt.Errorf("output file %s: %w", outputFile, err), Output: tail(out)}
	}
	return splitLines(data), nil
}

// Release removes the execution directory of execID and everything below it.
func (e *ProcessExecutor) Release(execID string) error {
	return e.fs().RemoveAll(e.ExecutionDir(execID))
}

func (e *ProcessExecutor) command(runDir string) string {
	if filepath.IsAbs(e.Executable) || strings.ContainsRune(e.Executable, os.PathSeparator) {
		return e.Executable
	}
	if e.fs().Exists(filepath.Join(runDir, e.Executable)) {
		// Relative to cmd.Dir, which is runDir.
		return "." + string(os.PathSeparator) + e.Executable
	}
	return e.Executable
}

func splitLines(data []byte) []string {
	data = bytes.TrimRight(data, "\r\n")
	if len(data) == 0 {
		return nil
	}
	lines := strings.Split(string(data), "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > maxOutputTail {
		s = "..." + s[len(s)-maxOutputTail:]
	}
	return s
}
