package calibrate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/modelsweep/internal/fsutil"
	"github.com/banshee-data/modelsweep/internal/monitoring"
	"github.com/banshee-data/modelsweep/internal/security"
	"github.com/banshee-data/modelsweep/internal/timeutil"
)

// FailurePolicy decides what a failed run does to the rest of its sweep.
type FailurePolicy string

const (
	// FailureSkip excludes failed runs from selection and keeps going.
	FailureSkip FailurePolicy = "skip"
	// FailureAbort cancels the sweep at the first failed run.
	FailureAbort FailurePolicy = "abort"
)

// ParseFailurePolicy accepts "skip", "abort" or "" (skip).
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return FailureSkip, nil
	case FailureSkip, FailureAbort:
		return p, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// ModelRegistry resolves model names to directories. The coordinator only
// ever queries it.
type ModelRegistry interface {
	Resolve(name string) (string, bool)
}

// executionReleaser is implemented by executors that keep per-execution
// state on disk.
type executionReleaser interface {
	Release(execID string) error
}

// CoordinatorConfig tunes a Coordinator.
type CoordinatorConfig struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string
	// MaxConcurrent bounds in-flight runs; <= 0 means runtime.NumCPU().
	MaxConcurrent   int
	FailurePolicy   FailurePolicy
	MaxPermutations int
	// KeepRunDirs leaves every run directory on disk after the sweep.
	KeepRunDirs bool
}

// CoordinatorDeps are the collaborators of a Coordinator. Clock and FS
// default to the real implementations.
type CoordinatorDeps struct {
	Registry ModelRegistry
	Executor RunExecutor
	Reader   ValueReader
	Archiver Archiver
	Results  ResultStore
	Clock    timeutil.Clock
	FS       fsutil.FileSystem
}

// Coordinator runs sweeps: it resolves the model, generates every
// ParameterSet, runs them on a bounded worker pool, selects the best run,
// archives it and stores the result.
type Coordinator struct {
	cfg  CoordinatorConfig
	deps CoordinatorDeps
	logf func(format string, v ...interface{})
}

// NewCoordinator validates deps and fills in defaults.
func NewCoordinator(cfg CoordinatorConfig, deps CoordinatorDeps) (*Coordinator, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("coordinator requires a model registry")
	case deps.Executor == nil:
		return nil, errors.New("coordinator requires a run executor")
	case deps.Reader == nil:
		return nil, errors.New("coordinator requires a value reader")
	case deps.Archiver == nil:
		return nil, errors.New("coordinator requires an archiver")
	case deps.Results == nil:
		return nil, errors.New("coordinator requires a result store")
	}
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.FS == nil {
		deps.FS = fsutil.OSFileSystem{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = runtime.NumCPU()
	}
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = FailureSkip
	}
	return &Coordinator{cfg: cfg, deps: deps, logf: monitoring.Component("sweep")}, nil
}

// Results returns the store sweeps are written to.
func (c *Coordinator) Results() ResultStore { return c.deps.Results }

// ResolveModel maps a requested model name (or the default) to its
// directory. It fails with *ModelNotFoundError or *ModelDirNotFoundError.
func (c *Coordinator) ResolveModel(name string) (string, string, error) {
	if name == "" {
		name = c.cfg.DefaultModel
	}
	dir, ok := c.deps.Registry.Resolve(name)
	if !ok {
		return name, "", &ModelNotFoundError{Name: name}
	}
	info, err := c.deps.FS.Stat(dir)
	if err != nil || !info.IsDir() {
		return name, dir, &ModelDirNotFoundError{Dir: dir}
	}
	return name, dir, nil
}

// runOutcome is what a worker hands to the reducer for one ParameterSet.
type runOutcome struct {
	set       ParameterSet
	runDir    string
	score     float64
	breakdown []TargetContribution
	err       error
	cancelled bool
	duration  time.Duration
}

var errInvalidExecutionID = errors.New("must be at most 128 letters, digits, '.', '_' or '-' and must not start or end with '.' or '_'")

// ValidateExecutionID rejects ids that are not already safe file names.
// Work directories and archives are named after the id, so two ids that
// sanitise to the same name would share them.
func ValidateExecutionID(execID string) error {
	if err := security.ValidateBaseName(execID); err != nil {
		return &ConfigError{Field: "execution_id", Value: execID, Err: err}
	}
	if security.SanitizeFilename(execID) != execID {
		return &ConfigError{Field: "execution_id", Value: execID, Err: errInvalidExecutionID}
	}
	return nil
}

// Run executes a complete sweep and stores its result under execID. Model
// resolution happens before any run is started. Under FailureSkip failed
// runs are logged and excluded; if none succeed the error is
// ErrAllRunsFailed. Under FailureAbort the first *RunExecutionError is
// returned. No result is stored when Run fails.
func (c *Coordinator) Run(ctx context.Context, execID string, spec SweepSpec) (*SweepResult, error) {
	if err := ValidateExecutionID(execID); err != nil {
		return nil, err
	}
	model, modelDir, err := c.ResolveModel(spec.ModelName)
	if err != nil {
		return nil, err
	}

	sets, err := Generate(spec.Inputs, c.cfg.MaxPermutations)
	if err != nil {
		return nil, &ConfigError{Field: "model_run.input_files", Err: err}
	}
	if len(sets) == 0 {
		return nil, &ConfigError{Field: "model_run.input_files", Err: errors.New("sweep has no runs")}
	}

	started := c.deps.Clock.Now()
	workers := c.cfg.MaxConcurrent
	if workers > len(sets) {
		workers = len(sets)
	}
	c.logf("%s: model %s, %d runs on %d workers", execID, model, len(sets), workers)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan ParameterSet)
	outcomes := make(chan runOutcome)

	go func() {
		defer close(jobs)
		for _, ps := range sets {
			select {
			case jobs <- ps:
			case <-runCtx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ps := range jobs {
				outcomes <- c.runOne(runCtx, execID, ps, modelDir, spec)
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	records := make([]RunRecord, len(sets))
	for i, ps := range sets {
		records[i] = RunRecord{Index: i, Params: ps.Values(), Status: RunCancelled}
	}

	// The reducer below is the only reader and writer of best.
	var best *runOutcome
	var abortErr error
	for o := range outcomes {
		rec := &records[o.set.Index()]
		rec.RunDir = o.runDir
		rec.Duration = o.duration

		if o.err != nil {
			// Once the sweep is cancelled, failures are collateral.
			if o.cancelled || runCtx.Err() != nil {
				c.discard(o.runDir)
				continue
			}
			rec.Status = RunFailed
			rec.Error = o.err.Error()
			c.logf("%s: run %s failed: %v", execID, o.set, o.err)
			if c.cfg.FailurePolicy == FailureAbort {
				abortErr = o.err
				cancel()
			}
			c.discard(o.runDir)
			continue
		}

		score := o.score
		rec.Status = RunSucceeded
		rec.Score = &score

		if best == nil || o.score < best.score || (o.score == best.score && o.set.Index() < best.set.Index()) {
			if best != nil {
				c.discard(best.runDir)
			}
			best = &o
		} else {
			c.discard(o.runDir)
		}
	}

	cleanup := func() {
		if best != nil {
			c.discard(best.runDir)
		}
		c.release(execID)
	}

	if abortErr != nil {
		cleanup()
		return nil, abortErr
	}
	if err := ctx.Err(); err != nil {
		cleanup()
		return nil, err
	}
	if best == nil {
		cleanup()
		return nil, fmt.Errorf("%s: %w (%d runs)", execID, ErrAllRunsFailed, len(sets))
	}

	archivePath, err := c.deps.Archiver.Archive(ctx, execID, best.runDir, spec.ArchiveFiles())
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to archive best run %d: %w", best.set.Index(), err)
	}
	cleanup()

	records[best.set.Index()].Best = true
	result := &SweepResult{
		ExecutionID: execID,
		Model:       model,
		Params:      best.set.Values(),
		Score:       best.score,
		ArchivePath: archivePath,
		Breakdown:   best.breakdown,
		Stats:       SummariseScores(records),
		Runs:        records,
		StartedAt:   started,
		CompletedAt: c.deps.Clock.Now(),
	}
	if err := c.deps.Results.Put(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to store result: %w", err)
	}

	c.logf("%s: best run %s score %.4f (%d/%d succeeded), archived to %s",
		execID, best.set, best.score, result.Stats.Succeeded, len(sets), archivePath)
	return result, nil
}

func (c *Coordinator) runOne(ctx context.Context, execID string, ps ParameterSet, modelDir string, spec SweepSpec) (o runOutcome) {
	o.set = ps
	if err := ctx.Err(); err != nil {
		o.err, o.cancelled = err, true
		return o
	}
	start := c.deps.Clock.Now()
	defer func() { o.duration = c.deps.Clock.Since(start) }()

	runDir, err := c.deps.Executor.Prepare(ctx, execID, ps, modelDir)
	o.runDir = runDir
	if err != nil {
		o.err = runError(ps, runDir, fmt.Errorf("prepare: %w", err))
		return o
	}

	lines, err := c.deps.Executor.Execute(ctx, runDir, spec.OutputFile)
	if err != nil {
		o.err = runError(ps, runDir, err)
		return o
	}
	if len(lines) == 0 {
		o.err = runError(ps, runDir, fmt.Errorf("output file %s is empty", spec.OutputFile))
		return o
	}

	o.score, o.breakdown, err = Score(c.deps.Reader, runDir, spec.OutputFile, spec.Targets)
	if err != nil {
		o.err = runError(ps, runDir, fmt.Errorf("score: %w", err))
	}
	return o
}

// runError attaches the run index and directory to err, reusing an
// existing *RunExecutionError when the executor returned one.
func runError(ps ParameterSet, runDir string, err error) error {
	var re *RunExecutionError
	if errors.As(err, &re) {
		re.Index = ps.Index()
		if re.RunDir == "" {
			re.RunDir = runDir
		}
		return re
	}
	return &RunExecutionError{Index: ps.Index(), RunDir: runDir, Err: err}
}

func (c *Coordinator) discard(runDir string) {
	if c.cfg.KeepRunDirs || runDir == "" {
		return
	}
	if err := c.deps.FS.RemoveAll(runDir); err != nil {
		c.logf("failed to remove run directory %s: %v", runDir, err)
	}
}

func (c *Coordinator) release(execID string) {
	if c.cfg.KeepRunDirs {
		return
	}
	if r, ok := c.deps.Executor.(executionReleaser); ok {
		if err := r.Release(execID); err != nil {
			c.logf("failed to release work directory for %s: %v", execID, err)
		}
	}
}
