package calibrate

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/modelsweep/internal/fsutil"
	"github.com/banshee-data/modelsweep/internal/monitoring"
	"github.com/banshee-data/modelsweep/internal/testutil"
	"github.com/banshee-data/modelsweep/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type staticRegistry map[string]string

func (r staticRegistry) Resolve(name string) (string, bool) {
	dir, ok := r[name]
	return dir, ok
}

// stubExecutor writes the scenario output for each run into an in-memory
// filesystem instead of launching a process.
type stubExecutor struct {
	fs     *fsutil.MemoryFileSystem
	root   string
	output func(ps ParameterSet) string
	fail   func(ps ParameterSet) error
	delay  func(ps ParameterSet) time.Duration

	mu       sync.Mutex
	prepared int
	executed int
	byDir    map[string]ParameterSet
	inFlight int
	maxSeen  int
}

func newStubExecutor(fs *fsutil.MemoryFileSystem) *stubExecutor {
	return &stubExecutor{
		fs:   fs,
		root: "/work",
		output: func(ps ParameterSet) string {
			a, _ := ps.Value(testutil.FlowInput)
			b, _ := ps.Value(testutil.WithdrawInput)
			return testutil.ScenarioOutput(a, b)
		},
		byDir: make(map[string]ParameterSet),
	}
}

func (s *stubExecutor) Prepare(ctx context.Context, execID string, ps ParameterSet, modelDir string) (string, error) {
	dir := filepath.Join(s.root, execID, fmt.Sprintf("run-%04d", ps.Index()))
	if err := s.fs.Mkdir(dir, 0o755); err != nil {
		return "", err
	}
	for i := 0; i < ps.Len(); i++ {
		data, err := DeriveInput(nil, ps.Input(i), ps.At(i))
		if err != nil {
			return dir, err
		}
		if err := s.fs.WriteFile(filepath.Join(dir, ps.Name(i)), data, 0o644); err != nil {
			return dir, err
		}
	}
	s.mu.Lock()
	s.prepared++
	s.byDir[dir] = ps
	s.mu.Unlock()
	return dir, nil
}

func (s *stubExecutor) Execute(ctx context.Context, runDir, outputFile string) ([]string, error) {
	s.mu.Lock()
	s.executed++
	ps := s.byDir[runDir]
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.delay != nil {
		select {
		case <-time.After(s.delay(ps)):
		case <-ctx.Done():
			return nil, &RunExecutionError{Index: -1, RunDir: runDir, Err: ctx.Err()}
		}
	}
	if s.fail != nil {
		if err := s.fail(ps); err != nil {
			return nil, &RunExecutionError{Index: -1, RunDir: runDir, Err: err}
		}
	}
	out := s.output(ps)
	if err := s.fs.WriteFile(filepath.Join(runDir, outputFile), []byte(out), 0o644); err != nil {
		return nil, err
	}
	return splitLines([]byte(out)), nil
}

func (s *stubExecutor) counts() (prepared, executed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prepared, s.executed
}

type countingArchiver struct {
	inner Archiver
	mu    sync.Mutex
	calls []string
}

func (a *countingArchiver) Archive(ctx context.Context, execID, runDir string, files []string) (string, error) {
	a.mu.Lock()
	a.calls = append(a.calls, runDir)
	a.mu.Unlock()
	return a.inner.Archive(ctx, execID, runDir, files)
}

type harness struct {
	fs       *fsutil.MemoryFileSystem
	exec     *stubExecutor
	archiver *countingArchiver
	results  *MemoryResultStore
	coord    *Coordinator
}

func newHarness(t *testing.T, cfg CoordinatorConfig, registry ModelRegistry) *harness {
	t.Helper()
	mfs := fsutil.NewMemoryFileSystem()
	require.NoError(t, mfs.MkdirAll("/models/wq", 0o755))
	h := &harness{
		fs:       mfs,
		exec:     newStubExecutor(mfs),
		archiver: &countingArchiver{inner: ZipArchiver{Dir: "/archives", FS: mfs}},
		results:  NewMemoryResultStore(),
	}
	if registry == nil {
		registry = staticRegistry{"wq": "/models/wq"}
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "wq"
	}
	coord, err := NewCoordinator(cfg, CoordinatorDeps{
		Registry: registry,
		Executor: h.exec,
		Reader:   CSVValueReader{FS: mfs},
		Archiver: h.archiver,
		Results:  h.results,
		Clock:    timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		FS:       mfs,
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func scenarioSpec(t *testing.T) SweepSpec {
	t.Helper()
	req, err := DecodeRequest([]byte(testutil.ScenarioRequestJSON), "json")
	require.NoError(t, err)
	spec, err := req.Spec()
	require.NoError(t, err)
	return spec
}

func TestCoordinatorScenario(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{MaxConcurrent: 4}, nil)

	result, err := h.coord.Run(context.Background(), "exec-1", scenarioSpec(t))
	require.NoError(t, err)

	prepared, executed := h.exec.counts()
	assert.Equal(t, 18, prepared)
	assert.Equal(t, 18, executed)
	assert.Len(t, h.archiver.calls, 1)
	assert.LessOrEqual(t, h.exec.maxSeen, 4)

	assert.InDelta(t, 4.4, result.Score, 1e-9)
	assert.Equal(t, map[string]float64{testutil.FlowInput: 2, testutil.WithdrawInput: 40}, result.Params)
	assert.Equal(t, "wq", result.Model)
	assert.Equal(t, "/archives/exec-1.zip", result.ArchivePath)

	require.Len(t, result.Breakdown, 3)
	assert.InDelta(t, 1.25, result.Breakdown[0].Contribution, 1e-9)
	assert.InDelta(t, 0.75, result.Breakdown[1].Contribution, 1e-9)
	assert.InDelta(t, 2.4, result.Breakdown[2].Contribution, 1e-9)

	require.Len(t, result.Runs, 18)
	best, ok := result.BestRun()
	require.True(t, ok)
	assert.Equal(t, 17, best.Index)
	assert.Equal(t, 18, result.Stats.Succeeded)
	assert.Equal(t, 0, result.Stats.Failed)
	assert.InDelta(t, 4.4, result.Stats.Min, 1e-9)

	stored, err := h.results.Get(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, result.Params, stored.Params)
	assert.Equal(t, result.Score, stored.Score)

	_, err = h.results.Get(context.Background(), "exec-unknown")
	assert.ErrorIs(t, err, ErrResultNotFound)

	// Only the archive survives; every run directory was removed.
	assert.Equal(t, []string{"/archives/exec-1.zip"}, h.fs.Files())

	data, err := h.fs.ReadFile(result.ArchivePath)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{testutil.FlowInput, testutil.WithdrawInput, testutil.OutputFile}, names)
}

func TestCoordinatorTieBreakPrefersEarliest(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{MaxConcurrent: 6}, nil)
	h.exec.output = func(ParameterSet) string { return "NO3,NH4,DO\n3.7,2.4,8.0\n" }
	// Later runs finish first.
	h.exec.delay = func(ps ParameterSet) time.Duration {
		return time.Duration(18-ps.Index()) * time.Millisecond
	}

	result, err := h.coord.Run(context.Background(), "tie", scenarioSpec(t))
	require.NoError(t, err)
	assert.Equal(t, 0.0, result.Score)
	assert.Equal(t, map[string]float64{testutil.FlowInput: 1, testutil.WithdrawInput: 30}, result.Params)
	best, ok := result.BestRun()
	require.True(t, ok)
	assert.Equal(t, 0, best.Index)
}

func TestCoordinatorModelResolution(t *testing.T) {
	t.Run("unregistered", func(t *testing.T) {
		h := newHarness(t, CoordinatorConfig{}, staticRegistry{})
		spec := scenarioSpec(t)
		spec.ModelName = "missing"

		_, err := h.coord.Run(context.Background(), "e", spec)
		var notFound *ModelNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "missing", notFound.Name)

		prepared, executed := h.exec.counts()
		assert.Zero(t, prepared)
		assert.Zero(t, executed)
	})

	t.Run("default_name", func(t *testing.T) {
		h := newHarness(t, CoordinatorConfig{DefaultModel: "fallback"}, staticRegistry{})
		spec := scenarioSpec(t)
		spec.ModelName = ""

		_, err := h.coord.Run(context.Background(), "e", spec)
		var notFound *ModelNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "fallback", notFound.Name)
	})

	t.Run("missing_directory", func(t *testing.T) {
		h := newHarness(t, CoordinatorConfig{}, staticRegistry{"wq": "/models/gone"})

		_, err := h.coord.Run(context.Background(), "e", scenarioSpec(t))
		var dirErr *ModelDirNotFoundError
		require.ErrorAs(t, err, &dirErr)
		assert.Equal(t, "/models/gone", dirErr.Dir)

		prepared, executed := h.exec.counts()
		assert.Zero(t, prepared)
		assert.Zero(t, executed)
		assert.Empty(t, h.archiver.calls)
	})
}

func TestCoordinatorSkipsFailedRuns(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{MaxConcurrent: 3}, nil)
	h.exec.fail = func(ps ParameterSet) error {
		if a, _ := ps.Value(testutil.FlowInput); a == 2 {
			return errors.New("exit status 1")
		}
		return nil
	}

	result, err := h.coord.Run(context.Background(), "skip", scenarioSpec(t))
	require.NoError(t, err)

	// Flow 2 always fails, so the best run falls back to flow 1.5.
	assert.Equal(t, map[string]float64{testutil.FlowInput: 1.5, testutil.WithdrawInput: 40}, result.Params)
	assert.InDelta(t, 4.525, result.Score, 1e-9)
	assert.Equal(t, 6, result.Stats.Failed)
	assert.Equal(t, 12, result.Stats.Succeeded)

	for _, rec := range result.Runs {
		if rec.Params[testutil.FlowInput] == 2 {
			assert.Equal(t, RunFailed, rec.Status)
			assert.Nil(t, rec.Score)
			assert.Contains(t, rec.Error, "exit status 1")
		} else {
			assert.Equal(t, RunSucceeded, rec.Status)
			assert.NotNil(t, rec.Score)
		}
	}
	assert.Len(t, h.archiver.calls, 1)
}

func TestCoordinatorAllRunsFailed(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{}, nil)
	h.exec.fail = func(ParameterSet) error { return errors.New("boom") }

	_, err := h.coord.Run(context.Background(), "dead", scenarioSpec(t))
	assert.ErrorIs(t, err, ErrAllRunsFailed)
	assert.Empty(t, h.archiver.calls)

	_, err = h.results.Get(context.Background(), "dead")
	assert.ErrorIs(t, err, ErrResultNotFound)
	assert.Empty(t, h.fs.Files())
}

func TestCoordinatorAbortPolicy(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{MaxConcurrent: 1, FailurePolicy: FailureAbort}, nil)
	h.exec.fail = func(ps ParameterSet) error {
		if ps.Index() == 2 {
			return errors.New("diverged")
		}
		return nil
	}

	_, err := h.coord.Run(context.Background(), "abort", scenarioSpec(t))
	var runErr *RunExecutionError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, 2, runErr.Index)
	assert.Contains(t, runErr.Error(), "diverged")

	_, executed := h.exec.counts()
	assert.Less(t, executed, 18)
	assert.Empty(t, h.archiver.calls)

	_, err = h.results.Get(context.Background(), "abort")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestCoordinatorScoreFailureIsRunFailure(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{}, nil)
	h.exec.output = func(ps ParameterSet) string {
		if ps.Index() == 17 {
			return "NO3,NH4\n3.7,2.4\n"
		}
		a, _ := ps.Value(testutil.FlowInput)
		b, _ := ps.Value(testutil.WithdrawInput)
		return testutil.ScenarioOutput(a, b)
	}

	result, err := h.coord.Run(context.Background(), "partial", scenarioSpec(t))
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Runs[17].Status)
	assert.Contains(t, result.Runs[17].Error, `no column "DO"`)
	assert.Equal(t, map[string]float64{testutil.FlowInput: 2, testutil.WithdrawInput: 38}, result.Params)
}

func TestCoordinatorCancelledContext(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.coord.Run(ctx, "cancelled", scenarioSpec(t))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.archiver.calls)
}

func TestCoordinatorKeepRunDirs(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{KeepRunDirs: true}, nil)

	_, err := h.coord.Run(context.Background(), "keep", scenarioSpec(t))
	require.NoError(t, err)

	// 18 runs with two inputs and one output each, plus the archive.
	assert.Len(t, h.fs.Files(), 18*3+1)
}

func TestCoordinatorRerunOverwritesResult(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{}, nil)
	spec := scenarioSpec(t)

	_, err := h.coord.Run(context.Background(), "same", spec)
	require.NoError(t, err)

	spec.Targets[0].Target = 3.2
	second, err := h.coord.Run(context.Background(), "same", spec)
	require.NoError(t, err)

	stored, err := h.results.Get(context.Background(), "same")
	require.NoError(t, err)
	assert.Equal(t, second.Score, stored.Score)
	assert.Equal(t, 1, h.results.Len())
}

func TestValidateExecutionID(t *testing.T) {
	for _, id := range []string{"exec-1", "2024.06.01_a", "b9f0c1d2-3e4f-4a5b-8c6d-7e8f9a0b1c2d", "unknown"} {
		assert.NoError(t, ValidateExecutionID(id), id)
	}
	// Each of these sanitises to a name another id could also produce.
	for _, id := range []string{"", ".", "..", "a/b", "run a", "run?a", "_hidden", "trail.", strings.Repeat("x", 129)} {
		err := ValidateExecutionID(id)
		var cfgErr *ConfigError
		if assert.ErrorAs(t, err, &cfgErr, "%q", id) {
			assert.Equal(t, "execution_id", cfgErr.Field)
		}
	}
}

func TestCoordinatorRejectsCollidingExecutionIDs(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{}, nil)

	_, err := h.coord.Run(context.Background(), "run a", scenarioSpec(t))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, 0, h.exec.prepared)
	assert.Equal(t, 0, h.results.Len())
}

func TestNewCoordinatorRequiresDeps(t *testing.T) {
	_, err := NewCoordinator(CoordinatorConfig{}, CoordinatorDeps{})
	assert.Error(t, err)
}

func TestParseFailurePolicy(t *testing.T) {
	testCases := []struct {
		in      string
		want    FailurePolicy
		wantErr bool
	}{
		{"", FailureSkip, false},
		{"skip", FailureSkip, false},
		{" ABORT ", FailureAbort, false},
		{"retry", "", true},
	}
	for _, tc := range testCases {
		got, err := ParseFailurePolicy(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}
