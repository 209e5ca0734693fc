package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/modelsweep/internal/calibrate"
	"github.com/banshee-data/modelsweep/internal/modelstore"
	"github.com/banshee-data/modelsweep/internal/monitoring"
	"github.com/banshee-data/modelsweep/internal/testutil"
)

func init() {
	monitoring.SetLogger(nil)
}

type testEnv struct {
	srv      *Server
	handler  http.Handler
	registry *modelstore.Registry
	results  *calibrate.MemoryResultStore
	root     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	modelsDir := filepath.Join(root, "models")
	testutil.ScenarioModelDir(t, modelsDir)
	testutil.WriteModelDir(t, filepath.Join(modelsDir, "broken"), map[string]string{
		"model": "#!/bin/sh\necho 'solver diverged' >&2\nexit 3\n",
	})

	registry := modelstore.NewRegistry(modelsDir)
	_, err := registry.Scan()
	require.NoError(t, err)

	results := calibrate.NewMemoryResultStore()
	coord, err := calibrate.NewCoordinator(
		calibrate.CoordinatorConfig{DefaultModel: testutil.ModelName, MaxConcurrent: 4},
		calibrate.CoordinatorDeps{
			Registry: registry,
			Executor: calibrate.NewProcessExecutor(filepath.Join(root, "work"), "model", nil, 30*time.Second),
			Reader:   calibrate.CSVValueReader{},
			Archiver: calibrate.ZipArchiver{Dir: filepath.Join(root, "archives")},
			Results:  results,
		},
	)
	require.NoError(t, err)

	srv := NewServer(context.Background(), coord, registry)
	t.Cleanup(srv.Wait)
	return &testEnv{srv: srv, handler: srv.ServeMux(), registry: registry, results: results, root: root}
}

func (e *testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := testutil.NewTestRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func (e *testEnv) submit(t *testing.T, path, contentType, body string) SubmitResponse {
	t.Helper()
	req := testutil.NewTestRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	w := e.do(t, req)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp SubmitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "/api/sweeps/"+resp.ExecutionID, w.Header().Get("Location"))
	return resp
}

func (e *testEnv) status(t *testing.T, execID string) (int, SweepStatus) {
	t.Helper()
	w := e.do(t, testutil.NewTestRequest(http.MethodGet, "/api/sweeps/"+execID, ""))
	var st SweepStatus
	if w.Code == http.StatusOK {
		require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	}
	return w.Code, st
}

func TestSubmitSweep_Scenario(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submit(t, "/api/sweeps", "application/json", testutil.ScenarioRequestJSON)
	assert.Equal(t, "running", resp.Status)
	assert.NotEmpty(t, resp.ExecutionID)

	env.srv.Wait()

	code, st := env.status(t, resp.ExecutionID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StateComplete, st.Status)
	assert.Equal(t, testutil.ModelName, st.Model)
	assert.Equal(t, map[string]float64{testutil.FlowInput: 2, testutil.WithdrawInput: 40}, st.Params)
	require.NotNil(t, st.Score)
	assert.InDelta(t, 4.4, *st.Score, 1e-6)
	require.NotNil(t, st.Stats)
	assert.Equal(t, 18, st.Stats.Succeeded)
	assert.Empty(t, st.Runs, "runs are only included on request")

	w := env.do(t, testutil.NewTestRequest(http.MethodGet, "/api/sweeps/"+resp.ExecutionID+"?runs=true", ""))
	require.NoError(t, json.NewDecoder(w.Body).Decode(&st))
	assert.Len(t, st.Runs, 18)
}

func TestSubmitSweep_YAMLWithExecutionID(t *testing.T) {
	env := newTestEnv(t)

	resp := env.submit(t, "/api/sweeps?execution_id=yaml-run", "application/yaml", testutil.ScenarioRequestYAML)
	assert.Equal(t, "yaml-run", resp.ExecutionID)
	env.srv.Wait()

	code, st := env.status(t, "yaml-run")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StateComplete, st.Status)
	assert.InDelta(t, 4.4, *st.Score, 1e-6)
}

func TestSubmitSweep_Rejections(t *testing.T) {
	env := newTestEnv(t)

	badStep := strings.Replace(testutil.ScenarioRequestJSON, `"steps": "0.5"`, `"steps": "0"`, 1)
	unknownModel := strings.Replace(testutil.ScenarioRequestJSON, `"model_name": "wq"`, `"model_name": "nope"`, 1)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		substr string
	}{
		{"malformed json", "/api/sweeps", `{"model_run":`, http.StatusBadRequest, "failed to parse request JSON"},
		{"invalid step", "/api/sweeps", badStep, http.StatusBadRequest, "steps"},
		{"unknown model", "/api/sweeps", unknownModel, http.StatusNotFound, "nope"},
		{"bad execution id", "/api/sweeps?execution_id=..%2Fescape", testutil.ScenarioRequestJSON, http.StatusBadRequest, "execution_id"},
		{"execution id with space", "/api/sweeps?execution_id=run%20a", testutil.ScenarioRequestJSON, http.StatusBadRequest, "execution_id"},
		{"execution id with question mark", "/api/sweeps?execution_id=run%3Fa", testutil.ScenarioRequestJSON, http.StatusBadRequest, "execution_id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewTestRequest(http.MethodPost, tt.path, tt.body)
			req.Header.Set("Content-Type", "application/json")
			w := env.do(t, req)
			testutil.AssertStatusCode(t, w.Code, tt.status)
			assert.Contains(t, w.Body.String(), tt.substr)
		})
	}

	// Nothing was launched, so nothing was stored.
	env.srv.Wait()
	assert.Equal(t, 0, env.results.Len())
}

func TestSubmitSweep_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	body := `{"pad":"` + strings.Repeat("x", MaxRequestBytes) + `"}`
	w := env.do(t, testutil.NewTestRequest(http.MethodPost, "/api/sweeps", body))
	testutil.AssertStatusCode(t, w.Code, http.StatusRequestEntityTooLarge)
}

func TestSweepStatus_ErrorAndPrune(t *testing.T) {
	env := newTestEnv(t)
	broken := strings.Replace(testutil.ScenarioRequestJSON, `"model_name": "wq"`, `"model_name": "broken"`, 1)

	resp := env.submit(t, "/api/sweeps?execution_id=doomed", "application/json", broken)
	env.srv.Wait()

	code, st := env.status(t, resp.ExecutionID)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, StateError, st.Status)
	assert.Contains(t, st.Error, calibrate.ErrAllRunsFailed.Error())

	assert.Equal(t, 0, env.srv.PruneJobs(time.Now().Add(-time.Hour)))
	assert.Equal(t, 1, env.srv.PruneJobs(time.Now().Add(time.Hour)))

	code, _ = env.status(t, resp.ExecutionID)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSweepStatus_Unknown(t *testing.T) {
	env := newTestEnv(t)
	code, _ := env.status(t, "never-submitted")
	assert.Equal(t, http.StatusNotFound, code)

	for _, path := range []string{"/api/sweeps/never-submitted/archive", "/api/sweeps/never-submitted/chart"} {
		w := env.do(t, testutil.NewTestRequest(http.MethodGet, path, ""))
		testutil.AssertStatusCode(t, w.Code, http.StatusNotFound)
	}
}

func TestStartJob_RejectsDuplicateRunning(t *testing.T) {
	env := newTestEnv(t)
	assert.True(t, env.srv.startJob("dup"))
	assert.False(t, env.srv.startJob("dup"))

	env.srv.finishJob("dup", nil)
	assert.True(t, env.srv.startJob("dup"))
}

func TestDownloadArchive(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "/api/sweeps?execution_id=zip-me", "application/json", testutil.ScenarioRequestJSON)
	env.srv.Wait()

	w := env.do(t, testutil.NewTestRequest(http.MethodGet, "/api/sweeps/"+resp.ExecutionID+"/archive", ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/zip", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "zip-me.zip")

	zr, err := zip.NewReader(bytes.NewReader(w.Body.Bytes()), int64(w.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{testutil.FlowInput, testutil.WithdrawInput, testutil.OutputFile}, names)
}

func TestSweepChart(t *testing.T) {
	env := newTestEnv(t)
	resp := env.submit(t, "/api/sweeps?execution_id=chart-me", "application/json", testutil.ScenarioRequestJSON)
	env.srv.Wait()

	tests := []struct {
		query       string
		status      int
		contentType string
	}{
		{"", http.StatusOK, "text/html; charset=utf-8"},
		{"?format=png", http.StatusOK, "image/png"},
		{"?format=svg", http.StatusOK, "image/svg+xml"},
		{"?format=gif", http.StatusBadRequest, "application/json"},
	}
	for _, tt := range tests {
		t.Run("format"+tt.query, func(t *testing.T) {
			w := env.do(t, testutil.NewTestRequest(http.MethodGet, "/api/sweeps/"+resp.ExecutionID+"/chart"+tt.query, ""))
			testutil.AssertStatusCode(t, w.Code, tt.status)
			assert.Equal(t, tt.contentType, w.Header().Get("Content-Type"))
		})
	}
}

func TestShowVersion(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, testutil.NewTestRequest(http.MethodGet, "/api/version", ""))
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)

	var v map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	assert.Contains(t, v, "version")
}

func TestMethodRouting(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, testutil.NewTestRequest(http.MethodDelete, "/api/sweeps", ""))
	testutil.AssertStatusCode(t, w.Code, http.StatusMethodNotAllowed)
}

func TestLoggingMiddleware(t *testing.T) {
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, format)
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := testutil.NewTestRecorder()
	h.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, "/x", ""))

	testutil.AssertStatusCode(t, w.Code, http.StatusTeapot)
	assert.Len(t, lines, 1)
	assert.Contains(t, statusCodeColor(418), "418")
}
