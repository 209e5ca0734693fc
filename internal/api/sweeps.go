package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/modelsweep/internal/calibrate"
	"github.com/banshee-data/modelsweep/internal/httputil"
	"github.com/banshee-data/modelsweep/internal/report"
)

// SweepState is the lifecycle state reported for an execution id.
type SweepState string

const (
	StateRunning  SweepState = "running"
	StateComplete SweepState = "complete"
	StateError    SweepState = "error"
)

// SweepStatus is the body of GET /api/sweeps/{id}. Params and Score are
// set once the sweep is complete.
type SweepStatus struct {
	ExecutionID string                  `json:"execution_id"`
	Status      SweepState              `json:"status"`
	Error       string                  `json:"error,omitempty"`
	Model       string                  `json:"model,omitempty"`
	Params      map[string]float64      `json:"params,omitempty"`
	Score       *float64                `json:"score,omitempty"`
	ArchivePath string                  `json:"archive_path,omitempty"`
	Stats       *calibrate.ScoreSummary `json:"stats,omitempty"`
	Runs        []calibrate.RunRecord   `json:"runs,omitempty"`
	SubmittedAt *time.Time              `json:"submitted_at,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// SubmitResponse is the body of a 202 from POST /api/sweeps.
type SubmitResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// job tracks a sweep that is running or that failed. Successful sweeps
// are dropped from the table once their result is stored.
type job struct {
	state       SweepState
	err         string
	submittedAt time.Time
	finishedAt  time.Time
}

// requestFormat picks the request decoder from the Content-Type.
func requestFormat(r *http.Request) string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return "json"
	}
	if strings.Contains(mediaType, "yaml") {
		return "yaml"
	}
	return "json"
}

func (s *Server) submitSweep(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.RequestTooLarge(w, fmt.Sprintf("request exceeds %d bytes", MaxRequestBytes))
			return
		}
		httputil.BadRequest(w, fmt.Sprintf("failed to read request: %v", err))
		return
	}

	req, err := calibrate.DecodeRequest(body, requestFormat(r))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	spec, err := req.Spec()
	if err != nil {
		writeError(w, err)
		return
	}
	// Setup errors are reported synchronously; no run starts for them.
	if _, _, err := s.coord.ResolveModel(spec.ModelName); err != nil {
		writeError(w, err)
		return
	}

	execID := r.URL.Query().Get("execution_id")
	if execID == "" {
		execID = s.newID()
	} else if err := calibrate.ValidateExecutionID(execID); err != nil {
		writeError(w, err)
		return
	}

	if !s.startJob(execID) {
		httputil.Conflict(w, fmt.Sprintf("sweep %s is already running", execID))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_, err := s.coord.Run(s.ctx, execID, spec)
		s.finishJob(execID, err)
	}()

	w.Header().Set("Location", "/api/sweeps/"+execID)
	httputil.Accepted(w, SubmitResponse{ExecutionID: execID, Status: string(StateRunning)})
}

func (s *Server) startJob(execID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[execID]; ok && j.state == StateRunning {
		return false
	}
	s.jobs[execID] = &job{state: StateRunning, submittedAt: s.clock.Now()}
	logf("sweep %s submitted", execID)
	return true
}

func (s *Server) finishJob(execID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.jobs, execID)
		return
	}
	j := s.jobs[execID]
	if j == nil {
		j = &job{submittedAt: s.clock.Now()}
		s.jobs[execID] = j
	}
	j.state = StateError
	j.err = err.Error()
	j.finishedAt = s.clock.Now()
	logf("sweep %s failed: %v", execID, err)
}

// PruneJobs forgets failed sweeps that finished before cutoff.
func (s *Server) PruneJobs(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.state == StateError && j.finishedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n
}

func (s *Server) lookupJob(execID string) (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[execID]
	if !ok {
		return job{}, false
	}
	return *j, true
}

func (s *Server) sweepStatus(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")

	if j, ok := s.lookupJob(execID); ok {
		submitted := j.submittedAt
		httputil.WriteJSONOK(w, SweepStatus{
			ExecutionID: execID,
			Status:      j.state,
			Error:       j.err,
			SubmittedAt: &submitted,
		})
		return
	}

	result, err := s.coord.Results().Get(r.Context(), execID)
	if err != nil {
		writeError(w, fmt.Errorf("sweep %s: %w", execID, err))
		return
	}

	score := result.Score
	completed := result.CompletedAt
	status := SweepStatus{
		ExecutionID: execID,
		Status:      StateComplete,
		Model:       result.Model,
		Params:      result.Params,
		Score:       &score,
		ArchivePath: result.ArchivePath,
		Stats:       &result.Stats,
		CompletedAt: &completed,
	}
	if r.URL.Query().Get("runs") == "true" {
		status.Runs = result.Runs
	}
	httputil.WriteJSONOK(w, status)
}

func (s *Server) downloadArchive(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	result, err := s.coord.Results().Get(r.Context(), execID)
	if err != nil {
		writeError(w, fmt.Errorf("sweep %s: %w", execID, err))
		return
	}

	data, err := s.files.ReadFile(result.ArchivePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			httputil.NotFound(w, fmt.Sprintf("archive for sweep %s is gone", execID))
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to read archive: %v", err))
		return
	}

	name := filepath.Base(result.ArchivePath)
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, result.CompletedAt, bytes.NewReader(data))
}

func (s *Server) sweepChart(w http.ResponseWriter, r *http.Request) {
	execID := r.PathValue("id")
	result, err := s.coord.Results().Get(r.Context(), execID)
	if err != nil {
		writeError(w, fmt.Errorf("sweep %s: %w", execID, err))
		return
	}

	var (
		buf         bytes.Buffer
		contentType string
	)
	switch format := r.URL.Query().Get("format"); format {
	case "", "html":
		err = report.RenderScoreChart(&buf, result)
		contentType = "text/html; charset=utf-8"
	case "png":
		err = report.WriteScoreImage(&buf, "png", result)
		contentType = "image/png"
	case "svg":
		err = report.WriteScoreImage(&buf, "svg", result)
		contentType = "image/svg+xml"
	default:
		httputil.BadRequest(w, fmt.Sprintf("unsupported chart format %q", format))
		return
	}
	if errors.Is(err, report.ErrNoScoredRuns) {
		httputil.NotFound(w, fmt.Sprintf("sweep %s has no scored runs", execID))
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(buf.Bytes())
}
