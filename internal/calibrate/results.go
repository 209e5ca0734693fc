package calibrate

import (
	"context"
	"sync"
	"time"
)

// RunStatus is the outcome of a single run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	// RunCancelled marks runs that never started because the sweep was
	// aborted or its context was cancelled.
	RunCancelled RunStatus = "cancelled"
)

// RunRecord describes one run of a sweep. Score is nil unless the run was
// scored.
type RunRecord struct {
	Index    int                `json:"index"`
	Params   map[string]float64 `json:"params"`
	RunDir   string             `json:"run_dir,omitempty"`
	Status   RunStatus          `json:"status"`
	Score    *float64           `json:"score,omitempty"`
	Error    string             `json:"error,omitempty"`
	Best     bool               `json:"best,omitempty"`
	Duration time.Duration      `json:"duration_ns,omitempty"`
}

// SweepResult is the outcome of a completed sweep.
type SweepResult struct {
	ExecutionID string               `json:"execution_id"`
	Model       string               `json:"model"`
	Params      map[string]float64   `json:"params"`
	Score       float64              `json:"score"`
	ArchivePath string               `json:"archive_path"`
	Breakdown   []TargetContribution `json:"breakdown,omitempty"`
	Stats       ScoreSummary         `json:"stats"`
	Runs        []RunRecord          `json:"runs,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
}

// BestRun returns the record marked as the winner, if any.
func (r *SweepResult) BestRun() (RunRecord, bool) {
	for _, rec := range r.Runs {
		if rec.Best {
			return rec, true
		}
	}
	return RunRecord{}, false
}

// ResultStore maps execution ids to sweep results. A later Put for the
// same id replaces the earlier result.
type ResultStore interface {
	Put(ctx context.Context, result *SweepResult) error
	// Get returns ErrResultNotFound for unknown ids.
	Get(ctx context.Context, execID string) (*SweepResult, error)
	Delete(ctx context.Context, execID string) error
	// PruneOlderThan removes results completed before cutoff and returns
	// how many were removed.
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryResultStore is a process-local ResultStore.
type MemoryResultStore struct {
	mu      sync.RWMutex
	results map[string]*SweepResult
}

// NewMemoryResultStore returns an empty store.
func NewMemoryResultStore() *MemoryResultStore {
	return &MemoryResultStore{results: make(map[string]*SweepResult)}
}

// Put implements ResultStore.
func (s *MemoryResultStore) Put(_ context.Context, result *SweepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.ExecutionID] = cloneResult(result)
	return nil
}

// Get implements ResultStore.
func (s *MemoryResultStore) Get(_ context.Context, execID string) (*SweepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[execID]
	if !ok {
		return nil, ErrResultNotFound
	}
	return cloneResult(r), nil
}

// Delete implements ResultStore. Deleting an unknown id is not an error.
func (s *MemoryResultStore) Delete(_ context.Context, execID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.results, execID)
	return nil
}

// PruneOlderThan implements ResultStore.
func (s *MemoryResultStore) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.results {
		if r.CompletedAt.Before(cutoff) {
			delete(s.results, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored results.
func (s *MemoryResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

func cloneResult(r *SweepResult) *SweepResult {
	c := *r
	c.Params = cloneParams(r.Params)
	c.Breakdown = append([]TargetContribution(nil), r.Breakdown...)
	if r.Runs != nil {
		c.Runs = make([]RunRecord, len(r.Runs))
		for i, rec := range r.Runs {
			rec.Params = cloneParams(rec.Params)
			if rec.Score != nil {
				s := *rec.Score
				rec.Score = &s
			}
			c.Runs[i] = rec
		}
	}
	return &c
}

func cloneParams(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
