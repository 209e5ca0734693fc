package calibrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryResultStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResultStore()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrResultNotFound)

	score := 1.5
	in := &SweepResult{
		ExecutionID: "a",
		Params:      map[string]float64{"x": 1},
		Score:       1.5,
		Runs:        []RunRecord{{Index: 0, Params: map[string]float64{"x": 1}, Score: &score, Best: true}},
	}
	require.NoError(t, s.Put(ctx, in))

	// Stored results are isolated from later mutation by either side.
	in.Params["x"] = 99
	*in.Runs[0].Score = 99

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, got.Params["x"])
	assert.Equal(t, 1.5, *got.Runs[0].Score)

	got.Params["x"] = 42
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1.0, again.Params["x"])

	best, ok := again.BestRun()
	assert.True(t, ok)
	assert.Equal(t, 0, best.Index)

	require.NoError(t, s.Put(ctx, &SweepResult{ExecutionID: "a", Score: 0.5}))
	got, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Score)
	_, ok = got.BestRun()
	assert.False(t, ok)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestMemoryResultStorePrune(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryResultStore()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, &SweepResult{ExecutionID: "old", CompletedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.Put(ctx, &SweepResult{ExecutionID: "new", CompletedAt: now.Add(-time.Hour)}))

	n, err := s.PruneOlderThan(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Len())

	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}
