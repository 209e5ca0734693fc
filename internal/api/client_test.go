package api

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/modelsweep/internal/httputil"
	"github.com/banshee-data/modelsweep/internal/testutil"
)

func TestClient_SubmitAndWait(t *testing.T) {
	env := newTestEnv(t)
	hc := httputil.NewHandlerClient(env.handler)
	c := NewClient("http://sweeps.test/", hc)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	id, err := c.Submit(ctx, []byte(testutil.ScenarioRequestYAML), "yaml", "client-run")
	require.NoError(t, err)
	assert.Equal(t, "client-run", id)

	st, err := c.Wait(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StateComplete, st.Status)
	assert.InDelta(t, 4.4, *st.Score, 1e-6)

	reqs := hc.Requests()
	require.GreaterOrEqual(t, len(reqs), 2)
	assert.Equal(t, "POST /api/sweeps", reqs[0])
	assert.Equal(t, "GET /api/sweeps/client-run", reqs[len(reqs)-1])
}

func TestClient_Errors(t *testing.T) {
	env := newTestEnv(t)
	c := NewClient("http://sweeps.test", httputil.NewHandlerClient(env.handler))
	ctx := context.Background()

	_, err := c.Status(ctx, "missing")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.Contains(t, se.Message, "result not found")

	_, err = c.Submit(ctx, []byte("{"), "json", "")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestClient_WaitReportsFailure(t *testing.T) {
	env := newTestEnv(t)
	c := NewClient("http://sweeps.test", httputil.NewHandlerClient(env.handler))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	assert.True(t, env.srv.startJob("failing"))
	env.srv.finishJob("failing", errors.New("every run in the sweep failed"))

	st, err := c.Wait(ctx, "failing", time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, StateError, st.Status)
}
