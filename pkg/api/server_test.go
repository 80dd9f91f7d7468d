package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"soloist/pkg/api/middleware"
	"soloist/pkg/coordination"
	"soloist/pkg/election"
)

type fakeLeadership struct {
	status     election.Status
	leader     string
	leaderErr  error
	relinquish bool
	calls      int
}

func (f *fakeLeadership) Status() election.Status { return f.status }

func (f *fakeLeadership) Leader(context.Context) (string, error) { return f.leader, f.leaderErr }

func (f *fakeLeadership) Relinquish() bool {
	f.calls++
	return f.relinquish
}

type fakeSession coordination.State

func (f fakeSession) State() coordination.State { return coordination.State(f) }

func newTestServer(l *fakeLeadership, state coordination.State) http.Handler {
	gin.SetMode(gin.TestMode)
	return NewServer(Config{
		Leadership:      l,
		Session:         fakeSession(state),
		RelinquishLimit: middleware.RateLimiterConfig{RequestsPerMinute: 60, BurstSize: 1},
	}).Handler()
}

func do(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestHealthReflectsSessionState(t *testing.T) {
	cases := []struct {
		state  coordination.State
		code   int
		status string
	}{
		{coordination.StateConnected, http.StatusOK, "healthy"},
		{coordination.StateReconnected, http.StatusOK, "healthy"},
		{coordination.StateSuspended, http.StatusOK, "degraded"},
		{coordination.StateLost, http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tc := range cases {
		t.Run(tc.state.String(), func(t *testing.T) {
			w := do(newTestServer(&fakeLeadership{}, tc.state), http.MethodGet, "/health")
			assert.Equal(t, tc.code, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.status, body["status"])
			assert.Equal(t, tc.state.String(), body["session"])
		})
	}
}

func TestGetLeadership(t *testing.T) {
	l := &fakeLeadership{
		leader: "node-a",
		status: election.Status{
			CandidateID: "node-a",
			Path:        "/demo/election",
			Leader:      true,
			Terms:       3,
			Current:     &election.TermInfo{Number: 3, Active: true, WorkerStatus: "running"},
		},
	}
	w := do(newTestServer(l, coordination.StateConnected), http.MethodGet, "/api/v1/leadership")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Leader string          `json:"leader"`
		Status election.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "node-a", body.Leader)
	assert.True(t, body.Status.Leader)
	assert.Equal(t, uint64(3), body.Status.Terms)
	require.NotNil(t, body.Status.Current)
	assert.Equal(t, "running", body.Status.Current.WorkerStatus)
}

func TestGetLeadershipWithoutLeader(t *testing.T) {
	l := &fakeLeadership{leaderErr: coordination.ErrNoLeader}
	w := do(newTestServer(l, coordination.StateConnected), http.MethodGet, "/api/v1/leadership")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"leader":""`)

	l.leaderErr = errors.New("timeout")
	w = do(newTestServer(l, coordination.StateConnected), http.MethodGet, "/api/v1/leadership")
	assert.Contains(t, w.Body.String(), `"leader_error":"timeout"`)
}

func TestRelinquish(t *testing.T) {
	l := &fakeLeadership{relinquish: true}
	h := newTestServer(l, coordination.StateConnected)

	w := do(h, http.MethodPost, "/api/v1/leadership/relinquish")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, l.calls)

	w = do(h, http.MethodPost, "/api/v1/leadership/relinquish")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, 1, l.calls)
}

func TestRelinquishWhenNotLeader(t *testing.T) {
	l := &fakeLeadership{relinquish: false}
	w := do(newTestServer(l, coordination.StateConnected), http.MethodPost, "/api/v1/leadership/relinquish")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := do(newTestServer(&fakeLeadership{}, coordination.StateConnected), http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "soloist_")
}
