package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatCheckerHealthyWithinInterval(t *testing.T) {
	h := NewHeartbeatChecker("dispatch", Config{Interval: time.Hour, Retries: 3})
	res := h.Check(context.Background())
	assert.True(t, res.Healthy)
}

func TestHeartbeatCheckerUnhealthyAfterMissedBeats(t *testing.T) {
	h := NewHeartbeatChecker("dispatch", Config{Interval: time.Millisecond, Retries: 2})
	time.Sleep(10 * time.Millisecond)
	res := h.Check(context.Background())
	assert.False(t, res.Healthy)
}

func TestHeartbeatCheckerBeatResetsStaleness(t *testing.T) {
	h := NewHeartbeatChecker("dispatch", Config{Interval: 20 * time.Millisecond, Retries: 2})
	time.Sleep(10 * time.Millisecond)
	h.Beat()
	res := h.Check(context.Background())
	assert.True(t, res.Healthy)
}

func TestStatusDebouncesSingleFailure(t *testing.T) {
	s := NewStatus()
	cfg := Config{Retries: 3}
	s.Update(Result{Healthy: false}, cfg)
	assert.True(t, s.Healthy(), "a single failure should not flip healthy before Retries is reached")
	s.Update(Result{Healthy: false}, cfg)
	s.Update(Result{Healthy: false}, cfg)
	assert.False(t, s.Healthy())
}

func TestRegistryReadyRequiresAllCheckersHealthy(t *testing.T) {
	reg := NewRegistry()
	healthy := NewHeartbeatChecker("a", Config{Interval: time.Hour, Retries: 1})
	unhealthy := NewHeartbeatChecker("b", Config{Interval: time.Nanosecond, Retries: 1})
	time.Sleep(time.Millisecond)

	reg.Register(healthy)
	reg.Register(unhealthy)

	ready, results := reg.Ready(context.Background())
	assert.False(t, ready)
	assert.Len(t, results, 2)
}

func TestServerEndpointsReportStatus(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewHeartbeatChecker("dispatch", Config{Interval: time.Hour, Retries: 1}))
	srv := NewServer(reg)

	r := chi.NewRouter()
	srv.Mount(r)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body readinessResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ready", body.Status)
}
