package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
)

func get(t *testing.T, h http.Handler, path string) Response {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Timestamp)
	return resp
}

func TestHandler_LivenessBeforeInit(t *testing.T) {
	state := readiness.New()
	h := NewHandler(state, "/health", "/ready")

	resp := get(t, h, "/health")
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, consts.PhaseBinding, resp.State)
}

func TestHandler_ReadinessFollowsPhase(t *testing.T) {
	state := readiness.New()
	h := NewHandler(state, "/healthz", "/readyz")

	require.NoError(t, state.MarkBound())
	state.Register(consts.RoleBackend, true)
	require.NoError(t, state.BeginInit())

	resp := get(t, h, "/readyz")
	assert.Equal(t, "initializing", resp.Status)
	require.Len(t, resp.Upstreams, 1)
	assert.Equal(t, consts.UpstreamStarting, resp.Upstreams[0].State)

	state.Update(readiness.UpstreamStatus{Role: consts.RoleBackend, State: consts.UpstreamRunning, Required: true})
	assert.Equal(t, "ready", get(t, h, "/readyz").Status)

	code := 1
	state.Update(readiness.UpstreamStatus{Role: consts.RoleBackend, State: consts.UpstreamExited, Required: true, Crashed: true, ExitCode: &code})
	resp = get(t, h, "/readyz")
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, consts.PhaseDegraded, resp.State)

	// Liveness stays healthy regardless
	assert.Equal(t, "healthy", get(t, h, "/healthz").Status)
}

func TestHandler_DrainingStill200(t *testing.T) {
	state := readiness.New()
	h := NewHandler(state, "/health", "/ready")
	require.NoError(t, state.MarkBound())
	require.True(t, state.BeginShutdown())

	assert.Equal(t, "draining", get(t, h, "/ready").Status)
}

func TestHandler_Head(t *testing.T) {
	h := NewHandler(readiness.New(), "/health", "/ready")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestHandler_Idempotent(t *testing.T) {
	state := readiness.New()
	h := NewHandler(state, "/health", "/ready")
	first := get(t, h, "/ready")
	for i := 0; i < 50; i++ {
		resp := get(t, h, "/ready")
		assert.Equal(t, first.Status, resp.Status)
		assert.Equal(t, first.State, resp.State)
	}
	assert.Equal(t, consts.PhaseBinding, state.Phase(), "probes never change state")
}
