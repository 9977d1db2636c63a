// Package health answers liveness and readiness probes from in-memory state.
package health

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/samiUK/hitchbuddy-connect-uk-sub002/internal/readiness"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/consts"
	"github.com/samiUK/hitchbuddy-connect-uk-sub002/pkg/logger"
)

// StateReader is the part of readiness.State the probes need.
type StateReader interface {
	Phase() consts.Phase
	Upstreams() []readiness.UpstreamStatus
}

type Response struct {
	Status    string                     `json:"status"`
	Timestamp string                     `json:"timestamp"`
	State     consts.Phase               `json:"state"`
	Uptime    int64                      `json:"uptime_seconds"`
	Upstreams []readiness.UpstreamStatus `json:"upstreams,omitempty"`
}

// Handler serves both probe paths. Both always answer 200 so a platform
// health check never kills an instance that is still initializing.
type Handler struct {
	state         StateReader
	livenessPath  string
	readinessPath string
	started       time.Time
}

func NewHandler(state StateReader, livenessPath, readinessPath string) *Handler {
	return &Handler{
		state:         state,
		livenessPath:  livenessPath,
		readinessPath: readinessPath,
		started:       time.Now(),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case h.readinessPath:
		h.Ready(w, r)
	default:
		h.Live(w, r)
	}
}

// Live reports that the process is up and serving.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, Response{
		Status: "healthy",
		State:  h.state.Phase(),
	})
}

// Ready reports the lifecycle phase and the last-known upstream states.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	phase := h.state.Phase()
	h.write(w, r, Response{
		Status:    readinessStatus(phase),
		State:     phase,
		Upstreams: h.state.Upstreams(),
	})
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, resp Response) {
	now := time.Now()
	resp.Timestamp = now.UTC().Format(time.RFC3339)
	resp.Uptime = int64(now.Sub(h.started) / time.Second)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Log.Debug("Health: write failed", "path", r.URL.Path, "err", err)
	}
}

func readinessStatus(p consts.Phase) string {
	switch p {
	case consts.PhaseReady:
		return "ready"
	case consts.PhaseDegraded:
		return "degraded"
	case consts.PhaseShuttingDown, consts.PhaseStopped:
		return "draining"
	default:
		return strings.ToLower(string(p))
	}
}

// Personal.AI order the ending
