package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/jschibelli/ai-create-assistant/internal/gateway/breaker"
)

const healthCheckTimeout = 2 * time.Second

// Pinger is any dependency that can report reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Breakers map[string]string `json:"breakers"`
}

type HealthHandler struct {
	deps     map[string]Pinger
	breakers func() []*breaker.Breaker
}

// NewHealthHandler reports on deps (by name) and on the breakers returned by breakers.
func NewHealthHandler(deps map[string]Pinger, breakers func() []*breaker.Breaker) *HealthHandler {
	return &HealthHandler{deps: deps, breakers: breakers}
}

// HandleHealth handles GET /health. Unreachable dependencies give 503;
// an open breaker only marks the service degraded.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:   "ok",
		Checks:   make(map[string]string, len(h.deps)),
		Breakers: make(map[string]string),
	}
	status := http.StatusOK

	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			resp.Checks[name] = "unreachable"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	if h.breakers != nil {
		for _, b := range h.breakers() {
			state := b.State()
			resp.Breakers[b.Name()] = state.String()
			if state != breaker.Closed && resp.Status == "ok" {
				resp.Status = "degraded"
			}
		}
	}

	writeJSON(w, status, resp)
}
