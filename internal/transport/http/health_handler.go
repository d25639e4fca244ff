package http

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// HealthHandler reports process liveness.
type HealthHandler struct {
	startedAt time.Time
	version   string
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{startedAt: time.Now(), version: version}
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ServeHTTP handles GET /healthz.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
