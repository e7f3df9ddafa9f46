package handler

import (
	"net/http"

	"github.com/notifyhub/alert-dispatch/internal/service"
)

// HealthHandler serves the liveness check and the JSON status snapshot.
type HealthHandler struct {
	status *service.StatusService
}

func NewHealthHandler(status *service.StatusService) *HealthHandler {
	return &HealthHandler{status: status}
}

// Health handles GET /health
//
// @Summary  Liveness check
// @Tags     system
// @Produce  json
// @Success  200  {object}  map[string]string
// @Router   /health [get]
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Status handles GET /api/v1/status
//
// @Summary  Queue counters, live connections and agent statuses
// @Tags     system
// @Produce  json
// @Success  200  {object}  service.Snapshot
// @Router   /api/v1/status [get]
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.status.Snapshot(r.Context()))
}
