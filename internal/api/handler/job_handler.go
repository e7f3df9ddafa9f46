package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/service"
)

// DisasterJobRequest is the body of a disaster submission.
type DisasterJobRequest struct {
	Type domain.DisasterJobType `json:"type"`
	Data json.RawMessage        `json:"data,omitempty"`
}

// AgentTaskRequest is the body of an agent task submission.
type AgentTaskRequest struct {
	Task    string          `json:"task"`
	Data    json.RawMessage `json:"data,omitempty"`
	DelayMs int64           `json:"delayMs,omitempty"`
}

// JobHandler submits work to the disasters and agent-tasks queues.
type JobHandler struct {
	svc    *service.JobService
	logger *zap.Logger
}

func NewJobHandler(svc *service.JobService, logger *zap.Logger) *JobHandler {
	return &JobHandler{svc: svc, logger: logger}
}

// EnqueueDisaster handles POST /api/v1/disasters/{id}/jobs
//
// @Summary  Submit a disaster change for processing
// @Tags     jobs
// @Accept   json
// @Produce  json
// @Param    id    path      string              true  "Disaster ID"
// @Param    body  body      DisasterJobRequest  true  "Disaster job"
// @Success  202   {object}  map[string]string
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/disasters/{id}/jobs [post]
func (h *JobHandler) EnqueueDisaster(w http.ResponseWriter, r *http.Request) {
	var req DisasterJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id, err := h.svc.EnqueueDisasterJob(r.Context(), chi.URLParam(r, "id"), req.Type, req.Data)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

// EnqueueAgentTask handles POST /api/v1/agents/{name}/tasks
//
// @Summary  Submit a task to an agent, optionally delayed
// @Tags     jobs
// @Accept   json
// @Produce  json
// @Param    name  path      string            true  "Agent name"
// @Param    body  body      AgentTaskRequest  true  "Agent task"
// @Success  202   {object}  map[string]string
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/agents/{name}/tasks [post]
func (h *JobHandler) EnqueueAgentTask(w http.ResponseWriter, r *http.Request) {
	var req AgentTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.DelayMs < 0 {
		respondError(w, http.StatusUnprocessableEntity, "delayMs must not be negative")
		return
	}

	delay := time.Duration(req.DelayMs) * time.Millisecond
	id, err := h.svc.EnqueueAgentTask(r.Context(), chi.URLParam(r, "name"), req.Task, req.Data, delay)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}
