package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/service"
)

// QueueHandler exposes queue inspection and control.
type QueueHandler struct {
	admin *service.QueueAdmin
}

func NewQueueHandler(admin *service.QueueAdmin) *QueueHandler {
	return &QueueHandler{admin: admin}
}

func queueName(r *http.Request) queue.Name {
	return queue.Name(chi.URLParam(r, "name"))
}

// All handles GET /api/v1/queues
//
// @Summary  Counters of every queue
// @Tags     queues
// @Produce  json
// @Success  200  {array}  queue.Stats
// @Router   /api/v1/queues [get]
func (h *QueueHandler) All(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.admin.GetAllQueueStats())
}

// Stats handles GET /api/v1/queues/{name}
//
// @Summary  Counters of one queue
// @Tags     queues
// @Produce  json
// @Param    name  path      string  true  "Queue name"
// @Success  200   {object}  queue.Stats
// @Failure  404   {object}  map[string]string
// @Router   /api/v1/queues/{name} [get]
func (h *QueueHandler) Stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.admin.GetQueueStats(queueName(r))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// Jobs handles GET /api/v1/queues/{name}/jobs?state=
//
// @Summary  Jobs retained by a queue
// @Tags     queues
// @Produce  json
// @Param    name   path      string  true   "Queue name"
// @Param    state  query     string  false  "waiting, active, completed or failed"
// @Success  200    {array}   queue.Job
// @Failure  400    {object}  map[string]string
// @Failure  404    {object}  map[string]string
// @Router   /api/v1/queues/{name}/jobs [get]
func (h *QueueHandler) Jobs(w http.ResponseWriter, r *http.Request) {
	state := queue.State(r.URL.Query().Get("state"))
	if state != "" && !state.IsValid() {
		respondError(w, http.StatusBadRequest, "state must be waiting, active, completed or failed")
		return
	}
	jobs, err := h.admin.ListJobs(queueName(r), state)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, jobs)
}

// Pause handles POST /api/v1/queues/{name}/pause
//
// @Summary  Stop claiming jobs from a queue
// @Tags     queues
// @Param    name  path  string  true  "Queue name"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/queues/{name}/pause [post]
func (h *QueueHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.PauseQueue(queueName(r)); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Resume handles POST /api/v1/queues/{name}/resume
//
// @Summary  Resume claiming jobs from a queue
// @Tags     queues
// @Param    name  path  string  true  "Queue name"
// @Success  204
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/queues/{name}/resume [post]
func (h *QueueHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.admin.ResumeQueue(queueName(r)); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear handles DELETE /api/v1/queues/{name}/jobs
//
// @Summary  Remove every waiting job of a queue
// @Tags     queues
// @Produce  json
// @Param    name  path      string  true  "Queue name"
// @Success  200   {object}  map[string]int
// @Failure  404   {object}  map[string]string
// @Router   /api/v1/queues/{name}/jobs [delete]
func (h *QueueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	n, err := h.admin.ClearQueue(queueName(r))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// Job handles GET /api/v1/jobs/{id}
//
// @Summary  Get a job by ID
// @Tags     queues
// @Produce  json
// @Param    id   path      string  true  "Job ID"
// @Success  200  {object}  queue.Job
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/jobs/{id} [get]
func (h *QueueHandler) Job(w http.ResponseWriter, r *http.Request) {
	job, err := h.admin.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}
