package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/service"
)

// BatchRequest is the body of a batch submission.
type BatchRequest struct {
	Notifications []domain.NotificationRequest `json:"notifications"`
}

// BatchHandler handles batch submission.
type BatchHandler struct {
	svc    *service.JobService
	logger *zap.Logger
}

func NewBatchHandler(svc *service.JobService, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, logger: logger}
}

// CreateBatch handles POST /api/v1/notifications/batch
//
// @Summary  Enqueue up to 1000 notifications in a single request
// @Tags     notifications
// @Accept   json
// @Produce  json
// @Param    body  body      BatchRequest  true  "Batch payload"
// @Success  202   {object}  map[string]any
// @Failure  422   {object}  map[string]string
// @Router   /api/v1/notifications/batch [post]
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	records, err := h.svc.CreateBatch(r.Context(), req.Notifications)
	if err != nil {
		h.logger.Warn("create batch failed", zap.Int("created", len(records)), zap.Error(err))
		mapError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{
		"count": len(records),
		"data":  records,
	})
}
