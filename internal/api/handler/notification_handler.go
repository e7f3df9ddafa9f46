package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/alert-dispatch/internal/api/middleware"
	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/service"
)

// NotificationHandler handles delivery record endpoints.
type NotificationHandler struct {
	svc    *service.JobService
	logger *zap.Logger
}

func NewNotificationHandler(svc *service.JobService, logger *zap.Logger) *NotificationHandler {
	return &NotificationHandler{svc: svc, logger: logger}
}

// Create handles POST /api/v1/notifications
//
// @Summary     Enqueue a notification
// @Tags        notifications
// @Accept      json
// @Produce     json
// @Param       X-Idempotency-Key  header    string                      false  "Idempotency key"
// @Param       body               body      domain.NotificationRequest  true   "Notification payload"
// @Success     202                {object}  domain.DeliveryRecord
// @Success     200                {object}  domain.DeliveryRecord       "Duplicate: returned existing record"
// @Failure     422                {object}  map[string]string
// @Router      /api/v1/notifications [post]
func (h *NotificationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, isDuplicate, err := h.svc.CreateNotification(r.Context(), req, r.Header.Get("X-Idempotency-Key"))
	if err != nil {
		h.logger.Warn("create notification failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		mapError(w, err)
		return
	}

	status := http.StatusAccepted
	if isDuplicate {
		status = http.StatusOK
	}
	respondJSON(w, status, rec)
}

// GetByID handles GET /api/v1/notifications/{id}
//
// @Summary  Get a delivery record by ID
// @Tags     notifications
// @Produce  json
// @Param    id   path      string  true  "Delivery ID"
// @Success  200  {object}  domain.DeliveryRecord
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/notifications/{id} [get]
func (h *NotificationHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// List handles GET /api/v1/notifications
//
// @Summary  List delivery records with filtering and pagination
// @Tags     notifications
// @Produce  json
// @Param    status   query     string  false  "Filter by status"
// @Param    channel  query     string  false  "Filter by channel"
// @Param    from     query     string  false  "Created after (RFC3339)"
// @Param    to       query     string  false  "Created before (RFC3339)"
// @Param    page     query     int     false  "Page number (default 1)"
// @Param    limit    query     int     false  "Items per page (default 20, max 100)"
// @Success  200      {object}  map[string]any
// @Router   /api/v1/notifications [get]
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := parseListFilter(r)
	records, total, err := h.svc.ListDeliveries(r.Context(), filter)
	if err != nil {
		h.logger.Error("list deliveries failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"data":  records,
		"total": total,
		"page":  filter.Page,
		"limit": filter.Limit,
	})
}

// MarkDelivered handles POST /api/v1/notifications/{id}/delivered
//
// @Summary  Record a delivery receipt
// @Tags     notifications
// @Param    id   path      string  true  "Delivery ID"
// @Success  200  {object}  domain.DeliveryRecord
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/delivered [post]
func (h *NotificationHandler) MarkDelivered(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.MarkDelivered(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// MarkRead handles POST /api/v1/notifications/{id}/read
//
// @Summary  Record a read receipt
// @Tags     notifications
// @Param    id   path      string  true  "Delivery ID"
// @Success  200  {object}  domain.DeliveryRecord
// @Failure  404  {object}  map[string]string
// @Failure  409  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/read [post]
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.MarkRead(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func parseListFilter(r *http.Request) domain.ListFilter {
	q := r.URL.Query()
	filter := domain.ListFilter{Page: 1, Limit: 20}

	if p, err := strconv.Atoi(q.Get("page")); err == nil && p > 0 {
		filter.Page = p
	}
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 && l <= 100 {
		filter.Limit = l
	}
	if s := q.Get("status"); s != "" {
		st := domain.DeliveryStatus(s)
		filter.Status = &st
	}
	if ch := q.Get("channel"); ch != "" {
		c := domain.Channel(ch)
		filter.Channel = &c
	}
	if f := q.Get("from"); f != "" {
		if t, err := time.Parse(time.RFC3339, f); err == nil {
			filter.From = &t
		}
	}
	if to := q.Get("to"); to != "" {
		if t, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &t
		}
	}
	return filter
}
