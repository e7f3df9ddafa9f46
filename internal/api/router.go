package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/alert-dispatch/internal/api/handler"
	apimw "github.com/notifyhub/alert-dispatch/internal/api/middleware"
	"github.com/notifyhub/alert-dispatch/internal/service"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Jobs         *service.JobService
	Admin        *service.QueueAdmin
	Status       *service.StatusService
	Socket       http.Handler
	Gatherer     prometheus.Gatherer
	MaxBodyBytes int64
}

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps, logger *zap.Logger) http.Handler {
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = 1 << 20
	}
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)                   // recover panics, return 500
	r.Use(chimw.RealIP)                      // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(d.MaxBodyBytes)) // cap request bodies
	r.Use(apimw.CorrelationID)               // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	nh := handler.NewNotificationHandler(d.Jobs, logger)
	bh := handler.NewBatchHandler(d.Jobs, logger)
	jh := handler.NewJobHandler(d.Jobs, logger)
	qh := handler.NewQueueHandler(d.Admin)
	hh := handler.NewHealthHandler(d.Status)

	// --- routes ---
	r.Get("/health", hh.Health)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// Socket upgrade; the gateway hijacks the connection.
	if d.Socket != nil {
		r.Get("/ws", d.Socket.ServeHTTP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// /batch must be registered before /{id}
		// so chi does not treat the literal string "batch" as an ID.
		r.Post("/notifications/batch", bh.CreateBatch)
		r.Post("/notifications", nh.Create)
		r.Get("/notifications", nh.List)
		r.Get("/notifications/{id}", nh.GetByID)
		r.Post("/notifications/{id}/delivered", nh.MarkDelivered)
		r.Post("/notifications/{id}/read", nh.MarkRead)

		r.Post("/disasters/{id}/jobs", jh.EnqueueDisaster)
		r.Post("/agents/{name}/tasks", jh.EnqueueAgentTask)

		r.Get("/queues", qh.All)
		r.Get("/queues/{name}", qh.Stats)
		r.Get("/queues/{name}/jobs", qh.Jobs)
		r.Delete("/queues/{name}/jobs", qh.Clear)
		r.Post("/queues/{name}/pause", qh.Pause)
		r.Post("/queues/{name}/resume", qh.Resume)
		r.Get("/jobs/{id}", qh.Job)

		// JSON status snapshot, the same payload socket viewers receive
		r.Get("/status", hh.Status)
	})

	return r
}
