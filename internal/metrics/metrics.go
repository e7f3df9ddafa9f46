package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/alert-dispatch/internal/domain"
	"github.com/notifyhub/alert-dispatch/internal/gateway"
	"github.com/notifyhub/alert-dispatch/internal/notify"
	"github.com/notifyhub/alert-dispatch/internal/queue"
	"github.com/notifyhub/alert-dispatch/internal/worker"
)

// StatsSource reports queue counters. *queue.Store satisfies it.
type StatsSource interface {
	AllStats() []queue.Stats
}

// ConnectionCounter reports live socket connections. *gateway.Registry satisfies it.
type ConnectionCounter interface {
	Len() int
}

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	JobsCompleted *prometheus.CounterVec
	JobsRetried   *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec

	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec
	NotificationLatency *prometheus.HistogramVec

	WSConnectionsTotal prometheus.Counter
	WSConnectionTime   prometheus.Histogram
	WSMessages         *prometheus.CounterVec
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer, stats StatsSource, conns ConnectionCounter) *Metrics {
	m := &Metrics{
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs whose handler succeeded.",
		}, []string{"queue"}),

		JobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of failed attempts that were scheduled for retry.",
		}, []string{"queue"}),

		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs that failed terminally.",
		}, []string{"queue"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_processing_seconds",
			Help:    "Handler run time of successful jobs.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of notifications accepted by a provider.",
		}, []string{"channel"}),

		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of permanently failed notifications (retries exhausted).",
		}, []string{"channel"}),

		NotificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_processing_seconds",
			Help:    "Latency from claim to provider ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"channel"}),

		WSConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ws_connections_total",
			Help: "Total number of socket connections opened.",
		}),

		WSConnectionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ws_connection_seconds",
			Help:    "Lifetime of closed socket connections.",
			Buckets: []float64{1, 10, 60, 300, 1800, 3600, 14400},
		}),

		WSMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ws_messages_received_total",
			Help: "Application messages received from socket clients, by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		m.JobsCompleted,
		m.JobsRetried,
		m.JobsFailed,
		m.JobDuration,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.NotificationLatency,
		m.WSConnectionsTotal,
		m.WSConnectionTime,
		m.WSMessages,
	)

	if stats != nil {
		reg.MustRegister(&queueCollector{stats: stats})
	}
	if conns != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ws_connections",
			Help: "Current number of open socket connections.",
		}, func() float64 { return float64(conns.Len()) }))
	}

	return m
}

// WorkerHooks returns the callbacks the dispatcher fires after each job.
func (m *Metrics) WorkerHooks() worker.MetricHooks {
	return worker.MetricHooks{
		OnCompleted: func(q queue.Name, took time.Duration) {
			m.JobsCompleted.WithLabelValues(string(q)).Inc()
			m.JobDuration.WithLabelValues(string(q)).Observe(took.Seconds())
		},
		OnRetry: func(q queue.Name) {
			m.JobsRetried.WithLabelValues(string(q)).Inc()
		},
		OnFailed: func(q queue.Name) {
			m.JobsFailed.WithLabelValues(string(q)).Inc()
		},
	}
}

// NotifyHooks returns the callbacks the notification driver fires.
func (m *Metrics) NotifyHooks() notify.MetricHooks {
	return notify.MetricHooks{
		OnSent: func(ch domain.Channel, latency time.Duration) {
			m.NotificationsSent.WithLabelValues(string(ch)).Inc()
			m.NotificationLatency.WithLabelValues(string(ch)).Observe(latency.Seconds())
		},
		OnFailed: func(ch domain.Channel) {
			m.NotificationsFailed.WithLabelValues(string(ch)).Inc()
		},
	}
}

// GatewayHooks returns the callbacks the socket gateway fires.
func (m *Metrics) GatewayHooks() gateway.MetricHooks {
	return gateway.MetricHooks{
		OnConnect: func() { m.WSConnectionsTotal.Inc() },
		OnDisconnect: func(lifetime time.Duration) {
			m.WSConnectionTime.Observe(lifetime.Seconds())
		},
		OnMessage: func(msgType string) {
			m.WSMessages.WithLabelValues(msgType).Inc()
		},
	}
}
