package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueJobsDesc = prometheus.NewDesc(
		"queue_jobs",
		"Jobs per queue and state; completed and failed are cumulative.",
		[]string{"queue", "state"}, nil,
	)
	queuePausedDesc = prometheus.NewDesc(
		"queue_paused",
		"1 when the queue is paused.",
		[]string{"queue"}, nil,
	)
)

// queueCollector reads queue counters at scrape time.
type queueCollector struct {
	stats StatsSource
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- queueJobsDesc
	ch <- queuePausedDesc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.stats.AllStats() {
		q := string(s.Queue)
		ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(s.Waiting), q, "waiting")
		ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(s.Active), q, "active")
		ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(s.Completed), q, "completed")
		ch <- prometheus.MustNewConstMetric(queueJobsDesc, prometheus.GaugeValue, float64(s.Failed), q, "failed")

		paused := 0.0
		if s.Paused {
			paused = 1
		}
		ch <- prometheus.MustNewConstMetric(queuePausedDesc, prometheus.GaugeValue, paused, q)
	}
}
