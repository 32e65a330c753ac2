package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ifuryst/linkpost/internal/models"
)

var (
	// JobsProcessed counts worker outcomes by type
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpost_jobs_processed_total",
			Help: "Publish jobs handled by workers, by outcome",
		},
		[]string{"outcome"},
	)

	// JobsStalled counts jobs found with an expired lock
	JobsStalled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "linkpost_jobs_stalled_total",
			Help: "Stalled publish jobs, by what recovery did with them",
		},
		[]string{"result"},
	)

	// PublishDuration tracks the external publish call
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linkpost_publish_duration_seconds",
			Help:    "Duration of the external publish call",
			Buckets: prometheus.DefBuckets,
		},
	)

	// DispatchLag tracks how late a job was claimed relative to its schedule
	DispatchLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "linkpost_dispatch_lag_seconds",
			Help:    "Time between a job becoming due and a worker claiming it",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
	)
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeLockLost  = "lock_lost"
)

// CountsFunc returns the current job counts of a queue
type CountsFunc func(ctx context.Context) (models.JobCounts, error)

// QueueCollector exports queue depth per state on every scrape
type QueueCollector struct {
	counts  CountsFunc
	timeout time.Duration
	desc    *prometheus.Desc
	up      *prometheus.Desc
}

func NewQueueCollector(counts CountsFunc, timeout time.Duration) *QueueCollector {
	return &QueueCollector{
		counts:  counts,
		timeout: timeout,
		desc: prometheus.NewDesc(
			"linkpost_queue_jobs",
			"Jobs currently held by the queue, by state",
			[]string{"state"}, nil,
		),
		up: prometheus.NewDesc(
			"linkpost_queue_up",
			"Whether the queue store answered the last scrape",
			nil, nil,
		),
	}
}

func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
	ch <- c.up
}

func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.counts(ctx)
	if err != nil {
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts.Waiting), "waiting")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts.Active), "active")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts.Completed), "completed")
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(counts.Failed), "failed")
}
