// Package metrics exposes Prometheus collectors for the job server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

const namespace = "tangle"

var (
	ServerInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "server_info",
		Help:      "Server build information.",
	}, []string{"version", "backend"})

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_enqueued_total",
		Help:      "Jobs added to the queue.",
	}, []string{"kind"})

	JobsLeased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_leased_total",
		Help:      "Jobs handed to workers.",
	}, []string{"kind"})

	JobsReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_reported_total",
		Help:      "Result reports by outcome (accepted, rejected, invalid).",
	}, []string{"kind", "outcome"})

	JobsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_reclaimed_total",
		Help:      "Pending jobs returned to new by the stale sweep.",
	}, []string{"kind"})

	JobsStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_stored_total",
		Help:      "Completed jobs flushed to storage by outcome.",
	}, []string{"kind", "outcome"})

	ReplenishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "replenish_duration_seconds",
		Help:      "Time spent building new jobs.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sweep_duration_seconds",
		Help:      "Duration of reclamation sweeps.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"sweep"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Init records static server information.
func Init(version, backend string) {
	ServerInfo.WithLabelValues(version, backend).Set(1)
}

// StatsFunc reports current queue statistics per kind.
type StatsFunc func() map[core.Kind]core.Stats

type queueCollector struct {
	stats StatsFunc
	desc  *prometheus.Desc
}

// NewQueueCollector returns a collector publishing queue depth by kind and
// state at scrape time.
func NewQueueCollector(stats StatsFunc) prometheus.Collector {
	return &queueCollector{
		stats: stats,
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs currently held in the queue.",
			[]string{"kind", "state"}, nil,
		),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	for kind, s := range c.stats() {
		k := string(kind)
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.New), k, string(core.StateNew))
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Pending), k, string(core.StatePending))
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(s.Complete), k, string(core.StateComplete))
	}
}
