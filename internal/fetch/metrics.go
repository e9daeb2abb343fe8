package fetch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// fetchTotal counts finished tasks by result: ok, status, error, abandoned.
	fetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsproxy_fetch_total",
			Help: "Total number of upstream fetch tasks by result",
		},
		[]string{"result"},
	)

	fetchBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsproxy_fetch_bytes_total",
			Help: "Total number of body bytes received from upstream",
		},
	)

	fetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsproxy_fetch_duration_seconds",
			Help:    "Duration of upstream fetch tasks",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsproxy_fetch_queue_depth",
			Help: "Number of fetch tasks waiting for a worker",
		},
	)

	workersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsproxy_fetch_workers_busy",
			Help: "Number of workers currently downloading",
		},
	)
)
