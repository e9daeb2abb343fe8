package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsproxy_connections_active",
			Help: "Number of client connections currently open",
		},
	)

	// responsesTotal counts finished connections by outcome.
	responsesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsproxy_responses_total",
			Help: "Total number of client connections by outcome",
		},
		[]string{"outcome"},
	)

	responseBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsproxy_response_bytes_total",
			Help: "Total number of bytes written to clients",
		},
	)
)
