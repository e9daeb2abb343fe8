package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// cacheLookups counts Resolve calls by result: hit, join, miss.
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsproxy_cache_lookups_total",
			Help: "Total number of cache lookups by result",
		},
		[]string{"result"},
	)

	cachePromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsproxy_cache_promotions_total",
			Help: "Total number of completed downloads moved into the cache by result",
		},
		[]string{"result"},
	)

	cacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsproxy_cache_evictions_total",
			Help: "Total number of entries dropped from the cache map by reason",
		},
		[]string{"reason"}, // "fetch_failed", "submit_failed", "stale_file", "promote_failed"
	)
)
