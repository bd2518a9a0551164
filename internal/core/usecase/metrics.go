package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsregistry_sync_rebuild_duration_seconds",
			Help:    "Duration of configuration rebuilds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	syncRebuildTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsregistry_sync_rebuild_total",
			Help: "Configuration rebuilds by result.",
		},
		[]string{"result"},
	)

	syncActiveApps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsregistry_sync_active_apps",
			Help: "Applications in the last installed configuration.",
		},
	)

	restartSignalTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsregistry_restart_signal_total",
			Help: "Restart signals by result.",
		},
		[]string{"result"},
	)

	restartDeadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsregistry_restart_dead_total",
			Help: "Sync requests that exhausted their retries.",
		},
	)

	restartCoalescedRequests = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsregistry_restart_coalesced_requests",
			Help:    "Sync requests reconciled by a single restart.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)
)
