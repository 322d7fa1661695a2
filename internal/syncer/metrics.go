package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeSyncers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_active_syncers",
		Help: "Currently running conversation list syncers.",
	})
	updatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_syncer_updates_applied_total",
		Help: "Pushed updates that changed a conversation list.",
	})
	resyncsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_syncer_resyncs_total",
		Help: "Full list reconciliations triggered by stream reconnects.",
	})
	markReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_mark_read_failures_total",
		Help: "Background read-position persistence failures.",
	})
)
