package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	feedConsumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_feed_updates_consumed_total",
		Help: "Updates decoded and accepted from the updates topic.",
	})
	feedDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_feed_updates_dropped_total",
		Help: "Malformed updates dropped at the feed boundary.",
	})
	brokerDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_broker_updates_dropped_total",
		Help: "Updates dropped because a subscriber sink was full.",
	})
)
