package imap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapengine_connections_opened_total",
			Help: "Connections that completed login and setup.",
		},
	)
	connectionsClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "imapengine_connections_closed_total",
			Help: "Connections closed for any reason.",
		},
	)
	poolCheckouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapengine_pool_checkouts_total",
			Help: "Connections handed out by the pool.",
		},
		[]string{
			"result", // reused, created, noop_failed
		},
	)
	poolReleases = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapengine_pool_releases_total",
			Help: "Connections given back to the pool.",
		},
		[]string{
			"result", // pooled, stale, disconnected
		},
	)
	poolGeneration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "imapengine_pool_generation",
			Help: "Current connection pool generation of the most recently bumped store.",
		},
	)
	pushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "imapengine_push_events_total",
			Help: "Pusher activity by kind.",
		},
		[]string{
			"event", // idle, wakeup, arrived, flags, removed, error, disabled, auth_failed, resync
		},
	)
)

func pushEventInc(event string) {
	pushEvents.WithLabelValues(event).Inc()
}
