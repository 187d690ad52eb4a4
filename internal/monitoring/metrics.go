package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the realtime gateway.
// Scraped via /metrics and visualized in the ops Grafana dashboards.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	ConnectionsRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connections_rate_limited_total",
		Help: "Connection attempts rejected by rate limiting, by scope",
	}, []string{"scope"})

	EvictionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_evictions_total",
		Help: "Forced connection removals by reason",
	}, []string{"reason"})

	NotificationsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_notifications_delivered_total",
		Help: "Total number of notifications delivered to sockets",
	})

	NotificationsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_notifications_dropped_total",
		Help: "Notifications that could not be delivered, by reason",
	}, []string{"reason"})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_received_total",
		Help: "Total number of messages received from clients",
	})

	HeartbeatPingsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_heartbeat_pings_sent_total",
		Help: "Total number of heartbeat pings sent",
	})

	SubscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_subscriptions_active",
		Help: "Current number of identity subscriptions",
	})

	BusMessagesConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_bus_messages_consumed_total",
		Help: "Messages consumed from the NATS notification bus, by kind",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		ConnectionsRateLimited,
		EvictionsTotal,
		NotificationsDelivered,
		NotificationsDropped,
		MessagesReceived,
		HeartbeatPingsSent,
		SubscriptionsActive,
		BusMessagesConsumed,
	)
}

// HandleMetrics serves the Prometheus scrape endpoint.
func HandleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
