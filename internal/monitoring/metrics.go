package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics scraped from /metrics.
var (
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_active",
		Help: "Current number of live connections in the hub",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_connections_failed_total",
		Help: "Total number of failed connection attempts (auth or upgrade)",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	MessagesBroadcast = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_broadcast_total",
		Help: "Total chat messages broadcast to channels",
	})

	MessagesDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_delivered_total",
		Help: "Total per-subscriber deliveries queued successfully",
	})

	SlowClientsDisconnected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_slow_clients_disconnected_total",
		Help: "Total subscribers disconnected because their send queue overflowed or timed out",
	})

	BatchFlushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_batch_flushes_total",
		Help: "Message cache flushes by outcome",
	}, []string{"outcome"})

	BatchFlushSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_batch_flush_size",
		Help:    "Number of records per successful batch flush",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	MessageCacheDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_message_cache_depth",
		Help: "Records currently waiting in the message cache",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		DisconnectsTotal,
		MessagesBroadcast,
		MessagesDelivered,
		SlowClientsDisconnected,
		BatchFlushes,
		BatchFlushSize,
		MessageCacheDepth,
	)
}

// Disconnect reasons used as the DisconnectsTotal label.
const (
	DisconnectReasonReadError  = "read_error"
	DisconnectReasonSlowClient = "slow_client"
	DisconnectReasonDisplaced  = "displaced"
	DisconnectReasonShutdown   = "server_shutdown"
)

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
