package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_deliveries_total", Help: "Delivery status transitions"},
		[]string{"channel", "status"},
	)
	Suppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_suppressed_total", Help: "Channels filtered before delivery"},
		[]string{"reason"},
	)
	ProviderSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_provider_send_total", Help: "Provider send outcomes"},
		[]string{"channel", "result"},
	)
	ProviderLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "notifyd_provider_send_latency_seconds", Help: "Provider send latency"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "notifyd_queue_depth", Help: "Pending deliveries per channel queue"},
		[]string{"channel"},
	)
	TrackingEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_tracking_events_total", Help: "Open/click tracking events"},
		[]string{"type"},
	)
	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "notifyd_retries_total", Help: "Deliveries re-queued for retry"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Deliveries, Suppressed, ProviderSend, ProviderLatency, QueueDepth, TrackingEvents, Retries)
}
