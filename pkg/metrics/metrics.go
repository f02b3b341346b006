package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Event bus metrics
	EventsPublished      *prometheus.CounterVec
	EventPublishFailures prometheus.Counter
	HandlerFailures      *prometheus.CounterVec

	// Notification router metrics
	NotificationsRouted   *prometheus.CounterVec
	DeliveryAttempts      *prometheus.CounterVec
	DeliveryRetries       *prometheus.CounterVec
	RoutingLatency        prometheus.Histogram

	// Webhook metrics
	WebhookDeliveries      *prometheus.CounterVec
	WebhookCircuitsOpened  prometheus.Counter
	WebhookQueueOverflows  prometheus.Counter
	WebhookDeliveryLatency prometheus.Histogram

	// Realtime metrics
	LiveConnections  prometheus.Gauge
	MessagesBuffered prometheus.Counter
	MessagesDropped  prometheus.Counter
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Total number of events accepted by the event bus",
		}, []string{"event_type"}),
		EventPublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_publish_failures_total",
			Help:      "Total number of publish calls rejected by persistence",
		}),
		HandlerFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "event_handler_failures_total",
			Help:      "Total number of isolated in-process handler failures",
		}, []string{"event_type"}),

		NotificationsRouted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notifications_routed_total",
			Help:      "Total number of notifications created by the router",
		}, []string{"notification_type"}),
		DeliveryAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notification_delivery_attempts_total",
			Help:      "Delivery attempts by channel and outcome",
		}, []string{"channel", "status"}),
		DeliveryRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notification_delivery_retries_total",
			Help:      "Retry attempts by channel",
		}, []string{"channel"}),
		RoutingLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "notification_routing_duration_seconds",
			Help:      "Time spent routing one event into notifications",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),

		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome",
		}, []string{"status"}),
		WebhookCircuitsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_circuits_opened_total",
			Help:      "Webhook subscriptions auto-deactivated at the failure threshold",
		}),
		WebhookQueueOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_queue_overflows_total",
			Help:      "Webhook delivery jobs dropped because the work queue was full",
		}),
		WebhookDeliveryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Outbound webhook request duration",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		LiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_connections",
			Help:      "Current number of live socket connections",
		}),
		MessagesBuffered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_messages_buffered_total",
			Help:      "Messages pushed into per-connection buffers",
		}),
		MessagesDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "realtime_messages_dropped_total",
			Help:      "Messages dropped because a connection buffer was full",
		}),
	}
}
