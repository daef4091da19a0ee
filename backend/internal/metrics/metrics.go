package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwiki_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Document store
	PatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_patches_total",
			Help: "Submitted patches by outcome",
		},
		[]string{"result"}, // "accepted" or a rejection reason
	)

	// Message log
	MessagesAppended = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwiki_messages_appended_total",
			Help: "Total chat messages appended",
		},
	)

	// Presence
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatwiki_active_sessions",
			Help: "Sessions that are online or away",
		},
	)

	PresenceTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_presence_transitions_total",
			Help: "Presence state transitions",
		},
		[]string{"to"},
	)

	// Broker
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_events_published_total",
			Help: "Events fanned out to page subscribers",
		},
		[]string{"kind"},
	)

	SubscribersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwiki_subscribers_dropped_total",
			Help: "Subscribers dropped because their outbound queue was full",
		},
	)

	PagesUnavailable = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwiki_pages_unavailable_total",
			Help: "Pages whose ordering point failed",
		},
	)

	FeedEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwiki_feed_events_dropped_total",
			Help: "Kafka feed events dropped after queue timeout or retries",
		},
	)
)
