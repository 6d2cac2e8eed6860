// Package metrics exposes the gateway's Prometheus collectors. Collectors are
// package globals registered on the default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session metrics
	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifygw_session_state",
			Help: "Current connection state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifygw_session_transitions_total",
			Help: "Connection state transitions by target state",
		},
		[]string{"to"},
	)

	SessionRetries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifygw_session_retry_count",
			Help: "Reconnect attempts since the last successful connection",
		},
	)

	ChallengesPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifygw_challenges_published_total",
			Help: "Authentication challenges published by kind",
		},
		[]string{"kind"},
	)

	// Outbox metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifygw_queue_depth",
			Help: "Messages resident in the outbound queue, including in-flight",
		},
	)

	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifygw_messages_sent_total",
			Help: "Messages delivered by path (direct or queued)",
		},
		[]string{"path"},
	)

	MessagesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifygw_messages_failed_total",
			Help: "Failed delivery attempts",
		},
	)

	MessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifygw_messages_dropped_total",
			Help: "Messages dropped after exhausting retries",
		},
	)

	MessagesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifygw_messages_rejected_total",
			Help: "Messages rejected because the queue was full",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifygw_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifygw_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(SessionState)
	prometheus.MustRegister(SessionTransitions)
	prometheus.MustRegister(SessionRetries)
	prometheus.MustRegister(ChallengesPublished)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesSent)
	prometheus.MustRegister(MessagesFailed)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(MessagesRejected)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// SetState marks state as the active connection state among all.
func SetState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		SessionState.WithLabelValues(s).Set(v)
	}
	SessionTransitions.WithLabelValues(state).Inc()
}

// Timer measures elapsed time for histogram observations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer { return &Timer{start: time.Now()} }

func (t *Timer) Duration() time.Duration { return time.Since(t.start) }

// ObserveDurationVec records the elapsed time on vec with labels.
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
