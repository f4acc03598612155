package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)

	PingsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "location_pings_ingested_total",
			Help: "Total number of location pings persisted",
		},
	)

	ContactEventsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contact_events_created_total",
			Help: "Total number of new contact events recorded",
		},
	)

	ContactEventsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contact_events_duplicate_total",
			Help: "Contact candidates skipped because the event already existed",
		},
	)

	MatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "exposure_match_duration_seconds",
			Help:    "Duration of a full exposure match for one infection report",
			Buckets: prometheus.DefBuckets,
		},
	)

	ConnectedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "notification_connected_users",
			Help: "Number of users with a live notification connection",
		},
	)

	NotificationsDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_delivered_total",
			Help: "Notifications delivered over a live connection",
		},
	)

	NotificationsBufferedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_buffered_total",
			Help: "Notifications buffered for offline users",
		},
	)

	AchievementTierUpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "achievement_tier_ups_total",
			Help: "Achievement tier promotions by kind",
		},
		[]string{"kind"},
	)
)

// Register registers all collectors with the default registry. Call once at
// process start.
func Register() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PingsIngestedTotal,
		ContactEventsCreatedTotal,
		ContactEventsDuplicateTotal,
		MatchDuration,
		ConnectedUsers,
		NotificationsDeliveredTotal,
		NotificationsBufferedTotal,
		AchievementTierUpsTotal,
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware instruments a handler subtree with request count and duration.
func Middleware(handlerName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			HTTPRequestDuration.WithLabelValues(handlerName, r.Method).Observe(time.Since(start).Seconds())
			HTTPRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(wrapped.status)).Inc()
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
