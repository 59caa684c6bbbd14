package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindarr_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remindarr_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	remindersCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindarr_reminders_created_total",
			Help: "Reminders created by category and source (api, telegram)",
		},
		[]string{"category", "source"},
	)

	remindersClaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindarr_reminders_claimed_total",
			Help: "Reminders leased by the poller",
		},
	)

	remindersCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindarr_reminders_completed_total",
			Help: "Completed deliveries by result (delivered, retry, failed)",
		},
		[]string{"result"},
	)

	remindersReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remindarr_reminders_reaped_total",
			Help: "Expired claims returned to pending",
		},
	)

	deliveryLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remindarr_delivery_lag_seconds",
			Help:    "Time between the scheduled fire time and a successful delivery",
			Buckets: []float64{.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
	)

	telegramSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindarr_telegram_sends_total",
			Help: "Outbound Telegram messages by result",
		},
		[]string{"result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remindarr_sqs_messages_in_flight",
			Help: "Current dispatch messages being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindarr_idempotency_hits_total",
			Help: "Requests answered from the idempotency cache, by kind (create, webhook)",
		},
		[]string{"kind"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remindarr_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter, by key scope",
		},
		[]string{"scope"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remindarr_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordReminderCreated counts a new reminder
func RecordReminderCreated(category, source string) {
	remindersCreated.WithLabelValues(category, source).Inc()
}

// RecordClaimed counts reminders leased in one poll
func RecordClaimed(n int) {
	remindersClaimed.Add(float64(n))
}

// RecordCompleted counts a completion result
func RecordCompleted(result string) {
	remindersCompleted.WithLabelValues(result).Inc()
}

// RecordReaped counts released claims
func RecordReaped(n int) {
	remindersReaped.Add(float64(n))
}

// RecordDeliveryLag observes how late a reminder went out
func RecordDeliveryLag(lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	deliveryLag.Observe(lag.Seconds())
}

// RecordTelegramSend counts an outbound message attempt
func RecordTelegramSend(result string) {
	telegramSends.WithLabelValues(result).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit(kind string) {
	idempotencyHits.WithLabelValues(kind).Inc()
}

// RecordRateLimitRejection records a rate limit rejection for a limiter key
// such as "owner:42". Only the key's scope prefix becomes a label value.
func RecordRateLimitRejection(key string) {
	scope, _, _ := strings.Cut(key, ":")
	if scope != "owner" && scope != "ip" {
		scope = "other"
	}
	rateLimitRejections.WithLabelValues(scope).Inc()
}

// SetBreakerState exports a breaker state transition
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern, so
// /v1/reminders/{id} is one series instead of one per reminder.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, routePattern(r), wrapped.status, time.Since(start))
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
