package metrics

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReminderCounters(t *testing.T) {
	before := testutil.ToFloat64(remindersCompleted.WithLabelValues("retry"))
	RecordCompleted("retry")
	RecordCompleted("retry")
	if got := testutil.ToFloat64(remindersCompleted.WithLabelValues("retry")) - before; got != 2 {
		t.Errorf("retry count grew by %v, want 2", got)
	}

	claimed := testutil.ToFloat64(remindersClaimed)
	RecordClaimed(3)
	if got := testutil.ToFloat64(remindersClaimed) - claimed; got != 3 {
		t.Errorf("claimed grew by %v, want 3", got)
	}
}

func TestSetBreakerState(t *testing.T) {
	SetBreakerState("telegram", 1)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("telegram")); got != 1 {
		t.Errorf("breaker gauge = %v, want 1", got)
	}
	SetBreakerState("telegram", 0)
	if got := testutil.ToFloat64(breakerState.WithLabelValues("telegram")); got != 0 {
		t.Errorf("breaker gauge = %v, want 0", got)
	}
}

func TestRateLimitRejectionsLabelledByScope(t *testing.T) {
	owners := testutil.ToFloat64(rateLimitRejections.WithLabelValues("owner"))
	ips := testutil.ToFloat64(rateLimitRejections.WithLabelValues("ip"))
	other := testutil.ToFloat64(rateLimitRejections.WithLabelValues("other"))

	for i := range 50 {
		RecordRateLimitRejection("owner:" + strconv.Itoa(i))
	}
	RecordRateLimitRejection("ip:10.0.0.1")
	RecordRateLimitRejection("ip:10.0.0.2")
	RecordRateLimitRejection("tenant:9")
	RecordRateLimitRejection("bare")

	if got := testutil.ToFloat64(rateLimitRejections.WithLabelValues("owner")) - owners; got != 50 {
		t.Errorf("owner rejections grew by %v, want 50", got)
	}
	if got := testutil.ToFloat64(rateLimitRejections.WithLabelValues("ip")) - ips; got != 2 {
		t.Errorf("ip rejections grew by %v, want 2", got)
	}
	if got := testutil.ToFloat64(rateLimitRejections.WithLabelValues("other")) - other; got != 2 {
		t.Errorf("other rejections grew by %v, want 2", got)
	}
	if n := testutil.CollectAndCount(rateLimitRejections); n != 3 {
		t.Errorf("rejection series = %d, want 3", n)
	}
}

func TestRecordDeliveryLagClampsNegative(t *testing.T) {
	// must not panic or record a negative bucket
	RecordDeliveryLag(-time.Second)
	RecordDeliveryLag(2 * time.Second)
}

func TestHandler(t *testing.T) {
	RecordReminderCreated("single", "api")

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "remindarr_reminders_created_total") {
		t.Error("metrics output should include reminder counters")
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/reminders/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/reminders/{id}", "404"))

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/reminders/"+id, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/v1/reminders/{id}", "404")) - before; got != 2 {
		t.Errorf("pattern series grew by %v, want 2", got)
	}
}

func TestResponseWriter_DefaultStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	_, _ = rw.Write([]byte("test"))

	if rw.status != http.StatusOK {
		t.Errorf("expected default status 200, got %d", rw.status)
	}
}

func TestResponseWriter_ExplicitStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}

	rw.WriteHeader(http.StatusNotFound)

	if rw.status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", rw.status)
	}
}
