package api

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/redis"
)

// maxOwnerPeek bounds how much of a create body is read to find the owner
const maxOwnerPeek = 64 << 10

// RateLimitMiddleware limits requests per key, as returned by keyFunc.
// Requests pass unchecked when limiter is nil, the key is empty or Redis fails.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger, keyFunc func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limit check failed, allowing request",
					zap.Error(err),
					zap.String("key", key),
				)
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if result.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			metrics.RecordRateLimitRejection(key)
			wait := math.Ceil(time.Until(result.ResetAt).Seconds())
			h.Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
			writeProblem(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests",
				"Rate limit of "+strconv.Itoa(result.Limit)+" requests exceeded, retry later")
		})
	}
}

// OwnerKeyFunc limits per owner. The owner is read from the X-Owner header,
// the owner query parameter or a JSON create body, in that order. Requests
// naming no owner are limited per client IP.
func OwnerKeyFunc(r *http.Request) string {
	if owner := requestOwner(r); owner != "" {
		return "owner:" + owner
	}
	return IPKeyFunc(r)
}

// IPKeyFunc extracts the client IP for rate limiting.
func IPKeyFunc(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return "ip:" + ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return "ip:" + ip
	}
	return "ip:" + r.RemoteAddr
}

func requestOwner(r *http.Request) string {
	if owner := r.Header.Get("X-Owner"); owner != "" {
		return owner
	}
	if owner := r.URL.Query().Get("owner"); owner != "" {
		return owner
	}
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}

	// the handler still needs the full body
	peeked, err := io.ReadAll(io.LimitReader(r.Body, maxOwnerPeek))
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(peeked), r.Body))
	if err != nil {
		return ""
	}

	var body struct {
		Owner string `json:"owner"`
	}
	if json.Unmarshal(peeked, &body) != nil {
		return ""
	}
	return body.Owner
}

// writeProblem writes an application/problem+json response
func writeProblem(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
