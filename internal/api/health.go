package api

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HealthCheck reports one dependency's status
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthDetail is an optional extra section of the health response, such as
// circuit breaker stats
type HealthDetail struct {
	Name  string
	Value func() any
}

// WithHealthCheck adds a dependency to GET /health
func WithHealthCheck(name string, check func(ctx context.Context) error) Option {
	return func(h *Handler) { h.health = append(h.health, HealthCheck{Name: name, Check: check}) }
}

// WithHealthDetail adds informational output to GET /health
func WithHealthDetail(name string, value func() any) Option {
	return func(h *Handler) { h.details = append(h.details, HealthDetail{Name: name, Value: value}) }
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status  string            `json:"status"`
	Checks  map[string]string `json:"checks,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
}

// Health handles GET /health. Any failing check makes it 503.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if len(h.health) > 0 {
		resp.Checks = make(map[string]string, len(h.health))
	}
	for _, c := range h.health {
		if err := c.Check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("check", c.Name), zap.Error(err))
			resp.Checks[c.Name] = err.Error()
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[c.Name] = "ok"
	}

	if len(h.details) > 0 {
		resp.Details = make(map[string]any, len(h.details))
		for _, d := range h.details {
			resp.Details[d.Name] = d.Value()
		}
	}

	h.writeJSON(w, status, resp)
}
