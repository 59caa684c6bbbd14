package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/redis"
	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Creator adds reminders against the scheduler clock
type Creator interface {
	Now() time.Time
	Create(ctx context.Context, p reminder.NewParams) (*reminder.Reminder, error)
}

// CreateReminderRequest represents the incoming request body
type CreateReminderRequest struct {
	Owner    string            `json:"owner"`
	Message  string            `json:"message"`
	Schedule reminder.Schedule `json:"schedule"`
	Timezone string            `json:"timezone,omitempty"`
	Category string            `json:"category,omitempty"`
}

// ListResponse wraps a listing
type ListResponse struct {
	Data  []*reminder.Reminder `json:"data"`
	Count int                  `json:"count"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	store       reminder.Store
	sched       Creator
	timezone    string
	idempotency *redis.IdempotencyService // nil if Redis not configured
	updates     *redis.UpdateDeduper      // nil if Redis not configured
	bot         TextSender                // nil without a bot token
	chat        ChatReplier
	defaultChat int64
	health      []HealthCheck
	details     []HealthDetail
}

// Option configures optional Handler dependencies
type Option func(*Handler)

// WithIdempotency enables the Idempotency-Key header on create
func WithIdempotency(svc *redis.IdempotencyService) Option {
	return func(h *Handler) { h.idempotency = svc }
}

// WithUpdateDedup drops redelivered webhook updates
func WithUpdateDedup(d *redis.UpdateDeduper) Option {
	return func(h *Handler) { h.updates = d }
}

// WithDefaultTimezone is used when a request names no zone
func WithDefaultTimezone(tz string) Option {
	return func(h *Handler) { h.timezone = tz }
}

func NewHandler(logger *zap.Logger, store reminder.Store, sched Creator, opts ...Option) *Handler {
	h := &Handler{
		logger:   logger,
		store:    store,
		sched:    sched,
		timezone: "UTC",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the reminder API. Callers add middleware around it.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/reminders", h.CreateReminder)
	r.Get("/reminders", h.ListReminders)
	r.Get("/reminders/{id}", h.GetReminder)
	r.Delete("/reminders/{id}", h.DeleteReminder)
	r.Post("/notifications/test", h.SendTestNotification)
}

// CreateReminder handles POST /v1/reminders
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if strings.TrimSpace(req.Owner) == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing owner", "owner is required")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.Owner, idempotencyKey)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			metrics.RecordIdempotencyHit("in_flight")
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		case cached != nil:
			metrics.RecordIdempotencyHit("replay")
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_, _ = w.Write(cached.Body)
			return
		default:
			reserved = true
		}
	}

	rem, err := h.create(ctx, req)
	if err != nil {
		if reserved {
			if rerr := h.idempotency.Release(ctx, req.Owner, idempotencyKey); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		h.writeDomainError(w, err, "Failed to create reminder")
		return
	}

	var body bytes.Buffer
	_ = json.NewEncoder(&body).Encode(rem)

	if reserved {
		result := &redis.IdempotencyResult{
			ReminderID: rem.ID.String(),
			StatusCode: http.StatusCreated,
			Body:       body.Bytes(),
		}
		if err := h.idempotency.Store(ctx, req.Owner, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(body.Bytes())
}

func (h *Handler) create(ctx context.Context, req CreateReminderRequest) (*reminder.Reminder, error) {
	tz := req.Timezone
	if tz == "" {
		tz = h.timezone
	}
	s := req.Schedule
	if s.Kind == reminder.KindRecurring && s.Anchor == nil {
		now := h.sched.Now()
		s.Anchor = &now
	}

	rem, err := h.sched.Create(ctx, reminder.NewParams{
		Owner:    req.Owner,
		Message:  req.Message,
		Schedule: s,
		Timezone: tz,
		Category: reminder.Category(strings.ToLower(req.Category)),
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordReminderCreated(string(rem.Category), "api")
	h.logger.Info("reminder created",
		zap.String("id", rem.ID.String()),
		zap.String("owner", rem.Owner),
		zap.String("category", string(rem.Category)),
		zap.Timep("next_fire_at", rem.NextFireAt),
	)
	return rem, nil
}

// ListReminders handles GET /v1/reminders?owner=&category=&window=&status=&tz=
func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner := q.Get("owner")
	if owner == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing owner", "owner query parameter is required")
		return
	}

	tz := q.Get("tz")
	if tz == "" {
		tz = h.timezone
	}
	loc, err := reminder.LoadLocation(tz)
	if err != nil {
		h.writeDomainError(w, err, "")
		return
	}

	f, err := reminder.NewFilter(q.Get("category"), q.Get("window"), q.Get("status"), h.sched.Now(), loc)
	if err != nil {
		h.writeDomainError(w, err, "")
		return
	}

	reminders, err := reminder.Collect(h.store.Query(r.Context(), owner, f))
	if err != nil {
		h.logger.Error("failed to list reminders", zap.Error(err), zap.String("owner", owner))
		h.writeDomainError(w, err, "Failed to list reminders")
		return
	}
	if reminders == nil {
		reminders = []*reminder.Reminder{}
	}

	h.writeJSON(w, http.StatusOK, ListResponse{Data: reminders, Count: len(reminders)})
}

// GetReminder handles GET /v1/reminders/{id}. An owner query parameter, when
// given, must match.
func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	rem, ok := h.loadOwned(w, r, r.URL.Query().Get("owner"))
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, rem)
}

// DeleteReminder handles DELETE /v1/reminders/{id}?owner=. Deleting a
// reminder that already finished is a no-op.
func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing owner", "owner query parameter is required")
		return
	}
	rem, ok := h.loadOwned(w, r, owner)
	if !ok {
		return
	}

	if err := h.store.Delete(r.Context(), rem.ID); err != nil {
		h.logger.Error("failed to delete reminder", zap.Error(err), zap.String("id", rem.ID.String()))
		h.writeDomainError(w, err, "Failed to delete reminder")
		return
	}

	h.logger.Info("reminder cancelled",
		zap.String("id", rem.ID.String()),
		zap.String("owner", owner),
		zap.String("previous_status", string(rem.Status)),
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request, owner string) (*reminder.Reminder, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder ID", "ID must be a valid UUID")
		return nil, false
	}

	rem, err := h.store.Get(r.Context(), id)
	if err == nil && owner != "" && rem.Owner != owner {
		// other owners' reminders are indistinguishable from missing ones
		err = reminder.ErrNotFound
	}
	if err != nil {
		h.writeDomainError(w, err, "Failed to load reminder")
		return nil, false
	}
	return rem, true
}

// writeDomainError maps reminder errors to problem+json. title is used for
// unexpected errors, whose detail is not exposed.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, title string) {
	switch {
	case errors.Is(err, reminder.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Reminder not found", "")
	case errors.Is(err, reminder.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", "Reminder was modified concurrently", err.Error())
	case errors.Is(err, reminder.ErrInvalid):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid reminder", err.Error())
	default:
		if title == "" {
			title = "Internal error"
		}
		h.writeError(w, http.StatusInternalServerError, "internal_error", title, "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	writeProblem(w, status, errType, title, detail)
}
