// Package scheduler owns every status transition of a stored reminder:
// leasing due reminders, applying delivery outcomes, and releasing claims
// whose worker went away.
//
// Delivery is at-least-once. A worker that crashes after sending but before
// Complete leaves a claim that is reaped and sent again.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Config tunes leasing and retries
type Config struct {
	LeaseDuration time.Duration
	BatchSize     int
	MaxAttempts   int
	Backoff       reminder.Backoff
}

// Outcome is what a dispatcher reports for one claimed reminder. A nil Err
// means delivered. Lease is required and must match the claim the dispatcher
// held.
type Outcome struct {
	Err   error
	Lease time.Time
}

// Delivered reports a successful send under the given lease
func Delivered(lease time.Time) Outcome {
	return Outcome{Lease: lease}
}

// Failed reports a failed send under the given lease
func Failed(lease time.Time, err error) Outcome {
	if err == nil {
		err = reminder.ErrDeliveryFailed
	}
	return Outcome{Err: err, Lease: lease}
}

type Scheduler struct {
	store  reminder.Store
	clock  clock.Clock
	config Config
	events EventPublisher
	logger *zap.Logger
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithClock replaces the wall clock, mainly for tests
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithEventPublisher sends lifecycle events to p
func WithEventPublisher(p EventPublisher) Option {
	return func(s *Scheduler) { s.events = p }
}

func New(store reminder.Store, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = reminder.DefaultBackoff
	}

	s := &Scheduler{
		store:  store,
		clock:  clock.New(),
		config: cfg,
		events: nopPublisher{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now is the scheduler's notion of the current time
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// Create validates p against the scheduler clock and stores the new reminder
func (s *Scheduler) Create(ctx context.Context, p reminder.NewParams) (*reminder.Reminder, error) {
	r, err := reminder.New(p, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, r); err != nil {
		return nil, fmt.Errorf("store reminder: %w", err)
	}
	return r, nil
}

// PollDue claims every reminder due now, BatchSize at a time. All of them
// share one lease deadline.
func (s *Scheduler) PollDue(ctx context.Context) ([]*reminder.Reminder, error) {
	now := s.clock.Now()
	leaseUntil := now.Add(s.config.LeaseDuration)

	var claimed []*reminder.Reminder
	for {
		batch, err := s.store.ClaimDue(ctx, now, leaseUntil, s.config.BatchSize)
		if err != nil {
			return claimed, fmt.Errorf("claim due: %w", err)
		}
		claimed = append(claimed, batch...)
		if len(batch) < s.config.BatchSize {
			break
		}
	}

	if len(claimed) > 0 {
		metrics.RecordClaimed(len(claimed))
		s.logger.Debug("claimed due reminders",
			zap.Int("count", len(claimed)),
			zap.Time("lease_until", leaseUntil),
		)
	}
	return claimed, nil
}

// maxWriteRetries bounds re-reads after losing an optimistic write
const maxWriteRetries = 3

// Complete applies a delivery outcome. Only a claimed reminder can be
// completed, so a repeated or late report returns ErrConflict instead of
// advancing the schedule twice.
func (s *Scheduler) Complete(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	for range maxWriteRetries {
		r, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if r.Status != reminder.StatusClaimed {
			return fmt.Errorf("%w: reminder %s is %s", reminder.ErrConflict, id, r.Status)
		}
		if outcome.Lease.IsZero() {
			return fmt.Errorf("%w: outcome for %s names no lease", reminder.ErrConflict, id)
		}
		if r.ClaimExpiresAt == nil || !r.ClaimExpiresAt.Equal(outcome.Lease) {
			return fmt.Errorf("%w: reminder %s was re-claimed", reminder.ErrConflict, id)
		}

		now := s.clock.Now()
		scheduled := r.NextFireAt
		result := s.apply(r, now, outcome)
		if result == "" {
			return fmt.Errorf("apply outcome to %s: invalid transition", id)
		}

		err = s.store.Put(ctx, r)
		if errors.Is(err, reminder.ErrConflict) {
			s.logger.Debug("complete lost write race, retrying", zap.String("reminder_id", id.String()))
			continue
		}
		if err != nil {
			return fmt.Errorf("store outcome: %w", err)
		}

		metrics.RecordCompleted(result)
		if outcome.Err == nil && scheduled != nil {
			metrics.RecordDeliveryLag(now.Sub(*scheduled))
		}
		s.logCompletion(r, result, outcome.Err)
		s.publish(ctx, r, result, now)
		return nil
	}
	return fmt.Errorf("%w: reminder %s kept changing", reminder.ErrConflict, id)
}

// apply mutates r and returns the completion result label, or "" when the
// transition was rejected.
func (s *Scheduler) apply(r *reminder.Reminder, now time.Time, outcome Outcome) string {
	if outcome.Err == nil {
		if err := r.MarkDelivered(now); err != nil {
			s.logger.Error("mark delivered", zap.String("reminder_id", r.ID.String()), zap.Error(err))
			return ""
		}
		return "delivered"
	}

	if err := r.MarkFailed(now, outcome.Err, s.config.MaxAttempts, s.config.Backoff); err != nil {
		s.logger.Error("mark failed", zap.String("reminder_id", r.ID.String()), zap.Error(err))
		return ""
	}
	if r.Status == reminder.StatusFailed {
		return "failed"
	}
	return "retry"
}

func (s *Scheduler) logCompletion(r *reminder.Reminder, result string, cause error) {
	fields := []zap.Field{
		zap.String("reminder_id", r.ID.String()),
		zap.String("owner", r.Owner),
		zap.String("status", string(r.Status)),
	}
	if r.NextFireAt != nil {
		fields = append(fields, zap.Time("next_fire_at", *r.NextFireAt))
	}

	switch result {
	case "delivered":
		s.logger.Info("reminder delivered", fields...)
	case "retry":
		s.logger.Warn("reminder delivery failed, will retry",
			append(fields, zap.Int("attempt", r.AttemptCount), zap.Error(cause))...)
	case "failed":
		s.logger.Error("reminder delivery failed permanently",
			append(fields, zap.Int("attempts", r.AttemptCount), zap.Error(cause))...)
	}
}

func (s *Scheduler) publish(ctx context.Context, r *reminder.Reminder, result string, now time.Time) {
	var kind EventType
	switch result {
	case "delivered":
		kind = EventDelivered
	case "failed":
		kind = EventFailed
	default:
		return
	}

	if err := s.events.Publish(ctx, NewEvent(kind, r, now)); err != nil {
		s.logger.Warn("failed to publish lifecycle event",
			zap.String("reminder_id", r.ID.String()),
			zap.String("event", string(kind)),
			zap.Error(err),
		)
	}
}

// ReapExpiredClaims releases claims whose lease lapsed so they are polled again
func (s *Scheduler) ReapExpiredClaims(ctx context.Context) (int, error) {
	n, err := s.store.ReleaseExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("reap expired claims: %w", err)
	}
	if n > 0 {
		metrics.RecordReaped(n)
		s.logger.Warn("released expired claims", zap.Int("count", n))
	}
	return n, nil
}
