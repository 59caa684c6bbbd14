// Package worker turns claimed reminders into Telegram messages.
//
// Each claimed reminder is sent once and then reported to the scheduler with
// exactly one outcome. A process that dies between the send and the report
// leaves its claim to expire; the reap puts the reminder back and it is sent
// again, so owners can see a duplicate after a crash but never a lost reminder.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/remindarr/internal/reminder"
	"github.com/lalithlochan/remindarr/internal/scheduler"
)

// Scheduler is the part of scheduler.Scheduler the worker drives
type Scheduler interface {
	Now() time.Time
	PollDue(ctx context.Context) ([]*reminder.Reminder, error)
	Complete(ctx context.Context, id uuid.UUID, outcome scheduler.Outcome) error
	ReapExpiredClaims(ctx context.Context) (int, error)
}

// Queue hands claimed reminders to another process. EnqueueBatch returns
// the reminders it could not queue.
type Queue interface {
	EnqueueBatch(ctx context.Context, reminders []*reminder.Reminder) []*reminder.Reminder
}

type Config struct {
	PollInterval time.Duration
	Concurrency  int
}

type Worker struct {
	sched  Scheduler
	sender Sender
	queue  Queue
	config Config
	logger *zap.Logger
}

// Option customizes a Worker
type Option func(*Worker)

// WithQueue dispatches through q instead of the in-process pool
func WithQueue(q Queue) Option {
	return func(w *Worker) { w.queue = q }
}

// completeTimeout bounds the outcome write that follows a send, which runs
// even while the worker is shutting down
const completeTimeout = 10 * time.Second

func New(sched Scheduler, sender Sender, cfg Config, logger *zap.Logger, opts ...Option) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 60 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	w := &Worker{
		sched:  sched,
		sender: sender,
		config: cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start polls until ctx is cancelled. The first poll runs immediately so
// reminders that came due while the process was down go out at startup.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce reaps expired claims, claims what is due and hands it off. It
// returns once every locally dispatched reminder has an outcome.
func (w *Worker) RunOnce(ctx context.Context) {
	if _, err := w.sched.ReapExpiredClaims(ctx); err != nil {
		w.logger.Error("failed to reap expired claims", zap.Error(err))
	}

	claimed, err := w.sched.PollDue(ctx)
	if err != nil {
		// whatever was claimed before the error is still ours to deliver
		w.logger.Error("failed to poll due reminders", zap.Error(err))
	}
	if len(claimed) == 0 {
		return
	}

	local := claimed
	if w.queue != nil {
		local = w.queue.EnqueueBatch(ctx, claimed)
		if len(local) > 0 {
			w.logger.Warn("dispatching locally after enqueue failure", zap.Int("count", len(local)))
		}
	}
	w.dispatchAll(ctx, local)
}

func (w *Worker) dispatchAll(ctx context.Context, reminders []*reminder.Reminder) {
	var g errgroup.Group
	g.SetLimit(w.config.Concurrency)

	for _, r := range reminders {
		g.Go(func() error {
			if err := w.Dispatch(ctx, r); err != nil {
				w.logger.Warn("dispatch did not complete",
					zap.String("id", r.ID.String()),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Dispatch sends one claimed reminder and reports the outcome under the
// claim's lease. A lapsed lease returns ErrClaimExpired without sending.
func (w *Worker) Dispatch(ctx context.Context, r *reminder.Reminder) error {
	if r.Status != reminder.StatusClaimed || r.ClaimExpiresAt == nil {
		return fmt.Errorf("%w: reminder %s is %s", reminder.ErrConflict, r.ID, r.Status)
	}
	lease := *r.ClaimExpiresAt

	if r.ClaimExpired(w.sched.Now()) {
		w.logger.Warn("claim expired before dispatch",
			zap.String("id", r.ID.String()),
			zap.Time("lease_until", lease),
		)
		return fmt.Errorf("%w: reminder %s", reminder.ErrClaimExpired, r.ID)
	}

	sendErr := w.sender.Send(ctx, r)
	if sendErr != nil && ctx.Err() != nil {
		// interrupted by shutdown; the claim expires and is reaped
		return ctx.Err()
	}

	outcome := scheduler.Delivered(lease)
	if sendErr != nil {
		outcome = scheduler.Failed(lease, sendErr)
	}

	completeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completeTimeout)
	defer cancel()

	if err := w.sched.Complete(completeCtx, r.ID, outcome); err != nil {
		if errors.Is(err, reminder.ErrConflict) {
			w.logger.Warn("reminder changed while in flight",
				zap.String("id", r.ID.String()),
				zap.Error(err),
			)
		}
		return fmt.Errorf("complete %s: %w", r.ID, err)
	}
	return nil
}
