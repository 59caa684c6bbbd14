package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/reminder"
	"github.com/lalithlochan/remindarr/internal/sqs"
)

// Receiver is implemented by sqs.Consumer
type Receiver interface {
	ReceiveMessage(ctx context.Context) (*sqs.Message, string, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, d time.Duration) error
}

// Loader reloads a reminder by id. Satisfied by every reminder.Store.
type Loader interface {
	Get(ctx context.Context, id uuid.UUID) (*reminder.Reminder, error)
}

// Consumer delivers reminders that another process claimed and queued.
type Consumer struct {
	queue    Receiver
	store    Loader
	worker   *Worker
	logger   *zap.Logger
	inFlight atomic.Int64
}

func NewConsumer(queue Receiver, store Loader, worker *Worker, logger *zap.Logger) *Consumer {
	return &Consumer{
		queue:  queue,
		store:  store,
		worker: worker,
		logger: logger,
	}
}

// receiveBackoff is the pause after a failed receive
const receiveBackoff = time.Second

// Start runs Concurrency receive loops until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	var g errgroup.Group
	for range c.worker.config.Concurrency {
		g.Go(func() error {
			c.loop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	c.logger.Info("consumer stopping")
}

func (c *Consumer) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := c.ProcessOne(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to process queued reminder", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
		}
	}
}

// ProcessOne handles at most one message. The message is deleted once the
// reminder has an outcome or no longer holds the claim it was queued under.
// A message interrupted by shutdown is released at once so another consumer
// can pick it up while the claim is still valid.
func (c *Consumer) ProcessOne(ctx context.Context) error {
	msg, receipt, err := c.queue.ReceiveMessage(ctx)
	if err != nil {
		if receipt != "" {
			// undecodable, it will never succeed
			c.drop(ctx, receipt)
		}
		return err
	}
	if msg == nil {
		return nil
	}

	metrics.SetSQSMessagesInFlight(int(c.inFlight.Add(1)))
	defer func() { metrics.SetSQSMessagesInFlight(int(c.inFlight.Add(-1))) }()

	id, err := uuid.Parse(msg.ReminderID)
	if err != nil {
		c.drop(ctx, receipt)
		return fmt.Errorf("queued reminder id %q: %w", msg.ReminderID, err)
	}

	r, err := c.store.Get(ctx, id)
	if errors.Is(err, reminder.ErrNotFound) {
		c.drop(ctx, receipt)
		return nil
	}
	if err != nil {
		if ctx.Err() != nil {
			c.release(ctx, receipt)
		}
		return fmt.Errorf("load queued reminder %s: %w", id, err)
	}

	if r.Status != reminder.StatusClaimed || r.ClaimExpiresAt == nil ||
		r.ClaimExpiresAt.UnixMilli() != msg.LeaseUntil {
		c.logger.Debug("dropping stale dispatch message",
			zap.String("id", id.String()),
			zap.String("status", string(r.Status)),
		)
		c.drop(ctx, receipt)
		return nil
	}

	err = c.worker.Dispatch(ctx, r)
	if err != nil && ctx.Err() != nil {
		c.release(ctx, receipt)
		return err
	}
	c.drop(ctx, receipt)
	if err != nil && !errors.Is(err, reminder.ErrClaimExpired) {
		return err
	}
	return nil
}

func (c *Consumer) drop(ctx context.Context, receipt string) {
	if err := c.queue.DeleteMessage(context.WithoutCancel(ctx), receipt); err != nil {
		c.logger.Warn("failed to delete dispatch message", zap.Error(err))
	}
}

func (c *Consumer) release(ctx context.Context, receipt string) {
	if err := c.queue.ChangeVisibility(context.WithoutCancel(ctx), receipt, 0); err != nil {
		c.logger.Warn("failed to release dispatch message", zap.Error(err))
	}
}
