package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Sender mirrors worker.Sender to avoid an import cycle
type Sender interface {
	Send(ctx context.Context, r *reminder.Reminder) error
}

// ProtectedSender decorates a Sender with a CircuitBreaker
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen, wrapped as a delivery failure, while
// the breaker is open. Otherwise it delegates and records the result.
func (p *ProtectedSender) Send(ctx context.Context, r *reminder.Reminder) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.Name()),
			zap.String("reminder_id", r.ID.String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %w: %s sender unavailable",
			reminder.ErrDeliveryFailed, ErrCircuitOpen, p.breaker.Name())
	}

	if err := p.sender.Send(ctx, r); err != nil {
		// a cancelled shutdown says nothing about the dependency's health
		if ctx.Err() == nil {
			p.breaker.RecordFailure()
		}
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker exposes the breaker for health reporting
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
