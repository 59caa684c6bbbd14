package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Sender delivers one reminder to its owner. A returned error marks the
// attempt as failed and schedules a retry.
type Sender interface {
	Send(ctx context.Context, r *reminder.Reminder) error
}

// LogSender only logs reminders. Used in development when no bot token is set.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, r *reminder.Reminder) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("reminder sent",
		zap.String("id", r.ID.String()),
		zap.String("owner", r.Owner),
		zap.String("category", string(r.Category)),
		zap.String("message", r.Message),
	)
	return nil
}
