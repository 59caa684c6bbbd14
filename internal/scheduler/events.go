package scheduler

import (
	"context"
	"time"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// EventType names a lifecycle event
type EventType string

const (
	EventDelivered EventType = "reminder.delivered"
	EventFailed    EventType = "reminder.failed"
)

// Event is published after a completion is stored
type Event struct {
	Type         EventType       `json:"type"`
	ReminderID   string          `json:"reminder_id"`
	Owner        string          `json:"owner"`
	Category     string          `json:"category"`
	Status       reminder.Status `json:"status"`
	AttemptCount int             `json:"attempt_count"`
	LastError    string          `json:"last_error,omitempty"`
	NextFireAt   *time.Time      `json:"next_fire_at,omitempty"`
	At           time.Time       `json:"at"`
}

func NewEvent(t EventType, r *reminder.Reminder, at time.Time) Event {
	e := Event{
		Type:         t,
		ReminderID:   r.ID.String(),
		Owner:        r.Owner,
		Category:     string(r.Category),
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		NextFireAt:   r.NextFireAt,
		At:           at.UTC(),
	}
	if r.LastError != nil {
		e.LastError = *r.LastError
	}
	return e
}

// EventPublisher receives lifecycle events. Failures are logged, never
// propagated to the completion that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, e Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
