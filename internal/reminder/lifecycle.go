package reminder

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewParams carries what the command layer collects for a new reminder.
type NewParams struct {
	Owner    string
	Message  string
	Schedule Schedule
	Timezone string
	Category Category // empty means derive from schedule
}

// New validates p and returns a pending reminder with its first fire time.
func New(p NewParams, now time.Time) (*Reminder, error) {
	if strings.TrimSpace(p.Owner) == "" {
		return nil, invalidf("owner is required")
	}
	if strings.TrimSpace(p.Message) == "" {
		return nil, invalidf("message is required")
	}
	loc, err := LoadLocation(p.Timezone)
	if err != nil {
		return nil, err
	}
	category := p.Category
	if category == "" {
		category = DefaultCategory(p.Schedule)
	} else if _, err := ParseCategory(string(category)); err != nil {
		return nil, err
	}

	first, err := p.Schedule.FirstFire(loc)
	if err != nil {
		return nil, err
	}

	return &Reminder{
		ID:         uuid.New(),
		Owner:      p.Owner,
		Message:    p.Message,
		Schedule:   p.Schedule.clone(),
		Timezone:   loc.String(),
		Category:   category,
		Status:     StatusPending,
		NextFireAt: timePtr(first),
		CreatedAt:  now.UTC(),
		UpdatedAt:  now.UTC(),
	}, nil
}

// MarkDelivered applies a successful delivery. One-shot reminders become
// terminal; recurring ones return to pending with the next occurrence.
func (r *Reminder) MarkDelivered(now time.Time) error {
	if r.Status != StatusClaimed {
		return fmt.Errorf("%w: reminder %s is %s, not claimed", ErrConflict, r.ID, r.Status)
	}
	r.LastFiredAt = timePtr(now)
	r.ClaimExpiresAt = nil
	r.AttemptCount = 0
	r.LastError = nil
	r.UpdatedAt = now.UTC()

	if r.Schedule.Kind != KindRecurring {
		r.Status = StatusDelivered
		r.NextFireAt = nil
		return nil
	}

	loc, err := r.Location()
	if err != nil {
		return err
	}
	prev := now
	if r.NextFireAt != nil {
		prev = *r.NextFireAt
	}
	next, err := r.Schedule.Rule.NextAfter(prev, now, loc)
	if err != nil {
		return fmt.Errorf("advance recurrence: %w", err)
	}
	r.Status = StatusPending
	r.NextFireAt = timePtr(next)
	return nil
}

// MarkFailed records a failed delivery attempt. Below maxAttempts the reminder
// goes back to pending after backoff; at maxAttempts it becomes terminally failed.
func (r *Reminder) MarkFailed(now time.Time, cause error, maxAttempts int, backoff Backoff) error {
	if r.Status != StatusClaimed {
		return fmt.Errorf("%w: reminder %s is %s, not claimed", ErrConflict, r.ID, r.Status)
	}
	r.AttemptCount++
	r.ClaimExpiresAt = nil
	r.UpdatedAt = now.UTC()
	if cause != nil {
		msg := cause.Error()
		r.LastError = &msg
	}

	if r.AttemptCount >= maxAttempts {
		r.Status = StatusFailed
		r.NextFireAt = nil
		return nil
	}
	r.Status = StatusPending
	r.NextFireAt = timePtr(now.Add(backoff.Delay(r.AttemptCount)))
	return nil
}

// Cancel moves a live reminder to cancelled. It reports false when the
// reminder was already terminal and nothing changed.
func (r *Reminder) Cancel(now time.Time) bool {
	if r.Status.Terminal() {
		return false
	}
	r.Status = StatusCancelled
	r.NextFireAt = nil
	r.ClaimExpiresAt = nil
	r.UpdatedAt = now.UTC()
	return true
}

// Backoff maps an attempt number (1-based) to a retry delay. The last entry repeats.
type Backoff []time.Duration

// DefaultBackoff spaces retries out over roughly two hours.
var DefaultBackoff = Backoff{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
}

// Delay returns the wait before the given attempt is retried.
func (b Backoff) Delay(attempt int) time.Duration {
	if len(b) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(b) {
		idx = len(b) - 1
	}
	return b[idx]
}
