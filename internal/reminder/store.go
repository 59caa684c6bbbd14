package reminder

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
)

// Store persists reminders. Implementations must make ClaimDue a single
// atomic conditional update so concurrent pollers never claim the same row.
type Store interface {
	// Put inserts r when r.Version is 0, otherwise replaces the stored row if
	// its version still equals r.Version. On success r.Version is advanced.
	Put(ctx context.Context, r *Reminder) error
	Get(ctx context.Context, id uuid.UUID) (*Reminder, error)
	Query(ctx context.Context, owner string, f Filter) iter.Seq2[*Reminder, error]
	// Delete cancels a live reminder. Terminal reminders are left untouched.
	Delete(ctx context.Context, id uuid.UUID) error
	ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*Reminder, error)
	// ReleaseExpired returns reminders whose claim lapsed at or before now to
	// pending, due immediately, and reports how many were released.
	ReleaseExpired(ctx context.Context, now time.Time) (int, error)
}
