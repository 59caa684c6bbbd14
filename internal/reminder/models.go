package reminder

import (
	"time"

	"github.com/google/uuid"
)

// Reminder represents a user's intent to be notified
type Reminder struct {
	ID             uuid.UUID  `json:"id"`
	Owner          string     `json:"owner"`
	Message        string     `json:"message"`
	Schedule       Schedule   `json:"schedule"`
	Timezone       string     `json:"timezone"`
	Category       Category   `json:"category"`
	Status         Status     `json:"status"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	ClaimExpiresAt *time.Time `json:"claim_expires_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      *string    `json:"last_error,omitempty"`
	LastFiredAt    *time.Time `json:"last_fired_at,omitempty"`
	Version        int64      `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Status is the lifecycle state of a reminder
type Status string

// Status constants
const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions leave s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// ParseStatus validates a status string from user input.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusClaimed, StatusDelivered, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", invalidf("unknown status %q", s)
}

// Category is used for listing only and is orthogonal to the schedule
type Category string

// Category constants
const (
	CategorySource    Category = "source"
	CategoryRecurring Category = "recurring"
	CategorySingle    Category = "single"
	CategoryNotion    Category = "notion"
)

// ParseCategory validates a stored category. Use ParseCategoryFilter for
// listing input, which also accepts "all".
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategorySource, CategoryRecurring, CategorySingle, CategoryNotion:
		return c, nil
	}
	return "", invalidf("unknown category %q", s)
}

// DefaultCategory derives the category from the schedule kind.
func DefaultCategory(s Schedule) Category {
	if s.Kind == KindRecurring {
		return CategoryRecurring
	}
	return CategorySingle
}

// Location loads the reminder's zone, falling back to UTC for an empty name.
func (r *Reminder) Location() (*time.Location, error) {
	return LoadLocation(r.Timezone)
}

// LoadLocation resolves an IANA zone name. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, invalidf("unknown timezone %q", name)
	}
	return loc, nil
}

// ClaimExpired reports whether the reminder's lease has run out at now. A
// lease ending at T is expired at T.
func (r *Reminder) ClaimExpired(now time.Time) bool {
	return r.Status == StatusClaimed && r.ClaimExpiresAt != nil && !now.Before(*r.ClaimExpiresAt)
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r *Reminder) Clone() *Reminder {
	c := *r
	c.NextFireAt = cloneTime(r.NextFireAt)
	c.ClaimExpiresAt = cloneTime(r.ClaimExpiresAt)
	c.LastFiredAt = cloneTime(r.LastFiredAt)
	if r.LastError != nil {
		e := *r.LastError
		c.LastError = &e
	}
	c.Schedule = r.Schedule.clone()
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	v := t.UTC()
	return &v
}
