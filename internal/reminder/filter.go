package reminder

import (
	"iter"
	"strings"
	"time"
)

// Window restricts a listing to reminders firing in a calendar day of the owner's zone
type Window string

const (
	WindowAll      Window = "all"
	WindowToday    Window = "today"
	WindowTomorrow Window = "tomorrow"
)

// Filter selects reminders for listing. Zero values mean "any".
// FireFrom/FireTo bound the effective fire time (next_fire_at, or last_fired_at
// once nothing is scheduled) as a half-open range.
type Filter struct {
	Category Category
	Status   Status
	FireFrom *time.Time
	FireTo   *time.Time
}

// ParseCategoryFilter accepts a category name or "all"/"" for no restriction.
func ParseCategoryFilter(s string) (Category, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" || s == "all" {
		return "", nil
	}
	return ParseCategory(s)
}

// ParseWindow accepts today, tomorrow, all or "".
func ParseWindow(s string) (Window, error) {
	switch w := Window(strings.ToLower(strings.TrimSpace(s))); w {
	case "", WindowAll:
		return WindowAll, nil
	case WindowToday, WindowTomorrow:
		return w, nil
	}
	return "", invalidf("unknown window %q", s)
}

// Bounds returns the [from, to) range of w around now, on the calendar of loc.
// WindowAll has no bounds.
func (w Window) Bounds(now time.Time, loc *time.Location) (*time.Time, *time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	switch w {
	case WindowToday:
		return timePtr(start), timePtr(start.AddDate(0, 0, 1))
	case WindowTomorrow:
		return timePtr(start.AddDate(0, 0, 1)), timePtr(start.AddDate(0, 0, 2))
	}
	return nil, nil
}

// NewFilter combines raw listing parameters into a Filter.
func NewFilter(category, window, status string, now time.Time, loc *time.Location) (Filter, error) {
	var f Filter
	c, err := ParseCategoryFilter(category)
	if err != nil {
		return f, err
	}
	w, err := ParseWindow(window)
	if err != nil {
		return f, err
	}
	if status != "" {
		st, err := ParseStatus(strings.ToLower(status))
		if err != nil {
			return f, err
		}
		f.Status = st
	}
	f.Category = c
	f.FireFrom, f.FireTo = w.Bounds(now, loc)
	return f, nil
}

// EffectiveFireTime is the instant a window filter compares against.
func (r *Reminder) EffectiveFireTime() *time.Time {
	if r.NextFireAt != nil {
		return r.NextFireAt
	}
	return r.LastFiredAt
}

// Match reports whether r passes the filter. Stores evaluate the same
// predicate in SQL; this is the reference used by in-memory callers.
func (f Filter) Match(r *Reminder) bool {
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.FireFrom != nil || f.FireTo != nil {
		t := r.EffectiveFireTime()
		if t == nil {
			return false
		}
		if f.FireFrom != nil && t.Before(*f.FireFrom) {
			return false
		}
		if f.FireTo != nil && !t.Before(*f.FireTo) {
			return false
		}
	}
	return true
}

// Collect drains a lazy query into a slice, stopping at the first error.
func Collect(seq iter.Seq2[*Reminder, error]) ([]*Reminder, error) {
	var out []*Reminder
	for r, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
	return out, nil
}
