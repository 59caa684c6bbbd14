package reminder

import (
	"errors"
	"testing"
	"time"
)

func TestWindowBoundsUseOwnerZone(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	// 03:00Z on the 19th is still the evening of the 18th in New York
	now := utc("2026-10-19T03:00:00Z")

	from, to := WindowToday.Bounds(now, ny)
	if want := utc("2026-10-18T04:00:00Z"); !from.Equal(want) {
		t.Errorf("today from = %s, want %s", from, want)
	}
	if want := utc("2026-10-19T04:00:00Z"); !to.Equal(want) {
		t.Errorf("today to = %s, want %s", to, want)
	}

	from, to = WindowTomorrow.Bounds(now, ny)
	if want := utc("2026-10-19T04:00:00Z"); !from.Equal(want) {
		t.Errorf("tomorrow from = %s, want %s", from, want)
	}
	if want := utc("2026-10-20T04:00:00Z"); !to.Equal(want) {
		t.Errorf("tomorrow to = %s, want %s", to, want)
	}

	if from, to := WindowAll.Bounds(now, ny); from != nil || to != nil {
		t.Error("all window should be unbounded")
	}
}

func TestNewFilterParsing(t *testing.T) {
	now := utc("2026-10-19T12:00:00Z")

	tests := []struct {
		name                     string
		category, window, status string
		wantErr                  bool
		wantCategory             Category
	}{
		{name: "defaults"},
		{name: "all keyword", category: "all", window: "all"},
		{name: "notion today", category: "notion", window: "today", wantCategory: CategoryNotion},
		{name: "source pending", category: "SOURCE", status: "pending", wantCategory: CategorySource},
		{name: "bad category", category: "work", wantErr: true},
		{name: "bad window", window: "yesterday", wantErr: true},
		{name: "bad status", status: "sleeping", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := NewFilter(tt.category, tt.window, tt.status, now, time.UTC)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalid) {
					t.Errorf("err = %v, want ErrInvalid", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Category != tt.wantCategory {
				t.Errorf("category = %q, want %q", f.Category, tt.wantCategory)
			}
		})
	}
}

func TestFilterMatch(t *testing.T) {
	now := utc("2026-10-19T12:00:00Z")
	today := utc("2026-10-19T18:00:00Z")
	tomorrow := utc("2026-10-20T09:00:00Z")

	pendingToday := &Reminder{Category: CategorySingle, Status: StatusPending, NextFireAt: &today}
	pendingTomorrow := &Reminder{Category: CategoryRecurring, Status: StatusPending, NextFireAt: &tomorrow}
	deliveredToday := &Reminder{Category: CategorySingle, Status: StatusDelivered, LastFiredAt: &today}
	cancelled := &Reminder{Category: CategoryNotion, Status: StatusCancelled}

	todayFilter, _ := NewFilter("", "today", "", now, time.UTC)
	tomorrowFilter, _ := NewFilter("", "tomorrow", "", now, time.UTC)
	pendingSingle, _ := NewFilter("single", "", "pending", now, time.UTC)

	tests := []struct {
		name   string
		filter Filter
		r      *Reminder
		want   bool
	}{
		{"today matches today", todayFilter, pendingToday, true},
		{"today skips tomorrow", todayFilter, pendingTomorrow, false},
		{"today uses last fired time", todayFilter, deliveredToday, true},
		{"windowed skips unscheduled", todayFilter, cancelled, false},
		{"tomorrow matches", tomorrowFilter, pendingTomorrow, true},
		{"status and category", pendingSingle, pendingToday, true},
		{"status mismatch", pendingSingle, deliveredToday, false},
		{"empty filter matches all", Filter{}, cancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.r); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}
