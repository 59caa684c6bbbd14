package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

const reminderColumns = `id, owner, message, schedule, timezone, category, status,
	next_fire_at, claim_expires_at, attempt_count, last_error, last_fired_at,
	version, created_at, updated_at`

// dialect covers the two differences between the stores' SQL: placeholder
// syntax and how an instant is bound.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return t.UnixMilli() },
}

// listQuery renders the owner listing. The window compares against
// next_fire_at, falling back to last_fired_at for reminders with nothing
// scheduled, so delivered reminders still show up under "today".
func listQuery(d dialect, owner string, f reminder.Filter) (string, []any) {
	var (
		where = []string{"owner = " + d.placeholder(1)}
		args  = []any{owner}
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, d.placeholder(len(args))))
	}

	if f.Category != "" {
		add("category = %s", string(f.Category))
	}
	if f.Status != "" {
		add("status = %s", string(f.Status))
	}
	if f.FireFrom != nil {
		add("COALESCE(next_fire_at, last_fired_at) >= %s", d.timeArg(*f.FireFrom))
	}
	if f.FireTo != nil {
		add("COALESCE(next_fire_at, last_fired_at) < %s", d.timeArg(*f.FireTo))
	}

	q := "SELECT " + reminderColumns + " FROM reminders WHERE " +
		strings.Join(where, " AND ") +
		" ORDER BY next_fire_at IS NULL, next_fire_at, created_at"
	return q, args
}

func encodeSchedule(s reminder.Schedule) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return b, nil
}

func decodeSchedule(b []byte) (reminder.Schedule, error) {
	var s reminder.Schedule
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode schedule: %w", err)
	}
	return s, nil
}
