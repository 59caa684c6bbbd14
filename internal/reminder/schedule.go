package reminder

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	// Zone data is embedded so recurrence works on minimal images without /usr/share/zoneinfo.
	_ "time/tzdata"
)

// ScheduleKind tags the Schedule variant
type ScheduleKind string

const (
	KindOnce      ScheduleKind = "once"
	KindRecurring ScheduleKind = "recurring"
)

// Schedule is a tagged variant: once(At) or recurring(Rule, Anchor).
// Only the fields of the active Kind are meaningful.
type Schedule struct {
	Kind   ScheduleKind `json:"kind"`
	At     *time.Time   `json:"at,omitempty"`
	Rule   *Rule        `json:"rule,omitempty"`
	Anchor *time.Time   `json:"anchor,omitempty"`
}

// RuleKind selects how a recurring schedule advances
type RuleKind string

const (
	RuleInterval RuleKind = "interval"
	RuleDaily    RuleKind = "daily"
	RuleWeekly   RuleKind = "weekly"
	RuleCron     RuleKind = "cron"
)

// Rule describes periodic re-occurrence. Daily, weekly and cron rules are
// evaluated on the wall clock of the reminder's zone; interval rules add an
// absolute duration.
type Rule struct {
	Kind         RuleKind `json:"kind"`
	EveryMinutes int      `json:"every_minutes,omitempty"` // interval
	At           string   `json:"at,omitempty"`            // daily, weekly: "HH:MM"
	Weekdays     []string `json:"weekdays,omitempty"`      // weekly: "mon".."sun"
	Cron         string   `json:"cron,omitempty"`          // cron: 5-field expression
}

// OnceAt builds a one-shot schedule.
func OnceAt(at time.Time) Schedule {
	return Schedule{Kind: KindOnce, At: timePtr(at)}
}

// Recurring builds a recurring schedule. The anchor is the earliest instant
// the rule may fire at.
func Recurring(rule Rule, anchor time.Time) Schedule {
	r := rule
	r.Weekdays = append([]string(nil), rule.Weekdays...)
	return Schedule{Kind: KindRecurring, Rule: &r, Anchor: timePtr(anchor)}
}

// Validate checks that the active variant is complete and well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindOnce:
		if s.At == nil || s.At.IsZero() {
			return invalidf("once schedule requires at")
		}
		return nil
	case KindRecurring:
		if s.Rule == nil {
			return invalidf("recurring schedule requires rule")
		}
		if s.Anchor == nil || s.Anchor.IsZero() {
			return invalidf("recurring schedule requires anchor")
		}
		return s.Rule.Validate()
	default:
		return invalidf("unknown schedule kind %q", s.Kind)
	}
}

// Validate checks the rule's parameters for its kind.
func (r Rule) Validate() error {
	switch r.Kind {
	case RuleInterval:
		if r.EveryMinutes <= 0 {
			return invalidf("interval rule requires every_minutes > 0")
		}
		if r.EveryMinutes > MaxIntervalMinutes {
			return invalidf("interval rule allows at most %d minutes (366 days)", MaxIntervalMinutes)
		}
	case RuleDaily:
		if _, _, err := parseClock(r.At); err != nil {
			return err
		}
	case RuleWeekly:
		if _, _, err := parseClock(r.At); err != nil {
			return err
		}
		if _, err := parseWeekdays(r.Weekdays); err != nil {
			return err
		}
	case RuleCron:
		if _, err := cron.ParseStandard(r.Cron); err != nil {
			return invalidf("bad cron expression %q: %v", r.Cron, err)
		}
	default:
		return invalidf("unknown rule kind %q", r.Kind)
	}
	return nil
}

// FirstFire returns the first fire time of s, interpreted in loc.
func (s Schedule) FirstFire(loc *time.Location) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	if s.Kind == KindOnce {
		return s.At.UTC(), nil
	}
	if s.Rule.Kind == RuleInterval {
		return s.Anchor.UTC(), nil
	}
	// Advance is strictly-after, so step back one tick to include the anchor itself.
	return s.Rule.Advance(s.Anchor.Add(-time.Nanosecond), loc)
}

// MaxIntervalMinutes is the longest interval rule, and the longest delay a
// chat command accepts: 366 days.
const MaxIntervalMinutes = 366 * 24 * 60

const minutesPerDay = 24 * 60

// Advance returns the earliest occurrence strictly after prev.
func (r Rule) Advance(prev time.Time, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	next, err := r.advance(prev, loc)
	if err != nil {
		return time.Time{}, err
	}
	if !next.After(prev) {
		return time.Time{}, fmt.Errorf("%s rule did not advance past %s", r.Kind, prev.Format(time.RFC3339Nano))
	}
	return next, nil
}

// wholeDays returns the interval in calendar days, or 0 when it is not a
// whole number of days.
func (r Rule) wholeDays() int {
	if r.Kind != RuleInterval || r.EveryMinutes%minutesPerDay != 0 {
		return 0
	}
	return r.EveryMinutes / minutesPerDay
}

func (r Rule) advance(prev time.Time, loc *time.Location) (time.Time, error) {
	switch r.Kind {
	case RuleInterval:
		if r.EveryMinutes <= 0 || r.EveryMinutes > MaxIntervalMinutes {
			return time.Time{}, invalidf("interval rule requires 0 < every_minutes <= %d", MaxIntervalMinutes)
		}
		// day intervals keep the local wall-clock time across DST changes
		if days := r.wholeDays(); days > 0 {
			return prev.In(loc).AddDate(0, 0, days).UTC(), nil
		}
		return prev.Add(time.Duration(r.EveryMinutes) * time.Minute).UTC(), nil

	case RuleDaily, RuleWeekly:
		hh, mm, err := parseClock(r.At)
		if err != nil {
			return time.Time{}, err
		}
		days := allWeekdays
		if r.Kind == RuleWeekly {
			if days, err = parseWeekdays(r.Weekdays); err != nil {
				return time.Time{}, err
			}
		}
		// Re-anchor on the local calendar so DST shifts move the UTC instant,
		// not the wall-clock time.
		local := prev.In(loc)
		for i := 0; i <= 8; i++ {
			cand := time.Date(local.Year(), local.Month(), local.Day()+i, hh, mm, 0, 0, loc)
			if cand.After(prev) && days[cand.Weekday()] {
				return cand.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("no %s occurrence after %s", r.Kind, prev.Format(time.RFC3339))

	case RuleCron:
		sched, err := cron.ParseStandard(r.Cron)
		if err != nil {
			return time.Time{}, invalidf("bad cron expression %q: %v", r.Cron, err)
		}
		next := sched.Next(prev.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("cron %q never fires after %s", r.Cron, prev.Format(time.RFC3339))
		}
		return next.UTC(), nil
	}
	return time.Time{}, invalidf("unknown rule kind %q", r.Kind)
}

// NextAfter advances from prev and then skips occurrences that are already in
// the past relative to now. The result is always strictly after prev.
func (r Rule) NextAfter(prev, now time.Time, loc *time.Location) (time.Time, error) {
	next, err := r.Advance(prev, loc)
	if err != nil {
		return time.Time{}, err
	}
	if next.After(now) {
		return next, nil
	}
	if r.Kind == RuleInterval && r.wholeDays() == 0 {
		every := time.Duration(r.EveryMinutes) * time.Minute
		missed := now.Sub(next)/every + 1
		return next.Add(missed * every).UTC(), nil
	}
	for i := 0; i < 10000 && !next.After(now); i++ {
		if next, err = r.Advance(next, loc); err != nil {
			return time.Time{}, err
		}
	}
	return next, nil
}

func (s Schedule) clone() Schedule {
	c := s
	c.At = cloneTime(s.At)
	c.Anchor = cloneTime(s.Anchor)
	if s.Rule != nil {
		r := *s.Rule
		r.Weekdays = append([]string(nil), s.Rule.Weekdays...)
		c.Rule = &r
	}
	return c
}

var allWeekdays = [7]bool{true, true, true, true, true, true, true}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func parseWeekdays(names []string) ([7]bool, error) {
	var days [7]bool
	if len(names) == 0 {
		return days, invalidf("weekly rule requires weekdays")
	}
	for _, n := range names {
		d, ok := weekdayNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return days, invalidf("unknown weekday %q", n)
		}
		days[d] = true
	}
	return days, nil
}

// parseClock parses "HH:MM" in 24h form.
func parseClock(s string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, invalidf("time of day must be HH:MM, got %q", s)
	}
	hh, err1 := strconv.Atoi(hs)
	mm, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 || len(ms) != 2 {
		return 0, 0, invalidf("time of day must be HH:MM, got %q", s)
	}
	return hh, mm, nil
}
