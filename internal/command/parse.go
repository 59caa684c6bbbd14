// Package command turns chat text such as "/remind 10m stretch" into
// reminder operations and renders the replies.
package command

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Kind names a chat command
type Kind string

const (
	KindStart  Kind = "start"
	KindHelp   Kind = "help"
	KindRemind Kind = "remind"
	KindEvery  Kind = "every"
	KindDaily  Kind = "daily"
	KindList   Kind = "list"
	KindDelete Kind = "delete"
)

var usage = map[Kind]string{
	KindRemind: "/remind <n><unit> <text>, e.g. /remind 10m stretch",
	KindEvery:  "/every <n><unit> <text>, e.g. /every 2h drink water",
	KindDaily:  "/daily HH:MM <text>, e.g. /daily 09:00 standup",
	KindList:   "/list [category] [today|tomorrow|all]",
	KindDelete: "/delete <id>",
}

// ErrUsage is matched by every parse error; the error text is a reply for the user
var ErrUsage = errors.New("bad command")

// UsageError explains what was wrong with a command and how to write it
type UsageError struct {
	Kind   Kind
	Reason string
}

func (e *UsageError) Error() string {
	if u, ok := usage[e.Kind]; ok {
		return e.Reason + "\nUsage: " + u
	}
	return e.Reason
}

func (e *UsageError) Unwrap() error { return ErrUsage }

func usageErr(k Kind, format string, args ...any) error {
	return &UsageError{Kind: k, Reason: fmt.Sprintf(format, args...)}
}

// Command is one parsed chat command. Only the fields of its Kind are set.
type Command struct {
	Kind     Kind
	Minutes  int       // remind, every
	At       string    // daily, "HH:MM"
	Text     string    // remind, every, daily
	Category string    // list
	Window   string    // list
	ID       uuid.UUID // delete
}

// Parse reads a message starting with a slash command. Bot name suffixes
// such as /list@remindarr_bot are accepted.
func Parse(text string) (Command, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return Command{}, usageErr("", "Commands start with /. Try /help.")
	}

	name, _, _ := strings.Cut(strings.TrimPrefix(fields[0], "/"), "@")
	kind := Kind(strings.ToLower(name))
	args := fields[1:]

	switch kind {
	case KindStart, KindHelp:
		return Command{Kind: kind}, nil
	case KindRemind, KindEvery:
		return parseDelayed(kind, args)
	case KindDaily:
		return parseDaily(args)
	case KindList:
		return parseList(args)
	case KindDelete:
		return parseDelete(args)
	}
	return Command{}, usageErr("", "Unknown command /%s. Try /help.", name)
}

func parseDelayed(kind Kind, args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, usageErr(kind, "Missing duration.")
	}

	// accept both "10m" and "10 m"
	amountText, unitText := splitAmount(args[0])
	rest := args[1:]
	if unitText == "" && len(rest) > 0 {
		unitText, rest = rest[0], rest[1:]
	}

	amount, err := strconv.Atoi(amountText)
	if err != nil || amount <= 0 {
		return Command{}, usageErr(kind, "%q is not a positive number.", amountText)
	}
	multiplier, ok := ParseUnit(unitText)
	if !ok {
		return Command{}, usageErr(kind, "Unknown time unit %q. Use m, h or d.", unitText)
	}
	if amount > reminder.MaxIntervalMinutes/multiplier {
		return Command{}, usageErr(kind, "%s%s is too long, the limit is 366 days.", amountText, unitText)
	}
	if len(rest) == 0 {
		return Command{}, usageErr(kind, "Missing reminder text.")
	}

	return Command{
		Kind:    kind,
		Minutes: amount * multiplier,
		Text:    strings.Join(rest, " "),
	}, nil
}

func parseDaily(args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, usageErr(KindDaily, "Missing time.")
	}
	rule := reminder.Rule{Kind: reminder.RuleDaily, At: args[0]}
	if err := rule.Validate(); err != nil {
		return Command{}, usageErr(KindDaily, "%q is not a time of day.", args[0])
	}
	if len(args) == 1 {
		return Command{}, usageErr(KindDaily, "Missing reminder text.")
	}
	return Command{Kind: KindDaily, At: args[0], Text: strings.Join(args[1:], " ")}, nil
}

func parseList(args []string) (Command, error) {
	c := Command{Kind: KindList}
	if len(args) > 2 {
		return c, usageErr(KindList, "Too many arguments.")
	}
	for _, a := range args {
		if _, err := reminder.ParseCategoryFilter(a); err == nil && c.Category == "" {
			c.Category = strings.ToLower(a)
			continue
		}
		if _, err := reminder.ParseWindow(a); err == nil && c.Window == "" {
			c.Window = strings.ToLower(a)
			continue
		}
		return c, usageErr(KindList, "Unknown category or window %q.", a)
	}
	return c, nil
}

func parseDelete(args []string) (Command, error) {
	if len(args) != 1 {
		return Command{}, usageErr(KindDelete, "Give exactly one reminder id.")
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return Command{}, usageErr(KindDelete, "%q is not a reminder id.", args[0])
	}
	return Command{Kind: KindDelete, ID: id}, nil
}

// splitAmount separates the leading digits of s from its unit suffix
func splitAmount(s string) (string, string) {
	i := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// ParseUnit returns the number of minutes in one unit
func ParseUnit(unit string) (int, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "m", "min", "mins", "minute", "minutes":
		return 1, true
	case "h", "hr", "hrs", "hour", "hours":
		return 60, true
	case "d", "day", "days":
		return 60 * 24, true
	}
	return 0, false
}

// Params builds the reminder a create command asks for, relative to now.
func (c Command) Params(owner, timezone string, now time.Time) (reminder.NewParams, error) {
	p := reminder.NewParams{
		Owner:    owner,
		Message:  c.Text,
		Timezone: timezone,
	}
	delay := time.Duration(c.Minutes) * time.Minute

	switch c.Kind {
	case KindRemind:
		p.Schedule = reminder.OnceAt(now.Add(delay))
	case KindEvery:
		anchor := now.Add(delay)
		if c.Minutes%(24*60) == 0 {
			// whole days start at the same local time tomorrow, even across a DST change
			loc, err := reminder.LoadLocation(timezone)
			if err != nil {
				return p, err
			}
			anchor = now.In(loc).AddDate(0, 0, c.Minutes/(24*60)).UTC()
		}
		p.Schedule = reminder.Recurring(reminder.Rule{Kind: reminder.RuleInterval, EveryMinutes: c.Minutes}, anchor)
	case KindDaily:
		p.Schedule = reminder.Recurring(reminder.Rule{Kind: reminder.RuleDaily, At: c.At}, now)
	default:
		return p, fmt.Errorf("/%s does not create a reminder", c.Kind)
	}
	return p, nil
}
