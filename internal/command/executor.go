package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/metrics"
	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Creator is the part of scheduler.Scheduler used to add reminders
type Creator interface {
	Now() time.Time
	Create(ctx context.Context, p reminder.NewParams) (*reminder.Reminder, error)
}

const helpText = `Remindarr keeps your reminders.

/remind <n><unit> <text> - once, after a delay
/every <n><unit> <text> - repeat at an interval
/daily HH:MM <text> - every day at a local time
/list [category] [today|tomorrow|all] - show reminders
/delete <id> - cancel a reminder

Units: m, h, d (also min, hours, days).`

const startText = "Hi from Remindarr! Send /help to see what I can do."

// listLimit caps how many reminders one /list reply shows
const listLimit = 30

// Executor runs parsed commands on behalf of a chat owner
type Executor struct {
	creator  Creator
	store    reminder.Store
	timezone string
	logger   *zap.Logger
}

// NewExecutor uses timezone for new reminders and list windows
func NewExecutor(creator Creator, store reminder.Store, timezone string, logger *zap.Logger) *Executor {
	return &Executor{creator: creator, store: store, timezone: timezone, logger: logger}
}

// Execute runs c for owner and returns the reply text. Validation problems
// are part of the reply; only store failures are returned as errors.
func (e *Executor) Execute(ctx context.Context, owner string, c Command) (string, error) {
	switch c.Kind {
	case KindStart:
		return startText, nil
	case KindHelp:
		return helpText, nil
	case KindRemind, KindEvery, KindDaily:
		return e.create(ctx, owner, c)
	case KindList:
		return e.list(ctx, owner, c)
	case KindDelete:
		return e.delete(ctx, owner, c)
	}
	return "", fmt.Errorf("unhandled command %q", c.Kind)
}

// Reply parses text and executes it, turning usage errors into replies
func (e *Executor) Reply(ctx context.Context, owner, text string) (string, error) {
	c, err := Parse(text)
	if err != nil {
		return err.Error(), nil
	}
	return e.Execute(ctx, owner, c)
}

func (e *Executor) create(ctx context.Context, owner string, c Command) (string, error) {
	p, err := c.Params(owner, e.timezone, e.creator.Now())
	if err != nil {
		return "", err
	}
	r, err := e.creator.Create(ctx, p)
	if errors.Is(err, reminder.ErrInvalid) {
		return "Could not create that reminder: " + err.Error(), nil
	}
	if err != nil {
		return "", err
	}

	metrics.RecordReminderCreated(string(r.Category), "chat")
	e.logger.Info("reminder created from chat",
		zap.String("reminder_id", r.ID.String()),
		zap.String("owner", owner),
		zap.String("command", string(c.Kind)),
	)

	var b strings.Builder
	fmt.Fprintf(&b, "Reminder set for %s", e.formatTime(*r.NextFireAt))
	if c.Kind != KindRemind {
		b.WriteString(", repeating")
	}
	fmt.Fprintf(&b, ".\nID: %s", r.ID)
	return b.String(), nil
}

func (e *Executor) list(ctx context.Context, owner string, c Command) (string, error) {
	loc, err := reminder.LoadLocation(e.timezone)
	if err != nil {
		return "", err
	}
	f, err := reminder.NewFilter(c.Category, c.Window, "", e.creator.Now(), loc)
	if err != nil {
		return err.Error(), nil
	}

	var (
		b     strings.Builder
		shown int
		more  bool
	)
	for r, err := range e.store.Query(ctx, owner, f) {
		if err != nil {
			return "", err
		}
		if shown == listLimit {
			more = true
			break
		}
		shown++
		e.writeLine(&b, r)
	}

	if shown == 0 {
		return "No reminders.", nil
	}
	if more {
		fmt.Fprintf(&b, "Showing the first %d.", listLimit)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (e *Executor) writeLine(b *strings.Builder, r *reminder.Reminder) {
	when := "-"
	if t := r.EffectiveFireTime(); t != nil {
		when = e.formatTime(*t)
	}
	fmt.Fprintf(b, "%s [%s] %s\n  %s, %s\n", when, r.Category, r.Message, r.Status, r.ID)
}

func (e *Executor) delete(ctx context.Context, owner string, c Command) (string, error) {
	r, err := e.store.Get(ctx, c.ID)
	if errors.Is(err, reminder.ErrNotFound) || (err == nil && r.Owner != owner) {
		return "No reminder with that id.", nil
	}
	if err != nil {
		return "", err
	}
	if err := e.store.Delete(ctx, c.ID); err != nil {
		return "", err
	}
	if r.Status.Terminal() {
		return fmt.Sprintf("That reminder is already %s.", r.Status), nil
	}
	return "Reminder cancelled.", nil
}

// formatTime renders t on the owner's wall clock, e.g. 2026-10-19 09:00 CEST
func (e *Executor) formatTime(t time.Time) string {
	loc, err := reminder.LoadLocation(e.timezone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}
