package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/db"
	"github.com/lalithlochan/remindarr/internal/reminder"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type fixture struct {
	store  *db.SQLiteRepository
	clock  *clock.Mock
	sched  *Scheduler
	events *recordingPublisher
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(start)
	store, err := db.OpenSQLite(context.Background(), ":memory:", zap.NewNop(), db.WithClock(mock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	events := &recordingPublisher{}

	sched := New(store, Config{LeaseDuration: 60 * time.Second, BatchSize: 10, MaxAttempts: 5}, zap.NewNop(),
		WithClock(mock), WithEventPublisher(events))
	return &fixture{store: store, clock: mock, sched: sched, events: events}
}

func (f *fixture) create(t *testing.T, p reminder.NewParams) *reminder.Reminder {
	t.Helper()
	if p.Owner == "" {
		p.Owner = "42"
	}
	if p.Message == "" {
		p.Message = "reminder"
	}
	r, err := f.sched.Create(context.Background(), p)
	require.NoError(t, err)
	return r
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *reminder.Reminder {
	t.Helper()
	r, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func pollOne(t *testing.T, f *fixture) *reminder.Reminder {
	t.Helper()
	claimed, err := f.sched.PollDue(context.Background())
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	return claimed[0]
}

var start = time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)

func TestOnceReminderEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start.Add(time.Second))})

	claimed, err := f.sched.PollDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed, "not due yet")

	f.clock.Add(time.Second)
	c := pollOne(t, f)
	assert.Equal(t, r.ID, c.ID)
	assert.Equal(t, reminder.StatusClaimed, c.Status)
	assert.True(t, c.ClaimExpiresAt.Equal(start.Add(61*time.Second)))

	require.NoError(t, f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt)))

	got := f.get(t, r.ID)
	assert.Equal(t, reminder.StatusDelivered, got.Status)
	assert.Nil(t, got.NextFireAt)
	assert.True(t, got.LastFiredAt.Equal(start.Add(time.Second)))

	claimed, err = f.sched.PollDue(ctx)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, EventDelivered, f.events.events[0].Type)
}

func TestConcurrentPollersClaimEachReminderOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)

	const total = 25
	for i := range total {
		f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start.Add(-time.Duration(i) * time.Minute))})
	}

	// two independent schedulers over the same store, as with two processes
	other := New(f.store, Config{BatchSize: 4}, zap.NewNop(), WithClock(f.clock))

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for _, s := range []*Scheduler{f.sched, other, f.sched, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.PollDue(ctx)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, r := range claimed {
				seen[r.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "reminder %s claimed by more than one poller", id)
	}
}

func TestCompleteTwiceIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{
		Schedule: reminder.Recurring(reminder.Rule{Kind: reminder.RuleInterval, EveryMinutes: 60}, start),
	})

	c := pollOne(t, f)
	require.NoError(t, f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt)))
	afterFirst := f.get(t, r.ID)
	assert.True(t, afterFirst.NextFireAt.Equal(start.Add(time.Hour)))

	err := f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt))
	assert.ErrorIs(t, err, reminder.ErrConflict)

	afterSecond := f.get(t, r.ID)
	assert.True(t, afterSecond.NextFireAt.Equal(*afterFirst.NextFireAt), "second complete must not advance")
	assert.Equal(t, afterFirst.Version, afterSecond.Version)
}

func TestCompleteWithoutLeaseIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{
		Schedule: reminder.Recurring(reminder.Rule{Kind: reminder.RuleInterval, EveryMinutes: 60}, start),
	})
	c := pollOne(t, f)

	err := f.sched.Complete(ctx, r.ID, Delivered(time.Time{}))
	assert.ErrorIs(t, err, reminder.ErrConflict)

	got := f.get(t, r.ID)
	assert.Equal(t, reminder.StatusClaimed, got.Status)
	assert.True(t, got.NextFireAt.Equal(start), "an unleased outcome must not advance")

	require.NoError(t, f.sched.Complete(ctx, r.ID, Delivered(*c.ClaimExpiresAt)))
}

func TestCompleteUnknownReminder(t *testing.T) {
	f := newFixture(t, start)
	err := f.sched.Complete(context.Background(), uuid.New(), Delivered(time.Time{}))
	assert.ErrorIs(t, err, reminder.ErrNotFound)
}

func TestDailyReminderAcrossSpringForward(t *testing.T) {
	ctx := context.Background()
	// 09:00 EST on the Saturday before clocks change
	saturday := time.Date(2026, 3, 7, 14, 0, 0, 0, time.UTC)
	f := newFixture(t, saturday)
	r := f.create(t, reminder.NewParams{
		Schedule: reminder.Recurring(reminder.Rule{Kind: reminder.RuleDaily, At: "09:00"}, saturday),
		Timezone: "America/New_York",
	})
	require.True(t, r.NextFireAt.Equal(saturday))

	c := pollOne(t, f)
	require.NoError(t, f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt)))

	sunday := time.Date(2026, 3, 8, 13, 0, 0, 0, time.UTC) // 09:00 EDT
	got := f.get(t, r.ID)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, got.NextFireAt.Equal(sunday), "next = %s", got.NextFireAt)

	f.clock.Set(sunday)
	c = pollOne(t, f)
	require.NoError(t, f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt)))
	got = f.get(t, r.ID)
	assert.True(t, got.NextFireAt.Equal(time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)))
}

func TestRecurringSkipsMissedOccurrences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{
		Schedule: reminder.Recurring(reminder.Rule{Kind: reminder.RuleInterval, EveryMinutes: 10}, start),
	})

	// the service was down for 35 minutes
	f.clock.Add(35 * time.Minute)
	c := pollOne(t, f)
	require.NoError(t, f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt)))

	got := f.get(t, r.ID)
	assert.True(t, got.NextFireAt.Equal(start.Add(40*time.Minute)), "next = %s", got.NextFireAt)
}

func TestReapExpiredClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start)})

	stale := pollOne(t, f)

	f.clock.Add(30 * time.Second)
	n, err := f.sched.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(start.Add(61 * time.Second))
	n, err = f.sched.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.get(t, r.ID)
	assert.Equal(t, reminder.StatusPending, got.Status)
	assert.True(t, got.NextFireAt.Equal(start.Add(61*time.Second)))

	fresh := pollOne(t, f)
	assert.Equal(t, r.ID, fresh.ID)

	// the first worker reports late under its lapsed lease
	err = f.sched.Complete(ctx, r.ID, Delivered(*stale.ClaimExpiresAt))
	assert.ErrorIs(t, err, reminder.ErrConflict)

	require.NoError(t, f.sched.Complete(ctx, r.ID, Delivered(*fresh.ClaimExpiresAt)))
	assert.Equal(t, reminder.StatusDelivered, f.get(t, r.ID).Status)
}

func TestReapAtExactLeaseEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start)})
	pollOne(t, f)

	f.clock.Set(start.Add(60*time.Second - time.Millisecond))
	n, err := f.sched.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(start.Add(60 * time.Second))
	n, err = f.sched.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, reminder.StatusPending, f.get(t, r.ID).Status)
}

func TestExpiredButUnreapedClaimCanComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start)})

	c := pollOne(t, f)
	f.clock.Add(2 * time.Minute)

	require.NoError(t, f.sched.Complete(ctx, r.ID, Delivered(*c.ClaimExpiresAt)))
	assert.Equal(t, reminder.StatusDelivered, f.get(t, r.ID).Status)
}

func TestFailuresBackOffThenFail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start)})
	sendErr := errors.New("telegram: 502 bad gateway")

	for attempt := 1; attempt <= 4; attempt++ {
		c := pollOne(t, f)
		require.NoError(t, f.sched.Complete(ctx, c.ID, Failed(*c.ClaimExpiresAt, sendErr)))

		got := f.get(t, r.ID)
		require.Equal(t, reminder.StatusPending, got.Status, "attempt %d", attempt)
		assert.Equal(t, attempt, got.AttemptCount)
		want := f.clock.Now().Add(reminder.DefaultBackoff.Delay(attempt))
		assert.True(t, got.NextFireAt.Equal(want), "attempt %d: next = %s, want %s", attempt, got.NextFireAt, want)

		f.clock.Set(want)
	}

	c := pollOne(t, f)
	require.NoError(t, f.sched.Complete(ctx, c.ID, Failed(*c.ClaimExpiresAt, sendErr)))

	got := f.get(t, r.ID)
	assert.Equal(t, reminder.StatusFailed, got.Status)
	assert.Equal(t, 5, got.AttemptCount)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "502")

	// still listed rather than dropped
	failed, err := reminder.NewFilter("", "", "failed", f.clock.Now(), time.UTC)
	require.NoError(t, err)
	listed, err := reminder.Collect(f.store.Query(ctx, "42", failed))
	require.NoError(t, err)
	require.Len(t, listed, 1)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, EventFailed, f.events.events[0].Type)
	assert.Equal(t, 5, f.events.events[0].AttemptCount)
}

func TestPublishErrorDoesNotFailComplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	f.events.err = errors.New("sns unavailable")
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start)})

	c := pollOne(t, f)
	require.NoError(t, f.sched.Complete(ctx, c.ID, Delivered(*c.ClaimExpiresAt)))
	assert.Equal(t, reminder.StatusDelivered, f.get(t, r.ID).Status)
}

func TestCompleteAfterDeleteIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, start)
	r := f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start)})

	c := pollOne(t, f)
	require.NoError(t, f.store.Delete(ctx, r.ID))

	err := f.sched.Complete(ctx, r.ID, Delivered(*c.ClaimExpiresAt))
	assert.ErrorIs(t, err, reminder.ErrConflict)
	assert.Equal(t, reminder.StatusCancelled, f.get(t, r.ID).Status)
}

func TestPollDueDrainsAllBatches(t *testing.T) {
	f := newFixture(t, start)
	for i := range 23 {
		f.create(t, reminder.NewParams{Schedule: reminder.OnceAt(start.Add(-time.Duration(i) * time.Second))})
	}

	claimed, err := f.sched.PollDue(context.Background())
	require.NoError(t, err)
	assert.Len(t, claimed, 23)
}

func TestCreateRejectsInvalid(t *testing.T) {
	f := newFixture(t, start)
	_, err := f.sched.Create(context.Background(), reminder.NewParams{Owner: "42", Message: "x"})
	assert.ErrorIs(t, err, reminder.ErrInvalid)
}
