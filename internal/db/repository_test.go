package db

import (
	"context"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// newPostgresRepository connects to the database named by REMINDARR_TEST_DB_*
// and empties the reminders table. Point it at a throwaway database only.
func newPostgresRepository(t *testing.T, opts ...Option) *Repository {
	t.Helper()
	host := os.Getenv("REMINDARR_TEST_DB_HOST")
	if host == "" {
		t.Skip("REMINDARR_TEST_DB_HOST not set")
	}
	port := 5432
	if v := os.Getenv("REMINDARR_TEST_DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		require.NoError(t, err)
		port = p
	}
	cfg := Config{
		Host:     host,
		Port:     port,
		User:     envOr("REMINDARR_TEST_DB_USER", "postgres"),
		Password: os.Getenv("REMINDARR_TEST_DB_PASSWORD"),
		Database: envOr("REMINDARR_TEST_DB_NAME", "remindarr_test"),
		SSLMode:  envOr("REMINDARR_TEST_DB_SSLMODE", "disable"),
		MaxConns: 8,
	}

	ctx := context.Background()
	database, err := New(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(database.Close)

	schema, err := os.ReadFile("../../migrations/001_create_reminders.up.sql")
	require.NoError(t, err)
	_, err = database.Pool().Exec(ctx, string(schema))
	require.NoError(t, err)
	_, err = database.Pool().Exec(ctx, "TRUNCATE reminders")
	require.NoError(t, err)

	return NewRepository(database, zap.NewNop(), opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func putPostgresOnce(t *testing.T, repo *Repository, at time.Time) *reminder.Reminder {
	t.Helper()
	r, err := reminder.New(reminder.NewParams{
		Owner:    "42",
		Message:  "ping " + at.Format(time.Kitchen),
		Schedule: reminder.OnceAt(at),
	}, base)
	require.NoError(t, err)
	require.NoError(t, repo.Put(context.Background(), r))
	return r
}

func TestPostgresPutVersionCheck(t *testing.T) {
	ctx := context.Background()
	repo := newPostgresRepository(t)
	r := putPostgresOnce(t, repo, base.Add(time.Hour))

	stale, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)

	r.Message = "first writer"
	require.NoError(t, repo.Put(ctx, r))
	assert.Equal(t, int64(2), r.Version)

	stale.Message = "second writer"
	assert.ErrorIs(t, repo.Put(ctx, stale), reminder.ErrConflict)

	got, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "first writer", got.Message)

	dup := r.Clone()
	dup.Version = 0
	assert.ErrorIs(t, repo.Put(ctx, dup), reminder.ErrConflict)

	missing := r.Clone()
	missing.ID = uuid.New()
	assert.ErrorIs(t, repo.Put(ctx, missing), reminder.ErrNotFound)
}

func TestPostgresClaimDueIsExclusive(t *testing.T) {
	ctx := context.Background()
	repo := newPostgresRepository(t)
	for i := range 40 {
		putPostgresOnce(t, repo, base.Add(-time.Duration(i)*time.Second))
	}
	// not yet due
	putPostgresOnce(t, repo, base.Add(time.Minute))

	var (
		mu      sync.Mutex
		claimed = map[uuid.UUID]int{}
		wg      sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := repo.ClaimDue(ctx, base, base.Add(time.Minute), 5)
				if !assert.NoError(t, err) || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, r := range batch {
					claimed[r.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, 40)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "reminder %s claimed %d times", id, n)
	}
}

func TestPostgresClaimDueOrderAndLease(t *testing.T) {
	ctx := context.Background()
	repo := newPostgresRepository(t)
	late := putPostgresOnce(t, repo, base.Add(-time.Minute))
	early := putPostgresOnce(t, repo, base.Add(-time.Hour))

	batch, err := repo.ClaimDue(ctx, base, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, early.ID, batch[0].ID)
	assert.Equal(t, late.ID, batch[1].ID)
	for _, r := range batch {
		assert.Equal(t, reminder.StatusClaimed, r.Status)
		require.NotNil(t, r.ClaimExpiresAt)
		assert.True(t, r.ClaimExpiresAt.Equal(base.Add(time.Minute)))
	}
}

func TestPostgresReleaseExpiredAtLeaseEnd(t *testing.T) {
	ctx := context.Background()
	repo := newPostgresRepository(t)
	r := putPostgresOnce(t, repo, base)

	_, err := repo.ClaimDue(ctx, base, base.Add(time.Minute), 1)
	require.NoError(t, err)

	n, err := repo.ReleaseExpired(ctx, base.Add(time.Minute-time.Microsecond))
	require.NoError(t, err)
	assert.Zero(t, n)

	reap := base.Add(time.Minute)
	n, err = repo.ReleaseExpired(ctx, reap)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusPending, got.Status)
	assert.Nil(t, got.ClaimExpiresAt)
	assert.True(t, got.NextFireAt.Equal(reap))
}

func TestPostgresDelete(t *testing.T) {
	ctx := context.Background()
	mock := clock.NewMock()
	cancelAt := base.Add(90 * time.Minute)
	mock.Set(cancelAt)
	repo := newPostgresRepository(t, WithClock(mock))
	r := putPostgresOnce(t, repo, base.Add(3*time.Hour))

	require.NoError(t, repo.Delete(ctx, r.ID))
	got, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, reminder.StatusCancelled, got.Status)
	assert.Nil(t, got.NextFireAt)
	assert.True(t, got.UpdatedAt.Equal(cancelAt), "updated_at = %s", got.UpdatedAt)

	require.NoError(t, repo.Delete(ctx, r.ID))
	again, err := repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version, "second delete must not write")

	assert.ErrorIs(t, repo.Delete(ctx, uuid.New()), reminder.ErrNotFound)
}
