package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteRepository is the single-node reminder store. Instants are stored as
// unix milliseconds.
//
// The pool holds one connection, so every statement is serialized. That is
// what makes ClaimDue atomic here, and it also means a caller ranging over
// Query must not call back into the store until the loop ends.
type SQLiteRepository struct {
	db     *sql.DB
	logger *zap.Logger
	clock  clock.Clock
}

var _ reminder.Store = (*SQLiteRepository)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies the
// embedded schema. Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, logger *zap.Logger, opts ...Option) (*SQLiteRepository, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logger.Warn("sqlite pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}

	logger.Info("sqlite store opened", zap.String("path", path))

	return &SQLiteRepository{db: db, logger: logger, clock: applyOptions(opts).clock}, nil
}

// Close closes the database
func (s *SQLiteRepository) Close() error {
	return s.db.Close()
}

// Health checks the database is usable
func (s *SQLiteRepository) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteRepository) Put(ctx context.Context, rem *reminder.Reminder) error {
	schedule, err := encodeSchedule(rem.Schedule)
	if err != nil {
		return err
	}

	if rem.Version == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO reminders (
				id, owner, message, schedule, timezone, category, status,
				next_fire_at, claim_expires_at, attempt_count, last_error, last_fired_at,
				version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(id) DO NOTHING`,
			rem.ID.String(), rem.Owner, rem.Message, string(schedule), rem.Timezone,
			string(rem.Category), string(rem.Status),
			millis(rem.NextFireAt), millis(rem.ClaimExpiresAt), rem.AttemptCount,
			rem.LastError, millis(rem.LastFiredAt),
			rem.CreatedAt.UnixMilli(), rem.UpdatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: reminder %s already exists", reminder.ErrConflict, rem.ID)
		}
		rem.Version = 1
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET owner = ?, message = ?, schedule = ?, timezone = ?, category = ?, status = ?,
			next_fire_at = ?, claim_expires_at = ?, attempt_count = ?, last_error = ?,
			last_fired_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		rem.Owner, rem.Message, string(schedule), rem.Timezone,
		string(rem.Category), string(rem.Status),
		millis(rem.NextFireAt), millis(rem.ClaimExpiresAt), rem.AttemptCount, rem.LastError,
		millis(rem.LastFiredAt), rem.UpdatedAt.UnixMilli(),
		rem.ID.String(), rem.Version,
	)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		exists, err := s.exists(ctx, rem.ID)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", reminder.ErrNotFound, rem.ID)
		}
		return fmt.Errorf("%w: reminder %s was modified concurrently", reminder.ErrConflict, rem.ID)
	}
	rem.Version++
	return nil
}

func (s *SQLiteRepository) Get(ctx context.Context, id uuid.UUID) (*reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id.String())
	rem, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query reminder: %w", err)
	}
	return rem, nil
}

func (s *SQLiteRepository) Query(ctx context.Context, owner string, f reminder.Filter) iter.Seq2[*reminder.Reminder, error] {
	return func(yield func(*reminder.Reminder, error) bool) {
		query, args := listQuery(sqliteDialect, owner, f)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("query reminders: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rem, err := scanSQLite(rows)
			if err != nil {
				yield(nil, fmt.Errorf("scan reminder: %w", err))
				return
			}
			if !yield(rem, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("iterate rows: %w", err))
		}
	}
}

func (s *SQLiteRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'cancelled', next_fire_at = NULL, claim_expires_at = NULL,
			updated_at = ?, version = version + 1
		WHERE id = ? AND status IN ('pending', 'claimed')`,
		s.clock.Now().UnixMilli(), id.String(),
	)
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("reminder cancelled", zap.String("reminder_id", id.String()))
		return nil
	}

	exists, err := s.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteRepository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE reminders
		SET status = 'claimed', claim_expires_at = ?, updated_at = ?, version = version + 1
		WHERE status = 'pending' AND id IN (
			SELECT id FROM reminders
			WHERE status = 'pending' AND next_fire_at <= ?
			ORDER BY next_fire_at
			LIMIT ?
		)
		RETURNING `+reminderColumns,
		leaseUntil.UnixMilli(), now.UnixMilli(), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var claimed []*reminder.Reminder
	for rows.Next() {
		rem, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed reminder: %w", err)
		}
		claimed = append(claimed, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	slices.SortFunc(claimed, byNextFire)
	return claimed, nil
}

func (s *SQLiteRepository) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	ms := now.UnixMilli()
	res, err := s.db.ExecContext(ctx, `
		UPDATE reminders
		SET status = 'pending', next_fire_at = ?, claim_expires_at = NULL,
			updated_at = ?, version = version + 1
		WHERE status = 'claimed' AND claim_expires_at <= ?`,
		ms, ms, ms,
	)
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteRepository) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM reminders WHERE id = ?)", id.String()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reminder exists: %w", err)
	}
	return exists, nil
}

type sqlScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row sqlScanner) (*reminder.Reminder, error) {
	var (
		rem                               reminder.Reminder
		id, schedule, category, status    string
		nextFire, claimExpires, lastFired sql.NullInt64
		lastError                         sql.NullString
		createdAt, updatedAt              int64
	)
	err := row.Scan(
		&id,
		&rem.Owner,
		&rem.Message,
		&schedule,
		&rem.Timezone,
		&category,
		&status,
		&nextFire,
		&claimExpires,
		&rem.AttemptCount,
		&lastError,
		&lastFired,
		&rem.Version,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if rem.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse reminder id %q: %w", id, err)
	}
	if rem.Schedule, err = decodeSchedule([]byte(schedule)); err != nil {
		return nil, err
	}
	rem.Category = reminder.Category(category)
	rem.Status = reminder.Status(status)
	rem.NextFireAt = fromMillis(nextFire)
	rem.ClaimExpiresAt = fromMillis(claimExpires)
	rem.LastFiredAt = fromMillis(lastFired)
	if lastError.Valid {
		rem.LastError = &lastError.String
	}
	rem.CreatedAt = time.UnixMilli(createdAt).UTC()
	rem.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &rem, nil
}

func millis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}
