package db

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindarr/internal/reminder"
)

// Repository is the Postgres reminder store
type Repository struct {
	db     *DB
	logger *zap.Logger
	clock  clock.Clock
}

var _ reminder.Store = (*Repository)(nil)

// NewRepository creates a new reminder repository
func NewRepository(db *DB, logger *zap.Logger, opts ...Option) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		clock:  applyOptions(opts).clock,
	}
}

// Put inserts a new reminder or replaces an existing one under an optimistic
// version check.
func (r *Repository) Put(ctx context.Context, rem *reminder.Reminder) error {
	schedule, err := encodeSchedule(rem.Schedule)
	if err != nil {
		return err
	}

	if rem.Version == 0 {
		query := `
			INSERT INTO reminders (
				id, owner, message, schedule, timezone, category, status,
				next_fire_at, claim_expires_at, attempt_count, last_error, last_fired_at,
				version, created_at, updated_at
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1, $13, $14
			)
			ON CONFLICT (id) DO NOTHING
		`
		tag, err := r.db.Pool().Exec(ctx, query,
			rem.ID, rem.Owner, rem.Message, schedule, rem.Timezone,
			string(rem.Category), string(rem.Status),
			rem.NextFireAt, rem.ClaimExpiresAt, rem.AttemptCount, rem.LastError, rem.LastFiredAt,
			rem.CreatedAt, rem.UpdatedAt,
		)
		if err != nil {
			r.logger.Error("failed to insert reminder",
				zap.Error(err),
				zap.String("reminder_id", rem.ID.String()),
			)
			return fmt.Errorf("insert reminder: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: reminder %s already exists", reminder.ErrConflict, rem.ID)
		}
		rem.Version = 1

		r.logger.Info("reminder created",
			zap.String("reminder_id", rem.ID.String()),
			zap.String("owner", rem.Owner),
			zap.String("category", string(rem.Category)),
		)
		return nil
	}

	query := `
		UPDATE reminders
		SET owner = $2, message = $3, schedule = $4, timezone = $5, category = $6, status = $7,
			next_fire_at = $8, claim_expires_at = $9, attempt_count = $10, last_error = $11,
			last_fired_at = $12, updated_at = $13, version = version + 1
		WHERE id = $1 AND version = $14
	`
	tag, err := r.db.Pool().Exec(ctx, query,
		rem.ID, rem.Owner, rem.Message, schedule, rem.Timezone,
		string(rem.Category), string(rem.Status),
		rem.NextFireAt, rem.ClaimExpiresAt, rem.AttemptCount, rem.LastError, rem.LastFiredAt,
		rem.UpdatedAt, rem.Version,
	)
	if err != nil {
		r.logger.Error("failed to update reminder",
			zap.Error(err),
			zap.String("reminder_id", rem.ID.String()),
		)
		return fmt.Errorf("update reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrConflict(ctx, rem.ID)
	}
	rem.Version++
	return nil
}

// Get retrieves a reminder by ID
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*reminder.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`

	rem, err := scanPostgres(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	if err != nil {
		r.logger.Error("failed to get reminder",
			zap.Error(err),
			zap.String("reminder_id", id.String()),
		)
		return nil, fmt.Errorf("query reminder: %w", err)
	}
	return rem, nil
}

// Query streams an owner's reminders in fire order. Rows are read as the
// caller ranges; breaking out of the loop releases the connection.
func (r *Repository) Query(ctx context.Context, owner string, f reminder.Filter) iter.Seq2[*reminder.Reminder, error] {
	return func(yield func(*reminder.Reminder, error) bool) {
		query, args := listQuery(postgresDialect, owner, f)
		rows, err := r.db.Pool().Query(ctx, query, args...)
		if err != nil {
			yield(nil, fmt.Errorf("query reminders: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			rem, err := scanPostgres(rows)
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

// Delete cancels a pending or claimed reminder. Deleting a reminder that is
// already terminal succeeds without changing it.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE reminders
		SET status = 'cancelled', next_fire_at = NULL, claim_expires_at = NULL,
			updated_at = $2, version = version + 1
		WHERE id = $1 AND status IN ('pending', 'claimed')
	`
	tag, err := r.db.Pool().Exec(ctx, query, id, r.clock.Now().UTC())
	if err != nil {
		return fmt.Errorf("cancel reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		exists, err := r.exists(ctx, id)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
		}
		return nil
	}

	r.logger.Info("reminder cancelled", zap.String("reminder_id", id.String()))
	return nil
}

// ClaimDue leases up to limit due reminders. SKIP LOCKED lets concurrent
// pollers take disjoint batches instead of blocking on each other.
func (r *Repository) ClaimDue(ctx context.Context, now, leaseUntil time.Time, limit int) ([]*reminder.Reminder, error) {
	query := `
		UPDATE reminders
		SET status = 'claimed', claim_expires_at = $2, updated_at = $1, version = version + 1
		WHERE id IN (
			SELECT id FROM reminders
			WHERE status = 'pending' AND next_fire_at <= $1
			ORDER BY next_fire_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + reminderColumns

	rows, err := r.db.Pool().Query(ctx, query, now.UTC(), leaseUntil.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim due reminders: %w", err)
	}
	defer rows.Close()

	var claimed []*reminder.Reminder
	for rows.Next() {
		rem, err := scanPostgres(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed reminder: %w", err)
		}
		claimed = append(claimed, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// RETURNING does not preserve the subquery order
	slices.SortFunc(claimed, byNextFire)
	return claimed, nil
}

// ReleaseExpired puts lapsed claims back into the due queue
func (r *Repository) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	query := `
		UPDATE reminders
		SET status = 'pending', next_fire_at = $1, claim_expires_at = NULL,
			updated_at = $1, version = version + 1
		WHERE status = 'claimed' AND claim_expires_at <= $1
	`
	tag, err := r.db.Pool().Exec(ctx, query, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("release expired claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *Repository) exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.Pool().QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM reminders WHERE id = $1)", id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check reminder exists: %w", err)
	}
	return exists, nil
}

func (r *Repository) missingOrConflict(ctx context.Context, id uuid.UUID) error {
	exists, err := r.exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", reminder.ErrNotFound, id)
	}
	return fmt.Errorf("%w: reminder %s was modified concurrently", reminder.ErrConflict, id)
}

func scanPostgres(row pgx.Row) (*reminder.Reminder, error) {
	var (
		rem              reminder.Reminder
		schedule         []byte
		category, status string
	)
	err := row.Scan(
		&rem.ID,
		&rem.Owner,
		&rem.Message,
		&schedule,
		&rem.Timezone,
		&category,
		&status,
		&rem.NextFireAt,
		&rem.ClaimExpiresAt,
		&rem.AttemptCount,
		&rem.LastError,
		&rem.LastFiredAt,
		&rem.Version,
		&rem.CreatedAt,
		&rem.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if rem.Schedule, err = decodeSchedule(schedule); err != nil {
		return nil, err
	}
	rem.Category = reminder.Category(category)
	rem.Status = reminder.Status(status)
	return &rem, nil
}

func byNextFire(a, b *reminder.Reminder) int {
	switch {
	case a.NextFireAt == nil || b.NextFireAt == nil:
		return 0
	case a.NextFireAt.Before(*b.NextFireAt):
		return -1
	case b.NextFireAt.Before(*a.NextFireAt):
		return 1
	}
	return 0
}
