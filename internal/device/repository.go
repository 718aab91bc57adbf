package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `id, user_id, push_token, platform, name, active,
	failed_attempts, last_fail_reason, last_seen_at, created_at`

func scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.PushToken,
		&d.Platform,
		&d.Name,
		&d.Active,
		&d.FailedAttempts,
		&d.LastFailReason,
		&d.LastSeenAt,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// PGRepository is the PostgreSQL implementation of Repository.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a device repository backed by PostgreSQL.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Upsert registers a device by push token. Registering a token that already
// exists transfers the device to params.UserID, reactivates it, and clears
// its failure counter.
func (r *PGRepository) Upsert(ctx context.Context, params UpsertParams) (*Device, error) {
	query := fmt.Sprintf(`
		INSERT INTO devices (user_id, push_token, platform, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (push_token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			platform = EXCLUDED.platform,
			name = EXCLUDED.name,
			active = TRUE,
			failed_attempts = 0,
			last_fail_reason = '',
			last_seen_at = now()
		RETURNING %s`, selectColumns)

	row := r.db.QueryRow(ctx, query, params.UserID, params.PushToken, params.Platform, params.Name)

	d, err := scanDevice(row)
	if err != nil {
		return nil, fmt.Errorf("upserting device: %w", err)
	}
	return d, nil
}

// GetByID fetches a device by ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Device, error) {
	query := fmt.Sprintf(`SELECT %s FROM devices WHERE id = $1`, selectColumns)

	d, err := scanDevice(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting device by id: %w", err)
	}
	return d, nil
}

// ListByUser returns all of a user's devices, newest first.
func (r *PGRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM devices
		WHERE user_id = $1
		ORDER BY created_at DESC`, selectColumns)

	return r.list(ctx, query, userID)
}

// ListActiveByUser returns the user's devices that are eligible for push
// delivery.
func (r *PGRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM devices
		WHERE user_id = $1 AND active
		ORDER BY created_at DESC`, selectColumns)

	return r.list(ctx, query, userID)
}

// ListActiveByUserAndPlatform narrows ListActiveByUser to one platform.
func (r *PGRepository) ListActiveByUserAndPlatform(ctx context.Context, userID uuid.UUID, platform string) ([]Device, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM devices
		WHERE user_id = $1 AND platform = $2 AND active
		ORDER BY created_at DESC`, selectColumns)

	return r.list(ctx, query, userID, platform)
}

func (r *PGRepository) list(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// RecordFailure increments the device's consecutive-failure counter and
// deactivates it once the counter reaches deactivateAt. It returns true when
// this call deactivated the device.
func (r *PGRepository) RecordFailure(ctx context.Context, id uuid.UUID, reason string, deactivateAt int) (bool, error) {
	query := `
		UPDATE devices SET
			failed_attempts = failed_attempts + 1,
			last_fail_reason = $2,
			active = failed_attempts + 1 < $3
		WHERE id = $1
		RETURNING NOT active`

	var deactivated bool
	err := r.db.QueryRow(ctx, query, id, reason, deactivateAt).Scan(&deactivated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("recording device failure: %w", err)
	}

	if deactivated {
		r.log.Warn().
			Str("device_id", id.String()).
			Str("reason", reason).
			Msg("device deactivated after repeated push failures")
	}
	return deactivated, nil
}

// RecordSuccess clears the failure counter and stamps last_seen_at.
func (r *PGRepository) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE devices SET
			failed_attempts = 0,
			last_fail_reason = '',
			last_seen_at = now()
		WHERE id = $1`

	ct, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("recording device success: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a device. The userID guard keeps users from deleting other
// users' devices.
func (r *PGRepository) Delete(ctx context.Context, id, userID uuid.UUID) error {
	ct, err := r.db.Exec(ctx, `DELETE FROM devices WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
