package user

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *User. Every method that scans into a User must
// select these columns in this exact order.
const selectColumns = `id, email, username, status, is_admin, token_hint, token_created_at, alert_sound,
	life_or_death_mode, quiet_hours_enabled, quiet_hours_start, quiet_hours_end, utc_offset_minutes,
	created_at, updated_at`

// scanUser scans a single row into a *User. The row must contain the columns listed in selectColumns.
func scanUser(row pgx.Row) (*User, error) {
	var u User
	err := row.Scan(
		&u.ID, &u.Email, &u.Username, &u.Status, &u.IsAdmin, &u.TokenHint, &u.TokenCreatedAt, &u.AlertSound,
		&u.LifeOrDeathMode, &u.QuietHoursEnabled, &u.QuietHoursStart, &u.QuietHoursEnd, &u.UTCOffsetMinutes,
		&u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed user repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new user. The email is stored lowercased so lookups are
// case-insensitive.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (uuid.UUID, error) {
	var userID uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO users (email, username, password_hash, is_admin, token_hash, token_hint)
		 VALUES (lower($1), $2, $3, $4, $5, $6)
		 RETURNING id`,
		params.Email, params.Username, params.PasswordHash, params.IsAdmin, params.TokenHash, params.TokenHint,
	).Scan(&userID)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return uuid.Nil, ErrAlreadyExists
		}
		return uuid.Nil, fmt.Errorf("insert user: %w", err)
	}
	return userID, nil
}

// GetByID returns the user matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by id: %w", err)
	}
	return u, nil
}

// GetByEmail returns the user with credentials matching the given email address. This is the only method that returns
// credentials, since it serves the login path.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (*Credentials, error) {
	var c Credentials
	err := r.db.QueryRow(ctx,
		`SELECT `+selectColumns+`, password_hash FROM users WHERE email = lower($1)`, email,
	).Scan(
		&c.ID, &c.Email, &c.Username, &c.Status, &c.IsAdmin, &c.TokenHint, &c.TokenCreatedAt, &c.AlertSound,
		&c.LifeOrDeathMode, &c.QuietHoursEnabled, &c.QuietHoursStart, &c.QuietHoursEnd, &c.UTCOffsetMinutes,
		&c.CreatedAt, &c.UpdatedAt, &c.PasswordHash,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by email: %w", err)
	}
	return &c, nil
}

// GetByTokenHash returns the user whose connection-token hash matches. Serves
// the credential adapter's token validation path.
func (r *PGRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*User, error) {
	u, err := scanUser(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM users WHERE token_hash = $1`, tokenHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query user by token hash: %w", err)
	}
	return u, nil
}

// UpdateSettings applies the non-nil fields in params to the user row and returns the updated user. Returns
// ErrNotFound if no row matches the given ID.
func (r *PGRepository) UpdateSettings(ctx context.Context, id uuid.UUID, params SettingsParams) (*User, error) {
	var setClauses []string
	var args []any

	if params.Username != nil {
		args = append(args, strings.TrimSpace(*params.Username))
		setClauses = append(setClauses, "username = $"+strconv.Itoa(len(args)))
	}
	if params.AlertSound != nil {
		args = append(args, *params.AlertSound)
		setClauses = append(setClauses, "alert_sound = $"+strconv.Itoa(len(args)))
	}
	if params.LifeOrDeathMode != nil {
		args = append(args, *params.LifeOrDeathMode)
		setClauses = append(setClauses, "life_or_death_mode = $"+strconv.Itoa(len(args)))
	}
	if params.QuietHoursEnabled != nil {
		args = append(args, *params.QuietHoursEnabled)
		setClauses = append(setClauses, "quiet_hours_enabled = $"+strconv.Itoa(len(args)))
	}
	if params.QuietHoursStart != nil {
		args = append(args, *params.QuietHoursStart)
		setClauses = append(setClauses, "quiet_hours_start = $"+strconv.Itoa(len(args)))
	}
	if params.QuietHoursEnd != nil {
		args = append(args, *params.QuietHoursEnd)
		setClauses = append(setClauses, "quiet_hours_end = $"+strconv.Itoa(len(args)))
	}
	if params.UTCOffsetMinutes != nil {
		args = append(args, *params.UTCOffsetMinutes)
		setClauses = append(setClauses, "utc_offset_minutes = $"+strconv.Itoa(len(args)))
	}

	// No fields to update. Return the current row without issuing an UPDATE so a no-op PATCH does not bump
	// updated_at.
	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	args = append(args, id)
	query := "UPDATE users SET " + strings.Join(setClauses, ", ") + ", updated_at = now()" +
		" WHERE id = $" + strconv.Itoa(len(args)) +
		" RETURNING " + selectColumns

	u, err := scanUser(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update user settings: %w", err)
	}
	return u, nil
}

// UpdatePasswordHash replaces the stored password hash. Serves lazy hash
// rotation on login when the Argon2 parameters change.
func (r *PGRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET password_hash = $1, updated_at = now() WHERE id = $2`,
		hash, id,
	)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateToken replaces the user's connection-token hash and hint and stamps
// token_created_at. The caller is responsible for disconnecting the user's
// live sessions in the same logical operation.
func (r *PGRepository) RotateToken(ctx context.Context, id uuid.UUID, tokenHash, tokenHint string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users
		 SET token_hash = $1, token_hint = $2, token_created_at = now(), updated_at = now()
		 WHERE id = $3`,
		tokenHash, tokenHint, id,
	)
	if err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the user's status column.
func (r *PGRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET status = $1, updated_at = now() WHERE id = $2`,
		status, id,
	)
	if err != nil {
		return fmt.Errorf("set user status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the user row. Devices, sessions, alerts, and logs cascade at
// the database level.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordLoginAttempt inserts one row into the login audit trail. An empty ip
// is stored as NULL.
func (r *PGRepository) RecordLoginAttempt(ctx context.Context, email, ip string, success bool) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO login_attempts (email, ip_address, success) VALUES (lower($1), NULLIF($2, '')::inet, $3)`,
		email, ip, success,
	)
	if err != nil {
		return fmt.Errorf("record login attempt: %w", err)
	}
	return nil
}

// DeleteLoginAttemptsBefore purges audit rows older than the cutoff and
// returns the number removed. The janitor calls this on its schedule.
func (r *PGRepository) DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM login_attempts WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete login attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// HasAdmin reports whether any admin account exists. Serves the startup seed
// check.
func (r *PGRepository) HasAdmin(ctx context.Context) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE is_admin)`).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check for admin: %w", err)
	}
	return exists, nil
}
