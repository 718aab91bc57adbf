package alertloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/postgres"
)

const selectColumns = `id, user_id, session_id, reason, game_name, notifications_sent,
max_notifications, acknowledged, acknowledged_at, started_at`

// scanAlert scans a single row into an ActiveAlert.
func scanAlert(row pgx.Row) (*ActiveAlert, error) {
	var a ActiveAlert
	err := row.Scan(
		&a.ID, &a.UserID, &a.SessionID, &a.Reason, &a.GameName, &a.NotificationsSent,
		&a.MaxNotifications, &a.Acknowledged, &a.AcknowledgedAt, &a.StartedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed alert repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new unacknowledged alert with the counter at 1. The partial
// unique index on (user_id) WHERE NOT acknowledged enforces the one-in-flight
// rule; when it rejects the insert, another timeout won the race and that
// alert is returned instead.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*ActiveAlert, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO active_alerts (user_id, session_id, reason, game_name, notifications_sent, max_notifications)
		 VALUES ($1, $2, $3, $4, 1, $5)
		 RETURNING id`,
		params.UserID, params.SessionID, params.Reason, params.GameName, params.MaxNotifications,
	).Scan(&id)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return r.GetUnackedByUser(ctx, params.UserID)
		}
		return nil, fmt.Errorf("create alert: %w", err)
	}
	return r.GetByID(ctx, id)
}

// GetByID returns an alert by id.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*ActiveAlert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM active_alerts WHERE id = $1", selectColumns), id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query alert by id: %w", err)
	}
	return a, nil
}

// GetUnackedByUser returns the user's in-flight alert.
func (r *PGRepository) GetUnackedByUser(ctx context.Context, userID uuid.UUID) (*ActiveAlert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM active_alerts WHERE user_id = $1 AND NOT acknowledged", selectColumns), userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query alert by user: %w", err)
	}
	return a, nil
}

// ListUnacked returns every unacknowledged alert, oldest first. Runs at boot.
func (r *PGRepository) ListUnacked(ctx context.Context) ([]ActiveAlert, error) {
	rows, err := r.db.Query(ctx,
		fmt.Sprintf("SELECT %s FROM active_alerts WHERE NOT acknowledged ORDER BY started_at", selectColumns),
	)
	if err != nil {
		return nil, fmt.Errorf("query unacknowledged alerts: %w", err)
	}
	defer rows.Close()

	var alerts []ActiveAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// IncrementSent bumps the notification counter. The acknowledged guard keeps a
// tick that raced an acknowledgement from counting past it.
func (r *PGRepository) IncrementSent(ctx context.Context, id uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`UPDATE active_alerts
		 SET notifications_sent = notifications_sent + 1
		 WHERE id = $1 AND NOT acknowledged
		 RETURNING notifications_sent`,
		id,
	).Scan(&n)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("increment alert counter: %w", err)
	}
	return n, nil
}

// Acknowledge marks the user's alert as handled. The user guard keeps one user
// from acknowledging another's alert.
func (r *PGRepository) Acknowledge(ctx context.Context, id, userID uuid.UUID) (*ActiveAlert, error) {
	a, err := scanAlert(r.db.QueryRow(ctx,
		fmt.Sprintf(`UPDATE active_alerts
		 SET acknowledged = TRUE, acknowledged_at = now()
		 WHERE id = $1 AND user_id = $2 AND NOT acknowledged
		 RETURNING %s`, selectColumns),
		id, userID,
	))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("acknowledge alert: %w", err)
	}

	// Zero rows: distinguish a repeat acknowledgement from a missing or
	// foreign record.
	existing, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.UserID == userID && existing.Acknowledged {
		return nil, ErrAlreadyAcknowledged
	}
	return nil, ErrNotFound
}

// AcknowledgeOlderThan marks every unacknowledged alert started before cutoff
// as acknowledged. Runs at boot so long-stale loops are not resumed.
func (r *PGRepository) AcknowledgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE active_alerts
		 SET acknowledged = TRUE, acknowledged_at = now()
		 WHERE NOT acknowledged AND started_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("acknowledge stale alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteAcknowledgedBefore drops acknowledged history older than cutoff.
// Serves the janitor.
func (r *PGRepository) DeleteAcknowledgedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM active_alerts WHERE acknowledged AND acknowledged_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete acknowledged alerts: %w", err)
	}
	return tag.RowsAffected(), nil
}
