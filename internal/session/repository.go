package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = `s.id, s.ws_client_id, s.user_id, s.hub_id, s.game_name, s.place_id, s.job_id,
s.executor, s.current_status, s.status, s.disconnect_reason, s.disconnect_message, s.disconnected_at,
s.alert_sent, s.alert_delivered, s.alert_error, s.connected_at, s.last_heartbeat_at,
h.name`

const baseJoin = "FROM sessions s JOIN hubs h ON h.id = s.hub_id"

// scanSession scans a single joined row into a Session.
func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.WSClientID, &s.UserID, &s.HubID, &s.GameName, &s.PlaceID, &s.JobID,
		&s.Executor, &s.CurrentStatus, &s.Status, &s.DisconnectReason, &s.DisconnectMessage, &s.DisconnectedAt,
		&s.AlertSent, &s.AlertDelivered, &s.AlertError, &s.ConnectedAt, &s.LastHeartbeatAt,
		&s.HubName,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed session repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Upsert creates an active session, or reactivates the record holding the
// same WS client id. Reactivation overwrites user, hub, and game metadata and
// clears every disconnect and alert field, so a reused client id behaves like
// a fresh session.
func (r *PGRepository) Upsert(ctx context.Context, params CreateParams) (*Session, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`INSERT INTO sessions (ws_client_id, user_id, hub_id, game_name, place_id, job_id, executor)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (ws_client_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			hub_id = EXCLUDED.hub_id,
			game_name = EXCLUDED.game_name,
			place_id = EXCLUDED.place_id,
			job_id = EXCLUDED.job_id,
			executor = EXCLUDED.executor,
			current_status = '',
			status = 'active',
			disconnect_reason = '',
			disconnect_message = '',
			disconnected_at = NULL,
			alert_sent = FALSE,
			alert_delivered = FALSE,
			alert_error = '',
			connected_at = now(),
			last_heartbeat_at = now()
		 RETURNING id`,
		params.WSClientID, params.UserID, params.HubID, params.GameName, params.PlaceID, params.JobID, params.Executor,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("upsert session: %w", err)
	}
	return r.GetByID(ctx, id)
}

// GetByID returns a session by its canonical id with the hub name joined.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE s.id = $1", selectColumns, baseJoin), id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session by id: %w", err)
	}
	return s, nil
}

// GetByClientID returns the session bound to the given WS client id.
func (r *PGRepository) GetByClientID(ctx context.Context, clientID uuid.UUID) (*Session, error) {
	s, err := scanSession(r.db.QueryRow(ctx,
		fmt.Sprintf("SELECT %s %s WHERE s.ws_client_id = $1", selectColumns, baseJoin), clientID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session by client id: %w", err)
	}
	return s, nil
}

// ListActiveByUser returns the user's live sessions, newest first. Serves the
// consumer session list and the sessions API.
func (r *PGRepository) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s %s
		 WHERE s.user_id = $1 AND s.status = 'active'
		 ORDER BY s.connected_at DESC`, selectColumns, baseJoin),
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListByUser returns the user's most recent sessions regardless of state.
func (r *PGRepository) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Session, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s %s
		 WHERE s.user_id = $1
		 ORDER BY s.connected_at DESC
		 LIMIT $2`, selectColumns, baseJoin),
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// TouchHeartbeat stamps last_heartbeat_at on the active session bound to the
// client id. Missing or already-terminated sessions return ErrNotFound; the
// caller decides whether that matters.
func (r *PGRepository) TouchHeartbeat(ctx context.Context, clientID uuid.UUID) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET last_heartbeat_at = now() WHERE ws_client_id = $1 AND status = 'active'`,
		clientID,
	)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentStatus updates the free-text status the producer last reported.
func (r *PGRepository) SetCurrentStatus(ctx context.Context, clientID uuid.UUID, status string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions SET current_status = $1 WHERE ws_client_id = $2 AND status = 'active'`,
		status, clientID,
	)
	if err != nil {
		return fmt.Errorf("set current status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disconnect transitions one active session to disconnected. The status guard
// makes the transition one-way; a second call returns ErrNotFound.
func (r *PGRepository) Disconnect(ctx context.Context, id uuid.UUID, reason, message string) (*Session, error) {
	return r.disconnectWhere(ctx, "id = $3", id, reason, message)
}

// DisconnectByClientID is Disconnect addressed by the WS client id.
func (r *PGRepository) DisconnectByClientID(ctx context.Context, clientID uuid.UUID, reason, message string) (*Session, error) {
	return r.disconnectWhere(ctx, "ws_client_id = $3", clientID, reason, message)
}

func (r *PGRepository) disconnectWhere(ctx context.Context, cond string, key uuid.UUID, reason, message string) (*Session, error) {
	var id uuid.UUID
	err := r.db.QueryRow(ctx,
		`UPDATE sessions
		 SET status = 'disconnected', disconnect_reason = $1, disconnect_message = $2, disconnected_at = now()
		 WHERE `+cond+` AND status = 'active'
		 RETURNING id`,
		reason, message, key,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("disconnect session: %w", err)
	}
	return r.GetByID(ctx, id)
}

// DisconnectAllForUser transitions every active session the user owns.
// Serves token regeneration and user deletion.
func (r *PGRepository) DisconnectAllForUser(ctx context.Context, userID uuid.UUID, reason, message string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET status = 'disconnected', disconnect_reason = $1, disconnect_message = $2, disconnected_at = now()
		 WHERE user_id = $3 AND status = 'active'`,
		reason, message, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("disconnect sessions for user: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DisconnectAllForHub transitions every active session opened through the
// hub. Serves hub suspension.
func (r *PGRepository) DisconnectAllForHub(ctx context.Context, hubID uuid.UUID, reason, message string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET status = 'disconnected', disconnect_reason = $1, disconnect_message = $2, disconnected_at = now()
		 WHERE hub_id = $3 AND status = 'active'`,
		reason, message, hubID,
	)
	if err != nil {
		return 0, fmt.Errorf("disconnect sessions for hub: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DisconnectAllActive sweeps every active session. Runs at startup before the
// relay accepts connections, so rows orphaned by a crash do not linger as
// live sessions.
func (r *PGRepository) DisconnectAllActive(ctx context.Context, reason, message string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET status = 'disconnected', disconnect_reason = $1, disconnect_message = $2, disconnected_at = now()
		 WHERE status = 'active'`,
		reason, message,
	)
	if err != nil {
		return 0, fmt.Errorf("disconnect all active sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkTimeout transitions the session to timeout and records the alert
// outcome. No status guard here: the machine has already validated the
// session and the outcome fields must land even on a racing disconnect.
func (r *PGRepository) MarkTimeout(ctx context.Context, id uuid.UUID, message string, alertSent, alertDelivered bool, alertError string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sessions
		 SET status = 'timeout', disconnect_reason = $1, disconnect_message = $2, disconnected_at = now(),
		     alert_sent = $3, alert_delivered = $4, alert_error = $5
		 WHERE id = $6`,
		ReasonTimeout, message, alertSent, alertDelivered, alertError, id,
	)
	if err != nil {
		return fmt.Errorf("mark session timeout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
