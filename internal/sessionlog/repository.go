package sessionlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, session_id, user_id, level, message, created_at"

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	err := row.Scan(&e.ID, &e.SessionID, &e.UserID, &e.Level, &e.Message, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed session log repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Insert appends one log line. Level and message are stored as given; the
// service layer owns normalisation and truncation.
func (r *PGRepository) Insert(ctx context.Context, sessionID, userID uuid.UUID, level, message string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRow(ctx,
		`INSERT INTO session_logs (session_id, user_id, level, message)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+selectColumns,
		sessionID, userID, level, message,
	))
	if err != nil {
		return nil, fmt.Errorf("insert session log: %w", err)
	}
	return e, nil
}

// ListBySession returns the most recent entries for a session, oldest first
// so clients can render them top to bottom.
func (r *PGRepository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]Entry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+selectColumns+` FROM (
			SELECT `+selectColumns+` FROM session_logs
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		 ) recent ORDER BY created_at ASC, id ASC`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query session logs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session log: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session logs: %w", err)
	}
	return entries, nil
}

// PurgeOlderThan deletes entries created before the cutoff. The janitor runs
// this on the configured retention schedule.
func (r *PGRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM session_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge session logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
