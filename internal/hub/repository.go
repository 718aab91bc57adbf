package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/postgres"
)

// selectColumns lists the columns returned by queries that produce a *Hub. Every method that scans into a Hub must
// select these columns in this exact order.
const selectColumns = `id, name, slug, owner_email, key_hint, status, total_connections, created_at, updated_at`

// scanHub scans a single row into a *Hub. The row must contain the columns listed in selectColumns.
func scanHub(row pgx.Row) (*Hub, error) {
	var h Hub
	err := row.Scan(
		&h.ID, &h.Name, &h.Slug, &h.OwnerEmail, &h.KeyHint, &h.Status, &h.TotalConnections,
		&h.CreatedAt, &h.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan hub: %w", err)
	}
	return &h, nil
}

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed hub repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// Create inserts a new hub in pending status.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Hub, error) {
	h, err := scanHub(r.db.QueryRow(ctx,
		`INSERT INTO hubs (name, slug, owner_email, key_hash, key_hint)
		 VALUES ($1, $2, lower($3), $4, $5)
		 RETURNING `+selectColumns,
		params.Name, Slugify(params.Name), params.OwnerEmail, params.KeyHash, params.KeyHint,
	))
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert hub: %w", err)
	}
	return h, nil
}

// GetByID returns the hub matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Hub, error) {
	h, err := scanHub(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM hubs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query hub by id: %w", err)
	}
	return h, nil
}

// GetByKeyHash returns the hub whose API-key hash matches. Serves the
// credential adapter's key validation path.
func (r *PGRepository) GetByKeyHash(ctx context.Context, keyHash string) (*Hub, error) {
	h, err := scanHub(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM hubs WHERE key_hash = $1`, keyHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query hub by key hash: %w", err)
	}
	return h, nil
}

// List returns all hubs ordered by creation time, newest first.
func (r *PGRepository) List(ctx context.Context) ([]Hub, error) {
	rows, err := r.db.Query(ctx, `SELECT `+selectColumns+` FROM hubs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query hubs: %w", err)
	}
	defer rows.Close()

	var hubs []Hub
	for rows.Next() {
		h, err := scanHub(rows)
		if err != nil {
			return nil, err
		}
		hubs = append(hubs, *h)
	}
	return hubs, rows.Err()
}

// SetStatus updates the hub's status and returns the updated row.
func (r *PGRepository) SetStatus(ctx context.Context, id uuid.UUID, status string) (*Hub, error) {
	if !ValidStatus(status) {
		return nil, ErrInvalidStatus
	}

	h, err := scanHub(r.db.QueryRow(ctx,
		`UPDATE hubs SET status = $1, updated_at = now() WHERE id = $2 RETURNING `+selectColumns,
		status, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update hub status: %w", err)
	}
	return h, nil
}

// IncrementConnections bumps the hub's lifetime connection counter.
func (r *PGRepository) IncrementConnections(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE hubs SET total_connections = total_connections + 1 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("increment hub connections: %w", err)
	}
	return nil
}
