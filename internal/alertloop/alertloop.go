// Package alertloop runs the repeating-alert escalation for users with
// life-or-death mode enabled. After a session timeout fires its first critical
// push, the loop keeps re-sending at a fixed interval until the user
// acknowledges the alert or the notification cap is reached. Alert records
// are persisted so a restart can resume in-flight loops.
package alertloop

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the alertloop package.
var (
	ErrNotFound            = errors.New("alert not found")
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
)

// ActiveAlert is one user's repeating alert. At most one unacknowledged row
// exists per user at a time; acknowledged rows are kept as history.
type ActiveAlert struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	SessionID         uuid.UUID
	Reason            string
	GameName          string
	NotificationsSent int
	MaxNotifications  int
	Acknowledged      bool
	AcknowledgedAt    *time.Time
	StartedAt         time.Time
}

// CreateParams groups the inputs for opening a new alert.
type CreateParams struct {
	UserID           uuid.UUID
	SessionID        uuid.UUID
	Reason           string
	GameName         string
	MaxNotifications int
}

// Repository defines the data-access contract for active alerts.
type Repository interface {
	// Create persists a new unacknowledged alert with the notification counter
	// already at 1, the first push having gone out on the timeout path. When
	// the user already has an unacknowledged alert, that one is returned
	// instead of inserting a second.
	Create(ctx context.Context, params CreateParams) (*ActiveAlert, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ActiveAlert, error)
	// GetUnackedByUser returns the user's in-flight alert, or ErrNotFound.
	GetUnackedByUser(ctx context.Context, userID uuid.UUID) (*ActiveAlert, error)
	// ListUnacked returns every unacknowledged alert, oldest first.
	ListUnacked(ctx context.Context) ([]ActiveAlert, error)
	// IncrementSent bumps the notification counter and returns the new value.
	// ErrNotFound when the alert is missing or already acknowledged.
	IncrementSent(ctx context.Context, id uuid.UUID) (int, error)
	// Acknowledge marks the user's alert as handled. ErrNotFound when no alert
	// with that id belongs to the user, ErrAlreadyAcknowledged on a repeat.
	Acknowledge(ctx context.Context, id, userID uuid.UUID) (*ActiveAlert, error)
	// AcknowledgeOlderThan sweeps unacknowledged alerts started before cutoff.
	AcknowledgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteAcknowledgedBefore drops acknowledged history older than cutoff.
	DeleteAcknowledgedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
