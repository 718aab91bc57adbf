// Package session holds the authoritative record of live producer connections
// and the state machine that moves each one from active to disconnected or
// timeout. The timeout path is where the dead-man's switch fires: quiet hours
// are evaluated, the critical push goes out, and the repeating alert loop is
// started for life-or-death users.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/vigil-app/vigil-server/internal/push"
)

// Sentinel errors for the session package.
var (
	ErrNotFound = errors.New("session not found")
)

// Session lifecycle states. The transition out of StatusActive is one-way.
const (
	StatusActive       = "active"
	StatusDisconnected = "disconnected"
	StatusTimeout      = "timeout"
)

// Disconnect reasons recorded on transition out of StatusActive.
const (
	ReasonManual         = "manual"
	ReasonTimeout        = "timeout"
	ReasonTokenRevoked   = "token-revoked"
	ReasonError          = "error"
	ReasonServerShutdown = "server-shutdown"
)

// Session is one producer connection's persisted record. HubName is joined
// from the hubs table on reads; write methods that cannot join re-fetch.
type Session struct {
	ID                uuid.UUID
	WSClientID        uuid.UUID
	UserID            uuid.UUID
	HubID             uuid.UUID
	GameName          string
	PlaceID           int64
	JobID             string
	Executor          string
	CurrentStatus     string
	Status            string
	DisconnectReason  string
	DisconnectMessage string
	DisconnectedAt    *time.Time
	AlertSent         bool
	AlertDelivered    bool
	AlertError        string
	ConnectedAt       time.Time
	LastHeartbeatAt   time.Time
	HubName           string
}

// Active reports whether the session still has a live producer attached.
func (s *Session) Active() bool {
	return s.Status == StatusActive
}

// CreateParams groups the inputs for opening a session.
type CreateParams struct {
	WSClientID uuid.UUID
	UserID     uuid.UUID
	HubID      uuid.UUID
	GameName   string
	PlaceID    int64
	JobID      string
	Executor   string
}

// Repository defines the data-access contract for session records.
type Repository interface {
	// Upsert creates a session in StatusActive, or reactivates an existing
	// record with the same WS client id, clearing prior disconnect and alert
	// fields.
	Upsert(ctx context.Context, params CreateParams) (*Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	GetByClientID(ctx context.Context, clientID uuid.UUID) (*Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Session, error)
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Session, error)
	TouchHeartbeat(ctx context.Context, clientID uuid.UUID) error
	SetCurrentStatus(ctx context.Context, clientID uuid.UUID, status string) error
	// Disconnect transitions one active session addressed by its canonical id.
	// Returns ErrNotFound when no active session matches.
	Disconnect(ctx context.Context, id uuid.UUID, reason, message string) (*Session, error)
	// DisconnectByClientID is Disconnect addressed by the WS client id.
	DisconnectByClientID(ctx context.Context, clientID uuid.UUID, reason, message string) (*Session, error)
	DisconnectAllForUser(ctx context.Context, userID uuid.UUID, reason, message string) (int64, error)
	DisconnectAllForHub(ctx context.Context, hubID uuid.UUID, reason, message string) (int64, error)
	// DisconnectAllActive sweeps every active session; startup reconciliation.
	DisconnectAllActive(ctx context.Context, reason, message string) (int64, error)
	// MarkTimeout transitions the session to StatusTimeout and records the
	// alert outcome.
	MarkTimeout(ctx context.Context, id uuid.UUID, message string, alertSent, alertDelivered bool, alertError string) error
}

// CriticalPusher is the slice of the push fan-out the timeout path needs.
type CriticalPusher interface {
	SendCritical(ctx context.Context, userID uuid.UUID, payload push.CriticalPayload) (push.Result, error)
}

// AlertStarter begins a repeating alert loop for a user whose session timed
// out with life-or-death mode enabled.
type AlertStarter interface {
	Start(ctx context.Context, userID, sessionID uuid.UUID, reason, gameName string) error
}

// LogSink records session log lines. The timeout path writes an error-level
// entry whether or not the alert is suppressed.
type LogSink interface {
	Append(ctx context.Context, sessionID, userID uuid.UUID, level, message string) error
}
