package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/push"
	"github.com/vigil-app/vigil-server/internal/user"
)

// Messages recorded on the timeout transition.
const (
	timeoutMessage      = "Heartbeat timeout"
	timeoutQuietMessage = "Heartbeat timeout (quiet hours - no alert)"

	// timeoutReason is what the user sees: the push body, the alert-loop
	// reason, and the persisted session log all carry it.
	timeoutReason = "Session timed out - no heartbeat received"
)

// SuppressedQuietHours is the TimeoutResult reason recorded when quiet hours
// swallowed the alert.
const SuppressedQuietHours = "QUIET_HOURS"

// TimeoutResult reports what the timeout path did with the alert.
type TimeoutResult struct {
	AlertSent bool
	Delivered bool
	Reason    string
}

// Machine moves sessions through their lifecycle. All writes go through the
// repository; the machine adds the policy: one-way transitions, quiet-hours
// suppression, and the alert choreography on timeout.
type Machine struct {
	sessions Repository
	users    user.Repository
	pusher   CriticalPusher
	alerts   AlertStarter
	logs     LogSink
	log      zerolog.Logger
}

// NewMachine wires the state machine. pusher, alerts, and logs are the
// narrow slices of the push fan-out, alert loop, and log sink the timeout
// path needs.
func NewMachine(
	sessions Repository,
	users user.Repository,
	pusher CriticalPusher,
	alerts AlertStarter,
	logs LogSink,
	logger zerolog.Logger,
) *Machine {
	return &Machine{
		sessions: sessions,
		users:    users,
		pusher:   pusher,
		alerts:   alerts,
		logs:     logs,
		log:      logger.With().Str("component", "session_machine").Logger(),
	}
}

// Create opens a session in StatusActive. A record already holding the same
// WS client id is reactivated with fresh metadata, which makes the operation
// idempotent for the router.
func (m *Machine) Create(ctx context.Context, params CreateParams) (*Session, error) {
	return m.sessions.Upsert(ctx, params)
}

// GetByID returns one session.
func (m *Machine) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	return m.sessions.GetByID(ctx, id)
}

// ListActiveByUser returns the user's live sessions.
func (m *Machine) ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	return m.sessions.ListActiveByUser(ctx, userID)
}

// ListByUser returns the user's most recent sessions in any state.
func (m *Machine) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]Session, error) {
	return m.sessions.ListByUser(ctx, userID, limit)
}

// Heartbeat stamps last_heartbeat_at. An unknown client id is a no-op: the
// watchdog may fire and remove the session while a heartbeat is in flight.
func (m *Machine) Heartbeat(ctx context.Context, clientID uuid.UUID) error {
	err := m.sessions.TouchHeartbeat(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SetStatus updates the free-text status the producer reported. Unknown
// client ids are a no-op, matching Heartbeat.
func (m *Machine) SetStatus(ctx context.Context, clientID uuid.UUID, status string) error {
	err := m.sessions.SetCurrentStatus(ctx, clientID, status)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// DisconnectByClientID transitions the active session bound to the client id
// to disconnected. Returns ErrNotFound when there is none, which callers on
// racy paths treat as done.
func (m *Machine) DisconnectByClientID(ctx context.Context, clientID uuid.UUID, reason, message string) (*Session, error) {
	return m.sessions.DisconnectByClientID(ctx, clientID, reason, message)
}

// DisconnectBySessionID transitions one active session addressed by its
// canonical id. Serves user-initiated stops from consumer UIs.
func (m *Machine) DisconnectBySessionID(ctx context.Context, sessionID uuid.UUID, reason, message string) (*Session, error) {
	return m.sessions.Disconnect(ctx, sessionID, reason, message)
}

// DisconnectAllForUser transitions every active session the user owns.
// Token regeneration calls this with ReasonTokenRevoked.
func (m *Machine) DisconnectAllForUser(ctx context.Context, userID uuid.UUID, reason, message string) (int64, error) {
	return m.sessions.DisconnectAllForUser(ctx, userID, reason, message)
}

// DisconnectAllForHub transitions every active session opened through the
// hub. Hub suspension calls this.
func (m *Machine) DisconnectAllForHub(ctx context.Context, hubID uuid.UUID, reason, message string) (int64, error) {
	return m.sessions.DisconnectAllForHub(ctx, hubID, reason, message)
}

// Reconcile marks every session left active by a previous process as
// disconnected. Must run before the relay accepts connections.
func (m *Machine) Reconcile(ctx context.Context) (int64, error) {
	n, err := m.sessions.DisconnectAllActive(ctx, ReasonServerShutdown, "Server restarted")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info().Int64("sessions", n).Msg("reconciled orphaned active sessions")
	}
	return n, nil
}

// Timeout runs the dead-man's-switch path for the session bound to clientID:
// quiet-hours check, error-level session log, critical push with recorded
// outcome, alert loop for life-or-death users, then the one-way transition to
// StatusTimeout. A missing or already-terminated session returns a nil
// result; the timer may fire while a disconnect is in flight.
func (m *Machine) Timeout(ctx context.Context, clientID uuid.UUID) (*TimeoutResult, error) {
	s, err := m.sessions.GetByClientID(ctx, clientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load session for timeout: %w", err)
	}
	if !s.Active() {
		return nil, nil
	}

	// User preferences drive quiet hours, the alert sound, and life-or-death
	// mode. A failed load must not swallow the alert, so fall back to zero
	// preferences and push anyway.
	u, err := m.users.GetByID(ctx, s.UserID)
	if err != nil {
		m.log.Error().Err(err).
			Str("session_id", s.ID.String()).
			Msg("loading user preferences for timeout, proceeding without")
		u = &user.User{}
	}

	if u.QuietHoursActive(time.Now()) {
		m.appendTimeoutLog(ctx, s, timeoutQuietMessage)
		if err := m.sessions.MarkTimeout(ctx, s.ID, timeoutQuietMessage, false, false, ""); err != nil {
			return nil, fmt.Errorf("mark timeout: %w", err)
		}
		m.log.Info().
			Str("session_id", s.ID.String()).
			Str("user_id", s.UserID.String()).
			Msg("session timed out inside quiet hours, alert suppressed")
		return &TimeoutResult{Reason: SuppressedQuietHours}, nil
	}

	m.appendTimeoutLog(ctx, s, timeoutReason)

	res, pushErr := m.pusher.SendCritical(ctx, s.UserID, push.CriticalPayload{
		SessionID:  s.ID,
		GameName:   s.GameName,
		HubName:    s.HubName,
		Reason:     timeoutReason,
		LastStatus: s.CurrentStatus,
		AlertSound: u.AlertSound,
	})
	alertError := res.FirstError()
	if pushErr != nil {
		alertError = pushErr.Error()
		m.log.Error().Err(pushErr).Str("session_id", s.ID.String()).Msg("critical push fan-out failed")
	}

	if u.LifeOrDeathMode {
		if err := m.alerts.Start(ctx, s.UserID, s.ID, timeoutReason, s.GameName); err != nil {
			m.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("failed to start alert loop")
		}
	}

	m.log.Warn().
		Str("session_id", s.ID.String()).
		Str("user_id", s.UserID.String()).
		Str("game", s.GameName).
		Bool("delivered", res.Success).
		Msg("session timed out, critical alert fired")

	result := &TimeoutResult{AlertSent: true, Delivered: res.Success}
	if err := m.sessions.MarkTimeout(ctx, s.ID, timeoutMessage, true, res.Success, alertError); err != nil {
		// The push already went out; report the store failure without
		// un-reporting the alert.
		return result, fmt.Errorf("mark timeout: %w", err)
	}
	return result, nil
}

func (m *Machine) appendTimeoutLog(ctx context.Context, s *Session, message string) {
	if err := m.logs.Append(ctx, s.ID, s.UserID, "error", message); err != nil {
		m.log.Warn().Err(err).Str("session_id", s.ID.String()).Msg("failed to persist timeout log")
	}
}
