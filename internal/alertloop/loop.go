package alertloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/push"
	"github.com/vigil-app/vigil-server/internal/user"
)

// storeTimeout bounds store calls made from timer callbacks, which have no
// request context to inherit.
const storeTimeout = 10 * time.Second

// staleAfter is the age past which an unacknowledged alert is marked
// acknowledged on restart instead of resumed.
const staleAfter = 10 * time.Minute

// PlatformPusher is the slice of the push fan-out the loop needs. Repeat
// notifications go to web devices only; mobile platforms run a native alarm
// off the first delivery.
type PlatformPusher interface {
	SendCriticalToPlatform(ctx context.Context, userID uuid.UUID, platform string, payload push.CriticalPayload) (push.Result, error)
}

// Loop drives the repeating alerts. Each in-flight alert holds one timer;
// ticks chain off the previous tick's completion, so a slow send delays the
// next notification rather than stacking a second one.
type Loop struct {
	alerts   Repository
	users    user.Repository
	pusher   PlatformPusher
	interval time.Duration
	maxSends int
	log      zerolog.Logger

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	closed bool
}

// New creates the loop. interval is the gap between repeat notifications and
// maxSends caps how many notifications a single alert may send in total.
func New(alerts Repository, users user.Repository, pusher PlatformPusher, interval time.Duration, maxSends int, logger zerolog.Logger) *Loop {
	return &Loop{
		alerts:   alerts,
		users:    users,
		pusher:   pusher,
		interval: interval,
		maxSends: maxSends,
		log:      logger.With().Str("component", "alertloop").Logger(),
		timers:   make(map[uuid.UUID]*time.Timer),
	}
}

// Start opens a repeating alert for the user, or re-arms the one already in
// flight. Life-or-death mode is re-read from the store: the user may have
// turned it off since the session was created.
func (l *Loop) Start(ctx context.Context, userID, sessionID uuid.UUID, reason, gameName string) error {
	u, err := l.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if !u.LifeOrDeathMode {
		l.log.Debug().Str("user_id", userID.String()).Msg("life-or-death mode off, not starting alert loop")
		return nil
	}

	existing, err := l.alerts.GetUnackedByUser(ctx, userID)
	if err == nil {
		// At most one in-flight alert per user. Keep the existing one ticking.
		l.install(existing.ID)
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load alert: %w", err)
	}

	a, err := l.alerts.Create(ctx, CreateParams{
		UserID:           userID,
		SessionID:        sessionID,
		Reason:           reason,
		GameName:         gameName,
		MaxNotifications: l.maxSends,
	})
	if err != nil {
		return fmt.Errorf("create alert: %w", err)
	}

	l.install(a.ID)
	l.log.Info().
		Str("alert_id", a.ID.String()).
		Str("user_id", userID.String()).
		Str("session_id", sessionID.String()).
		Msg("alert loop started")
	return nil
}

// Acknowledge marks the alert handled and cancels its timer. Repeats return
// ErrAlreadyAcknowledged, missing or foreign records ErrNotFound.
func (l *Loop) Acknowledge(ctx context.Context, alertID, userID uuid.UUID) (*ActiveAlert, error) {
	a, err := l.alerts.Acknowledge(ctx, alertID, userID)
	if err != nil {
		return nil, err
	}
	l.remove(alertID)
	l.log.Info().
		Str("alert_id", alertID.String()).
		Str("user_id", userID.String()).
		Int("notifications_sent", a.NotificationsSent).
		Msg("alert acknowledged")
	return a, nil
}

// ActiveForUser returns the user's in-flight alert, or ErrNotFound.
func (l *Loop) ActiveForUser(ctx context.Context, userID uuid.UUID) (*ActiveAlert, error) {
	return l.alerts.GetUnackedByUser(ctx, userID)
}

// Restore re-arms timers for alerts that survived a restart. Unacknowledged
// alerts older than staleAfter are marked acknowledged instead of resumed.
func (l *Loop) Restore(ctx context.Context) error {
	swept, err := l.alerts.AcknowledgeOlderThan(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		return fmt.Errorf("sweep stale alerts: %w", err)
	}
	if swept > 0 {
		l.log.Info().Int64("count", swept).Msg("stale alerts auto-acknowledged")
	}

	alerts, err := l.alerts.ListUnacked(ctx)
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}
	for _, a := range alerts {
		l.install(a.ID)
	}
	if len(alerts) > 0 {
		l.log.Info().Int("count", len(alerts)).Msg("alert loops restored")
	}
	return nil
}

// Shutdown cancels every timer and stops new ones from being armed. Persisted
// alerts are picked up by Restore on the next boot.
func (l *Loop) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for id, t := range l.timers {
		t.Stop()
		delete(l.timers, id)
	}
}

// install arms the interval for an alert. No-op when the loop is shut down or
// the alert is already ticking.
func (l *Loop) install(alertID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.timers[alertID]; ok {
		return
	}
	l.timers[alertID] = time.AfterFunc(l.interval, func() { l.tick(alertID) })
}

// rearm schedules the next tick after the current one finished. The map check
// catches an acknowledgement that landed while the tick was in flight.
func (l *Loop) rearm(alertID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if _, ok := l.timers[alertID]; !ok {
		return
	}
	l.timers[alertID] = time.AfterFunc(l.interval, func() { l.tick(alertID) })
}

// remove cancels and forgets the alert's timer.
func (l *Loop) remove(alertID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.timers[alertID]; ok {
		t.Stop()
		delete(l.timers, alertID)
	}
}

// tick sends one repeat notification. The alert is reloaded first so an
// acknowledgement, a reached cap, or a deleted record ends the loop; transient
// store failures keep the timer alive for the next attempt.
func (l *Loop) tick(alertID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	a, err := l.alerts.GetByID(ctx, alertID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			l.remove(alertID)
			return
		}
		l.log.Error().Err(err).Str("alert_id", alertID.String()).Msg("failed to reload alert, retrying next tick")
		l.rearm(alertID)
		return
	}
	if a.Acknowledged || a.NotificationsSent >= a.MaxNotifications {
		if !a.Acknowledged {
			l.log.Info().
				Str("alert_id", alertID.String()).
				Int("notifications_sent", a.NotificationsSent).
				Msg("alert loop reached notification cap")
		}
		l.remove(alertID)
		return
	}

	n, err := l.alerts.IncrementSent(ctx, alertID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Acknowledged between the reload and the increment.
			l.remove(alertID)
			return
		}
		l.log.Error().Err(err).Str("alert_id", alertID.String()).Msg("failed to count notification, retrying next tick")
		l.rearm(alertID)
		return
	}

	payload := push.CriticalPayload{
		SessionID: a.SessionID,
		GameName:  a.GameName,
		Reason:    fmt.Sprintf("🚨 ALERT %d/%d: %s", n, a.MaxNotifications, a.Reason),
	}
	if _, err := l.pusher.SendCriticalToPlatform(ctx, a.UserID, device.PlatformWeb, payload); err != nil {
		// Delivery failure does not stop the loop; the next tick tries again.
		l.log.Error().Err(err).Str("alert_id", alertID.String()).Msg("repeat notification failed")
	}

	l.rearm(alertID)
}
