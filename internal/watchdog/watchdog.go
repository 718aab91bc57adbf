// Package watchdog runs one resettable countdown per active producer
// session. When a countdown elapses the session state machine's timeout path
// fires. An abrupt socket close does not time out immediately: it enters a
// short grace window during which a reconnect cancels the alert.
package watchdog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/session"
)

// storeTimeout bounds the store calls made from timer callbacks, which run
// without a request context.
const storeTimeout = 10 * time.Second

// Machine is the slice of the session state machine the watchdog drives.
type Machine interface {
	Heartbeat(ctx context.Context, clientID uuid.UUID) error
	Timeout(ctx context.Context, clientID uuid.UUID) (*session.TimeoutResult, error)
	DisconnectBySessionID(ctx context.Context, sessionID uuid.UUID, reason, message string) (*session.Session, error)
}

type entry struct {
	sessionID uuid.UUID
	userID    uuid.UUID
	timer     *time.Timer
	gen       uint64
	startedAt time.Time
}

// Watchdog owns the countdown timers. It holds no store state of its own;
// every decision about the session itself is delegated to the machine, whose
// timeout path is idempotent.
type Watchdog struct {
	machine Machine
	timeout time.Duration
	grace   time.Duration
	log     zerolog.Logger

	mu          sync.Mutex
	entries     map[uuid.UUID]*entry
	graceTimers map[uuid.UUID]*time.Timer
	nextGen     uint64
	closed      bool
}

// New creates a watchdog. timeout is the heartbeat countdown, grace the
// window allowed for a reconnect after an abrupt socket close.
func New(machine Machine, timeout, grace time.Duration, logger zerolog.Logger) *Watchdog {
	return &Watchdog{
		machine:     machine,
		timeout:     timeout,
		grace:       grace,
		log:         logger.With().Str("component", "watchdog").Logger(),
		entries:     make(map[uuid.UUID]*entry),
		graceTimers: make(map[uuid.UUID]*time.Timer),
	}
}

// Start schedules the countdown for a freshly authenticated producer.
// Idempotent: an existing timer for the client is replaced.
func (w *Watchdog) Start(clientID, sessionID, userID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if old, ok := w.entries[clientID]; ok {
		old.timer.Stop()
	}

	w.nextGen++
	gen := w.nextGen
	w.entries[clientID] = &entry{
		sessionID: sessionID,
		userID:    userID,
		gen:       gen,
		startedAt: time.Now(),
		timer: time.AfterFunc(w.timeout, func() {
			w.trigger(clientID, gen)
		}),
	}
}

// Reset reschedules the countdown after a heartbeat and stamps the session's
// last_heartbeat_at. Unknown clients are a no-op.
func (w *Watchdog) Reset(ctx context.Context, clientID uuid.UUID) {
	w.mu.Lock()
	e, ok := w.entries[clientID]
	if ok {
		e.timer.Stop()
		w.nextGen++
		gen := w.nextGen
		e.gen = gen
		e.timer = time.AfterFunc(w.timeout, func() {
			w.trigger(clientID, gen)
		})
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	// Store write happens outside the lock. A failure is logged and the
	// countdown stands; the watchdog fires normally either way.
	if err := w.machine.Heartbeat(ctx, clientID); err != nil {
		w.log.Warn().Err(err).Str("client_id", clientID.String()).Msg("heartbeat store update failed")
	}
}

// Stop cancels and forgets the client's countdown. Used on clean disconnect.
func (w *Watchdog) Stop(clientID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if e, ok := w.entries[clientID]; ok {
		e.timer.Stop()
		delete(w.entries, clientID)
	}
}

// Watching reports whether a countdown exists for the client.
func (w *Watchdog) Watching(clientID uuid.UUID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entries[clientID]
	return ok
}

// trigger is the fired-timer callback. A stale generation means Reset or
// Start replaced the timer after this one was already on its way; those
// fires are dropped.
func (w *Watchdog) trigger(clientID uuid.UUID, gen uint64) {
	w.mu.Lock()
	e, ok := w.entries[clientID]
	if !ok || e.gen != gen {
		w.mu.Unlock()
		return
	}
	delete(w.entries, clientID)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	res, err := w.machine.Timeout(ctx, clientID)
	if err != nil {
		w.log.Error().Err(err).Str("client_id", clientID.String()).Msg("timeout path failed")
		return
	}
	if res != nil {
		w.log.Debug().
			Str("client_id", clientID.String()).
			Bool("alert_sent", res.AlertSent).
			Str("suppressed", res.Reason).
			Msg("heartbeat timeout handled")
	}
}

// GraceClose replaces the countdown with a grace check after an abrupt
// socket close. If the producer reconnects before the grace elapses, the
// orphaned session is quietly superseded; otherwise the timeout path runs
// with the last-known session identity.
func (w *Watchdog) GraceClose(clientID uuid.UUID) {
	w.mu.Lock()
	e, ok := w.entries[clientID]
	if !ok || w.closed {
		w.mu.Unlock()
		return
	}
	e.timer.Stop()
	delete(w.entries, clientID)

	sessionID, userID := e.sessionID, e.userID
	graceStart := time.Now()
	w.graceTimers[clientID] = time.AfterFunc(w.grace, func() {
		w.graceCheck(clientID, sessionID, userID, graceStart)
	})
	w.mu.Unlock()
}

// graceCheck decides, once the grace window elapses, whether the close was a
// blip or a death. A countdown started for the same user after the close
// began means the producer reconnected; countdowns that predate the close
// belong to the user's other sessions and do not count.
func (w *Watchdog) graceCheck(clientID, sessionID, userID uuid.UUID, graceStart time.Time) {
	w.mu.Lock()
	delete(w.graceTimers, clientID)
	if w.closed {
		w.mu.Unlock()
		return
	}
	reconnected := false
	for _, e := range w.entries {
		if e.userID == userID && e.startedAt.After(graceStart) {
			reconnected = true
			break
		}
	}
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if reconnected {
		// ErrNotFound just means the orphan already terminated some other way.
		if _, err := w.machine.DisconnectBySessionID(ctx, sessionID, session.ReasonError, "Superseded by reconnect"); err != nil && !errors.Is(err, session.ErrNotFound) {
			w.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to supersede session after reconnect")
		}
		w.log.Debug().Str("session_id", sessionID.String()).Msg("producer reconnected within grace, alert cancelled")
		return
	}

	if _, err := w.machine.Timeout(ctx, clientID); err != nil {
		w.log.Error().Err(err).Str("client_id", clientID.String()).Msg("grace timeout path failed")
	}
}

// Shutdown cancels every countdown and grace check. No timeout fires after
// it returns.
func (w *Watchdog) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	for clientID, e := range w.entries {
		e.timer.Stop()
		delete(w.entries, clientID)
	}
	for clientID, t := range w.graceTimers {
		t.Stop()
		delete(w.graceTimers, clientID)
	}
}
