// Package ratelimit enforces per-client fixed windows on rated message
// classes. The check is a pure in-memory counter: it never blocks and never
// touches the store, so the relay can call it on its receive path.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Rated message classes. Heartbeat and disconnect are deliberately absent:
// liveness signals and clean shutdown must never be throttled.
const (
	ClassStatus = "status"
	ClassLog    = "log"
	ClassNotify = "notify"
	ClassAlert  = "alert"
)

// Limit is one class's budget: Max messages per Window.
type Limit struct {
	Max    int
	Window time.Duration
}

type key struct {
	clientID uuid.UUID
	class    string
}

type window struct {
	count int
	start time.Time
}

// Limiter counts messages per (client, class) pair. When a window elapses the
// counter resets.
type Limiter struct {
	limits map[string]Limit

	mu      sync.Mutex
	windows map[key]*window
}

// New creates a limiter with per-class budgets. Classes missing from limits
// are never throttled.
func New(limits map[string]Limit) *Limiter {
	return &Limiter{
		limits:  limits,
		windows: make(map[key]*window),
	}
}

// Allow reports whether the client may send one more message of the given
// class, counting it if so. Rejections do not consume budget.
func (l *Limiter) Allow(clientID uuid.UUID, class string) bool {
	lim, rated := l.limits[class]
	if !rated {
		return true
	}

	now := time.Now()
	k := key{clientID: clientID, class: class}

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[k]
	if !ok || now.Sub(w.start) >= lim.Window {
		l.windows[k] = &window{count: 1, start: now}
		return true
	}
	if w.count >= lim.Max {
		return false
	}
	w.count++
	return true
}

// Forget drops every window the client holds. The relay calls it when the
// socket closes so the map does not grow with connection churn.
func (l *Limiter) Forget(clientID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for k := range l.windows {
		if k.clientID == clientID {
			delete(l.windows, k)
		}
	}
}

// Sweep removes windows that have already elapsed and returns how many were
// dropped. The janitor runs it periodically as a backstop for clients whose
// close was never observed.
func (l *Limiter) Sweep() int {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, w := range l.windows {
		lim, rated := l.limits[k.class]
		if !rated || now.Sub(w.start) >= lim.Window {
			delete(l.windows, k)
			removed++
		}
	}
	return removed
}
