// Package sessionlog is the log sink for producer sessions: a durable
// per-session stream in PostgreSQL with bounded retention, mirrored into a
// short per-user ring in Valkey for cheap "recent activity" reads.
package sessionlog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Log levels accepted on the wire. Anything else normalises to LevelInfo.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// MaxMessageLen caps a single log message at the sink. Producers stream free
// text; the cap keeps one chatty script from bloating rows.
const MaxMessageLen = 2000

// Page size bounds for reads over HTTP.
const (
	DefaultLimit = 100
	MaxLimit     = 200
)

// ErrNotFound is returned when a session has no log entries to serve.
var ErrNotFound = errors.New("session log not found")

// Entry is one persisted log line.
type Entry struct {
	ID        int64
	SessionID uuid.UUID
	UserID    uuid.UUID
	Level     string
	Message   string
	CreatedAt time.Time
}

// Repository defines the durable side of the sink.
type Repository interface {
	Insert(ctx context.Context, sessionID, userID uuid.UUID, level, message string) (*Entry, error)
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]Entry, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ClampLimit constrains a requested page size to [1, MaxLimit], defaulting to
// DefaultLimit when the input is zero or negative.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// NormalizeLevel maps arbitrary producer input onto a known level.
func NormalizeLevel(level string) string {
	switch level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return level
	}
	return LevelInfo
}

// Truncate enforces MaxMessageLen without splitting a UTF-8 sequence.
func Truncate(message string) string {
	if len(message) <= MaxMessageLen {
		return message
	}
	cut := MaxMessageLen
	for cut > 0 && message[cut]&0xC0 == 0x80 {
		cut--
	}
	return message[:cut]
}
