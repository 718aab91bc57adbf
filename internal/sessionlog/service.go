package sessionlog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the log sink handed to the relay and the session machine. It
// writes through to PostgreSQL and mirrors into the per-user ring.
type Service struct {
	repo Repository
	ring *Ring
	log  zerolog.Logger
}

// NewService wires the sink.
func NewService(repo Repository, ring *Ring, logger zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		ring: ring,
		log:  logger.With().Str("component", "sessionlog").Logger(),
	}
}

// Append persists one log line after normalising the level and capping the
// message length. The ring mirror is best-effort: a Valkey hiccup never fails
// the durable write.
func (s *Service) Append(ctx context.Context, sessionID, userID uuid.UUID, level, message string) error {
	level = NormalizeLevel(level)
	message = Truncate(message)

	entry, err := s.repo.Insert(ctx, sessionID, userID, level, message)
	if err != nil {
		return err
	}

	ringEntry := RingEntry{
		SessionID: sessionID.String(),
		Level:     level,
		Message:   message,
		At:        entry.CreatedAt,
	}
	if err := s.ring.Append(ctx, userID, ringEntry); err != nil {
		s.log.Warn().Err(err).Str("user_id", userID.String()).Msg("ring append failed")
	}
	return nil
}

// Recent returns the most recent persisted entries for one session.
func (s *Service) Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]Entry, error) {
	return s.repo.ListBySession(ctx, sessionID, limit)
}

// RecentForUser reads the user's ring.
func (s *Service) RecentForUser(ctx context.Context, userID uuid.UUID) ([]RingEntry, error) {
	return s.ring.Recent(ctx, userID)
}

// Purge deletes persisted entries older than the retention window.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return s.repo.PurgeOlderThan(ctx, time.Now().Add(-retention))
}
