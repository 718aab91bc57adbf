package api

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/sessionlog"
)

// SessionReader is the read side of the session store the handler needs.
type SessionReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]session.Session, error)
}

// SessionStopper ends a session's row and its live producer socket together.
// Satisfied by the relay.
type SessionStopper interface {
	EndSession(ctx context.Context, sessionID uuid.UUID, reason, message string) (*session.Session, error)
}

// SessionLogReader serves the recent persisted log entries for a session.
type SessionLogReader interface {
	Recent(ctx context.Context, sessionID uuid.UUID, limit int) ([]sessionlog.Entry, error)
}

// SessionHandler serves the authenticated user's session endpoints.
type SessionHandler struct {
	sessions SessionReader
	stopper  SessionStopper
	logs     SessionLogReader
	log      zerolog.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions SessionReader, stopper SessionStopper, logs SessionLogReader, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{sessions: sessions, stopper: stopper, logs: logs, log: logger}
}

// List handles GET /api/v1/sessions. Only live sessions are returned; ended
// ones are visible through their logs.
func (h *SessionHandler) List(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	sessions, err := h.sessions.ListActiveByUser(c, userID)
	if err != nil {
		return h.mapSessionError(c, err)
	}

	return httputil.Success(c, toSessionResponses(sessions))
}

// Stop handles POST /api/v1/sessions/:id/stop. The session row transitions to
// disconnected(manual) and the producer socket, if connected, is closed with
// a session_ended frame.
func (h *SessionHandler) Stop(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid session ID")
	}

	s, err := h.ownedSession(c, sessionID, userID)
	if err != nil {
		return h.mapSessionError(c, err)
	}
	if !s.Active() {
		return httputil.Fail(c, fiber.StatusConflict, protocol.CodeConflict, "Session has already ended")
	}

	ended, err := h.stopper.EndSession(c, sessionID, session.ReasonManual, "Stopped from app")
	if err != nil {
		// Lost the race against a concurrent disconnect.
		if errors.Is(err, session.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusConflict, protocol.CodeConflict, "Session has already ended")
		}
		return h.mapSessionError(c, err)
	}

	return httputil.Success(c, toSessionResponse(ended))
}

// Logs handles GET /api/v1/sessions/:id/logs.
func (h *SessionHandler) Logs(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	sessionID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid session ID")
	}

	if _, err := h.ownedSession(c, sessionID, userID); err != nil {
		return h.mapSessionError(c, err)
	}

	rawLimit, _ := strconv.Atoi(c.Query("limit"))
	limit := sessionlog.ClampLimit(rawLimit)

	entries, err := h.logs.Recent(c, sessionID, limit)
	if err != nil {
		return h.mapSessionError(c, err)
	}

	return httputil.Success(c, toLogResponses(entries))
}

// ownedSession fetches the session and hides other users' sessions behind
// ErrNotFound.
func (h *SessionHandler) ownedSession(ctx context.Context, sessionID, userID uuid.UUID) (*session.Session, error) {
	s, err := h.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, session.ErrNotFound
	}
	return s, nil
}

// mapSessionError converts session-layer errors to appropriate HTTP responses.
func (h *SessionHandler) mapSessionError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.CodeNotFound, "Session not found")
	default:
		h.log.Error().Err(err).Str("handler", "session").Msg("unhandled session error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "An internal error occurred")
	}
}
