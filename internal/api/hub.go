package api

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/hub"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/user"
)

// HubSessionEnder terminates every live producer socket belonging to a hub.
// Satisfied by the relay.
type HubSessionEnder interface {
	DisconnectAllForHub(ctx context.Context, hubID uuid.UUID, reason, message string) (int64, error)
}

// HubNotifier delivers lifecycle mail to hub owners.
type HubNotifier interface {
	SendHubStatus(to, hubName, status string) error
}

// HubHandler serves hub registration and the admin moderation endpoints.
type HubHandler struct {
	hubs     hub.Repository
	sessions HubSessionEnder
	notifier HubNotifier // nil disables owner mail
	log      zerolog.Logger
}

// NewHubHandler creates a new hub handler.
func NewHubHandler(hubs hub.Repository, sessions HubSessionEnder, notifier HubNotifier, logger zerolog.Logger) *HubHandler {
	return &HubHandler{hubs: hubs, sessions: sessions, notifier: notifier, log: logger}
}

type hubRegisterRequest struct {
	Name       string `json:"name"`
	OwnerEmail string `json:"ownerEmail"`
}

// Register handles POST /api/v1/hubs. The generated API key is returned
// exactly once; only its hash and hint survive.
func (h *HubHandler) Register(c fiber.Ctx) error {
	var body hubRegisterRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}

	name := strings.TrimSpace(body.Name)
	if err := hub.ValidateName(name); err != nil {
		return h.mapHubError(c, err)
	}
	if err := user.ValidateEmail(body.OwnerEmail); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	}

	key, err := auth.NewHubKey()
	if err != nil {
		return h.mapHubError(c, err)
	}

	created, err := h.hubs.Create(c, hub.CreateParams{
		Name:       name,
		OwnerEmail: body.OwnerEmail,
		KeyHash:    auth.HashToken(key),
		KeyHint:    auth.HubKeyHint(key),
	})
	if err != nil {
		return h.mapHubError(c, err)
	}

	h.log.Info().Str("hub_id", created.ID.String()).Str("name", created.Name).Msg("Hub registered, pending approval")

	return httputil.SuccessStatus(c, fiber.StatusCreated, hubRegisterResponse{
		Hub:    toHubResponse(created),
		APIKey: key,
	})
}

// List handles GET /api/v1/hubs.
func (h *HubHandler) List(c fiber.Ctx) error {
	hubs, err := h.hubs.List(c)
	if err != nil {
		return h.mapHubError(c, err)
	}

	out := make([]hubResponse, 0, len(hubs))
	for i := range hubs {
		out = append(out, toHubResponse(&hubs[i]))
	}
	return httputil.Success(c, out)
}

// Approve handles POST /api/v1/hubs/:id/approve.
func (h *HubHandler) Approve(c fiber.Ctx) error {
	return h.setStatus(c, hub.StatusApproved)
}

// Reject handles POST /api/v1/hubs/:id/reject.
func (h *HubHandler) Reject(c fiber.Ctx) error {
	return h.setStatus(c, hub.StatusRejected)
}

// Suspend handles POST /api/v1/hubs/:id/suspend. Live producer sockets for
// the hub are closed after the status flips so reconnect attempts fail the
// key check.
func (h *HubHandler) Suspend(c fiber.Ctx) error {
	hubID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid hub ID")
	}

	updated, err := h.hubs.SetStatus(c, hubID, hub.StatusSuspended)
	if err != nil {
		return h.mapHubError(c, err)
	}

	n, err := h.sessions.DisconnectAllForHub(c, hubID, session.ReasonError, "Hub suspended")
	if err != nil {
		h.log.Error().Err(err).Str("hub_id", hubID.String()).Msg("Failed to disconnect sessions for suspended hub")
	} else if n > 0 {
		h.log.Info().Str("hub_id", hubID.String()).Int64("sessions", n).Msg("Disconnected sessions for suspended hub")
	}

	h.notifyOwner(updated)
	return httputil.Success(c, toHubResponse(updated))
}

func (h *HubHandler) setStatus(c fiber.Ctx, status string) error {
	hubID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid hub ID")
	}

	updated, err := h.hubs.SetStatus(c, hubID, status)
	if err != nil {
		return h.mapHubError(c, err)
	}

	h.notifyOwner(updated)
	return httputil.Success(c, toHubResponse(updated))
}

// notifyOwner mails the hub owner about the status change. Failures are
// logged and never surface to the caller.
func (h *HubHandler) notifyOwner(changed *hub.Hub) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.SendHubStatus(changed.OwnerEmail, changed.Name, changed.Status); err != nil {
		h.log.Warn().Err(err).Str("hub_id", changed.ID.String()).Str("status", changed.Status).Msg("Hub status mail failed")
	}
}

// mapHubError converts hub-layer errors to appropriate HTTP responses.
func (h *HubHandler) mapHubError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, hub.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.CodeNotFound, "Hub not found")
	case errors.Is(err, hub.ErrNameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	case errors.Is(err, hub.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, protocol.CodeConflict, "A hub with that name already exists")
	case errors.Is(err, hub.ErrInvalidStatus):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "hub").Msg("unhandled hub repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "An internal error occurred")
	}
}
