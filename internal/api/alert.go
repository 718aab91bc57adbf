package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/alertloop"
	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/protocol"
)

// AlertService is the alert-loop surface the handler needs.
type AlertService interface {
	ActiveForUser(ctx context.Context, userID uuid.UUID) (*alertloop.ActiveAlert, error)
	Acknowledge(ctx context.Context, alertID, userID uuid.UUID) (*alertloop.ActiveAlert, error)
}

// AlertHandler serves the repeating-alert endpoints.
type AlertHandler struct {
	alerts AlertService
	log    zerolog.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(alerts AlertService, logger zerolog.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, log: logger}
}

// Active handles GET /api/v1/alerts/active. No unacknowledged alert is the
// normal state and answers 204.
func (h *AlertHandler) Active(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	alert, err := h.alerts.ActiveForUser(c, userID)
	if err != nil {
		if errors.Is(err, alertloop.ErrNotFound) {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return h.mapAlertError(c, err)
	}

	return httputil.Success(c, toAlertResponse(alert))
}

// Acknowledge handles POST /api/v1/alerts/:id/acknowledge. The repeating
// push loop for the alert stops once acknowledged.
func (h *AlertHandler) Acknowledge(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	alertID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid alert ID")
	}

	alert, err := h.alerts.Acknowledge(c, alertID, userID)
	if err != nil {
		return h.mapAlertError(c, err)
	}

	return httputil.Success(c, toAlertResponse(alert))
}

// mapAlertError converts alert-layer errors to appropriate HTTP responses.
func (h *AlertHandler) mapAlertError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, alertloop.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.CodeNotFound, "Alert not found")
	case errors.Is(err, alertloop.ErrAlreadyAcknowledged):
		return httputil.Fail(c, fiber.StatusConflict, protocol.CodeAlreadyAcknowledged, "Alert has already been acknowledged")
	default:
		h.log.Error().Err(err).Str("handler", "alert").Msg("unhandled alert error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "An internal error occurred")
	}
}
