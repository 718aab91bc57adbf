package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/protocol"
)

// DeviceHandler serves push-endpoint registration for consumer apps.
type DeviceHandler struct {
	devices device.Repository
	log     zerolog.Logger
}

// NewDeviceHandler creates a new device handler.
func NewDeviceHandler(devices device.Repository, logger zerolog.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, log: logger}
}

type registerDeviceRequest struct {
	PushToken string `json:"pushToken"`
	Platform  string `json:"platform"`
	Name      string `json:"name"`
}

// Register handles POST /api/v1/devices. Registration is an upsert keyed on
// the push token: re-registering transfers the device to the caller and
// resets its failure count.
func (h *DeviceHandler) Register(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	var body registerDeviceRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}

	params := device.UpsertParams{
		UserID:    userID,
		PushToken: body.PushToken,
		Platform:  body.Platform,
		Name:      body.Name,
	}
	if err := params.Validate(); err != nil {
		return h.mapDeviceError(c, err)
	}

	d, err := h.devices.Upsert(c, params)
	if err != nil {
		return h.mapDeviceError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, toDeviceResponse(d))
}

// List handles GET /api/v1/devices.
func (h *DeviceHandler) List(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	devices, err := h.devices.ListByUser(c, userID)
	if err != nil {
		return h.mapDeviceError(c, err)
	}

	out := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		out = append(out, toDeviceResponse(&devices[i]))
	}
	return httputil.Success(c, out)
}

// Delete handles DELETE /api/v1/devices/:id. Deleting another user's device
// reads as not found.
func (h *DeviceHandler) Delete(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	deviceID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid device ID")
	}

	if err := h.devices.Delete(c, deviceID, userID); err != nil {
		return h.mapDeviceError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// mapDeviceError converts device-layer errors to appropriate HTTP responses.
func (h *DeviceHandler) mapDeviceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, device.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.CodeNotFound, "Device not found")
	case errors.Is(err, device.ErrInvalidPlatform),
		errors.Is(err, device.ErrTokenRequired):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	default:
		h.log.Error().Err(err).Str("handler", "device").Msg("unhandled device repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "An internal error occurred")
	}
}
