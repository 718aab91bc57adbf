package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/user"
)

// UserHandler serves the current user's profile and settings endpoints.
type UserHandler struct {
	users user.Repository
	auth  *auth.Service
	log   zerolog.Logger
}

// NewUserHandler creates a new user handler.
func NewUserHandler(users user.Repository, svc *auth.Service, logger zerolog.Logger) *UserHandler {
	return &UserHandler{users: users, auth: svc, log: logger}
}

// GetMe handles GET /api/v1/users/me.
func (h *UserHandler) GetMe(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	u, err := h.users.GetByID(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}

	return httputil.Success(c, toUserResponse(u))
}

type updateSettingsRequest struct {
	Username          *string `json:"username"`
	AlertSound        *string `json:"alertSound"`
	LifeOrDeathMode   *bool   `json:"lifeOrDeathMode"`
	QuietHoursEnabled *bool   `json:"quietHoursEnabled"`
	QuietHoursStart   *string `json:"quietHoursStart"`
	QuietHoursEnd     *string `json:"quietHoursEnd"`
	UTCOffsetMinutes  *int    `json:"utcOffsetMinutes"`
}

// UpdateSettings handles PATCH /api/v1/users/me/settings. Absent fields keep
// their stored values.
func (h *UserHandler) UpdateSettings(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	var body updateSettingsRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}

	params := user.SettingsParams{
		Username:          body.Username,
		AlertSound:        body.AlertSound,
		LifeOrDeathMode:   body.LifeOrDeathMode,
		QuietHoursEnabled: body.QuietHoursEnabled,
		QuietHoursStart:   body.QuietHoursStart,
		QuietHoursEnd:     body.QuietHoursEnd,
		UTCOffsetMinutes:  body.UTCOffsetMinutes,
	}
	if err := params.Validate(); err != nil {
		return h.mapUserError(c, err)
	}

	u, err := h.users.UpdateSettings(c, userID, params)
	if err != nil {
		return h.mapUserError(c, err)
	}

	return httputil.Success(c, toUserResponse(u))
}

// RegenerateToken handles POST /api/v1/users/me/token. The old connection
// token stops working immediately and live producer sockets for the user are
// closed.
func (h *UserHandler) RegenerateToken(c fiber.Ctx) error {
	userID, ok := c.Locals("userID").(uuid.UUID)
	if !ok {
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing user identity")
	}

	result, err := h.auth.RegenerateToken(c, userID)
	if err != nil {
		return h.mapUserError(c, err)
	}

	return httputil.Success(c, tokenRegenResponse{
		ConnectionToken: result.ConnectionToken,
		TokenHint:       result.TokenHint,
	})
}

// mapUserError converts user-layer errors to appropriate HTTP responses.
func (h *UserHandler) mapUserError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, user.ErrNotFound):
		return httputil.Fail(c, fiber.StatusNotFound, protocol.CodeNotFound, "User not found")
	case errors.Is(err, user.ErrUsernameLength),
		errors.Is(err, user.ErrInvalidTimeOfDay),
		errors.Is(err, user.ErrInvalidOffset),
		errors.Is(err, user.ErrAlertSoundLength):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	case errors.Is(err, user.ErrAlreadyExists):
		return httputil.Fail(c, fiber.StatusConflict, protocol.CodeConflict, "Username is already taken")
	default:
		h.log.Error().Err(err).Str("handler", "user").Msg("unhandled user repository error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "An internal error occurred")
	}
}
