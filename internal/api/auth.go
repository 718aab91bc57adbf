package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/user"
)

// AuthHandler serves authentication endpoints.
type AuthHandler struct {
	auth *auth.Service
	log  zerolog.Logger
}

// NewAuthHandler creates a new authentication handler.
func NewAuthHandler(svc *auth.Service, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{auth: svc, log: logger}
}

// toAuthResponse maps a service AuthResult to the wire response type.
func toAuthResponse(result *auth.AuthResult) authResponse {
	return authResponse{
		User:         toUserResponse(result.User),
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
	}
}

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(c fiber.Ctx) error {
	var body registerRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}

	result, err := h.auth.Register(c, auth.RegisterRequest{
		Email:    body.Email,
		Username: body.Username,
		Password: body.Password,
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.SuccessStatus(c, fiber.StatusCreated, registerResponse{
		authResponse:    toAuthResponse(&result.AuthResult),
		ConnectionToken: result.ConnectionToken,
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(c fiber.Ctx) error {
	var body loginRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}

	result, err := h.auth.Login(c, auth.LoginRequest{
		Email:    body.Email,
		Password: body.Password,
		IP:       c.IP(),
	})
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, toAuthResponse(result))
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Refresh handles POST /api/v1/auth/refresh.
func (h *AuthHandler) Refresh(c fiber.Ctx) error {
	var body refreshRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "refreshToken is required")
	}

	tokens, err := h.auth.Refresh(c, body.RefreshToken)
	if err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, tokenPairResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	})
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
	// AllDevices revokes every refresh token the user holds, not just the
	// presented one.
	AllDevices bool `json:"allDevices"`
}

// Logout handles POST /api/v1/auth/logout.
func (h *AuthHandler) Logout(c fiber.Ctx) error {
	var body logoutRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "Invalid request body")
	}
	if body.RefreshToken == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, "refreshToken is required")
	}

	if err := h.auth.Logout(c, body.RefreshToken, body.AllDevices); err != nil {
		return h.mapAuthError(c, err)
	}

	return httputil.Success(c, messageResponse{Message: "Logged out"})
}

// mapAuthError converts auth-layer errors to appropriate HTTP responses.
func (h *AuthHandler) mapAuthError(c fiber.Ctx, err error) error {
	switch {
	// Validation errors
	case errors.Is(err, user.ErrInvalidEmail),
		errors.Is(err, user.ErrUsernameLength):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	case errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())

	// Business logic errors
	case errors.Is(err, auth.ErrDisposableEmail):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeInvalidBody, err.Error())
	case errors.Is(err, auth.ErrEmailAlreadyTaken):
		return httputil.Fail(c, fiber.StatusBadRequest, protocol.CodeEmailTaken, "Unable to register with the provided email")
	case errors.Is(err, auth.ErrInvalidCredentials):
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeInvalidCredentials, err.Error())
	case errors.Is(err, auth.ErrUserSuspended):
		return httputil.Fail(c, fiber.StatusForbidden, protocol.CodeForbidden, err.Error())
	case errors.Is(err, auth.ErrRefreshTokenReused):
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Refresh token has already been used")
	case errors.Is(err, auth.ErrRefreshTokenNotFound):
		return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Invalid refresh token")

	default:
		h.log.Error().Err(err).Str("handler", "auth").Msg("unhandled auth service error")
		return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "An internal error occurred")
	}
}
