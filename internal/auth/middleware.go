package auth

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/vigil-app/vigil-server/internal/httputil"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/user"
)

// RequireAuth returns middleware that validates a JWT Bearer token from the
// Authorization header and stores the user ID in c.Locals("userID").
func RequireAuth(secret, issuer string) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Invalid authorization format")
		}
		tokenStr := header[len(prefix):]

		claims, err := ValidateAccessToken(tokenStr, secret, issuer)
		if err != nil {
			code := protocol.CodeUnauthorized
			message := "Invalid token"

			if errors.Is(err, jwt.ErrTokenExpired) {
				code = protocol.CodeTokenExpired
				message = "Token has expired"
			}

			return httputil.Fail(c, fiber.StatusUnauthorized, code, message)
		}

		userID, err := uuid.Parse(claims.Subject)
		if err != nil {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Invalid token subject")
		}

		c.Locals("userID", userID)
		return c.Next()
	}
}

// RequireAdmin returns middleware that rejects non-admin callers. It must run
// after RequireAuth and reads the flag from the store on every request, so a
// demoted admin loses access without waiting for token expiry.
func RequireAdmin(users user.Repository) fiber.Handler {
	return func(c fiber.Ctx) error {
		userID, ok := c.Locals("userID").(uuid.UUID)
		if !ok {
			return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Missing authentication")
		}

		u, err := users.GetByID(c.Context(), userID)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				return httputil.Fail(c, fiber.StatusUnauthorized, protocol.CodeUnauthorized, "Unknown user")
			}
			return httputil.Fail(c, fiber.StatusInternalServerError, protocol.CodeInternal, "Failed to load user")
		}

		if !u.IsAdmin {
			return httputil.Fail(c, fiber.StatusForbidden, protocol.CodeForbidden, "Admin access required")
		}

		return c.Next()
	}
}
