package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Misconfigured signing inputs. config.Load refuses to start without a
// secret, so hitting either of these at runtime means a caller bypassed it.
var (
	errNoSecret = errors.New("jwt signing secret is empty")
	errNoIssuer = errors.New("jwt issuer is empty")
)

// AccessClaims is the claim set carried by an API access token. Subject
// holds the user ID. Hub sockets authenticate with their own key and never
// receive one of these.
type AccessClaims struct {
	jwt.RegisteredClaims
}

// NewAccessToken mints an HS256 token for userID, valid for ttl. The issuer
// is stamped into the token and checked again on validation, so two
// deployments sharing a leaked secret still reject each other's tokens.
func NewAccessToken(userID uuid.UUID, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", errNoSecret
	}
	if issuer == "" {
		return "", errNoIssuer
	}

	now := time.Now()
	claims := AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   userID.String(),
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken checks signature, expiry and issuer and returns the
// embedded claims. Expired tokens surface jwt.ErrTokenExpired so callers can
// tell the client to refresh instead of logging in again. Tokens without an
// expiry are rejected outright.
func ValidateAccessToken(tokenStr, secret, issuer string) (*AccessClaims, error) {
	if issuer == "" {
		return nil, errNoIssuer
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)

	claims := &AccessClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, err
	}
	return claims, nil
}
