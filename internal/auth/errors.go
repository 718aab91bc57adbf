package auth

import "errors"

// Sentinel errors for the auth package.
var (
	// ErrRefreshTokenReused is returned when a consumed refresh token is presented again, indicating potential token
	// theft.
	ErrRefreshTokenReused   = errors.New("refresh token reused")
	ErrRefreshTokenNotFound = errors.New("refresh token not found")
	ErrPasswordTooShort     = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong      = errors.New("password must be at most 128 characters")
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrDisposableEmail      = errors.New("disposable email addresses are not allowed")
	ErrEmailAlreadyTaken    = errors.New("email already taken")

	// Credential adapter sentinels. Connect and authenticate failures map
	// one-to-one onto socket error codes, so the distinction between "bad
	// key", "known but not approved", and "suspended" is load-bearing.
	ErrInvalidHubKey    = errors.New("invalid hub key")
	ErrHubNotApproved   = errors.New("hub is not approved")
	ErrHubSuspended     = errors.New("hub is suspended")
	ErrInvalidUserToken = errors.New("invalid user token")
	ErrUserSuspended    = errors.New("user is suspended")
)
