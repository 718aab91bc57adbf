// Package protocol defines the JSON wire format shared by the WebSocket relay
// and the HTTP API: message type tags, error codes, and frame constructors.
package protocol

// Code identifies a machine-readable error condition carried in error frames
// and HTTP error bodies.
type Code string

// Socket error codes. Authentication failures are fatal for the socket; the
// relay closes after sending the frame. Everything else is non-fatal.
const (
	CodeInvalidHubKey    Code = "INVALID_HUB_KEY"
	CodeHubNotApproved   Code = "HUB_NOT_APPROVED"
	CodeHubSuspended     Code = "HUB_SUSPENDED"
	CodeInvalidUserToken Code = "INVALID_USER_TOKEN"
	CodeUserSuspended    Code = "USER_SUSPENDED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeInvalidMessage   Code = "INVALID_MESSAGE"
	CodeInvalidParams    Code = "INVALID_PARAMS"
	CodeNotAuthenticated Code = "NOT_AUTHENTICATED"
	CodeSessionNotFound  Code = "SESSION_NOT_FOUND"
)

// HTTP API error codes.
const (
	CodeInvalidBody         Code = "INVALID_BODY"
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeEmailTaken          Code = "EMAIL_TAKEN"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeTokenExpired        Code = "TOKEN_EXPIRED"
	CodeForbidden           Code = "FORBIDDEN"
	CodeNotFound            Code = "NOT_FOUND"
	CodeConflict            Code = "CONFLICT"
	CodeAlreadyAcknowledged Code = "ALREADY_ACKNOWLEDGED"
	CodeInternal            Code = "INTERNAL"
)
