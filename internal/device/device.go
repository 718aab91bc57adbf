// Package device models the push-notification endpoints registered by
// consumer clients. A push token maps to at most one device; re-registering
// an existing token transfers it to the registering user.
package device

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the device package.
var (
	ErrNotFound        = errors.New("device not found")
	ErrInvalidPlatform = errors.New("platform must be android, ios, or web")
	ErrTokenRequired   = errors.New("push token is required")
)

// Device platforms.
const (
	PlatformAndroid = "android"
	PlatformIOS     = "ios"
	PlatformWeb     = "web"
)

// ValidPlatform reports whether p is one of the recognised platforms.
func ValidPlatform(p string) bool {
	switch p {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return true
	}
	return false
}

// Device is one push endpoint owned by a user.
type Device struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	PushToken      string
	Platform       string
	Name           string
	Active         bool
	FailedAttempts int
	LastFailReason string
	LastSeenAt     time.Time
	CreatedAt      time.Time
}

// UpsertParams groups the inputs for registering a device.
type UpsertParams struct {
	UserID    uuid.UUID
	PushToken string
	Platform  string
	Name      string
}

// Validate checks the registration inputs.
func (p UpsertParams) Validate() error {
	if p.PushToken == "" {
		return ErrTokenRequired
	}
	if !ValidPlatform(p.Platform) {
		return ErrInvalidPlatform
	}
	return nil
}

// Repository defines the data-access contract for device operations.
type Repository interface {
	Upsert(ctx context.Context, params UpsertParams) (*Device, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Device, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]Device, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]Device, error)
	ListActiveByUserAndPlatform(ctx context.Context, userID uuid.UUID, platform string) ([]Device, error)
	RecordFailure(ctx context.Context, id uuid.UUID, reason string, deactivateAt int) (bool, error)
	RecordSuccess(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id, userID uuid.UUID) error
}
