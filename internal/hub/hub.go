// Package hub models the producer organizations that own connecting scripts.
// A hub is identified by its API key and must be approved by an admin before
// its scripts may open sessions.
package hub

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the hub package.
var (
	ErrNotFound      = errors.New("hub not found")
	ErrAlreadyExists = errors.New("hub name already taken")
	ErrInvalidStatus = errors.New("invalid hub status")
	ErrNameLength    = errors.New("hub name must be between 1 and 64 characters")
)

// Hub status values. Only approved hubs may open sessions.
const (
	StatusPending   = "pending"
	StatusApproved  = "approved"
	StatusRejected  = "rejected"
	StatusSuspended = "suspended"
)

// ValidStatus reports whether s is one of the recognised hub statuses.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusSuspended:
		return true
	}
	return false
}

// Hub is a producer organization. The API key itself is never stored; KeyHash
// is its lookup form and KeyHint the displayable remnant.
type Hub struct {
	ID               uuid.UUID
	Name             string
	Slug             string
	OwnerEmail       string
	KeyHint          string
	Status           string
	TotalConnections int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Approved reports whether the hub may open sessions.
func (h *Hub) Approved() bool {
	return h.Status == StatusApproved
}

// CreateParams groups the inputs for registering a new hub. KeyHash and
// KeyHint come from the credential adapter's key generator.
type CreateParams struct {
	Name       string
	OwnerEmail string
	KeyHash    string
	KeyHint    string
}

// ValidateName checks that a hub name is between 1 and 64 Unicode characters
// after trimming.
func ValidateName(name string) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(name)); n < 1 || n > 64 {
		return ErrNameLength
	}
	return nil
}

// Slugify derives the URL-safe unique identifier from a hub name: lowercase,
// runs of non-alphanumerics collapsed to single hyphens, trimmed.
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress a leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastHyphen = false
		case !lastHyphen:
			b.WriteByte('-')
			lastHyphen = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Repository defines the data-access contract for hub operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (*Hub, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Hub, error)
	GetByKeyHash(ctx context.Context, keyHash string) (*Hub, error)
	List(ctx context.Context) ([]Hub, error)
	SetStatus(ctx context.Context, id uuid.UUID, status string) (*Hub, error)
	IncrementConnections(ctx context.Context, id uuid.UUID) error
}
