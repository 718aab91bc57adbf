package user

import (
	"context"
	"errors"
	"net/mail"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Sentinel errors for the user package.
var (
	ErrNotFound         = errors.New("user not found")
	ErrAlreadyExists    = errors.New("email already taken")
	ErrSuspended        = errors.New("user is suspended")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrUsernameLength   = errors.New("username must be between 1 and 32 characters")
	ErrInvalidTimeOfDay = errors.New("time of day must be HH:MM between 00:00 and 23:59")
	ErrInvalidOffset    = errors.New("utc offset must be between -720 and 840 minutes")
	ErrAlertSoundLength = errors.New("alert sound must be between 1 and 64 characters")
)

// User status values.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// User holds the identity and alert preferences read from the database. The
// connection token itself is never stored; TokenHint is the displayable
// remnant kept after generation.
type User struct {
	ID                uuid.UUID
	Email             string
	Username          string
	Status            string
	IsAdmin           bool
	TokenHint         string
	TokenCreatedAt    time.Time
	AlertSound        string
	LifeOrDeathMode   bool
	QuietHoursEnabled bool
	QuietHoursStart   string // "HH:MM" in the user's local clock
	QuietHoursEnd     string
	UTCOffsetMinutes  int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Suspended reports whether the user is barred from authenticating.
func (u *User) Suspended() bool {
	return u.Status == StatusSuspended
}

// QuietHoursActive reports whether at falls inside the user's quiet-hours
// window. The window is evaluated in the user's local clock, derived from the
// stored UTC offset. Windows where start > end wrap across midnight.
func (u *User) QuietHoursActive(at time.Time) bool {
	if !u.QuietHoursEnabled {
		return false
	}

	s, err := ParseMinuteOfDay(u.QuietHoursStart)
	if err != nil {
		return false
	}
	e, err := ParseMinuteOfDay(u.QuietHoursEnd)
	if err != nil {
		return false
	}

	local := at.UTC().Add(time.Duration(u.UTCOffsetMinutes) * time.Minute)
	m := local.Hour()*60 + local.Minute()

	if s <= e {
		return s <= m && m < e
	}
	return m >= s || m < e
}

// ParseMinuteOfDay converts an "HH:MM" string into minutes since midnight.
func ParseMinuteOfDay(s string) (int, error) {
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, ErrInvalidTimeOfDay
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, ErrInvalidTimeOfDay
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, ErrInvalidTimeOfDay
	}
	return h*60 + m, nil
}

// Credentials extends User with the password hash. Only repository methods
// that serve the authentication path return this type; all other read methods
// return *User to prevent credential leakage at the type level.
type Credentials struct {
	User
	PasswordHash string
}

// CreateParams groups the inputs for creating a new user. TokenHash and
// TokenHint come from the credential adapter's token generator.
type CreateParams struct {
	Email        string
	Username     string
	PasswordHash string
	TokenHash    string
	TokenHint    string
	IsAdmin      bool
}

// SettingsParams groups the optional alert-preference fields for a partial
// settings update. Nil fields are left unchanged.
type SettingsParams struct {
	Username          *string
	AlertSound        *string
	LifeOrDeathMode   *bool
	QuietHoursEnabled *bool
	QuietHoursStart   *string
	QuietHoursEnd     *string
	UTCOffsetMinutes  *int
}

// Validate checks the settable fields against their constraints.
func (p SettingsParams) Validate() error {
	if p.Username != nil {
		if n := utf8.RuneCountInString(strings.TrimSpace(*p.Username)); n < 1 || n > 32 {
			return ErrUsernameLength
		}
	}
	if p.AlertSound != nil {
		if n := utf8.RuneCountInString(*p.AlertSound); n < 1 || n > 64 {
			return ErrAlertSoundLength
		}
	}
	if p.QuietHoursStart != nil {
		if _, err := ParseMinuteOfDay(*p.QuietHoursStart); err != nil {
			return err
		}
	}
	if p.QuietHoursEnd != nil {
		if _, err := ParseMinuteOfDay(*p.QuietHoursEnd); err != nil {
			return err
		}
	}
	if p.UTCOffsetMinutes != nil {
		// UTC-12:00 through UTC+14:00, the range of inhabited timezones.
		if *p.UTCOffsetMinutes < -720 || *p.UTCOffsetMinutes > 840 {
			return ErrInvalidOffset
		}
	}
	return nil
}

// ValidateEmail checks that the address parses under RFC 5322.
func ValidateEmail(email string) error {
	if _, err := mail.ParseAddress(email); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateUsername checks that a username is between 1 and 32 Unicode
// characters after trimming.
func ValidateUsername(name string) error {
	if n := utf8.RuneCountInString(strings.TrimSpace(name)); n < 1 || n > 32 {
		return ErrUsernameLength
	}
	return nil
}

// Repository defines the data-access contract for user operations.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*Credentials, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*User, error)
	UpdateSettings(ctx context.Context, id uuid.UUID, params SettingsParams) (*User, error)
	UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error
	RotateToken(ctx context.Context, id uuid.UUID, tokenHash, tokenHint string) error
	SetStatus(ctx context.Context, id uuid.UUID, status string) error
	Delete(ctx context.Context, id uuid.UUID) error
	RecordLoginAttempt(ctx context.Context, email, ip string, success bool) error
	DeleteLoginAttemptsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
