// Package bootstrap seeds the initial admin account. Vigil has no
// self-service path to adminhood and hub approval requires an admin, so the
// first one is created from the environment on startup.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/config"
	"github.com/vigil-app/vigil-server/internal/user"
)

// usernameJunk matches characters stripped when deriving a username from an
// email local part.
var usernameJunk = regexp.MustCompile(`[^a-zA-Z0-9_.]`)

// Store is the slice of the user store the seeder needs.
type Store interface {
	HasAdmin(ctx context.Context) (bool, error)
	Create(ctx context.Context, params user.CreateParams) (uuid.UUID, error)
}

// SeedAdmin creates an admin account from INIT_ADMIN_EMAIL and
// INIT_ADMIN_PASSWORD when no admin exists yet. With an admin already present
// it does nothing, so the variables can stay set across restarts. A missing
// configuration is not an error: the server runs fine without an admin, hubs
// just cannot be approved.
//
// The seeded account gets a connection token that is stored hashed and shown
// to nobody; the admin regenerates it from the app after first login.
func SeedAdmin(ctx context.Context, store Store, cfg *config.Config, logger zerolog.Logger) error {
	log := logger.With().Str("component", "bootstrap").Logger()

	exists, err := store.HasAdmin(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if cfg.InitAdminEmail == "" || cfg.InitAdminPassword == "" {
		log.Warn().Msg("no admin account exists and INIT_ADMIN_EMAIL/INIT_ADMIN_PASSWORD are unset; hub approval is unavailable until an admin is created")
		return nil
	}

	if err := user.ValidateEmail(cfg.InitAdminEmail); err != nil {
		return fmt.Errorf("invalid INIT_ADMIN_EMAIL: %w", err)
	}
	if err := auth.ValidatePassword(cfg.InitAdminPassword); err != nil {
		return fmt.Errorf("invalid INIT_ADMIN_PASSWORD: %w", err)
	}

	username := deriveUsername(cfg.InitAdminEmail)
	if err := user.ValidateUsername(username); err != nil {
		return fmt.Errorf("cannot derive a username from INIT_ADMIN_EMAIL %q: %w", cfg.InitAdminEmail, err)
	}

	hash, err := auth.HashPassword(cfg.InitAdminPassword, auth.PasswordParams{
		Memory:      cfg.Argon2Memory,
		Iterations:  cfg.Argon2Iterations,
		Parallelism: cfg.Argon2Parallelism,
		SaltLength:  cfg.Argon2SaltLength,
		KeyLength:   cfg.Argon2KeyLength,
	})
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	token, err := auth.NewConnectionToken()
	if err != nil {
		return err
	}

	id, err := store.Create(ctx, user.CreateParams{
		Email:        cfg.InitAdminEmail,
		Username:     username,
		PasswordHash: hash,
		TokenHash:    auth.HashToken(token),
		TokenHint:    auth.TokenHint(token),
		IsAdmin:      true,
	})
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return fmt.Errorf("an account with that email or username already exists; promote it manually or change INIT_ADMIN_EMAIL")
		}
		return fmt.Errorf("create admin: %w", err)
	}

	log.Info().Str("user_id", id.String()).Str("email", cfg.InitAdminEmail).Msg("admin account seeded")
	return nil
}

// deriveUsername takes the local part of the email and strips characters
// that read poorly in a username.
func deriveUsername(email string) string {
	name := email
	if idx := strings.Index(name, "@"); idx > 0 {
		name = name[:idx]
	}
	return usernameJunk.ReplaceAllString(name, "")
}
