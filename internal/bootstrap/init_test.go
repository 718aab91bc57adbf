package bootstrap

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/config"
	"github.com/vigil-app/vigil-server/internal/user"
)

type fakeStore struct {
	hasAdmin  bool
	created   []user.CreateParams
	createErr error
}

func (f *fakeStore) HasAdmin(_ context.Context) (bool, error) {
	return f.hasAdmin, nil
}

func (f *fakeStore) Create(_ context.Context, params user.CreateParams) (uuid.UUID, error) {
	if f.createErr != nil {
		return uuid.Nil, f.createErr
	}
	f.created = append(f.created, params)
	return uuid.New(), nil
}

// testConfig uses deliberately cheap Argon2id parameters.
func testConfig() *config.Config {
	return &config.Config{
		InitAdminEmail:    "ops@example.com",
		InitAdminPassword: "correct-horse-battery",
		Argon2Memory:      8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

func TestSeedAdmin_CreatesAdmin(t *testing.T) {
	t.Parallel()

	store := &fakeStore{}
	cfg := testConfig()

	if err := SeedAdmin(context.Background(), store, cfg, zerolog.Nop()); err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}

	if len(store.created) != 1 {
		t.Fatalf("created %d users, want 1", len(store.created))
	}
	got := store.created[0]

	if !got.IsAdmin {
		t.Error("seeded account should be an admin")
	}
	if got.Email != "ops@example.com" {
		t.Errorf("email = %q, want %q", got.Email, "ops@example.com")
	}
	if got.Username != "ops" {
		t.Errorf("username = %q, want %q", got.Username, "ops")
	}

	match, err := auth.VerifyPassword(cfg.InitAdminPassword, got.PasswordHash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !match {
		t.Error("stored hash does not verify against INIT_ADMIN_PASSWORD")
	}

	// For short tokens the hint is the whole token, so hash and hint must agree.
	if !auth.IsShortToken(got.TokenHint) {
		t.Errorf("token hint %q is not a well-formed token", got.TokenHint)
	}
	if auth.HashToken(got.TokenHint) != got.TokenHash {
		t.Error("token hash does not match the hint")
	}
}

func TestSeedAdmin_NoopWhenAdminExists(t *testing.T) {
	t.Parallel()

	store := &fakeStore{hasAdmin: true}

	if err := SeedAdmin(context.Background(), store, testConfig(), zerolog.Nop()); err != nil {
		t.Fatalf("SeedAdmin() error = %v", err)
	}
	if len(store.created) != 0 {
		t.Errorf("created %d users, want 0", len(store.created))
	}
}

func TestSeedAdmin_NoopWhenUnconfigured(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"both empty", "", ""},
		{"missing password", "ops@example.com", ""},
		{"missing email", "", "correct-horse-battery"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{}
			cfg := testConfig()
			cfg.InitAdminEmail = tc.email
			cfg.InitAdminPassword = tc.password

			if err := SeedAdmin(context.Background(), store, cfg, zerolog.Nop()); err != nil {
				t.Fatalf("SeedAdmin() error = %v", err)
			}
			if len(store.created) != 0 {
				t.Errorf("created %d users, want 0", len(store.created))
			}
		})
	}
}

func TestSeedAdmin_InvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{"malformed email", "not-an-email", "correct-horse-battery"},
		{"short password", "ops@example.com", "short"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := &fakeStore{}
			cfg := testConfig()
			cfg.InitAdminEmail = tc.email
			cfg.InitAdminPassword = tc.password

			if err := SeedAdmin(context.Background(), store, cfg, zerolog.Nop()); err == nil {
				t.Fatal("SeedAdmin() should reject invalid configuration")
			}
			if len(store.created) != 0 {
				t.Errorf("created %d users, want 0", len(store.created))
			}
		})
	}
}

func TestSeedAdmin_ExistingAccountConflict(t *testing.T) {
	t.Parallel()

	store := &fakeStore{createErr: user.ErrAlreadyExists}

	if err := SeedAdmin(context.Background(), store, testConfig(), zerolog.Nop()); err == nil {
		t.Fatal("SeedAdmin() should surface a conflict with an existing account")
	}
}

func TestDeriveUsername(t *testing.T) {
	t.Parallel()

	tests := []struct {
		email string
		want  string
	}{
		{"ada@example.com", "ada"},
		{"first.last@example.com", "first.last"},
		{"ops+alerts@example.com", "opsalerts"},
		{"weird!!chars@example.com", "weirdchars"},
	}

	for _, tc := range tests {
		if got := deriveUsername(tc.email); got != tc.want {
			t.Errorf("deriveUsername(%q) = %q, want %q", tc.email, got, tc.want)
		}
	}
}
