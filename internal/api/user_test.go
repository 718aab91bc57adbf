package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/user"
)

// withUser returns middleware that injects the user identity the way
// RequireAuth does after validating a token.
func withUser(userID uuid.UUID) fiber.Handler {
	return func(c fiber.Ctx) error {
		c.Locals("userID", userID)
		return c.Next()
	}
}

func testUserApp(t *testing.T) (*fiber.App, *fakeUserRepo, uuid.UUID, *fakeRevoker) {
	t.Helper()
	repo := newFakeUserRepo()
	userID, err := repo.Create(context.Background(), user.CreateParams{
		Email:     "ada@example.com",
		Username:  "ada",
		TokenHint: "AB…34",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	revoker := &fakeRevoker{n: 1}
	handler := NewUserHandler(repo, newAuthService(t, repo, revoker), zerolog.Nop())

	app := fiber.New()
	app.Use(withUser(userID))
	app.Get("/me", handler.GetMe)
	app.Patch("/me/settings", handler.UpdateSettings)
	app.Post("/me/token", handler.RegenerateToken)

	return app, repo, userID, revoker
}

func TestGetMe_Success(t *testing.T) {
	t.Parallel()
	app, _, userID, _ := testUserApp(t)

	resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/me", nil))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var me struct {
		ID         uuid.UUID `json:"id"`
		Email      string    `json:"email"`
		Username   string    `json:"username"`
		AlertSound string    `json:"alertSound"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("unmarshal me response: %v", err)
	}
	if me.ID != userID {
		t.Errorf("id = %s, want %s", me.ID, userID)
	}
	if me.Email != "ada@example.com" {
		t.Errorf("email = %q, want %q", me.Email, "ada@example.com")
	}
	if me.AlertSound != "default" {
		t.Errorf("alertSound = %q, want %q", me.AlertSound, "default")
	}
}

func TestGetMe_MissingIdentity(t *testing.T) {
	t.Parallel()
	repo := newFakeUserRepo()
	handler := NewUserHandler(repo, newAuthService(t, repo, &fakeRevoker{}), zerolog.Nop())

	app := fiber.New()
	app.Get("/me", handler.GetMe)

	resp := doReq(t, app, httptest.NewRequest(http.MethodGet, "/me", nil))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusUnauthorized, protocol.CodeUnauthorized)
}

func TestUpdateSettings_InvalidJSON(t *testing.T) {
	t.Parallel()
	app, _, _, _ := testUserApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPatch, "/me/settings", "{bad"))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
}

func TestUpdateSettings_PartialUpdate(t *testing.T) {
	t.Parallel()
	app, repo, userID, _ := testUserApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPatch, "/me/settings",
		`{"alertSound":"siren","quietHoursEnabled":true,"quietHoursStart":"23:00","quietHoursEnd":"07:00","utcOffsetMinutes":60}`))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var me struct {
		Username          string `json:"username"`
		AlertSound        string `json:"alertSound"`
		QuietHoursEnabled bool   `json:"quietHoursEnabled"`
		QuietHoursStart   string `json:"quietHoursStart"`
		UTCOffsetMinutes  int    `json:"utcOffsetMinutes"`
	}
	if err := json.Unmarshal(env.Data, &me); err != nil {
		t.Fatalf("unmarshal settings response: %v", err)
	}
	if me.Username != "ada" {
		t.Errorf("username changed to %q, want unchanged", me.Username)
	}
	if me.AlertSound != "siren" {
		t.Errorf("alertSound = %q, want %q", me.AlertSound, "siren")
	}
	if !me.QuietHoursEnabled || me.QuietHoursStart != "23:00" {
		t.Errorf("quiet hours not applied: %+v", me)
	}
	if me.UTCOffsetMinutes != 60 {
		t.Errorf("utcOffsetMinutes = %d, want 60", me.UTCOffsetMinutes)
	}

	stored, err := repo.GetByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.AlertSound != "siren" {
		t.Errorf("stored alertSound = %q, want %q", stored.AlertSound, "siren")
	}
}

func TestUpdateSettings_ValidationErrors(t *testing.T) {
	t.Parallel()
	app, _, _, _ := testUserApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad quiet hours start", `{"quietHoursStart":"25:00"}`},
		{"offset out of range", `{"utcOffsetMinutes":900}`},
		{"empty alert sound", `{"alertSound":""}`},
		{"blank username", `{"username":"   "}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodPatch, "/me/settings", tt.body))
			body := readBody(t, resp)

			requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
		})
	}
}

func TestRegenerateToken_RevokesSessions(t *testing.T) {
	t.Parallel()
	app, repo, userID, revoker := testUserApp(t)

	before, err := repo.GetByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	resp := doReq(t, app, jsonReq(http.MethodPost, "/me/token", ""))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var regen struct {
		ConnectionToken string `json:"connectionToken"`
		TokenHint       string `json:"tokenHint"`
	}
	if err := json.Unmarshal(env.Data, &regen); err != nil {
		t.Fatalf("unmarshal regenerate response: %v", err)
	}
	if len(regen.ConnectionToken) != 6 {
		t.Errorf("connectionToken = %q, want 6 characters", regen.ConnectionToken)
	}
	if regen.TokenHint == before.TokenHint {
		t.Error("token hint did not rotate")
	}
	if revoker.calls != 1 {
		t.Errorf("revoker calls = %d, want 1", revoker.calls)
	}

	after, err := repo.GetByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if after.TokenHint != regen.TokenHint {
		t.Errorf("stored hint = %q, want %q", after.TokenHint, regen.TokenHint)
	}
}
