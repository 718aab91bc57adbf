package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/config"
	"github.com/vigil-app/vigil-server/internal/disposable"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/user"
)

// testTimeout extends the default app.Test() deadline so that argon2 hashing
// under the race detector does not trigger a spurious i/o timeout.
var testTimeout = fiber.TestConfig{Timeout: 30 * time.Second}

// fakeUserRepo implements user.Repository for handler tests.
type fakeUserRepo struct {
	users       map[string]*user.Credentials
	tokenHashes map[uuid.UUID]string
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{
		users:       make(map[string]*user.Credentials),
		tokenHashes: make(map[uuid.UUID]string),
	}
}

func (r *fakeUserRepo) Create(_ context.Context, params user.CreateParams) (uuid.UUID, error) {
	if _, exists := r.users[params.Email]; exists {
		return uuid.Nil, user.ErrAlreadyExists
	}
	id := uuid.New()
	r.users[params.Email] = &user.Credentials{
		User: user.User{
			ID:         id,
			Email:      params.Email,
			Username:   params.Username,
			Status:     user.StatusActive,
			IsAdmin:    params.IsAdmin,
			TokenHint:  params.TokenHint,
			AlertSound: "default",
			CreatedAt:  time.Now().UTC(),
		},
		PasswordHash: params.PasswordHash,
	}
	r.tokenHashes[id] = params.TokenHash
	return id, nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*user.User, error) {
	for _, c := range r.users {
		if c.ID == id {
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*user.Credentials, error) {
	c, ok := r.users[email]
	if !ok {
		return nil, user.ErrNotFound
	}
	return c, nil
}

func (r *fakeUserRepo) GetByTokenHash(_ context.Context, tokenHash string) (*user.User, error) {
	for _, c := range r.users {
		if r.tokenHashes[c.ID] == tokenHash {
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) UpdateSettings(_ context.Context, id uuid.UUID, params user.SettingsParams) (*user.User, error) {
	for _, c := range r.users {
		if c.ID == id {
			if params.Username != nil {
				c.Username = strings.TrimSpace(*params.Username)
			}
			if params.AlertSound != nil {
				c.AlertSound = *params.AlertSound
			}
			if params.LifeOrDeathMode != nil {
				c.LifeOrDeathMode = *params.LifeOrDeathMode
			}
			if params.QuietHoursEnabled != nil {
				c.QuietHoursEnabled = *params.QuietHoursEnabled
			}
			if params.QuietHoursStart != nil {
				c.QuietHoursStart = *params.QuietHoursStart
			}
			if params.QuietHoursEnd != nil {
				c.QuietHoursEnd = *params.QuietHoursEnd
			}
			if params.UTCOffsetMinutes != nil {
				c.UTCOffsetMinutes = *params.UTCOffsetMinutes
			}
			cpy := c.User
			return &cpy, nil
		}
	}
	return nil, user.ErrNotFound
}

func (r *fakeUserRepo) UpdatePasswordHash(_ context.Context, id uuid.UUID, hash string) error {
	for _, c := range r.users {
		if c.ID == id {
			c.PasswordHash = hash
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeUserRepo) RotateToken(_ context.Context, id uuid.UUID, tokenHash, tokenHint string) error {
	for _, c := range r.users {
		if c.ID == id {
			r.tokenHashes[id] = tokenHash
			c.TokenHint = tokenHint
			c.TokenCreatedAt = time.Now().UTC()
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeUserRepo) SetStatus(_ context.Context, id uuid.UUID, status string) error {
	for _, c := range r.users {
		if c.ID == id {
			c.Status = status
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeUserRepo) Delete(_ context.Context, id uuid.UUID) error {
	for email, c := range r.users {
		if c.ID == id {
			delete(r.users, email)
			return nil
		}
	}
	return user.ErrNotFound
}

func (r *fakeUserRepo) RecordLoginAttempt(context.Context, string, string, bool) error { return nil }

func (r *fakeUserRepo) DeleteLoginAttemptsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// fakeRevoker implements auth.SessionRevoker.
type fakeRevoker struct {
	calls int
	n     int64
}

func (f *fakeRevoker) DisconnectAllForUser(context.Context, uuid.UUID, string, string) (int64, error) {
	f.calls++
	return f.n, nil
}

func testAPIConfig() *config.Config {
	return &config.Config{
		ServerName:    "Vigil Test",
		JWTSecret:     "test-secret-key-for-handlers-0123456789",
		JWTAccessTTL:  15 * time.Minute,
		JWTRefreshTTL: 30 * 24 * time.Hour,

		// Cheap Argon2id costs: these tests exercise flow, not hardness.
		Argon2Memory:      8 * 1024,
		Argon2Iterations:  1,
		Argon2Parallelism: 1,
		Argon2SaltLength:  16,
		Argon2KeyLength:   32,
	}
}

func newAuthService(t *testing.T, repo user.Repository, revoker auth.SessionRevoker) *auth.Service {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := testAPIConfig()
	return auth.NewService(repo, auth.NewRefreshStore(rdb, cfg.JWTRefreshTTL),
		disposable.NewBlocklist("", false), revoker, cfg, zerolog.Nop())
}

func testAuthApp(t *testing.T) (*fiber.App, *fakeUserRepo) {
	t.Helper()
	repo := newFakeUserRepo()
	handler := NewAuthHandler(newAuthService(t, repo, &fakeRevoker{}), zerolog.Nop())

	app := fiber.New()
	app.Post("/register", handler.Register)
	app.Post("/login", handler.Login)
	app.Post("/refresh", handler.Refresh)
	app.Post("/logout", handler.Logout)

	return app, repo
}

// --- response parsing helpers ---

type successEnvelope struct {
	Data json.RawMessage `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	return b
}

func parseError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error response %q: %v", string(body), err)
	}
	return env
}

func parseSuccess(t *testing.T, body []byte) successEnvelope {
	t.Helper()
	var env successEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal success response %q: %v", string(body), err)
	}
	return env
}

func jsonReq(method, url, body string) *http.Request {
	req := httptest.NewRequest(method, url, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// doReq sends a request through app.Test with the extended test timeout.
func doReq(t *testing.T, app *fiber.App, req *http.Request) *http.Response {
	t.Helper()
	resp, err := app.Test(req, testTimeout)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	return resp
}

// requireStatus fails the test when the response status differs.
func requireStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Errorf("status = %d, want %d", resp.StatusCode, want)
	}
}

// requireErrorCode asserts both HTTP status and the envelope error code.
func requireErrorCode(t *testing.T, resp *http.Response, body []byte, status int, code protocol.Code) {
	t.Helper()
	requireStatus(t, resp, status)
	env := parseError(t, body)
	if env.Error.Code != string(code) {
		t.Errorf("error code = %q, want %q", env.Error.Code, code)
	}
}

// --- Register handler tests ---

func TestRegisterHandler_InvalidJSON(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/register", "not json"))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
}

func TestRegisterHandler_ValidationErrors(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)

	tests := []struct {
		name string
		body string
	}{
		{
			"invalid email",
			`{"email":"bad","username":"ada","password":"strongpassword"}`,
		},
		{
			"username too long",
			`{"email":"ada@example.com","username":"` + strings.Repeat("a", 33) + `","password":"strongpassword"}`,
		},
		{
			"password too short",
			`{"email":"ada@example.com","username":"ada","password":"short"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := doReq(t, app, jsonReq(http.MethodPost, "/register", tt.body))
			body := readBody(t, resp)

			requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
		})
	}
}

func TestRegisterHandler_Success(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/register",
		`{"email":"ada@example.com","username":"ada","password":"strongpassword"}`))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusCreated)

	env := parseSuccess(t, body)
	var reg struct {
		User struct {
			Email     string `json:"email"`
			Username  string `json:"username"`
			TokenHint string `json:"tokenHint"`
		} `json:"user"`
		AccessToken     string `json:"accessToken"`
		RefreshToken    string `json:"refreshToken"`
		ConnectionToken string `json:"connectionToken"`
	}
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	if reg.User.Email != "ada@example.com" {
		t.Errorf("email = %q, want %q", reg.User.Email, "ada@example.com")
	}
	if reg.AccessToken == "" {
		t.Error("accessToken is empty")
	}
	if reg.RefreshToken == "" {
		t.Error("refreshToken is empty")
	}
	if len(reg.ConnectionToken) != 6 {
		t.Errorf("connectionToken = %q, want 6 characters", reg.ConnectionToken)
	}
	if reg.User.TokenHint == "" {
		t.Error("tokenHint is empty")
	}
}

func TestRegisterHandler_DuplicateEmail(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)

	first := doReq(t, app, jsonReq(http.MethodPost, "/register",
		`{"email":"ada@example.com","username":"ada","password":"strongpassword"}`))
	readBody(t, first)
	requireStatus(t, first, fiber.StatusCreated)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/register",
		`{"email":"ada@example.com","username":"other","password":"strongpassword"}`))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeEmailTaken)
}

// --- Login handler tests ---

// registerTestUser registers through the handler and returns the issued pair.
func registerTestUser(t *testing.T, app *fiber.App, email string) (access, refresh string) {
	t.Helper()
	resp := doReq(t, app, jsonReq(http.MethodPost, "/register",
		`{"email":"`+email+`","username":"ada","password":"strongpassword"}`))
	body := readBody(t, resp)
	if resp.StatusCode != fiber.StatusCreated {
		t.Fatalf("register status = %d, body %s", resp.StatusCode, body)
	}
	env := parseSuccess(t, body)
	var reg struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(env.Data, &reg); err != nil {
		t.Fatalf("unmarshal register response: %v", err)
	}
	return reg.AccessToken, reg.RefreshToken
}

func TestLoginHandler_Success(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)
	registerTestUser(t, app, "ada@example.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/login",
		`{"email":"ada@example.com","password":"strongpassword"}`))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var login struct {
		User struct {
			Email string `json:"email"`
		} `json:"user"`
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(env.Data, &login); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}
	if login.AccessToken == "" || login.RefreshToken == "" {
		t.Error("login response missing tokens")
	}
}

func TestLoginHandler_WrongPassword(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)
	registerTestUser(t, app, "ada@example.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/login",
		`{"email":"ada@example.com","password":"wrongpassword"}`))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusUnauthorized, protocol.CodeInvalidCredentials)
}

func TestLoginHandler_UnknownEmail(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/login",
		`{"email":"ghost@example.com","password":"strongpassword"}`))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusUnauthorized, protocol.CodeInvalidCredentials)
}

func TestLoginHandler_SuspendedUser(t *testing.T) {
	t.Parallel()
	app, repo := testAuthApp(t)
	registerTestUser(t, app, "ada@example.com")

	creds, err := repo.GetByEmail(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("GetByEmail() error = %v", err)
	}
	if err := repo.SetStatus(context.Background(), creds.ID, user.StatusSuspended); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	resp := doReq(t, app, jsonReq(http.MethodPost, "/login",
		`{"email":"ada@example.com","password":"strongpassword"}`))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusForbidden, protocol.CodeForbidden)
}

// --- Refresh handler tests ---

func TestRefreshHandler_MissingToken(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)

	resp := doReq(t, app, jsonReq(http.MethodPost, "/refresh", `{}`))
	body := readBody(t, resp)

	requireErrorCode(t, resp, body, fiber.StatusBadRequest, protocol.CodeInvalidBody)
}

func TestRefreshHandler_RotatesPair(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)
	_, refresh := registerTestUser(t, app, "ada@example.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/refresh",
		`{"refreshToken":"`+refresh+`"}`))
	body := readBody(t, resp)

	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var pair struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(env.Data, &pair); err != nil {
		t.Fatalf("unmarshal refresh response: %v", err)
	}
	if pair.RefreshToken == "" || pair.RefreshToken == refresh {
		t.Errorf("refresh token not rotated: %q", pair.RefreshToken)
	}

	// The consumed token must not rotate a second time.
	resp = doReq(t, app, jsonReq(http.MethodPost, "/refresh",
		`{"refreshToken":"`+refresh+`"}`))
	body = readBody(t, resp)
	requireErrorCode(t, resp, body, fiber.StatusUnauthorized, protocol.CodeUnauthorized)
}

// --- Logout handler tests ---

func TestLogoutHandler_RevokesToken(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)
	_, refresh := registerTestUser(t, app, "ada@example.com")

	resp := doReq(t, app, jsonReq(http.MethodPost, "/logout",
		`{"refreshToken":"`+refresh+`"}`))
	readBody(t, resp)
	requireStatus(t, resp, fiber.StatusOK)

	resp = doReq(t, app, jsonReq(http.MethodPost, "/refresh",
		`{"refreshToken":"`+refresh+`"}`))
	body := readBody(t, resp)
	requireErrorCode(t, resp, body, fiber.StatusUnauthorized, protocol.CodeUnauthorized)
}

func TestLogoutHandler_AllDevices(t *testing.T) {
	t.Parallel()
	app, _ := testAuthApp(t)
	_, first := registerTestUser(t, app, "ada@example.com")

	// A second device logs in and holds its own refresh token.
	resp := doReq(t, app, jsonReq(http.MethodPost, "/login",
		`{"email":"ada@example.com","password":"strongpassword"}`))
	body := readBody(t, resp)
	requireStatus(t, resp, fiber.StatusOK)
	env := parseSuccess(t, body)
	var login struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.Unmarshal(env.Data, &login); err != nil {
		t.Fatalf("unmarshal login response: %v", err)
	}

	resp = doReq(t, app, jsonReq(http.MethodPost, "/logout",
		`{"refreshToken":"`+first+`","allDevices":true}`))
	readBody(t, resp)
	requireStatus(t, resp, fiber.StatusOK)

	for _, token := range []string{first, login.RefreshToken} {
		resp = doReq(t, app, jsonReq(http.MethodPost, "/refresh",
			`{"refreshToken":"`+token+`"}`))
		b := readBody(t, resp)
		requireErrorCode(t, resp, b, fiber.StatusUnauthorized, protocol.CodeUnauthorized)
	}
}
