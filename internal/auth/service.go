package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/config"
	"github.com/vigil-app/vigil-server/internal/disposable"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/user"
)

// SessionRevoker ends every active session a user owns. The relay implements
// this: it transitions the session rows and closes the producer sockets.
type SessionRevoker interface {
	DisconnectAllForUser(ctx context.Context, userID uuid.UUID, reason, message string) (int64, error)
}

// Service implements account business logic, keeping HTTP handlers thin and
// focused on request parsing / response formatting.
type Service struct {
	users     user.Repository
	refresh   *RefreshStore
	blocklist *disposable.Blocklist
	revoker   SessionRevoker
	config    *config.Config
	log       zerolog.Logger
	pw        PasswordParams
	// dummyHash is a precomputed Argon2id hash used to keep login timing constant when a user is not found,
	// preventing email enumeration via response-time analysis.
	dummyHash string
}

// NewService creates the account service.
func NewService(users user.Repository, refresh *RefreshStore, bl *disposable.Blocklist, revoker SessionRevoker, cfg *config.Config, logger zerolog.Logger) *Service {
	pw := PasswordParams{
		Memory:      cfg.Argon2Memory,
		Iterations:  cfg.Argon2Iterations,
		Parallelism: cfg.Argon2Parallelism,
		SaltLength:  cfg.Argon2SaltLength,
		KeyLength:   cfg.Argon2KeyLength,
	}

	// Generate a dummy hash at startup so VerifyPassword always runs against a real Argon2id hash even when the
	// user does not exist.
	dummy, err := HashPassword("vigil-dummy-password", pw)
	if err != nil {
		// This should never fail with valid config; fall back to a static hash so the service can still start.
		dummy = "$argon2id$v=19$m=65536,t=3,p=2$c2FsdHNhbHRzYWx0$placeholder"
	}

	return &Service{
		users:     users,
		refresh:   refresh,
		blocklist: bl,
		revoker:   revoker,
		config:    cfg,
		log:       logger.With().Str("component", "auth").Logger(),
		pw:        pw,
		dummyHash: dummy,
	}
}

// RegisterRequest is the input for Service.Register.
type RegisterRequest struct {
	Email    string
	Username string
	Password string
}

// LoginRequest is the input for Service.Login.
type LoginRequest struct {
	Email    string
	Password string
	IP       string
}

// TokenPair is the JWT access token plus its rotating refresh token.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult is the output for Login.
type AuthResult struct {
	User *user.User
	TokenPair
}

// RegisterResult extends AuthResult with the connection token. This is the
// only moment the plaintext token exists server-side; afterwards only its
// hash and hint remain.
type RegisterResult struct {
	AuthResult
	ConnectionToken string
}

// TokenResult is the output for RegenerateToken: the new plaintext token,
// shown once, and the hint that is stored in its place.
type TokenResult struct {
	ConnectionToken string
	TokenHint       string
}

// Register validates inputs, creates the user with a hashed connection token,
// and returns the plaintext token alongside the first JWT pair.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if err := user.ValidateEmail(req.Email); err != nil {
		return nil, err
	}
	if err := user.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := ValidatePassword(req.Password); err != nil {
		return nil, err
	}

	blocked, err := s.blocklist.IsBlocked(ctx, emailDomain(req.Email))
	if err != nil {
		s.log.Warn().Err(err).Msg("Disposable email check failed")
	}
	if blocked {
		return nil, ErrDisposableEmail
	}

	hash, err := HashPassword(req.Password, s.pw)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	token, err := NewConnectionToken()
	if err != nil {
		return nil, err
	}

	userID, err := s.users.Create(ctx, user.CreateParams{
		Email:        req.Email,
		Username:     req.Username,
		PasswordHash: hash,
		TokenHash:    HashToken(token),
		TokenHint:    TokenHint(token),
	})
	if err != nil {
		if errors.Is(err, user.ErrAlreadyExists) {
			return nil, ErrEmailAlreadyTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load created user: %w", err)
	}

	tokens, err := s.issueTokens(ctx, userID)
	if err != nil {
		return nil, err
	}

	s.log.Debug().Str("user_id", userID.String()).Msg("User registered")

	return &RegisterResult{
		AuthResult:      AuthResult{User: u, TokenPair: *tokens},
		ConnectionToken: token,
	}, nil
}

// Login verifies credentials, records the attempt, and returns auth tokens.
// Suspension is checked only after the password matches so a wrong guess
// cannot probe account status.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	if err := user.ValidateEmail(req.Email); err != nil {
		return nil, ErrInvalidCredentials
	}

	creds, err := s.users.GetByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			// Hash against a dummy value to prevent timing-based email enumeration. Without this, "user not
			// found" returns faster than "wrong password" because Argon2id is skipped.
			_, _ = VerifyPassword(req.Password, s.dummyHash)
			s.recordLoginAttempt(ctx, req.Email, req.IP, false)
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	match, err := VerifyPassword(req.Password, creds.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("verify password: %w", err)
	}
	if !match {
		s.recordLoginAttempt(ctx, req.Email, req.IP, false)
		return nil, ErrInvalidCredentials
	}

	if creds.Suspended() {
		s.recordLoginAttempt(ctx, req.Email, req.IP, false)
		return nil, ErrUserSuspended
	}

	// Lazy hash rotation: rehash with current parameters if the stored hash was generated with older settings.
	if NeedsRehash(creds.PasswordHash, s.pw) {
		if newHash, hashErr := HashPassword(req.Password, s.pw); hashErr == nil {
			if updateErr := s.users.UpdatePasswordHash(ctx, creds.ID, newHash); updateErr != nil {
				s.log.Warn().Err(updateErr).Str("user_id", creds.ID.String()).Msg("Failed to rotate password hash")
			} else {
				s.log.Debug().Str("user_id", creds.ID.String()).Msg("Password hash rotated to current parameters")
			}
		}
	}

	s.recordLoginAttempt(ctx, req.Email, req.IP, true)

	tokens, err := s.issueTokens(ctx, creds.ID)
	if err != nil {
		return nil, err
	}

	return &AuthResult{User: &creds.User, TokenPair: *tokens}, nil
}

// Refresh rotates a refresh token and issues a new access token.
func (s *Service) Refresh(ctx context.Context, oldToken string) (*TokenPair, error) {
	newRefresh, userID, err := s.refresh.Rotate(ctx, oldToken)
	if err != nil {
		return nil, err // ErrRefreshTokenReused passes through
	}

	accessToken, err := NewAccessToken(userID, s.config.JWTSecret, s.config.JWTAccessTTL, s.config.ServerName)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: newRefresh}, nil
}

// Logout revokes the presented refresh token. With everywhere set it revokes
// every refresh token the owning user holds, signing out all of their devices
// at once; the presented token doubles as proof of identity. Logging out
// twice is not an error either way.
func (s *Service) Logout(ctx context.Context, refreshToken string, everywhere bool) error {
	if !everywhere {
		return s.refresh.Revoke(ctx, refreshToken)
	}

	userID, err := s.refresh.Validate(ctx, refreshToken)
	if errors.Is(err, ErrRefreshTokenNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return s.refresh.RevokeAll(ctx, userID)
}

// RegenerateToken mints a fresh connection token for the user and revokes
// every session the old token opened, in that order, so no window exists
// where both tokens connect. Refresh tokens and the password are untouched.
func (s *Service) RegenerateToken(ctx context.Context, userID uuid.UUID) (*TokenResult, error) {
	token, err := NewConnectionToken()
	if err != nil {
		return nil, err
	}
	hint := TokenHint(token)

	if err := s.users.RotateToken(ctx, userID, HashToken(token), hint); err != nil {
		return nil, err // user.ErrNotFound passes through
	}

	n, err := s.revoker.DisconnectAllForUser(ctx, userID, session.ReasonTokenRevoked, "Connection token regenerated")
	if err != nil {
		// The new token is already active at this point; surface the failure
		// rather than pretend the old sessions are gone.
		return nil, fmt.Errorf("token rotated but revoking sessions failed: %w", err)
	}

	s.log.Info().
		Str("user_id", userID.String()).
		Int64("sessions_revoked", n).
		Msg("Connection token regenerated")

	return &TokenResult{ConnectionToken: token, TokenHint: hint}, nil
}

func (s *Service) issueTokens(ctx context.Context, userID uuid.UUID) (*TokenPair, error) {
	accessToken, err := NewAccessToken(userID, s.config.JWTSecret, s.config.JWTAccessTTL, s.config.ServerName)
	if err != nil {
		return nil, fmt.Errorf("create access token: %w", err)
	}

	refreshToken, err := s.refresh.Create(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("create refresh token: %w", err)
	}

	return &TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (s *Service) recordLoginAttempt(ctx context.Context, email, ip string, success bool) {
	if err := s.users.RecordLoginAttempt(ctx, email, ip, success); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record login attempt")
	}
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
