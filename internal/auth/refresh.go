package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RefreshStore keeps refresh tokens in Valkey under two key shapes:
//
//	rt:{token}    → user_id (STRING, expires with the token)
//	rtu:{user_id} → SET of live token UUIDs
//
// The per-user set is what makes signing out of every device a single call
// instead of a keyspace scan. The prefixes recur as literals inside the Lua
// scripts below; keep them in sync.
type RefreshStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRefreshStore creates a refresh token store issuing tokens with the given
// lifetime.
func NewRefreshStore(rdb *redis.Client, ttl time.Duration) *RefreshStore {
	return &RefreshStore{rdb: rdb, ttl: ttl}
}

func tokenKey(token string) string       { return "rt:" + token }
func userTokens(userID uuid.UUID) string { return "rtu:" + userID.String() }

// rotateScript consumes the old token and installs the replacement under the
// same owner. Returns the owner's user ID, or nil when the old token no
// longer exists.
//
//	KEYS[1] = rt:{oldToken}
//	ARGV[1] = oldToken
//	ARGV[2] = newToken
//	ARGV[3] = TTL in seconds
var rotateScript = redis.NewScript(`
local owner = redis.call('GETDEL', KEYS[1])
if not owner then
    return false
end

local set = 'rtu:' .. owner
redis.call('SREM', set, ARGV[1])
redis.call('SET', 'rt:' .. ARGV[2], owner, 'EX', tonumber(ARGV[3]))
redis.call('SADD', set, ARGV[2])
redis.call('EXPIRE', set, tonumber(ARGV[3]))

return owner
`)

// revokeOneScript deletes a token and its set membership in one step.
//
//	KEYS[1] = rt:{token}
//	ARGV[1] = token
var revokeOneScript = redis.NewScript(`
local owner = redis.call('GETDEL', KEYS[1])
if owner then
    redis.call('SREM', 'rtu:' .. owner, ARGV[1])
end
return owner and 1 or 0
`)

// revokeAllScript deletes every token listed in the user's set, then the set.
//
//	KEYS[1] = rtu:{userID}
var revokeAllScript = redis.NewScript(`
local tokens = redis.call('SMEMBERS', KEYS[1])
for _, t in ipairs(tokens) do
    redis.call('DEL', 'rt:' .. t)
end
redis.call('DEL', KEYS[1])
return #tokens
`)

// Create generates a refresh token for the user and stores it with the
// configured TTL. The token row and its set membership are written in one
// MULTI/EXEC.
func (s *RefreshStore) Create(ctx context.Context, userID uuid.UUID) (string, error) {
	token := uuid.New().String()

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(token), userID.String(), s.ttl)
		pipe.SAdd(ctx, userTokens(userID), token)
		pipe.Expire(ctx, userTokens(userID), s.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("create refresh token: %w", err)
	}
	return token, nil
}

// Validate looks up a refresh token and returns the user that owns it.
func (s *RefreshStore) Validate(ctx context.Context, token string) (uuid.UUID, error) {
	owner, err := s.rdb.Get(ctx, tokenKey(token)).Result()
	switch {
	case err == redis.Nil:
		return uuid.Nil, ErrRefreshTokenNotFound
	case err != nil:
		return uuid.Nil, fmt.Errorf("get refresh token: %w", err)
	}

	id, err := uuid.Parse(owner)
	if err != nil {
		return uuid.Nil, fmt.Errorf("stored owner %q is not a user ID: %w", owner, err)
	}
	return id, nil
}

// Rotate atomically consumes oldToken and issues a replacement bound to the
// same user. A token that is absent was either expired or already spent;
// both report ErrRefreshTokenReused so the caller can force a fresh login.
func (s *RefreshStore) Rotate(ctx context.Context, oldToken string) (string, uuid.UUID, error) {
	newToken := uuid.New().String()

	owner, err := rotateScript.Run(ctx, s.rdb,
		[]string{tokenKey(oldToken)},
		oldToken, newToken, int(s.ttl.Seconds()),
	).Text()
	switch {
	case err == redis.Nil:
		return "", uuid.Nil, ErrRefreshTokenReused
	case err != nil:
		return "", uuid.Nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	userID, err := uuid.Parse(owner)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("stored owner %q is not a user ID: %w", owner, err)
	}
	return newToken, userID, nil
}

// Revoke removes a single refresh token. Revoking a token that no longer
// exists is not an error, so logout stays idempotent.
func (s *RefreshStore) Revoke(ctx context.Context, token string) error {
	err := revokeOneScript.Run(ctx, s.rdb, []string{tokenKey(token)}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll removes every refresh token the user holds.
func (s *RefreshStore) RevokeAll(ctx context.Context, userID uuid.UUID) error {
	err := revokeAllScript.Run(ctx, s.rdb, []string{userTokens(userID)}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("revoke refresh tokens: %w", err)
	}
	return nil
}
