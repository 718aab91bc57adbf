package sessionlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ringTTL expires idle rings. Each append refreshes it, so only users with no
// producer activity for a day lose their ring.
const ringTTL = 24 * time.Hour

// RingEntry is the compact form kept in the per-user ring.
type RingEntry struct {
	SessionID string    `json:"sessionId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// Ring keeps the last N log lines per user in Valkey. It is a convenience
// cache, not the durable stream: appends are best-effort and the whole ring
// may expire.
type Ring struct {
	rdb *redis.Client
	cap int
}

// NewRing creates a ring with the given per-user capacity.
func NewRing(rdb *redis.Client, capacity int) *Ring {
	return &Ring{rdb: rdb, cap: capacity}
}

func ringKey(userID uuid.UUID) string { return "logring:" + userID.String() }

// Append pushes one entry and trims the ring to capacity. The TTL refresh
// keeps active users' rings alive.
func (r *Ring) Append(ctx context.Context, userID uuid.UUID, entry RingEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ring entry: %w", err)
	}

	key := ringKey(userID)
	pipe := r.rdb.Pipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, int64(-r.cap), -1)
	pipe.Expire(ctx, key, ringTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append ring entry: %w", err)
	}
	return nil
}

// Recent returns the ring's contents, oldest first. Corrupt entries are
// skipped rather than failing the read.
func (r *Ring) Recent(ctx context.Context, userID uuid.UUID) ([]RingEntry, error) {
	raw, err := r.rdb.LRange(ctx, ringKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read ring: %w", err)
	}

	entries := make([]RingEntry, 0, len(raw))
	for _, item := range raw {
		var e RingEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Clear drops the user's ring.
func (r *Ring) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := r.rdb.Del(ctx, ringKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear ring: %w", err)
	}
	return nil
}
