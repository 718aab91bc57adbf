package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CommandQueue holds serialised command frames for users whose producer
// socket is momentarily gone. The queue is capped per user and expires as a
// whole, so a producer that never returns costs a bounded amount of memory
// for a bounded time.
type CommandQueue struct {
	rdb      *redis.Client
	capacity int
	ttl      time.Duration
}

// NewCommandQueue creates a queue with the given per-user cap and TTL.
func NewCommandQueue(rdb *redis.Client, capacity int, ttl time.Duration) *CommandQueue {
	return &CommandQueue{rdb: rdb, capacity: capacity, ttl: ttl}
}

func queueKey(userID uuid.UUID) string { return "cmdq:" + userID.String() }

// Push appends one frame to the user's queue. When the cap is exceeded the
// oldest frames are trimmed away; the TTL restarts on every push.
func (q *CommandQueue) Push(ctx context.Context, userID uuid.UUID, frame []byte) error {
	key := queueKey(userID)
	pipe := q.rdb.Pipeline()
	pipe.RPush(ctx, key, frame)
	pipe.LTrim(ctx, key, int64(-q.capacity), -1)
	pipe.Expire(ctx, key, q.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue command: %w", err)
	}
	return nil
}

// Drain removes and returns every queued frame for the user in push order.
func (q *CommandQueue) Drain(ctx context.Context, userID uuid.UUID) ([][]byte, error) {
	key := queueKey(userID)
	pipe := q.rdb.Pipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("drain command queue: %w", err)
	}

	raw := rangeCmd.Val()
	frames := make([][]byte, 0, len(raw))
	for _, item := range raw {
		frames = append(frames, []byte(item))
	}
	return frames, nil
}

// Len reports how many frames the user has queued.
func (q *CommandQueue) Len(ctx context.Context, userID uuid.UUID) (int64, error) {
	n, err := q.rdb.LLen(ctx, queueKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("measure command queue: %w", err)
	}
	return n, nil
}
