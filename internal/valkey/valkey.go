// Package valkey dials the Valkey instance that backs the ephemeral half of
// the server: refresh-token sessions, per-user log rings, and the offline
// command queue. Everything stored there can be lost without losing alerts;
// only latency and convenience suffer.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses the VALKEY_URL, opens a client, and pings it once so a bad
// address fails startup instead of the first request. dialTimeout applies to
// every new connection the pool opens.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	normalized, err := normalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	opts, err := redis.ParseURL(normalized)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// normalizeURL rewrites the valkey:// scheme to redis://. go-redis only
// understands the latter; the config keeps the former because that is what
// the deployment actually runs.
func normalizeURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse valkey URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}
	return parsed.String(), nil
}
