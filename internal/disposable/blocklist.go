// Package disposable rejects throwaway email domains at registration time.
// Vigil accounts gate real alert delivery, so an unreachable mailbox is worse
// here than on a forum: a suppressed alert has nowhere to escalate.
package disposable

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Blocklist checks email domains against a published list of disposable email
// providers. The list is fetched lazily on first use and cached for the
// process lifetime; a failed fetch is retried on the next check rather than
// cached.
type Blocklist struct {
	url     string
	enabled bool
	client  *http.Client

	mu      sync.RWMutex
	domains map[string]struct{}
	loaded  bool
}

// NewBlocklist creates a blocklist backed by the list at url. When enabled is
// false, IsBlocked always reports false and nothing is ever fetched.
func NewBlocklist(url string, enabled bool) *Blocklist {
	return &Blocklist{
		url:     url,
		enabled: enabled,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Prefetch loads the list ahead of the first registration. Errors are
// swallowed; the lazy path in IsBlocked retries.
func (b *Blocklist) Prefetch(ctx context.Context) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loaded {
		return
	}
	if domains, err := b.fetch(ctx); err == nil {
		b.domains = domains
		b.loaded = true
	}
}

// IsBlocked reports whether the given domain appears on the blocklist.
func (b *Blocklist) IsBlocked(ctx context.Context, domain string) (bool, error) {
	if !b.enabled {
		return false, nil
	}

	key := strings.ToLower(strings.TrimSpace(domain))

	b.mu.RLock()
	if b.loaded {
		_, blocked := b.domains[key]
		b.mu.RUnlock()
		return blocked, nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Another caller may have loaded the list while we waited for the lock.
	if b.loaded {
		_, blocked := b.domains[key]
		return blocked, nil
	}

	domains, err := b.fetch(ctx)
	if err != nil {
		return false, fmt.Errorf("load disposable email blocklist: %w", err)
	}

	b.domains = domains
	b.loaded = true

	_, blocked := domains[key]
	return blocked, nil
}

func (b *Blocklist) fetch(ctx context.Context) (map[string]struct{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build blocklist request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist returned status %d", resp.StatusCode)
	}

	domains := make(map[string]struct{})
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		domains[strings.ToLower(line)] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}

	return domains, nil
}
