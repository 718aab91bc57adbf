package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// hubKeyPrefix marks live hub API keys. The prefix survives in the key hint
// so a truncated key is still recognisable as a hub credential.
const hubKeyPrefix = "hub_live_"

// hubKeyRandomBytes is the entropy behind a hub key; hex-encoded it yields a
// 32-character body.
const hubKeyRandomBytes = 16

// NewHubKey generates a hub API key: the live prefix followed by 32 hex
// characters.
func NewHubKey() (string, error) {
	b := make([]byte, hubKeyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate hub key: %w", err)
	}
	return hubKeyPrefix + hex.EncodeToString(b), nil
}

// HubKeyHint returns the displayable remnant of a hub key: the first four and
// last four characters around an ellipsis.
func HubKeyHint(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:4] + "…" + key[len(key)-4:]
}

// IsHubKey reports whether s carries the expected prefix and a well-formed
// body. Keys failing this check are rejected before any store lookup.
func IsHubKey(s string) bool {
	body, ok := strings.CutPrefix(s, hubKeyPrefix)
	if !ok || len(body) != hubKeyRandomBytes*2 {
		return false
	}
	for i := 0; i < len(body); i++ {
		if !isLowerHex(body[i]) {
			return false
		}
	}
	return true
}
