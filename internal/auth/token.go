package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// tokenAlphabet is the character set for connection tokens. Tokens are read
// aloud and typed into mobile apps, so 0, 1, O, I, and L are excluded as
// misreadable; the lowercase 'a' rounds the set out to exactly 32 glyphs so a
// random byte masked to its low five bits indexes it without modulo bias.
const tokenAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZa"

// tokenLength is the glyph count of a connection token. 32^6 is roughly a
// billion combinations, which paired with hashed-at-rest storage and
// single-use display is enough for a token that is regenerable at will.
const tokenLength = 6

// legacyTokenPrefix marks connection tokens issued before the short format.
const legacyTokenPrefix = "vgl_"

// legacyTokenHexLen is the length of the hex body following the legacy prefix.
const legacyTokenHexLen = 24

// NewConnectionToken generates a short connection token from the reduced
// alphabet using crypto/rand.
func NewConnectionToken() (string, error) {
	b := make([]byte, tokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate connection token: %w", err)
	}
	for i, c := range b {
		b[i] = tokenAlphabet[c&0x1F]
	}
	return string(b), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a secret. Connection
// tokens and hub keys are stored and looked up only in this form; the
// plaintext exists client-side and in the single response that issued it.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenHint returns the displayable remnant of a connection token: its last
// six characters. For the short format that is the whole token, which is
// acceptable because hints only ever render to the token's owner.
func TokenHint(token string) string {
	if len(token) <= tokenLength {
		return token
	}
	return token[len(token)-tokenLength:]
}

// IsShortToken reports whether s is well-formed under the current token
// format. Malformed tokens are rejected before any store lookup.
func IsShortToken(s string) bool {
	if len(s) != tokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(tokenAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}

// IsLegacyToken reports whether s is well-formed under the pre-migration
// token format: "vgl_" followed by 24 lowercase hex characters.
func IsLegacyToken(s string) bool {
	body, ok := strings.CutPrefix(s, legacyTokenPrefix)
	if !ok || len(body) != legacyTokenHexLen {
		return false
	}
	for i := 0; i < len(body); i++ {
		if !isLowerHex(body[i]) {
			return false
		}
	}
	return true
}

func isLowerHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
