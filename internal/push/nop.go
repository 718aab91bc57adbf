package push

import (
	"context"

	"github.com/rs/zerolog"
)

// NopSender stands in when push credentials are not configured. It accepts
// every message so that development environments without FCM do not rack up
// device failures, and logs what would have been sent.
type NopSender struct {
	log zerolog.Logger
}

// NewNopSender creates a sender that drops every message.
func NewNopSender(logger zerolog.Logger) *NopSender {
	return &NopSender{log: logger.With().Str("component", "push").Logger()}
}

// Send logs the message and reports success.
func (s *NopSender) Send(_ context.Context, token, platform string, msg Message) error {
	s.log.Debug().
		Str("platform", platform).
		Str("token", truncateToken(token)).
		Str("title", msg.Title).
		Bool("critical", msg.Critical).
		Msg("push disabled, dropping notification")
	return nil
}

// truncateToken keeps logs readable; push tokens run to hundreds of bytes.
func truncateToken(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
