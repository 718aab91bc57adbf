package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vigil-app/vigil-server/internal/device"
)

// fcmScope is the OAuth2 scope required by the FCM HTTP v1 API.
const fcmScope = "https://www.googleapis.com/auth/firebase.messaging"

// fcmSendTimeout bounds one delivery attempt. Push is best-effort; a slow
// delivery must not hold up the fan-out's other devices for long.
const fcmSendTimeout = 10 * time.Second

// FCMSender delivers messages through the FCM HTTP v1 API using a service
// account credential. Token refresh is handled by the oauth2 transport.
type FCMSender struct {
	client   *http.Client
	endpoint string
	log      zerolog.Logger
}

// NewFCMSender reads the service-account JSON at credentialsFile and builds
// an authenticated sender for the given project.
func NewFCMSender(ctx context.Context, projectID, credentialsFile string, logger zerolog.Logger) (*FCMSender, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read fcm credentials: %w", err)
	}

	creds, err := google.CredentialsFromJSON(ctx, data, fcmScope)
	if err != nil {
		return nil, fmt.Errorf("parse fcm credentials: %w", err)
	}

	client := oauth2.NewClient(ctx, creds.TokenSource)
	client.Timeout = fcmSendTimeout

	return &FCMSender{
		client:   client,
		endpoint: fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", projectID),
		log:      logger.With().Str("component", "fcm").Logger(),
	}, nil
}

// fcmRequest is the HTTP v1 send envelope.
type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification *fcmNotification  `json:"notification,omitempty"`
	Data         map[string]string `json:"data,omitempty"`
	Android      *fcmAndroid       `json:"android,omitempty"`
	APNS         *fcmAPNS          `json:"apns,omitempty"`
	Webpush      *fcmWebpush       `json:"webpush,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

type fcmAndroid struct {
	Priority     string                  `json:"priority,omitempty"`
	Notification *fcmAndroidNotification `json:"notification,omitempty"`
}

type fcmAndroidNotification struct {
	ChannelID string `json:"channel_id,omitempty"`
	Sound     string `json:"sound,omitempty"`
}

type fcmAPNS struct {
	Headers map[string]string `json:"headers,omitempty"`
	Payload *fcmAPNSPayload   `json:"payload,omitempty"`
}

type fcmAPNSPayload struct {
	APS fcmAPS `json:"aps"`
}

type fcmAPS struct {
	Sound any `json:"sound,omitempty"`
}

// fcmCriticalSound asks iOS to play the alert at full volume even in silent
// mode. Requires the critical-alerts entitlement on the app.
type fcmCriticalSound struct {
	Critical int     `json:"critical"`
	Name     string  `json:"name"`
	Volume   float64 `json:"volume"`
}

type fcmWebpush struct {
	Headers map[string]string `json:"headers,omitempty"`
}

type fcmErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

// Send delivers one message to one device token. Critical messages are
// flagged high-priority per platform: Android gets a HIGH priority delivery
// on a dedicated channel, iOS a critical-alert sound with apns-priority 10,
// web an Urgency: high header.
func (s *FCMSender) Send(ctx context.Context, token, platform string, msg Message) error {
	req := fcmRequest{
		Message: fcmMessage{
			Token:        token,
			Notification: &fcmNotification{Title: msg.Title, Body: msg.Body},
			Data:         msg.Data,
		},
	}

	if msg.Critical {
		sound := msg.Sound
		if sound == "" {
			sound = "default"
		}
		switch platform {
		case device.PlatformAndroid:
			req.Message.Android = &fcmAndroid{
				Priority:     "HIGH",
				Notification: &fcmAndroidNotification{ChannelID: "critical_alerts", Sound: sound},
			}
		case device.PlatformIOS:
			req.Message.APNS = &fcmAPNS{
				Headers: map[string]string{"apns-priority": "10"},
				Payload: &fcmAPNSPayload{
					APS: fcmAPS{Sound: fcmCriticalSound{Critical: 1, Name: sound, Volume: 1.0}},
				},
			}
		case device.PlatformWeb:
			req.Message.Webpush = &fcmWebpush{
				Headers: map[string]string{"Urgency": "high"},
			}
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal fcm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build fcm request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send fcm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var fcmErr fcmErrorResponse
	if err := json.Unmarshal(respBody, &fcmErr); err == nil && fcmErr.Error.Status != "" {
		return fmt.Errorf("fcm send: %s: %s", fcmErr.Error.Status, fcmErr.Error.Message)
	}
	return fmt.Errorf("fcm send: unexpected status %d", resp.StatusCode)
}
