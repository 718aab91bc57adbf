package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/vigil-app/vigil-server/internal/alertloop"
	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/hub"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/sessionlog"
	"github.com/vigil-app/vigil-server/internal/user"
)

// REST response shapes. Field names are camelCase, matching the socket wire
// format in internal/protocol.

type userResponse struct {
	ID                uuid.UUID `json:"id"`
	Email             string    `json:"email"`
	Username          string    `json:"username"`
	IsAdmin           bool      `json:"isAdmin"`
	TokenHint         string    `json:"tokenHint"`
	AlertSound        string    `json:"alertSound"`
	LifeOrDeathMode   bool      `json:"lifeOrDeathMode"`
	QuietHoursEnabled bool      `json:"quietHoursEnabled"`
	QuietHoursStart   string    `json:"quietHoursStart"`
	QuietHoursEnd     string    `json:"quietHoursEnd"`
	UTCOffsetMinutes  int       `json:"utcOffsetMinutes"`
	CreatedAt         time.Time `json:"createdAt"`
}

func toUserResponse(u *user.User) userResponse {
	return userResponse{
		ID:                u.ID,
		Email:             u.Email,
		Username:          u.Username,
		IsAdmin:           u.IsAdmin,
		TokenHint:         u.TokenHint,
		AlertSound:        u.AlertSound,
		LifeOrDeathMode:   u.LifeOrDeathMode,
		QuietHoursEnabled: u.QuietHoursEnabled,
		QuietHoursStart:   u.QuietHoursStart,
		QuietHoursEnd:     u.QuietHoursEnd,
		UTCOffsetMinutes:  u.UTCOffsetMinutes,
		CreatedAt:         u.CreatedAt,
	}
}

type authResponse struct {
	User         userResponse `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

// registerResponse carries the connection token in plaintext. This response
// is the only place it ever appears; the store keeps a hash and a hint.
type registerResponse struct {
	authResponse
	ConnectionToken string `json:"connectionToken"`
}

type tokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type tokenRegenResponse struct {
	ConnectionToken string `json:"connectionToken"`
	TokenHint       string `json:"tokenHint"`
}

type hubResponse struct {
	ID               uuid.UUID `json:"id"`
	Name             string    `json:"name"`
	Slug             string    `json:"slug"`
	OwnerEmail       string    `json:"ownerEmail"`
	KeyHint          string    `json:"keyHint"`
	Status           string    `json:"status"`
	TotalConnections int64     `json:"totalConnections"`
	CreatedAt        time.Time `json:"createdAt"`
}

func toHubResponse(h *hub.Hub) hubResponse {
	return hubResponse{
		ID:               h.ID,
		Name:             h.Name,
		Slug:             h.Slug,
		OwnerEmail:       h.OwnerEmail,
		KeyHint:          h.KeyHint,
		Status:           h.Status,
		TotalConnections: h.TotalConnections,
		CreatedAt:        h.CreatedAt,
	}
}

// hubRegisterResponse carries the API key in plaintext, shown exactly once.
type hubRegisterResponse struct {
	Hub    hubResponse `json:"hub"`
	APIKey string      `json:"apiKey"`
}

type sessionResponse struct {
	ID              uuid.UUID `json:"id"`
	GameName        string    `json:"gameName"`
	HubName         string    `json:"hubName"`
	PlaceID         int64     `json:"placeId"`
	JobID           string    `json:"jobId"`
	Executor        string    `json:"executor"`
	CurrentStatus   string    `json:"currentStatus"`
	Status          string    `json:"status"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID:              s.ID,
		GameName:        s.GameName,
		HubName:         s.HubName,
		PlaceID:         s.PlaceID,
		JobID:           s.JobID,
		Executor:        s.Executor,
		CurrentStatus:   s.CurrentStatus,
		Status:          s.Status,
		ConnectedAt:     s.ConnectedAt,
		LastHeartbeatAt: s.LastHeartbeatAt,
	}
}

func toSessionResponses(sessions []session.Session) []sessionResponse {
	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, toSessionResponse(&sessions[i]))
	}
	return out
}

type logResponse struct {
	ID        int64     `json:"id"`
	SessionID uuid.UUID `json:"sessionId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

func toLogResponses(entries []sessionlog.Entry) []logResponse {
	out := make([]logResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, logResponse{
			ID:        e.ID,
			SessionID: e.SessionID,
			Level:     e.Level,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		})
	}
	return out
}

type alertResponse struct {
	ID                uuid.UUID  `json:"id"`
	SessionID         uuid.UUID  `json:"sessionId"`
	Reason            string     `json:"reason"`
	GameName          string     `json:"gameName"`
	NotificationsSent int        `json:"notificationsSent"`
	MaxNotifications  int        `json:"maxNotifications"`
	Acknowledged      bool       `json:"acknowledged"`
	AcknowledgedAt    *time.Time `json:"acknowledgedAt,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
}

func toAlertResponse(a *alertloop.ActiveAlert) alertResponse {
	return alertResponse{
		ID:                a.ID,
		SessionID:         a.SessionID,
		Reason:            a.Reason,
		GameName:          a.GameName,
		NotificationsSent: a.NotificationsSent,
		MaxNotifications:  a.MaxNotifications,
		Acknowledged:      a.Acknowledged,
		AcknowledgedAt:    a.AcknowledgedAt,
		StartedAt:         a.StartedAt,
	}
}

type deviceResponse struct {
	ID         uuid.UUID `json:"id"`
	Platform   string    `json:"platform"`
	Name       string    `json:"name"`
	Active     bool      `json:"active"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toDeviceResponse(d *device.Device) deviceResponse {
	return deviceResponse{
		ID:         d.ID,
		Platform:   d.Platform,
		Name:       d.Name,
		Active:     d.Active,
		LastSeenAt: d.LastSeenAt,
		CreatedAt:  d.CreatedAt,
	}
}
