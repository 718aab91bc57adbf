package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message type tags. Client-originated tags appear in the inbound dispatch
// tables; the rest are server-originated. "log" and "command" travel in both
// directions.
const (
	TypeConnect        = "connect"
	TypeAuthenticate   = "authenticate"
	TypeRegisterDevice = "register_device"
	TypeHeartbeat      = "heartbeat"
	TypePing           = "ping"
	TypeStatus         = "status"
	TypeLog            = "log"
	TypeNotify         = "notify"
	TypeAlert          = "alert"
	TypeDisconnect     = "disconnect"
	TypeCommand        = "command"

	TypeConnected      = "connected"
	TypeAuthenticated  = "authenticated"
	TypeRegistered     = "registered"
	TypePong           = "pong"
	TypeError          = "error"
	TypeCommandSent    = "command_sent"
	TypeSessionStarted = "session_started"
	TypeStatusUpdate   = "status_update"
	TypeNotification   = "notification"
	TypeCriticalAlert  = "critical_alert"
	TypeSessionEnded   = "session_ended"
	TypeConnectionLost = "session_connection_lost"
)

// Envelope carries the required type tag of an inbound frame. Handlers decode
// the same bytes a second time into the payload struct for that type.
type Envelope struct {
	Type string `json:"type"`
}

// GameInfo is the producer-supplied metadata describing what the script is
// attached to.
type GameInfo struct {
	Name     string `json:"name"`
	PlaceID  int64  `json:"placeId"`
	JobID    string `json:"jobId"`
	Executor string `json:"executor"`
}

// ConnectPayload is the producer authentication request.
type ConnectPayload struct {
	HubKey    string   `json:"hubKey"`
	UserToken string   `json:"userToken"`
	GameInfo  GameInfo `json:"gameInfo"`
}

// AuthenticatePayload is the consumer authentication request carrying a JWT
// access token.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// RegisterDevicePayload is the combined consumer authentication and device
// registration request. UserToken is the preferred credential; UserID is the
// legacy raw-id form kept for old clients.
type RegisterDevicePayload struct {
	UserToken  string `json:"userToken"`
	UserID     string `json:"userId"`
	PushToken  string `json:"pushToken"`
	Platform   string `json:"platform"`
	DeviceName string `json:"deviceName"`
}

// StatusPayload updates the session's current status line.
type StatusPayload struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// LogPayload appends one log line to the session's stream.
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// NotifyPayload requests a normal-priority notification to the user's devices.
type NotifyPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// AlertPayload requests a critical alert to the user's devices.
type AlertPayload struct {
	Reason string `json:"reason"`
	Title  string `json:"title,omitempty"`
}

// DisconnectPayload is the producer's clean shutdown announcement.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// CommandPayload is a consumer-issued command addressed to one producer
// session owned by the same user.
type CommandPayload struct {
	SessionID string          `json:"sessionId"`
	Command   string          `json:"command"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UserSummary is the trimmed user representation embedded in consumer-facing
// frames.
type UserSummary struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
}

// SessionSummary is one entry of the live-session list sent to consumers on
// authentication.
type SessionSummary struct {
	SessionID       uuid.UUID `json:"sessionId"`
	GameName        string    `json:"gameName"`
	HubName         string    `json:"hubName"`
	CurrentStatus   string    `json:"currentStatus"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}

type connectedFrame struct {
	Type          string    `json:"type"`
	ClientID      uuid.UUID `json:"clientId"`
	ServerVersion string    `json:"serverVersion"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewConnectedFrame returns the serialised greeting sent to every socket on
// accept, before authentication.
func NewConnectedFrame(clientID uuid.UUID, serverVersion string, at time.Time) ([]byte, error) {
	return json.Marshal(connectedFrame{TypeConnected, clientID, serverVersion, at})
}

type producerAuthenticatedFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	User      struct {
		Username   string `json:"username"`
		HasDevices bool   `json:"hasDevices"`
	} `json:"user"`
	Hub struct {
		Name string `json:"name"`
	} `json:"hub"`
	Message string `json:"message"`
}

// NewProducerAuthenticatedFrame returns the serialised success reply for a
// producer connect.
func NewProducerAuthenticatedFrame(sessionID uuid.UUID, username string, hasDevices bool, hubName string) ([]byte, error) {
	f := producerAuthenticatedFrame{Type: TypeAuthenticated, SessionID: sessionID, Message: "Session established"}
	f.User.Username = username
	f.User.HasDevices = hasDevices
	f.Hub.Name = hubName
	return json.Marshal(f)
}

type consumerAuthenticatedFrame struct {
	Type     string           `json:"type"`
	User     UserSummary      `json:"user"`
	Sessions []SessionSummary `json:"sessions"`
}

// NewConsumerAuthenticatedFrame returns the serialised success reply for a
// consumer authenticate, listing the user's live sessions.
func NewConsumerAuthenticatedFrame(user UserSummary, sessions []SessionSummary) ([]byte, error) {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return json.Marshal(consumerAuthenticatedFrame{TypeAuthenticated, user, sessions})
}

// NewRegisteredFrame returns the serialised success reply for register_device.
func NewRegisteredFrame(user UserSummary, sessions []SessionSummary) ([]byte, error) {
	if sessions == nil {
		sessions = []SessionSummary{}
	}
	return json.Marshal(consumerAuthenticatedFrame{TypeRegistered, user, sessions})
}

type pongFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPongFrame returns the serialised heartbeat acknowledgement.
func NewPongFrame(at time.Time) ([]byte, error) {
	return json.Marshal(pongFrame{TypePong, at})
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame returns a serialised error frame with the given code and
// human-readable message.
func NewErrorFrame(code Code, message string) ([]byte, error) {
	return json.Marshal(errorFrame{TypeError, code, message})
}

type commandFrame struct {
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewCommandFrame returns the serialised command forwarded to a producer.
func NewCommandFrame(command string, data json.RawMessage) ([]byte, error) {
	return json.Marshal(commandFrame{TypeCommand, command, data})
}

type commandSentFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
}

// NewCommandSentFrame returns the serialised acknowledgement sent to the
// consumer after its command was handed to the producer.
func NewCommandSentFrame(sessionID uuid.UUID) ([]byte, error) {
	return json.Marshal(commandSentFrame{TypeCommandSent, sessionID})
}

type sessionStartedFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	GameName  string    `json:"gameName"`
	HubName   string    `json:"hubName"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSessionStartedFrame returns the fan-out frame announcing a new producer
// session to the user's consumers.
func NewSessionStartedFrame(sessionID uuid.UUID, gameName, hubName string, at time.Time) ([]byte, error) {
	return json.Marshal(sessionStartedFrame{TypeSessionStarted, sessionID, gameName, hubName, at})
}

type statusUpdateFrame struct {
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"sessionId"`
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewStatusUpdateFrame returns the fan-out frame carrying a producer status
// change.
func NewStatusUpdateFrame(sessionID uuid.UUID, status string, data json.RawMessage, at time.Time) ([]byte, error) {
	return json.Marshal(statusUpdateFrame{TypeStatusUpdate, sessionID, status, data, at})
}

type logFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewLogFrame returns the fan-out frame carrying one producer log line.
func NewLogFrame(sessionID uuid.UUID, level, message string, at time.Time) ([]byte, error) {
	return json.Marshal(logFrame{TypeLog, sessionID, level, message, at})
}

type notificationFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// NewNotificationFrame returns the fan-out frame for a producer notify.
func NewNotificationFrame(sessionID uuid.UUID, title, body string, at time.Time) ([]byte, error) {
	return json.Marshal(notificationFrame{TypeNotification, sessionID, title, body, at})
}

type criticalAlertFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	Reason    string    `json:"reason"`
	Title     string    `json:"title"`
	GameName  string    `json:"gameName"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCriticalAlertFrame returns the fan-out frame for a producer alert.
func NewCriticalAlertFrame(sessionID uuid.UUID, reason, title, gameName string, at time.Time) ([]byte, error) {
	return json.Marshal(criticalAlertFrame{TypeCriticalAlert, sessionID, reason, title, gameName, at})
}

type sessionEndedFrame struct {
	Type      string    `json:"type"`
	SessionID uuid.UUID `json:"sessionId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// NewSessionEndedFrame returns the fan-out frame announcing a clean session
// end. It is also written to the disconnecting producer as its ack.
func NewSessionEndedFrame(sessionID uuid.UUID, reason string, at time.Time) ([]byte, error) {
	return json.Marshal(sessionEndedFrame{TypeSessionEnded, sessionID, reason, at})
}

type connectionLostFrame struct {
	Type         string    `json:"type"`
	SessionID    uuid.UUID `json:"sessionId"`
	GameName     string    `json:"gameName"`
	GraceSeconds float64   `json:"graceSeconds"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewConnectionLostFrame returns the fan-out frame announcing an abrupt
// producer socket loss, sent before the grace period elapses.
func NewConnectionLostFrame(sessionID uuid.UUID, gameName string, grace time.Duration, at time.Time) ([]byte, error) {
	return json.Marshal(connectionLostFrame{TypeConnectionLost, sessionID, gameName, grace.Seconds(), at})
}
