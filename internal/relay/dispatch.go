package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"

	"github.com/vigil-app/vigil-server/internal/auth"
	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/push"
	"github.com/vigil-app/vigil-server/internal/ratelimit"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/sessionlog"
	"github.com/vigil-app/vigil-server/internal/user"
)

// dispatch routes one inbound frame by its type tag. Malformed JSON and
// unknown types get an error frame back; the socket stays open. Only
// authentication failures and the disconnect handshake close it.
func (r *Relay) dispatch(c *Client, raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		r.sendError(c, protocol.CodeInvalidMessage, "frame must be a JSON object with a type field")
		return
	}

	switch env.Type {
	case protocol.TypeHeartbeat, protocol.TypePing:
		r.handleHeartbeat(c)
	case protocol.TypeConnect:
		r.handleConnect(c, raw)
	case protocol.TypeAuthenticate:
		r.handleAuthenticate(c, raw)
	case protocol.TypeRegisterDevice:
		r.handleRegisterDevice(c, raw)
	case protocol.TypeStatus:
		r.handleStatus(c, raw)
	case protocol.TypeLog:
		r.handleLog(c, raw)
	case protocol.TypeNotify:
		r.handleNotify(c, raw)
	case protocol.TypeAlert:
		r.handleAlert(c, raw)
	case protocol.TypeDisconnect:
		r.handleDisconnect(c, raw)
	case protocol.TypeCommand:
		r.handleCommand(c, raw)
	default:
		r.sendError(c, protocol.CodeInvalidMessage, "unknown message type: "+env.Type)
	}
}

func (r *Relay) sendError(c *Client, code protocol.Code, message string) {
	frame, err := protocol.NewErrorFrame(code, message)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build error frame")
		return
	}
	c.enqueue(frame)
}

// closeWithError sends the error frame and then closes the socket. Used for
// the fatal class: authentication failures.
func (r *Relay) closeWithError(c *Client, code protocol.Code, message string) {
	r.sendError(c, code, message)
	c.shutdown(websocket.ClosePolicyViolation, string(code))
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

// requireProducer replies NOT_AUTHENTICATED before auth and INVALID_MESSAGE
// for role mismatches. Neither closes the socket.
func (r *Relay) requireProducer(c *Client) bool {
	switch c.Role() {
	case roleProducer:
		return true
	case roleUnauth:
		r.sendError(c, protocol.CodeNotAuthenticated, "authenticate before sending messages")
	default:
		r.sendError(c, protocol.CodeInvalidMessage, "producer-only message on a consumer socket")
	}
	return false
}

func (r *Relay) requireConsumer(c *Client) bool {
	switch c.Role() {
	case roleConsumer:
		return true
	case roleUnauth:
		r.sendError(c, protocol.CodeNotAuthenticated, "authenticate before sending messages")
	default:
		r.sendError(c, protocol.CodeInvalidMessage, "consumer-only message on a producer socket")
	}
	return false
}

// handleHeartbeat serves both heartbeat and ping. Unauthenticated sockets
// are ignored without a reply; producers additionally reset their watchdog
// countdown.
func (r *Relay) handleHeartbeat(c *Client) {
	role := c.Role()
	if role == roleUnauth {
		return
	}

	if role == roleProducer {
		ctx, cancel := opCtx()
		r.timers.Reset(ctx, c.id)
		cancel()
	}

	pong, err := protocol.NewPongFrame(time.Now().UTC())
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build pong frame")
		return
	}
	c.enqueue(pong)
}

// handleConnect authenticates a producer. Credential failures map onto their
// specific error codes and close the socket; on success the session opens,
// the watchdog starts, and the user's consumers learn about the new session.
func (r *Relay) handleConnect(c *Client, raw []byte) {
	if c.Role() != roleUnauth {
		r.sendError(c, protocol.CodeInvalidMessage, "socket is already authenticated")
		return
	}

	var p protocol.ConnectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		r.sendError(c, protocol.CodeInvalidParams, "malformed connect payload")
		return
	}
	if p.HubKey == "" || p.UserToken == "" {
		r.sendError(c, protocol.CodeInvalidParams, "hubKey and userToken are required")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	h, err := r.creds.ValidateHubKey(ctx, p.HubKey)
	if err != nil {
		code, msg := hubKeyError(err)
		if code == protocol.CodeInternal {
			r.log.Error().Err(err).Msg("hub key validation failed")
		}
		r.closeWithError(c, code, msg)
		return
	}

	u, devices, err := r.creds.ValidateUserToken(ctx, p.UserToken)
	if err != nil {
		code, msg := userTokenError(err)
		if code == protocol.CodeInternal {
			r.log.Error().Err(err).Msg("user token validation failed")
		}
		r.closeWithError(c, code, msg)
		return
	}

	s, err := r.machine.Create(ctx, session.CreateParams{
		WSClientID: c.id,
		UserID:     u.ID,
		HubID:      h.ID,
		GameName:   p.GameInfo.Name,
		PlaceID:    p.GameInfo.PlaceID,
		JobID:      p.GameInfo.JobID,
		Executor:   p.GameInfo.Executor,
	})
	if err != nil {
		r.log.Error().Err(err).Str("user_id", u.ID.String()).Msg("failed to create session")
		r.closeWithError(c, protocol.CodeInternal, "failed to create session")
		return
	}

	if err := r.hubs.IncrementConnections(ctx, h.ID); err != nil {
		r.log.Warn().Err(err).Str("hub_id", h.ID.String()).Msg("failed to bump hub connection counter")
	}

	c.setProducer(u.ID, h.ID, s.ID, s.GameName, h.Name, u.AlertSound)
	r.timers.Start(c.id, s.ID, u.ID)

	reply, err := protocol.NewProducerAuthenticatedFrame(s.ID, u.Username, len(devices) > 0, h.Name)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build authenticated frame")
		return
	}
	c.enqueue(reply)

	if frame, err := protocol.NewSessionStartedFrame(s.ID, s.GameName, h.Name, time.Now().UTC()); err == nil {
		r.fanToConsumers(u.ID, frame)
	}

	r.drainQueuedCommands(ctx, c, u.ID)

	r.log.Info().
		Str("client_id", c.id.String()).
		Str("session_id", s.ID.String()).
		Str("user_id", u.ID.String()).
		Str("hub", h.Slug).
		Str("game", s.GameName).
		Msg("producer authenticated")
}

// drainQueuedCommands replays commands that consumers issued while the user
// had no producer socket. The frames were serialised at queue time; they go
// straight onto the wire.
func (r *Relay) drainQueuedCommands(ctx context.Context, c *Client, userID uuid.UUID) {
	if r.queue == nil {
		return
	}
	frames, err := r.queue.Drain(ctx, userID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", userID.String()).Msg("failed to drain command queue")
		return
	}
	for _, frame := range frames {
		c.enqueue(frame)
	}
	if len(frames) > 0 {
		r.log.Info().Int("commands", len(frames)).Str("user_id", userID.String()).Msg("queued commands delivered")
	}
}

// handleAuthenticate authenticates a consumer with a JWT access token and
// replies with the user's live sessions.
func (r *Relay) handleAuthenticate(c *Client, raw []byte) {
	if c.Role() != roleUnauth {
		r.sendError(c, protocol.CodeInvalidMessage, "socket is already authenticated")
		return
	}

	var p protocol.AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		r.sendError(c, protocol.CodeInvalidParams, "token is required")
		return
	}

	claims, err := auth.ValidateAccessToken(p.Token, r.cfg.JWTSecret, r.cfg.JWTIssuer)
	if err != nil {
		r.closeWithError(c, protocol.CodeInvalidUserToken, "invalid access token")
		return
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		r.closeWithError(c, protocol.CodeInvalidUserToken, "invalid access token")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	u, err := r.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, user.ErrNotFound) {
			r.closeWithError(c, protocol.CodeInvalidUserToken, "invalid access token")
			return
		}
		r.log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to load user")
		r.closeWithError(c, protocol.CodeInternal, "failed to load user")
		return
	}
	if u.Suspended() {
		r.closeWithError(c, protocol.CodeUserSuspended, "account is suspended")
		return
	}

	c.setConsumer(u.ID, uuid.Nil)
	r.replyConsumerAuthenticated(ctx, c, u, false)

	r.log.Info().
		Str("client_id", c.id.String()).
		Str("user_id", u.ID.String()).
		Msg("consumer authenticated")
}

// handleRegisterDevice is the combined consumer authentication and device
// registration path used by the mobile apps. The connection token is the
// preferred credential; a raw user id is accepted for old clients.
func (r *Relay) handleRegisterDevice(c *Client, raw []byte) {
	if c.Role() != roleUnauth {
		r.sendError(c, protocol.CodeInvalidMessage, "socket is already authenticated")
		return
	}

	var p protocol.RegisterDevicePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		r.sendError(c, protocol.CodeInvalidParams, "malformed register_device payload")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	var u *user.User
	switch {
	case p.UserToken != "":
		var err error
		u, _, err = r.creds.ValidateUserToken(ctx, p.UserToken)
		if err != nil {
			code, msg := userTokenError(err)
			if code == protocol.CodeInternal {
				r.log.Error().Err(err).Msg("user token validation failed")
			}
			r.closeWithError(c, code, msg)
			return
		}
	case p.UserID != "":
		userID, err := uuid.Parse(p.UserID)
		if err != nil {
			r.closeWithError(c, protocol.CodeInvalidUserToken, "invalid user id")
			return
		}
		u, err = r.users.GetByID(ctx, userID)
		if err != nil {
			if errors.Is(err, user.ErrNotFound) {
				r.closeWithError(c, protocol.CodeInvalidUserToken, "invalid user id")
				return
			}
			r.log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to load user")
			r.closeWithError(c, protocol.CodeInternal, "failed to load user")
			return
		}
		if u.Suspended() {
			r.closeWithError(c, protocol.CodeUserSuspended, "account is suspended")
			return
		}
	default:
		r.sendError(c, protocol.CodeInvalidParams, "userToken or userId is required")
		return
	}

	deviceID := uuid.Nil
	if p.PushToken != "" {
		params := device.UpsertParams{
			UserID:    u.ID,
			PushToken: p.PushToken,
			Platform:  p.Platform,
			Name:      p.DeviceName,
		}
		if err := params.Validate(); err != nil {
			r.sendError(c, protocol.CodeInvalidParams, err.Error())
			return
		}
		d, err := r.devices.Upsert(ctx, params)
		if err != nil {
			// Registration still authenticates; the device can re-register.
			r.log.Error().Err(err).Str("user_id", u.ID.String()).Msg("device upsert failed")
		} else {
			deviceID = d.ID
		}
	}

	c.setConsumer(u.ID, deviceID)
	r.replyConsumerAuthenticated(ctx, c, u, true)

	r.log.Info().
		Str("client_id", c.id.String()).
		Str("user_id", u.ID.String()).
		Bool("device", deviceID != uuid.Nil).
		Msg("consumer registered")
}

// replyConsumerAuthenticated sends the authenticated/registered frame with
// the user's live session list. A failed list read degrades to an empty list
// rather than failing the authentication.
func (r *Relay) replyConsumerAuthenticated(ctx context.Context, c *Client, u *user.User, registered bool) {
	sessions, err := r.machine.ListActiveByUser(ctx, u.ID)
	if err != nil {
		r.log.Warn().Err(err).Str("user_id", u.ID.String()).Msg("failed to list sessions for consumer")
		sessions = nil
	}

	summary := protocol.UserSummary{ID: u.ID, Username: u.Username}
	var frame []byte
	if registered {
		frame, err = protocol.NewRegisteredFrame(summary, sessionSummaries(sessions))
	} else {
		frame, err = protocol.NewConsumerAuthenticatedFrame(summary, sessionSummaries(sessions))
	}
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build consumer authenticated frame")
		return
	}
	c.enqueue(frame)
}

func sessionSummaries(sessions []session.Session) []protocol.SessionSummary {
	out := make([]protocol.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, protocol.SessionSummary{
			SessionID:       s.ID,
			GameName:        s.GameName,
			HubName:         s.HubName,
			CurrentStatus:   s.CurrentStatus,
			ConnectedAt:     s.ConnectedAt,
			LastHeartbeatAt: s.LastHeartbeatAt,
		})
	}
	return out
}

// handleStatus updates the session's status line and fans it out. A store
// failure is logged and the fan-out proceeds; consumers prefer a fresh view
// over none.
func (r *Relay) handleStatus(c *Client, raw []byte) {
	if !r.requireProducer(c) {
		return
	}
	if !r.limiter.Allow(c.id, ratelimit.ClassStatus) {
		r.sendError(c, protocol.CodeRateLimited, "status rate limit exceeded")
		return
	}

	var p protocol.StatusPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Status == "" {
		r.sendError(c, protocol.CodeInvalidParams, "status is required")
		return
	}

	ctx, cancel := opCtx()
	defer cancel()

	if err := r.machine.SetStatus(ctx, c.id, p.Status); err != nil {
		r.log.Warn().Err(err).Str("client_id", c.id.String()).Msg("failed to persist status")
	}
	c.setLastStatus(p.Status)

	sessionID, userID, _, _, _, _ := c.producerState()
	if frame, err := protocol.NewStatusUpdateFrame(sessionID, p.Status, p.Data, time.Now().UTC()); err == nil {
		r.fanToConsumers(userID, frame)
	}
}

// handleLog persists one log line and mirrors it to the user's consumers.
// The frame carries the normalised level and capped message so consumers see
// exactly what was stored.
func (r *Relay) handleLog(c *Client, raw []byte) {
	if !r.requireProducer(c) {
		return
	}
	if !r.limiter.Allow(c.id, ratelimit.ClassLog) {
		r.sendError(c, protocol.CodeRateLimited, "log rate limit exceeded")
		return
	}

	var p protocol.LogPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Message == "" {
		r.sendError(c, protocol.CodeInvalidParams, "message is required")
		return
	}

	level := sessionlog.NormalizeLevel(p.Level)
	message := sessionlog.Truncate(p.Message)
	sessionID, userID, _, _, _, _ := c.producerState()

	ctx, cancel := opCtx()
	defer cancel()

	if err := r.logs.Append(ctx, sessionID, userID, level, message); err != nil {
		r.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to persist log line")
	}

	if frame, err := protocol.NewLogFrame(sessionID, level, message, time.Now().UTC()); err == nil {
		r.fanToConsumers(userID, frame)
	}
}

// handleNotify fans a normal-priority notification out to consumer sockets
// and to the user's devices. The push runs off the read path so a slow
// provider cannot hold up the producer's heartbeats.
func (r *Relay) handleNotify(c *Client, raw []byte) {
	if !r.requireProducer(c) {
		return
	}
	if !r.limiter.Allow(c.id, ratelimit.ClassNotify) {
		r.sendError(c, protocol.CodeRateLimited, "notify rate limit exceeded")
		return
	}

	var p protocol.NotifyPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Title == "" || p.Body == "" {
		r.sendError(c, protocol.CodeInvalidParams, "title and body are required")
		return
	}

	sessionID, userID, _, _, _, _ := c.producerState()
	if frame, err := protocol.NewNotificationFrame(sessionID, p.Title, p.Body, time.Now().UTC()); err == nil {
		r.fanToConsumers(userID, frame)
	}

	go func() {
		ctx, cancel := opCtx()
		defer cancel()
		res, err := r.pusher.SendNotification(ctx, userID, push.NotificationPayload{
			SessionID: sessionID,
			Title:     p.Title,
			Body:      p.Body,
		})
		if err != nil {
			r.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("notification push failed")
			return
		}
		r.log.Debug().
			Str("session_id", sessionID.String()).
			Int("devices", res.TotalDevices).
			Int("delivered", res.SuccessCount).
			Msg("notification pushed")
	}()
}

// handleAlert fires a producer-initiated critical alert: consumer fan-out
// plus a critical-priority push to every active device.
func (r *Relay) handleAlert(c *Client, raw []byte) {
	if !r.requireProducer(c) {
		return
	}
	if !r.limiter.Allow(c.id, ratelimit.ClassAlert) {
		r.sendError(c, protocol.CodeRateLimited, "alert rate limit exceeded")
		return
	}

	var p protocol.AlertPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Reason == "" {
		r.sendError(c, protocol.CodeInvalidParams, "reason is required")
		return
	}

	sessionID, userID, gameName, hubName, alertSound, lastStatus := c.producerState()
	if frame, err := protocol.NewCriticalAlertFrame(sessionID, p.Reason, p.Title, gameName, time.Now().UTC()); err == nil {
		r.fanToConsumers(userID, frame)
	}

	go func() {
		ctx, cancel := opCtx()
		defer cancel()
		res, err := r.pusher.SendCritical(ctx, userID, push.CriticalPayload{
			SessionID:  sessionID,
			GameName:   gameName,
			HubName:    hubName,
			Reason:     p.Reason,
			LastStatus: lastStatus,
			AlertSound: alertSound,
			Title:      p.Title,
		})
		if err != nil {
			r.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("critical push failed")
			return
		}
		r.log.Info().
			Str("session_id", sessionID.String()).
			Bool("delivered", res.Success).
			Msg("producer alert pushed")
	}()
}

// handleDisconnect is the clean shutdown handshake: stop the watchdog,
// transition the session, announce the end to consumers, ack the producer
// with the same frame, and close with a normal status.
func (r *Relay) handleDisconnect(c *Client, raw []byte) {
	if !r.requireProducer(c) {
		return
	}

	var p protocol.DisconnectPayload
	_ = json.Unmarshal(raw, &p)
	reason := p.Reason
	if reason == "" {
		reason = "Producer disconnected"
	}

	r.timers.Stop(c.id)

	ctx, cancel := opCtx()
	defer cancel()
	if _, err := r.machine.DisconnectByClientID(ctx, c.id, session.ReasonManual, reason); err != nil && !errors.Is(err, session.ErrNotFound) {
		r.log.Error().Err(err).Str("client_id", c.id.String()).Msg("failed to disconnect session")
	}

	c.markClean()
	sessionID, userID, _, _, _, _ := c.producerState()
	frame, err := protocol.NewSessionEndedFrame(sessionID, reason, time.Now().UTC())
	if err == nil {
		r.fanToConsumers(userID, frame)
		c.enqueue(frame)
	}
	c.shutdown(websocket.CloseNormalClosure, "session ended")

	r.log.Info().
		Str("session_id", sessionID.String()).
		Str("reason", reason).
		Msg("producer disconnected cleanly")
}

// handleCommand forwards a consumer command to the named producer session.
// The session must belong to the commanding user; anything else is reported
// as SESSION_NOT_FOUND so unknown and foreign sessions are indistinguishable.
// A session whose socket is momentarily gone gets the command queued instead.
func (r *Relay) handleCommand(c *Client, raw []byte) {
	if !r.requireConsumer(c) {
		return
	}

	var p protocol.CommandPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == "" || p.Command == "" {
		r.sendError(c, protocol.CodeInvalidParams, "sessionId and command are required")
		return
	}
	sessionID, err := uuid.Parse(p.SessionID)
	if err != nil {
		r.sendError(c, protocol.CodeInvalidParams, "invalid session id")
		return
	}

	frame, err := protocol.NewCommandFrame(p.Command, p.Data)
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build command frame")
		return
	}

	userID := c.UserID()
	if target := r.findProducer(sessionID, userID); target != nil {
		target.enqueue(frame)
		r.ackCommand(c, sessionID)
		return
	}

	// No live socket. If the session is still active the producer is inside
	// its reconnect grace window; queue the command for its next connect.
	ctx, cancel := opCtx()
	defer cancel()

	s, err := r.machine.GetByID(ctx, sessionID)
	if err != nil || s.UserID != userID || !s.Active() || r.queue == nil {
		if err != nil && !errors.Is(err, session.ErrNotFound) {
			r.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to load session for command")
		}
		r.sendError(c, protocol.CodeSessionNotFound, "no active session with that id")
		return
	}

	if err := r.queue.Push(ctx, userID, frame); err != nil {
		r.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("failed to queue command")
		r.sendError(c, protocol.CodeInternal, "failed to queue command")
		return
	}

	r.ackCommand(c, sessionID)
	r.log.Debug().
		Str("session_id", sessionID.String()).
		Str("command", p.Command).
		Msg("command queued for reconnecting producer")
}

func (r *Relay) ackCommand(c *Client, sessionID uuid.UUID) {
	if frame, err := protocol.NewCommandSentFrame(sessionID); err == nil {
		c.enqueue(frame)
	}
}

// hubKeyError maps credential adapter failures onto socket error codes.
func hubKeyError(err error) (protocol.Code, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidHubKey):
		return protocol.CodeInvalidHubKey, "invalid hub key"
	case errors.Is(err, auth.ErrHubNotApproved):
		return protocol.CodeHubNotApproved, "hub is not approved"
	case errors.Is(err, auth.ErrHubSuspended):
		return protocol.CodeHubSuspended, "hub is suspended"
	default:
		return protocol.CodeInternal, "failed to validate hub key"
	}
}

func userTokenError(err error) (protocol.Code, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidUserToken):
		return protocol.CodeInvalidUserToken, "invalid user token"
	case errors.Is(err, auth.ErrUserSuspended):
		return protocol.CodeUserSuspended, "account is suspended"
	default:
		return protocol.CodeInternal, "failed to validate user token"
	}
}
