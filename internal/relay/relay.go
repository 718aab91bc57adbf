// Package relay terminates the WebSocket surface: it accepts sockets on a
// single path, authenticates each one into a producer or consumer role,
// dispatches typed JSON frames, and fans producer events out to the consumer
// sockets of the same user. It is the only component that touches the
// credential adapter, the session state machine, the watchdog, and the push
// fan-out together.
package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vigil-app/vigil-server/internal/device"
	"github.com/vigil-app/vigil-server/internal/hub"
	"github.com/vigil-app/vigil-server/internal/protocol"
	"github.com/vigil-app/vigil-server/internal/push"
	"github.com/vigil-app/vigil-server/internal/ratelimit"
	"github.com/vigil-app/vigil-server/internal/session"
	"github.com/vigil-app/vigil-server/internal/user"
)

// opTimeout bounds store and push calls made from dispatch, which runs
// without a request context.
const opTimeout = 10 * time.Second

// Credentials resolves socket credentials into principal records. Satisfied
// by *auth.Adapter.
type Credentials interface {
	ValidateHubKey(ctx context.Context, key string) (*hub.Hub, error)
	ValidateUserToken(ctx context.Context, token string) (*user.User, []device.Device, error)
}

// Users is the user lookup the consumer authenticate path needs.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*user.User, error)
}

// Machine is the slice of the session state machine the relay drives.
type Machine interface {
	Create(ctx context.Context, params session.CreateParams) (*session.Session, error)
	GetByID(ctx context.Context, id uuid.UUID) (*session.Session, error)
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]session.Session, error)
	SetStatus(ctx context.Context, clientID uuid.UUID, status string) error
	DisconnectByClientID(ctx context.Context, clientID uuid.UUID, reason, message string) (*session.Session, error)
	DisconnectBySessionID(ctx context.Context, sessionID uuid.UUID, reason, message string) (*session.Session, error)
	DisconnectAllForUser(ctx context.Context, userID uuid.UUID, reason, message string) (int64, error)
	DisconnectAllForHub(ctx context.Context, hubID uuid.UUID, reason, message string) (int64, error)
}

// Timers is the watchdog surface the relay calls on socket events.
type Timers interface {
	Start(clientID, sessionID, userID uuid.UUID)
	Reset(ctx context.Context, clientID uuid.UUID)
	Stop(clientID uuid.UUID)
	GraceClose(clientID uuid.UUID)
}

// Pusher is the push fan-out slice for producer-initiated notify and alert.
type Pusher interface {
	SendNotification(ctx context.Context, userID uuid.UUID, payload push.NotificationPayload) (push.Result, error)
	SendCritical(ctx context.Context, userID uuid.UUID, payload push.CriticalPayload) (push.Result, error)
}

// LogSink persists producer log lines. Satisfied by *sessionlog.Service.
type LogSink interface {
	Append(ctx context.Context, sessionID, userID uuid.UUID, level, message string) error
}

// Registrar upserts consumer devices during register_device.
type Registrar interface {
	Upsert(ctx context.Context, params device.UpsertParams) (*device.Device, error)
}

// HubCounter bumps the hub's lifetime connection counter.
type HubCounter interface {
	IncrementConnections(ctx context.Context, id uuid.UUID) error
}

// Config carries the relay's scalar settings.
type Config struct {
	// ServerVersion is echoed in the connected greeting.
	ServerVersion string
	// JWTSecret and JWTIssuer validate consumer access tokens.
	JWTSecret string
	JWTIssuer string
	// ReconnectGrace is the watchdog grace window, echoed to consumers in
	// session_connection_lost frames.
	ReconnectGrace time.Duration
}

// Relay is the WebSocket hub. The clients map is keyed by the ephemeral
// client id assigned on accept; a user may hold any number of sockets in
// either role.
type Relay struct {
	cfg     Config
	creds   Credentials
	users   Users
	machine Machine
	timers  Timers
	limiter *ratelimit.Limiter
	pusher  Pusher
	logs    LogSink
	devices Registrar
	hubs    HubCounter
	queue   *CommandQueue
	log     zerolog.Logger

	mu      sync.RWMutex
	clients map[uuid.UUID]*Client
	closed  bool
}

// New wires the relay. queue may be nil when offline command queueing is
// disabled; commands to absent producers then fail with SESSION_NOT_FOUND.
func New(
	cfg Config,
	creds Credentials,
	users Users,
	machine Machine,
	timers Timers,
	limiter *ratelimit.Limiter,
	pusher Pusher,
	logs LogSink,
	devices Registrar,
	hubs HubCounter,
	queue *CommandQueue,
	logger zerolog.Logger,
) *Relay {
	return &Relay{
		cfg:     cfg,
		creds:   creds,
		users:   users,
		machine: machine,
		timers:  timers,
		limiter: limiter,
		pusher:  pusher,
		logs:    logs,
		devices: devices,
		hubs:    hubs,
		queue:   queue,
		log:     logger.With().Str("component", "relay").Logger(),
		clients: make(map[uuid.UUID]*Client),
	}
}

// ServeWebSocket runs one upgraded connection to completion. It blocks until
// the socket closes; the HTTP handler calls it from the upgrade callback.
func (r *Relay) ServeWebSocket(conn *websocket.Conn) {
	r.serve(conn)
}

func (r *Relay) serve(conn wsConn) {
	client := newClient(uuid.New(), r, conn, r.log)

	greeting, err := protocol.NewConnectedFrame(client.id, r.cfg.ServerVersion, time.Now().UTC())
	if err != nil {
		r.log.Error().Err(err).Msg("failed to build connected frame")
		_ = conn.Close()
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, greeting); err != nil {
		r.log.Debug().Err(err).Msg("failed to send connected frame")
		_ = conn.Close()
		return
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return
	}
	r.clients[client.id] = client
	total := len(r.clients)
	r.mu.Unlock()

	r.log.Debug().Str("client_id", client.id.String()).Int("total", total).Msg("client connected")

	go client.writePump()
	client.readPump()
}

// unregister removes the client from the registry and, for an authenticated
// producer whose socket dropped without the disconnect handshake, announces
// the loss to the user's consumers and hands the session to the watchdog's
// grace path.
func (r *Relay) unregister(c *Client) {
	r.mu.Lock()
	_, known := r.clients[c.id]
	delete(r.clients, c.id)
	r.mu.Unlock()

	c.shutdown(websocket.CloseNormalClosure, "")
	if !known {
		return
	}
	r.limiter.Forget(c.id)

	if c.Role() == roleProducer && !c.isClean() {
		sessionID, userID, gameName, _, _, _ := c.producerState()
		if frame, err := protocol.NewConnectionLostFrame(sessionID, gameName, r.cfg.ReconnectGrace, time.Now().UTC()); err == nil {
			r.fanToConsumers(userID, frame)
		}
		r.timers.GraceClose(c.id)
		r.log.Info().
			Str("client_id", c.id.String()).
			Str("session_id", sessionID.String()).
			Msg("producer connection lost, grace window started")
		return
	}

	r.log.Debug().Str("client_id", c.id.String()).Msg("client disconnected")
}

// fanToConsumers delivers a frame to every authenticated consumer socket of
// the user. Best-effort: saturated or closing sockets drop the frame.
func (r *Relay) fanToConsumers(userID uuid.UUID, frame []byte) int {
	r.mu.RLock()
	targets := make([]*Client, 0, 4)
	for _, c := range r.clients {
		if c.Role() == roleConsumer && c.UserID() == userID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	for _, t := range targets {
		t.enqueue(frame)
	}
	return len(targets)
}

// findProducer returns the live producer socket bound to the session, but
// only when it belongs to the given user. The ownership check is what makes
// cross-user commands indistinguishable from unknown sessions.
func (r *Relay) findProducer(sessionID, userID uuid.UUID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.clients {
		if c.Role() == roleProducer && c.SessionID() == sessionID && c.UserID() == userID {
			return c
		}
	}
	return nil
}

// ClientCount returns the number of connected sockets in any role.
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// EndSession ends one session from outside its socket: the row transitions
// first, then the user's consumers hear session_ended and the live producer
// socket, if any, is closed cleanly. Ownership is the caller's concern.
func (r *Relay) EndSession(ctx context.Context, sessionID uuid.UUID, reason, message string) (*session.Session, error) {
	s, err := r.machine.DisconnectBySessionID(ctx, sessionID, reason, message)
	if err != nil {
		return nil, err
	}
	r.timers.Stop(s.WSClientID)

	if frame, err := protocol.NewSessionEndedFrame(s.ID, message, time.Now().UTC()); err == nil {
		r.fanToConsumers(s.UserID, frame)
		if c := r.findProducer(s.ID, s.UserID); c != nil {
			c.markClean()
			c.enqueue(frame)
			c.shutdown(websocket.CloseNormalClosure, "session ended")
		}
	}
	return s, nil
}

// DisconnectAllForUser ends every active session the user owns and closes the
// matching live producer sockets. Connection-token revocation runs through
// here so no socket opened by the old token survives the rotation.
func (r *Relay) DisconnectAllForUser(ctx context.Context, userID uuid.UUID, reason, message string) (int64, error) {
	actives, err := r.machine.ListActiveByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	n, err := r.machine.DisconnectAllForUser(ctx, userID, reason, message)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, s := range actives {
		r.timers.Stop(s.WSClientID)
		frame, err := protocol.NewSessionEndedFrame(s.ID, message, now)
		if err != nil {
			continue
		}
		r.fanToConsumers(userID, frame)
		if c := r.findProducer(s.ID, userID); c != nil {
			c.markClean()
			c.enqueue(frame)
			c.shutdown(websocket.ClosePolicyViolation, reason)
		}
	}
	return n, nil
}

// DisconnectAllForHub ends every active session opened through the hub and
// closes their sockets. Admin suspension runs through here.
func (r *Relay) DisconnectAllForHub(ctx context.Context, hubID uuid.UUID, reason, message string) (int64, error) {
	n, err := r.machine.DisconnectAllForHub(ctx, hubID, reason, message)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := make([]*Client, 0, 4)
	for _, c := range r.clients {
		if c.Role() == roleProducer && c.HubID() == hubID {
			targets = append(targets, c)
		}
	}
	r.mu.RUnlock()

	now := time.Now().UTC()
	for _, c := range targets {
		r.timers.Stop(c.id)
		sessionID, userID, _, _, _, _ := c.producerState()
		c.markClean()
		if frame, err := protocol.NewSessionEndedFrame(sessionID, message, now); err == nil {
			r.fanToConsumers(userID, frame)
			c.enqueue(frame)
		}
		c.shutdown(websocket.ClosePolicyViolation, reason)
	}
	return n, nil
}

// Shutdown stops accepting sockets, transitions every live producer session
// to disconnected(server-shutdown), and closes all connections with a going
// away status. Watchdog timers are cancelled separately by the watchdog's
// own shutdown.
func (r *Relay) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[uuid.UUID]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		if c.Role() == roleProducer {
			r.timers.Stop(c.id)
			if _, err := r.machine.DisconnectByClientID(ctx, c.id, session.ReasonServerShutdown, "Server shutting down"); err != nil && !errors.Is(err, session.ErrNotFound) {
				r.log.Warn().Err(err).Str("client_id", c.id.String()).Msg("failed to disconnect session on shutdown")
			}
		}
		c.markClean()
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	r.log.Info().Int("clients", len(clients)).Msg("relay shut down")
}
