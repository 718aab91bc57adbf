package relay

import (
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the inbound frame cap. Log lines are truncated to
	// 2000 chars at the sink; the headroom is for command data.
	maxMessageSize = 8192

	// writeWait is the time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a socket may stay silent before the transport
	// gives up on it. Application heartbeats are a separate mechanism with
	// separate timers; this only reaps dead TCP connections.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// authTimeout is how long a socket has to authenticate after connecting.
	authTimeout = 30 * time.Second

	// sendBuffer is the per-client outbound queue. Fan-out drops frames once
	// it is full rather than stalling the sender.
	sendBuffer = 256
)

// Client roles. A socket starts unauthenticated and becomes a producer via
// connect or a consumer via authenticate/register_device.
const (
	roleUnauth   = "unauth"
	roleProducer = "producer"
	roleConsumer = "consumer"
)

// wsConn is the slice of *websocket.Conn the relay uses. Tests substitute an
// in-memory pipe.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Client is one WebSocket connection and its per-socket metadata. Each client
// runs two goroutines: readPump feeds frames into the relay's dispatch and
// writePump drains the send queue. The write pump owns the connection's
// close; every other path signals it through shutdown.
type Client struct {
	id    uuid.UUID
	relay *Relay
	conn  wsConn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger

	// Identity, written on the auth transition and on producer status
	// updates, read during dispatch and fan-out.
	mu          sync.RWMutex
	role        string
	userID      uuid.UUID
	hubID       uuid.UUID
	sessionID   uuid.UUID
	deviceID    uuid.UUID
	gameName    string
	hubName     string
	alertSound  string
	lastStatus  string
	cleanClose  bool
	closeCode   int
	closeReason string
	connectedAt time.Time
}

func newClient(id uuid.UUID, relay *Relay, conn wsConn, logger zerolog.Logger) *Client {
	return &Client{
		id:          id,
		relay:       relay,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		log:         logger.With().Str("client_id", id.String()).Logger(),
		role:        roleUnauth,
		closeCode:   websocket.CloseNormalClosure,
		connectedAt: time.Now().UTC(),
	}
}

// Role returns the socket's current role.
func (c *Client) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// UserID returns the authenticated user id, or uuid.Nil before auth.
func (c *Client) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SessionID returns the producer's session id, or uuid.Nil for non-producers.
func (c *Client) SessionID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// HubID returns the producer's hub id, or uuid.Nil for non-producers.
func (c *Client) HubID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hubID
}

// setProducer flips the socket into the producer role with its session
// identity and the user preferences captured at connect time.
func (c *Client) setProducer(userID, hubID, sessionID uuid.UUID, gameName, hubName, alertSound string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = roleProducer
	c.userID = userID
	c.hubID = hubID
	c.sessionID = sessionID
	c.gameName = gameName
	c.hubName = hubName
	c.alertSound = alertSound
}

// setConsumer flips the socket into the consumer role. deviceID is uuid.Nil
// when the consumer registered without a push token.
func (c *Client) setConsumer(userID, deviceID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.role = roleConsumer
	c.userID = userID
	c.deviceID = deviceID
}

func (c *Client) setLastStatus(status string) {
	c.mu.Lock()
	c.lastStatus = status
	c.mu.Unlock()
}

// producerState snapshots the fields the producer dispatch paths need
// without holding the lock across I/O.
func (c *Client) producerState() (sessionID, userID uuid.UUID, gameName, hubName, alertSound, lastStatus string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID, c.userID, c.gameName, c.hubName, c.alertSound, c.lastStatus
}

// markClean records that the session ended through the disconnect handshake,
// so the close handler skips the grace path.
func (c *Client) markClean() {
	c.mu.Lock()
	c.cleanClose = true
	c.mu.Unlock()
}

func (c *Client) isClean() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cleanClose
}

// enqueue queues a frame for the write pump. Delivery is best-effort: frames
// for a closed or saturated socket are dropped, never blocked on.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		c.log.Warn().Msg("send buffer full, dropping frame")
	}
}

// shutdown asks the write pump to flush queued frames, write a close frame
// with the given code, and close the connection. The first caller's code and
// reason win; later calls are no-ops.
func (c *Client) shutdown(code int, reason string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

// readPump reads frames from the socket and hands them to the relay. It runs
// in its own goroutine and unregisters the client when the read loop exits
// for any reason.
func (c *Client) readPump() {
	defer c.relay.unregister(c)

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	authTimer := time.AfterFunc(authTimeout, func() {
		if c.Role() == roleUnauth {
			c.log.Debug().Msg("client did not authenticate in time")
			c.shutdown(websocket.ClosePolicyViolation, "authentication timeout")
		}
	})
	defer authTimer.Stop()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.relay.dispatch(c, message)

		select {
		case <-c.done:
			// A fatal dispatch outcome (auth failure, disconnect ack) ends
			// the read loop; the write pump finishes the close handshake.
			return
		default:
		}
	}
}

// writePump drains the send queue onto the socket and pings the peer to keep
// the read deadline honest. It owns the connection: when the done channel
// closes it flushes what is queued, writes the close frame, and closes.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			for {
				select {
				case msg := <-c.send:
					if !c.write(msg) {
						return
					}
				default:
					c.mu.RLock()
					code, reason := c.closeCode, c.closeReason
					c.mu.RUnlock()
					_ = c.conn.WriteControl(
						websocket.CloseMessage,
						websocket.FormatCloseMessage(code, reason),
						time.Now().Add(writeWait),
					)
					return
				}
			}
		}
	}
}

func (c *Client) write(msg []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		c.log.Debug().Err(err).Msg("websocket write error")
		return false
	}
	return true
}
