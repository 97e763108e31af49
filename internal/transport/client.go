// Package transport adapts a raw WebSocket connection to the gateway.ClientHandle interface the Session Manager
// depends on. It is the only package that imports a websocket library.
package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for a pong before considering the connection dead.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval; must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// envelope is the wire shape of every inbound message: a name (dispatched to the matching OnMessage handler) plus
// whatever payload the client attached. Outbound messages are not wrapped in it (see SendJSON).
type envelope struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client adapts a live *websocket.Conn into a gateway.ClientHandle. It runs two goroutines, readPump and writePump,
// communicating through a buffered send channel so a slow client never blocks message delivery to anyone else.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	done      chan struct{}
	closeOnce sync.Once

	handlersMu sync.RWMutex
	handlers   map[string]func(json.RawMessage)
}

// New wraps conn, assigning it id (issued by the caller, typically uuid.NewString()).
func New(id string, conn *websocket.Conn, logger zerolog.Logger) *Client {
	return &Client{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		log:      logger.With().Str("session_id", id).Logger(),
		handlers: make(map[string]func(json.RawMessage)),
	}
}

func (c *Client) ID() string { return c.id }

// SendJSON encodes v as-is, in the shape the gateway package builds it (callback/data, presenceNotification, and so
// on), and enqueues it for delivery.
func (c *Client) SendJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.enqueue(raw)
	return nil
}

// Disconnect closes the connection. Idempotent.
func (c *Client) Disconnect() {
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.conn.Close()
}

// OnMessage registers fn for inbound envelopes whose "name" field matches name.
func (c *Client) OnMessage(name string, fn func(json.RawMessage)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[name] = fn
}

func (c *Client) dispatch(name string, payload json.RawMessage) {
	c.handlersMu.RLock()
	fn := c.handlers[name]
	c.handlersMu.RUnlock()
	if fn != nil {
		fn(payload)
	}
}

// Serve runs the read and write pumps and blocks until the connection closes. Call it from the goroutine that owns
// the upgraded connection; it returns once both pumps have exited.
func (c *Client) Serve() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.readPump() }()
	wg.Wait()
}

func (c *Client) readPump() {
	defer func() {
		c.Disconnect()
		c.dispatch("disconnect", nil)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Debug().Err(err).Msg("dropped malformed inbound frame")
			continue
		}
		c.dispatch(env.Name, env.Payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("websocket write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drainPendingWrites()
			return
		}
	}
}

func (c *Client) drainPendingWrites() {
	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// enqueue pushes msg onto the send channel. A full buffer means the client is too slow to keep up; the connection
// is closed rather than letting backpressure stall delivery to everyone else.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- msg:
	case <-c.done:
	default:
		c.log.Warn().Msg("client send buffer full, closing connection")
		c.Disconnect()
	}
}
