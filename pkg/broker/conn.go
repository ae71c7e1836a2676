package broker

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tomaslejdung/peeprelay/pkg/protocol"
)

// frame is one queued outbound WebSocket message
type frame struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

type connState int

const (
	stateAwaitingRegistration connState = iota
	stateActive
	stateClosed
)

// Conn is one accepted endpoint connection. Its read loop drives the
// AWAITING_REGISTRATION -> ACTIVE -> CLOSED state machine; its write loop
// drains the outbound queue so routers never write to the socket directly.
type Conn struct {
	serial     uint64 // lock ordering for paired delivery
	connID     string
	remoteAddr string
	ws         *websocket.Conn
	server     *Server
	logger     atomic.Pointer[slog.Logger]
	limiter    *rate.Limiter // nil when control frames are not rate limited

	mu    sync.Mutex // guards state, id and sends on send
	state connState
	id    string
	send  chan frame

	closeOnce sync.Once
}

func (c *Conn) log() *slog.Logger {
	return c.logger.Load()
}

// ID returns the registered endpoint identifier, or "" before registration.
func (c *Conn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// ConnID returns the broker-assigned connection identifier
func (c *Conn) ConnID() string {
	return c.connID
}

// RemoteAddr returns the peer's network address
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// enqueue queues f for the write loop without blocking. It returns false when
// the connection is closed or its queue is full.
func (c *Conn) enqueue(f frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateClosed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueueMessage(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.log().Warn("encode control message", "type", msg.Type, "error", err)
		return false
	}
	if !c.enqueue(frame{kind: websocket.TextMessage, data: data}) {
		c.log().Debug("control message dropped", "type", msg.Type)
		c.server.stats.dropped.Add(1)
		return false
	}
	return true
}

// deliverPair queues fa on a and fb on b, or neither. It returns nil on
// success, otherwise the connection that could not take its frame.
func deliverPair(a *Conn, fa frame, b *Conn, fb frame) *Conn {
	if a == b {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.state == stateClosed || cap(a.send)-len(a.send) < 2 {
			return a
		}
		a.send <- fa
		a.send <- fb
		return nil
	}

	first, second := a, b
	if second.serial < first.serial {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	// Only the write loop receives from send and every sender holds mu,
	// so free capacity seen here cannot shrink before the sends below.
	if a.state == stateClosed || cap(a.send) == len(a.send) {
		return a
	}
	if b.state == stateClosed || cap(b.send) == len(b.send) {
		return b
	}
	a.send <- fa
	b.send <- fb
	return nil
}

func (c *Conn) extendReadDeadline() {
	if c.server.opts.PingInterval > 0 {
		c.ws.SetReadDeadline(time.Now().Add(2 * c.server.opts.PingInterval))
	}
}

// readPump owns the receive side. Whatever ends it, shutdown runs exactly
// once afterwards.
func (c *Conn) readPump() {
	defer c.shutdown()

	if c.server.opts.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.server.opts.MaxMessageBytes)
	}
	c.extendReadDeadline()
	c.ws.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	if !c.awaitRegistration() {
		return
	}

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}
		c.extendReadDeadline()
		c.server.router.Route(c, kind, data)
	}
}

// awaitRegistration enforces the strict first-frame policy: the first frame
// must be a register message with a non-empty id, otherwise the connection
// gets an error reply and is closed.
func (c *Conn) awaitRegistration() bool {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		c.logReadError(err)
		return false
	}
	c.extendReadDeadline()

	if kind != websocket.TextMessage {
		return c.reject(protocol.ReasonExpectedRegister, "binary first frame")
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return c.reject(protocol.ReasonExpectedRegister, err.Error())
	}
	if msg.Type != protocol.TypeRegister {
		return c.reject(protocol.ReasonExpectedRegister, "first frame type "+msg.Type)
	}
	if msg.ID == "" {
		return c.reject(protocol.ReasonInvalidID, "empty id")
	}

	c.activate(msg.ID, Metadata{Password: msg.Password, Info: msg.Info})
	return true
}

func (c *Conn) reject(reason, detail string) bool {
	c.server.stats.rejected.Add(1)
	c.log().Info("connection rejected", "reason", reason, "detail", detail)
	c.enqueueMessage(protocol.Error(reason, ""))
	return false
}

func (c *Conn) activate(id string, meta Metadata) {
	c.mu.Lock()
	c.state = stateActive
	c.id = id
	c.mu.Unlock()

	c.logger.Store(c.log().With("endpoint_id", id))
	previous := c.server.registry.Register(id, c, meta)
	c.server.stats.registrations.Add(1)
	if previous != nil {
		c.log().Info("identifier taken over", "previous_conn_id", previous.ConnID())
	} else {
		c.log().Info("registered")
	}
	c.enqueueMessage(protocol.Registered(id))
}

func (c *Conn) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log().Warn("frame exceeds read limit", "limit", c.server.opts.MaxMessageBytes)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure):
		c.log().Info("websocket error", "error", err)
	default:
		c.log().Debug("read loop ended", "error", err)
	}
}

// shutdown moves the connection to CLOSED. The queue is closed so the write
// loop flushes what is pending and sends a close frame. The registry entry is
// removed only if this connection still owns it.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		id := c.id
		wasActive := c.state == stateActive
		c.state = stateClosed
		close(c.send)
		c.mu.Unlock()

		if wasActive {
			if c.server.registry.UnregisterIfOwner(id, c) {
				c.log().Info("unregistered")
			} else {
				c.log().Debug("identifier owned by a newer connection, left in place")
			}
		}
		c.server.forget(c)
	})
}

// writePump sends queued frames and keepalive pings. It closes the socket on
// the first write failure, which in turn ends the read loop.
func (c *Conn) writePump() {
	var tick <-chan time.Time
	if c.server.opts.PingInterval > 0 {
		ticker := time.NewTicker(c.server.opts.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.ws.Close()

	for {
		select {
		case f, ok := <-c.send:
			c.setWriteDeadline()
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				c.server.stats.writeFailures.Add(1)
				c.log().Debug("websocket write failed", "error", err)
				return
			}
		case <-tick:
			c.setWriteDeadline()
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log().Debug("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Conn) setWriteDeadline() {
	if c.server.opts.WriteTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.server.opts.WriteTimeout))
	}
}
