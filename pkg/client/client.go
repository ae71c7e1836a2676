// Package client is a Go endpoint for the relay broker. A Client registers
// an identifier, negotiates sessions and exchanges data-plane frames with
// other endpoints through the broker.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peeprelay/pkg/protocol"
)

// ErrClosed is returned by Next once the connection has ended.
var ErrClosed = errors.New("client: connection closed")

// EventKind tells which Event fields are set
type EventKind int

const (
	EventMessage EventKind = iota // a broker reply in Message
	EventText                     // a forwarded text payload in Text
	EventBinary                   // a relayed binary frame in Target and Body
)

// Event is one frame received from the broker
type Event struct {
	Kind    EventKind
	Message protocol.Message
	Text    []byte
	Target  string
	Body    []byte
}

// ReplyError is a broker error reply
type ReplyError struct {
	Reason string
	Target string
}

func (e *ReplyError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("broker: %s (%s)", e.Reason, e.Target)
	}
	return "broker: " + e.Reason
}

// Client is a connection to the broker. Sends are safe for concurrent use;
// events are consumed with Next.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	logger  *slog.Logger

	errMu   sync.Mutex
	readErr error

	closeOnce sync.Once
}

// Dial connects to the broker's WebSocket endpoint at url
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c := &Client{
		conn:   conn,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
		logger: slog.Default().With("component", "client"),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.events)

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			c.logger.Debug("read loop ended", "error", err)
			return
		}

		ev, ok := classify(kind, data)
		if !ok {
			c.logger.Debug("unrecognised frame dropped", "size", len(data))
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

// classify turns a received frame into an Event. Text frames whose type is a
// broker reply become EventMessage; anything else is a forwarded payload.
func classify(kind int, data []byte) (Event, bool) {
	switch kind {
	case websocket.BinaryMessage:
		target, body, err := protocol.ParseBinary(data)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: EventBinary, Target: target, Body: body}, true
	case websocket.TextMessage:
		if msg, err := protocol.Decode(data); err == nil && isReply(msg.Type) {
			return Event{Kind: EventMessage, Message: msg}, true
		}
		return Event{Kind: EventText, Text: data}, true
	}
	return Event{}, false
}

func isReply(t string) bool {
	switch t {
	case protocol.TypeRegistered, protocol.TypeIncoming, protocol.TypeSession, protocol.TypeList, protocol.TypeError:
		return true
	}
	return false
}

// Next returns the next received event. After the connection ends it returns
// ErrClosed wrapping the read error.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-c.events:
		if !ok {
			c.errMu.Lock()
			err := c.readErr
			c.errMu.Unlock()
			return Event{}, fmt.Errorf("%w: %v", ErrClosed, err)
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// WaitFor reads events until a broker reply of one of types arrives and
// returns it. An error reply is returned as *ReplyError. Events of other
// kinds are discarded.
func (c *Client) WaitFor(ctx context.Context, types ...string) (protocol.Message, error) {
	for {
		ev, err := c.Next(ctx)
		if err != nil {
			return protocol.Message{}, err
		}
		if ev.Kind != EventMessage {
			continue
		}
		if ev.Message.Type == protocol.TypeError {
			return ev.Message, &ReplyError{Reason: ev.Message.Error, Target: ev.Message.Target}
		}
		for _, t := range types {
			if ev.Message.Type == t {
				return ev.Message, nil
			}
		}
	}
}

func (c *Client) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Client) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(kind, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Register claims id. It must be the first call after Dial; the broker
// answers with a registered event. info may be nil.
func (c *Client) Register(id, password string, info any) error {
	msg := protocol.Message{Type: protocol.TypeRegister, ID: id, Password: password}
	if info != nil {
		raw, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("client: encode info: %w", err)
		}
		msg.Info = raw
	}
	return c.send(msg)
}

// Connect asks target to start a session with this endpoint
func (c *Client) Connect(target, password string) error {
	return c.send(protocol.Message{Type: protocol.TypeConnect, Target: target, Password: password})
}

// Accept agrees to a session with viewer. Both sides then receive a session
// event carrying the same key.
func (c *Client) Accept(viewer string) error {
	return c.send(protocol.Message{Type: protocol.TypeAccept, Viewer: viewer})
}

// Forward relays payload, encoded as JSON, to the endpoint registered as to
func (c *Client) Forward(to string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: encode payload: %w", err)
	}
	return c.send(protocol.Message{Type: protocol.TypeForward, To: to, Payload: raw})
}

// SendBinary relays body to the endpoint registered as to
func (c *Client) SendBinary(to string, body []byte) error {
	return c.write(websocket.BinaryMessage, protocol.BuildBinary(to, body))
}

// List asks for the registered identifiers
func (c *Client) List() error {
	return c.send(protocol.Message{Type: protocol.TypeList})
}

// Close says goodbye to the broker and releases the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
