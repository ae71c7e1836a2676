package broker

import (
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peeprelay/pkg/protocol"
)

// Router classifies frames from ACTIVE connections into control plane and
// data plane and relays them. Data-plane delivery is fire-and-forget:
// unresolvable targets and full queues drop the frame without telling the
// sender.
type Router struct {
	registry   *Registry
	negotiator *Negotiator
	stats      *Stats
	logger     *slog.Logger
}

// NewRouter creates a router over registry
func NewRouter(registry *Registry, negotiator *Negotiator, stats *Stats, logger *slog.Logger) *Router {
	return &Router{
		registry:   registry,
		negotiator: negotiator,
		stats:      stats,
		logger:     logger,
	}
}

// Route handles one received frame from c
func (r *Router) Route(c *Conn, kind int, data []byte) {
	switch kind {
	case websocket.TextMessage:
		r.routeText(c, data)
	case websocket.BinaryMessage:
		r.routeBinary(c, data)
	}
}

func (r *Router) routeText(c *Conn, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		r.stats.malformed.Add(1)
		c.log().Debug("malformed text frame dropped", "error", err, "size", len(data))
		return
	}

	if msg.Type == protocol.TypeForward {
		r.forward(c, msg)
		return
	}

	if !protocol.IsControl(msg.Type) {
		r.stats.malformed.Add(1)
		c.log().Debug("unknown message type dropped", "type", msg.Type)
		return
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.log().Warn("control frame rate limited", "type", msg.Type)
		c.enqueueMessage(protocol.Error(protocol.ReasonRateLimited, ""))
		return
	}

	switch msg.Type {
	case protocol.TypeRegister:
		// A connection registers once; its identifier is fixed until it closes.
		c.enqueueMessage(protocol.Error(protocol.ReasonAlreadyRegistered, ""))
	case protocol.TypeConnect:
		r.negotiator.Connect(c, msg)
	case protocol.TypeAccept:
		r.negotiator.Accept(c, msg)
	case protocol.TypeList:
		c.enqueueMessage(protocol.List(r.registry.IDs()))
	}
}

// forward relays a text payload verbatim to msg.To
func (r *Router) forward(c *Conn, msg protocol.Message) {
	if msg.To == "" || len(msg.Payload) == 0 {
		r.stats.malformed.Add(1)
		c.log().Debug("forward without target or payload dropped")
		return
	}
	r.relay(c, msg.To, frame{kind: websocket.TextMessage, data: msg.Payload})
}

// routeBinary relays a data-plane frame. The whole frame, header line
// included, goes to the target so it can check the header names it.
func (r *Router) routeBinary(c *Conn, data []byte) {
	target, _, err := protocol.ParseBinary(data)
	if err != nil {
		r.stats.malformed.Add(1)
		c.log().Debug("binary frame dropped", "error", err, "size", len(data))
		return
	}
	r.relay(c, target, frame{kind: websocket.BinaryMessage, data: data})
}

func (r *Router) relay(c *Conn, target string, f frame) {
	dest, ok := r.registry.Lookup(target)
	if !ok {
		r.stats.dropped.Add(1)
		c.log().Debug("relay target not online", "target", target)
		return
	}
	if !dest.enqueue(f) {
		r.stats.dropped.Add(1)
		c.log().Debug("relay target queue full or closing", "target", target)
		return
	}

	if f.kind == websocket.BinaryMessage {
		r.stats.binaryForwards.Add(1)
	} else {
		r.stats.textForwards.Add(1)
	}
	r.stats.bytesRelayed.Add(int64(len(f.data)))
}
