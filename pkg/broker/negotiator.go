package broker

import (
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/tomaslejdung/peeprelay/pkg/protocol"
)

// KeyFunc mints a session secret
type KeyFunc func() (string, error)

// Negotiator runs the connect/accept handshake between a viewer and a host.
// It keeps no session state: once both sides hold the secret the broker
// forgets the session.
type Negotiator struct {
	registry *Registry
	newKey   KeyFunc
	stats    *Stats
	logger   *slog.Logger
}

// NewNegotiator creates a negotiator. A nil newKey uses protocol.NewSessionKey.
func NewNegotiator(registry *Registry, newKey KeyFunc, stats *Stats, logger *slog.Logger) *Negotiator {
	if newKey == nil {
		newKey = protocol.NewSessionKey
	}
	return &Negotiator{
		registry: registry,
		newKey:   newKey,
		stats:    stats,
		logger:   logger,
	}
}

// Connect notifies msg.Target that the sender wants a session. The
// credential travels with the notification unchecked.
func (n *Negotiator) Connect(c *Conn, msg protocol.Message) {
	viewer := msg.From
	if viewer == "" {
		viewer = c.ID()
	}

	host, ok := n.registry.Lookup(msg.Target)
	if !ok || !host.enqueueMessage(protocol.Incoming(viewer, msg.Password)) {
		c.log().Debug("connect target not online", "target", msg.Target)
		c.enqueueMessage(protocol.Error(protocol.ReasonTargetNotOnline, msg.Target))
		return
	}
	c.log().Info("connect request relayed", "viewer", viewer, "host", msg.Target)
}

// Accept mints a secret and hands it to both the host and msg.Viewer, or to
// neither. A failure is reported to the accepting connection only.
func (n *Negotiator) Accept(c *Conn, msg protocol.Message) {
	hostID := msg.From
	if hostID == "" {
		hostID = c.ID()
	}

	host, viewer := n.registry.LookupPair(hostID, msg.Viewer)
	if host == nil {
		c.enqueueMessage(protocol.Error(protocol.ReasonHostNotOnline, hostID))
		return
	}
	if viewer == nil {
		c.enqueueMessage(protocol.Error(protocol.ReasonViewerNotOnline, msg.Viewer))
		return
	}

	key, err := n.newKey()
	if err != nil {
		n.logger.Error("mint session key", "error", err)
		return
	}
	viewerFrame, err := encodeFrame(protocol.Session(key, hostID))
	if err != nil {
		n.logger.Error("encode session message", "error", err)
		return
	}
	hostFrame, err := encodeFrame(protocol.Session(key, msg.Viewer))
	if err != nil {
		n.logger.Error("encode session message", "error", err)
		return
	}

	switch failed := deliverPair(viewer, viewerFrame, host, hostFrame); failed {
	case nil:
		n.stats.sessions.Add(1)
		c.log().Info("session established", "host", hostID, "viewer", msg.Viewer)
	case viewer:
		c.enqueueMessage(protocol.Error(protocol.ReasonViewerNotOnline, msg.Viewer))
	default:
		c.enqueueMessage(protocol.Error(protocol.ReasonHostNotOnline, hostID))
	}
}

func encodeFrame(msg protocol.Message) (frame, error) {
	data, err := protocol.Encode(msg)
	if err != nil {
		return frame{}, err
	}
	return frame{kind: websocket.TextMessage, data: data}, nil
}
