package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Control message types
const (
	TypeRegister   = "register"
	TypeConnect    = "connect"
	TypeAccept     = "accept"
	TypeForward    = "forward"
	TypeList       = "list"
	TypeRegistered = "registered"
	TypeIncoming   = "incoming"
	TypeSession    = "session"
	TypeError      = "error"
)

// Error reasons carried in the "error" field of an error reply
const (
	ReasonExpectedRegister  = "expected_register"
	ReasonInvalidID         = "invalid_id"
	ReasonAlreadyRegistered = "already_registered"
	ReasonTargetNotOnline   = "target_not_online"
	ReasonViewerNotOnline   = "viewer_not_online"
	ReasonHostNotOnline     = "host_not_online"
	ReasonRateLimited       = "rate_limited"
)

var (
	// ErrMalformed is returned for text frames that are not a JSON control message.
	ErrMalformed = errors.New("protocol: malformed control message")
)

// Message is a control-plane text frame. A single struct covers every type;
// unused fields are omitted on the wire.
type Message struct {
	Type     string          `json:"type"`               // register, connect, accept, forward, list, registered, incoming, session, error
	ID       string          `json:"id,omitempty"`       // register, registered
	Password string          `json:"password,omitempty"` // register, connect, incoming (never checked by the broker)
	Info     json.RawMessage `json:"info,omitempty"`     // register: opaque endpoint metadata
	From     string          `json:"from,omitempty"`     // connect, accept, incoming
	Target   string          `json:"target,omitempty"`   // connect, error
	Viewer   string          `json:"viewer,omitempty"`   // accept
	To       string          `json:"to,omitempty"`       // forward
	Payload  json.RawMessage `json:"payload,omitempty"`  // forward: delivered verbatim to To
	Key      string          `json:"key,omitempty"`      // session
	Peer     string          `json:"peer,omitempty"`     // session
	IDs      []string        `json:"ids,omitempty"`      // list reply
	Error    string          `json:"error,omitempty"`    // error reason
}

// Decode parses a text frame. It fails with ErrMalformed when the frame is
// not a JSON object or has no type.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// Encode marshals a control message for sending as a text frame.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// IsControl reports whether t is a request type the broker handles.
func IsControl(t string) bool {
	switch t {
	case TypeRegister, TypeConnect, TypeAccept, TypeForward, TypeList:
		return true
	}
	return false
}

// Registered builds the reply to a successful registration.
func Registered(id string) Message {
	return Message{Type: TypeRegistered, ID: id}
}

// Incoming builds the connect-request notification delivered to a host.
func Incoming(from, password string) Message {
	return Message{Type: TypeIncoming, From: from, Password: password}
}

// Session builds the session notification for one side of an accepted session.
func Session(key, peer string) Message {
	return Message{Type: TypeSession, Key: key, Peer: peer}
}

// List builds the diagnostics reply listing registered identifiers. An empty
// registry omits the ids field.
func List(ids []string) Message {
	return Message{Type: TypeList, IDs: ids}
}

// Error builds an error reply. target may be empty.
func Error(reason, target string) Message {
	return Message{Type: TypeError, Error: reason, Target: target}
}
