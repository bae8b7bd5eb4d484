// Package socketio encodes and decodes the text packets of Engine.IO v4 and
// Socket.IO v5 as they travel over a websocket. Only the default namespace
// and text events are supported; binary attachments are rejected.
package socketio

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Path is the default endpoint of a Socket.IO server.
const Path = "/socket.io/"

// Query selects Engine.IO v4 over a plain websocket, skipping HTTP polling.
const Query = "EIO=4&transport=websocket"

// Kind is the decoded packet type.
type Kind int

const (
	Noop Kind = iota
	Open
	Close
	Ping
	Pong
	Connect
	Disconnect
	Event
	Ack
	ConnectError
)

var kindNames = [...]string{"noop", "open", "close", "ping", "pong", "connect", "disconnect", "event", "ack", "connect_error"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Fixed packets.
var (
	PingPacket       = []byte("2")
	PongPacket       = []byte("3")
	ConnectPacket    = []byte("40")
	DisconnectPacket = []byte("41")
)

// ErrMalformed wraps every decoding failure.
var ErrMalformed = errors.New("malformed packet")

// OpenInfo is the handshake the server sends first.
type OpenInfo struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload,omitempty"`
}

// Idle is how long the client may go without hearing from the server
// before it considers the connection dead.
func (o OpenInfo) Idle() time.Duration {
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// Packet is one decoded text message.
type Packet struct {
	Kind      Kind
	Namespace string
	// Event is the name of an Event packet.
	Event string
	// Data is the event argument, or the JSON body of Open, Connect and
	// ConnectError packets.
	Data json.RawMessage
}

// ErrorMessage returns the message of a ConnectError packet.
func (p Packet) ErrorMessage() string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(p.Data, &body) == nil && body.Message != "" {
		return body.Message
	}
	return string(p.Data)
}

// EncodeEvent builds 42["event",payload].
func EncodeEvent(event string, payload any) ([]byte, error) {
	args := []any{event}
	if payload != nil {
		args = append(args, payload)
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	return append([]byte("42"), body...), nil
}

// EncodeOpen builds the server's handshake packet.
func EncodeOpen(info OpenInfo) ([]byte, error) {
	body, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	return append([]byte("0"), body...), nil
}

// EncodeConnectAck builds the server's answer to ConnectPacket.
func EncodeConnectAck(sid string) []byte {
	body, _ := json.Marshal(map[string]string{"sid": sid})
	return append([]byte("40"), body...)
}

// EncodeConnectError builds a refused namespace connection.
func EncodeConnectError(message string) []byte {
	body, _ := json.Marshal(map[string]string{"message": message})
	return append([]byte("44"), body...)
}

// Parse decodes one websocket text message.
func Parse(msg []byte) (Packet, error) {
	if len(msg) == 0 {
		return Packet{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	body := msg[1:]
	switch msg[0] {
	case '0':
		return Packet{Kind: Open, Data: json.RawMessage(body)}, nil
	case '1':
		return Packet{Kind: Close}, nil
	case '2':
		return Packet{Kind: Ping, Data: json.RawMessage(body)}, nil
	case '3':
		return Packet{Kind: Pong, Data: json.RawMessage(body)}, nil
	case '4':
		return parseMessage(body)
	case '6':
		return Packet{Kind: Noop}, nil
	}
	return Packet{}, fmt.Errorf("%w: engine packet type %q", ErrMalformed, msg[0])
}

// parseMessage decodes the Socket.IO packet inside an Engine.IO message:
// <type>[/<namespace>,][<ack id>][<json>].
func parseMessage(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	typ, rest := b[0], b[1:]

	var p Packet
	if len(rest) > 0 && rest[0] == '/' {
		if i := bytes.IndexByte(rest, ','); i >= 0 {
			p.Namespace, rest = string(rest[:i]), rest[i+1:]
		} else {
			p.Namespace, rest = string(rest), nil
		}
	}
	i := 0
	for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
		i++
	}
	rest = rest[i:]

	switch typ {
	case '0':
		p.Kind, p.Data = Connect, json.RawMessage(rest)
	case '1':
		p.Kind = Disconnect
	case '2':
		p.Kind = Event
		var args []json.RawMessage
		if err := json.Unmarshal(rest, &args); err != nil || len(args) == 0 {
			return Packet{}, fmt.Errorf("%w: event body %q", ErrMalformed, rest)
		}
		if err := json.Unmarshal(args[0], &p.Event); err != nil {
			return Packet{}, fmt.Errorf("%w: event name %s", ErrMalformed, args[0])
		}
		if len(args) > 1 {
			p.Data = args[1]
		}
	case '3':
		p.Kind, p.Data = Ack, json.RawMessage(rest)
	case '4':
		p.Kind, p.Data = ConnectError, json.RawMessage(rest)
	default:
		return Packet{}, fmt.Errorf("%w: socket packet type %q", ErrMalformed, typ)
	}
	return p, nil
}
