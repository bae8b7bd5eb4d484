// Package sockettest is the server half of a Socket.IO connection, enough
// to drive the client in tests.
package sockettest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/beegramm/beegram/internal/socketio"
	"github.com/coder/websocket"
)

// ErrDisconnected is returned by Read once the client left the namespace.
var ErrDisconnected = errors.New("client disconnected")

// Any origin is accepted, like a server started with cors_allowed_origins="*".
var acceptOptions = &websocket.AcceptOptions{InsecureSkipVerify: true}

// Conn is an accepted client.
type Conn struct {
	ws    *websocket.Conn
	pongs atomic.Int32
}

// Accept upgrades r and completes the Engine.IO and namespace handshakes.
// Zero ping settings default to the Flask-SocketIO values.
func Accept(w http.ResponseWriter, r *http.Request, info socketio.OpenInfo) (*Conn, error) {
	ws, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		return nil, err
	}
	info = withDefaults(info)
	c := &Conn{ws: ws}
	if err := c.open(r.Context(), info); err != nil {
		_ = ws.CloseNow()
		return nil, err
	}
	if err := ws.Write(r.Context(), websocket.MessageText, socketio.EncodeConnectAck(info.SID)); err != nil {
		_ = ws.CloseNow()
		return nil, err
	}
	return c, nil
}

// Refuse completes the Engine.IO handshake and rejects the namespace
// connection with message.
func Refuse(w http.ResponseWriter, r *http.Request, message string) error {
	ws, err := websocket.Accept(w, r, acceptOptions)
	if err != nil {
		return err
	}
	defer ws.CloseNow()
	c := &Conn{ws: ws}
	if err := c.open(r.Context(), withDefaults(socketio.OpenInfo{})); err != nil {
		return err
	}
	return ws.Write(r.Context(), websocket.MessageText, socketio.EncodeConnectError(message))
}

func withDefaults(info socketio.OpenInfo) socketio.OpenInfo {
	if info.SID == "" {
		info.SID = "sid-test"
	}
	if info.PingInterval == 0 {
		info.PingInterval = 25000
	}
	if info.PingTimeout == 0 {
		info.PingTimeout = 20000
	}
	if info.Upgrades == nil {
		info.Upgrades = []string{}
	}
	return info
}

func (c *Conn) open(ctx context.Context, info socketio.OpenInfo) error {
	open, err := socketio.EncodeOpen(info)
	if err != nil {
		return err
	}
	if err := c.ws.Write(ctx, websocket.MessageText, open); err != nil {
		return err
	}
	p, err := c.next(ctx)
	if err != nil {
		return err
	}
	if p.Kind != socketio.Connect {
		return fmt.Errorf("expected namespace connect, got %s", p.Kind)
	}
	return nil
}

func (c *Conn) next(ctx context.Context) (socketio.Packet, error) {
	for {
		typ, msg, err := c.ws.Read(ctx)
		if err != nil {
			return socketio.Packet{}, err
		}
		if typ == websocket.MessageText {
			return socketio.Parse(msg)
		}
	}
}

// Read returns the next event the client emitted. Pongs are counted and
// skipped.
func (c *Conn) Read(ctx context.Context) (string, json.RawMessage, error) {
	for {
		p, err := c.next(ctx)
		if err != nil {
			return "", nil, err
		}
		switch p.Kind {
		case socketio.Event:
			return p.Event, p.Data, nil
		case socketio.Pong:
			c.pongs.Add(1)
		case socketio.Disconnect, socketio.Close:
			return "", nil, ErrDisconnected
		}
	}
}

// Emit sends an event to the client.
func (c *Conn) Emit(ctx context.Context, event string, payload any) error {
	msg, err := socketio.EncodeEvent(event, payload)
	if err != nil {
		return err
	}
	return c.ws.Write(ctx, websocket.MessageText, msg)
}

// WriteRaw sends msg as is.
func (c *Conn) WriteRaw(ctx context.Context, msg string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(msg))
}

// Ping sends an Engine.IO ping; the answer shows up in Pongs once Read
// has consumed it.
func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.Write(ctx, websocket.MessageText, socketio.PingPacket)
}

func (c *Conn) Pongs() int { return int(c.pongs.Load()) }

// Close ends the websocket without a Socket.IO goodbye.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusGoingAway, "bye")
}
