// Package transport implements the persistent event channel between the
// client and the chat server: Socket.IO events in the default namespace,
// carried by Engine.IO v4 over a websocket.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/beegramm/beegram/internal/protocol"
	"github.com/beegramm/beegram/internal/socketio"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

var (
	// ErrNotConnected is returned by Emit when no connection is open.
	ErrNotConnected = errors.New("transport: not connected")
)

const (
	readLimit    = 1 << 20
	dialTimeout  = 15 * time.Second
	writeTimeout = 5 * time.Second
)

// Handler receives the raw payload of an event. Handlers run on the poster
// the channel was created with, never on the socket goroutine.
type Handler func(data json.RawMessage)

// Poster queues a callback for serial execution.
type Poster interface {
	Post(fn func())
}

// PostFunc adapts a function to Poster.
type PostFunc func(fn func())

func (f PostFunc) Post(fn func()) { f(fn) }

// Options configures the channel.
type Options struct {
	URL        string
	Header     http.Header
	HTTPClient *http.Client

	// Reconnect policy.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// MaxElapsed bounds a single Reconnect call; zero retries until the
	// context ends.
	MaxElapsed time.Duration
}

// DisconnectInfo is the payload delivered to the disconnect handler.
type DisconnectInfo struct {
	Reason string `json:"reason"`
	Remote bool   `json:"remote"`
}

// Channel is a reconnectable event connection. Connect, Emit, On and Close
// are safe to call from any goroutine.
type Channel struct {
	opts   Options
	poster Poster
	logger *zap.Logger

	dialMu     sync.Mutex
	mu         sync.Mutex
	conn       *websocket.Conn
	cancel     context.CancelFunc
	generation uint64
	handlers   map[string]Handler
	fallback   func(event string, data json.RawMessage)
}

// New creates a closed channel.
func New(opts Options, poster Poster, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Channel{
		opts:     opts,
		poster:   poster,
		logger:   logger.Named("transport"),
		handlers: make(map[string]Handler),
	}
}

// WebsocketURL derives the Engine.IO websocket endpoint from the server base
// URL and the Socket.IO path.
func WebsocketURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(path, "/")
	u.RawQuery = socketio.Query
	return u.String(), nil
}

// On registers the handler for an event name, replacing any previous one.
func (c *Channel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h == nil {
		delete(c.handlers, event)
		return
	}
	c.handlers[event] = h
}

// OnUnhandled registers a handler for server events nobody registered for.
func (c *Channel) OnUnhandled(fn func(event string, data json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = fn
}

// IsConnected reports whether a connection is open.
func (c *Channel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect opens the connection and joins the default namespace. It is a
// no-op when already connected.
func (c *Channel) Connect(ctx context.Context) error {
	c.dialMu.Lock()
	defer c.dialMu.Unlock()
	if c.IsConnected() {
		return nil
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, dialTimeout)
	defer cancelDial()
	c.logger.Debug("dialing", zap.String("url", c.opts.URL))
	conn, resp, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{
		HTTPClient: c.opts.HTTPClient,
		HTTPHeader: c.opts.Header,
	})
	if err != nil {
		if resp != nil {
			return &DialError{StatusCode: resp.StatusCode, Err: err}
		}
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)
	info, err := c.handshake(dialCtx, conn)
	if err != nil {
		_ = conn.CloseNow()
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.opts.URL), zap.String("sid", info.SID))
	// connect is queued before any event the read pump can deliver.
	c.dispatch(protocol.Connect, nil)
	go c.readPump(readCtx, conn, gen, info.Idle())
	return nil
}

// handshake reads the Engine.IO open packet and connects to the default
// namespace.
func (c *Channel) handshake(ctx context.Context, conn *websocket.Conn) (socketio.OpenInfo, error) {
	var info socketio.OpenInfo
	p, err := readPacket(ctx, conn)
	if err != nil {
		return info, fmt.Errorf("read open packet: %w", err)
	}
	if p.Kind != socketio.Open {
		return info, fmt.Errorf("expected open packet, got %s", p.Kind)
	}
	if err := json.Unmarshal(p.Data, &info); err != nil {
		return info, fmt.Errorf("decode open packet: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, socketio.ConnectPacket); err != nil {
		return info, fmt.Errorf("join namespace: %w", err)
	}
	for {
		p, err := readPacket(ctx, conn)
		if err != nil {
			return info, fmt.Errorf("join namespace: %w", err)
		}
		switch p.Kind {
		case socketio.Connect:
			return info, nil
		case socketio.ConnectError:
			return info, &RefusedError{Message: p.ErrorMessage()}
		case socketio.Ping:
			if err := conn.Write(ctx, websocket.MessageText, socketio.PongPacket); err != nil {
				return info, fmt.Errorf("join namespace: %w", err)
			}
		case socketio.Close:
			return info, errors.New("server closed the session during the handshake")
		}
	}
}

// readPacket returns the next text packet, skipping binary messages.
func readPacket(ctx context.Context, conn *websocket.Conn) (socketio.Packet, error) {
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			return socketio.Packet{}, err
		}
		if typ == websocket.MessageText {
			return socketio.Parse(msg)
		}
	}
}

// Reconnect retries Connect with exponential backoff until it succeeds, ctx
// ends or MaxElapsed passes.
func (c *Channel) Reconnect(ctx context.Context) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.InitialBackoff
	eb.MaxInterval = c.opts.MaxBackoff

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.Connect(ctx)
		var dialErr *DialError
		if errors.As(err, &dialErr) && dialErr.StatusCode == http.StatusUnauthorized {
			return struct{}{}, backoff.Permanent(err)
		}
		var refused *RefusedError
		if errors.As(err, &refused) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(eb),
		backoff.WithMaxElapsedTime(c.opts.MaxElapsed),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("reconnect attempt failed",
				zap.Int("attempt", attempt), zap.Duration("retry_in", next), zap.Error(err))
		}),
	)
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

// Emit sends an event without waiting for any acknowledgement.
func (c *Channel) Emit(event string, payload any) error {
	msg, err := socketio.EncodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	c.mu.Lock()
	conn, gen := c.conn, c.generation
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
		c.drop(gen, fmt.Sprintf("write %s: %v", event, err), false)
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Close shuts the connection down and raises disconnect.
func (c *Channel) Close() {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancelWrite := context.WithTimeout(context.Background(), writeTimeout)
	if err := conn.Write(ctx, websocket.MessageText, socketio.DisconnectPacket); err != nil {
		c.logger.Debug("namespace disconnect not sent", zap.Error(err))
	}
	cancelWrite()
	if err := conn.Close(websocket.StatusNormalClosure, "client closing"); err != nil {
		c.logger.Debug("close handshake failed", zap.Error(err))
	}
	cancel()
	c.logger.Info("disconnected", zap.String("reason", "closed by client"))
	c.dispatchDisconnect(DisconnectInfo{Reason: "closed by client"})
}

// readPump delivers events until the connection fails. The server pings
// every interval; silence longer than idle means the connection is dead.
func (c *Channel) readPump(ctx context.Context, conn *websocket.Conn, gen uint64, idle time.Duration) {
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			readCtx, cancel = context.WithTimeout(ctx, idle)
		}
		typ, msg, err := conn.Read(readCtx)
		timedOut := readCtx.Err() == context.DeadlineExceeded
		cancel()
		if err != nil {
			reason := err.Error()
			if timedOut {
				reason = "ping timeout"
			}
			c.drop(gen, reason, true)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		p, err := socketio.Parse(msg)
		if err != nil {
			c.logger.Warn("dropping packet", zap.Error(err))
			continue
		}
		switch p.Kind {
		case socketio.Ping:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, socketio.PongPacket)
			wcancel()
			if err != nil {
				c.drop(gen, fmt.Sprintf("pong: %v", err), false)
				return
			}
		case socketio.Event:
			if p.Namespace != "" && p.Namespace != "/" {
				continue
			}
			if p.Event == protocol.Connect || p.Event == protocol.Disconnect {
				c.logger.Debug("ignoring event with reserved name", zap.String("event", p.Event))
				continue
			}
			c.dispatch(p.Event, p.Data)
		case socketio.Disconnect, socketio.Close:
			c.drop(gen, "server ended the session", true)
			return
		case socketio.ConnectError:
			c.drop(gen, "server refused the session: "+p.ErrorMessage(), true)
			return
		}
	}
}

// drop tears down the connection identified by gen if it is still current.
func (c *Channel) drop(gen uint64, reason string, remote bool) {
	c.mu.Lock()
	if c.conn == nil || c.generation != gen {
		c.mu.Unlock()
		return
	}
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	c.mu.Unlock()

	_ = conn.CloseNow()
	cancel()
	c.logger.Warn("connection lost", zap.String("reason", reason))
	c.dispatchDisconnect(DisconnectInfo{Reason: reason, Remote: remote})
}

func (c *Channel) dispatchDisconnect(info DisconnectInfo) {
	data, _ := json.Marshal(info)
	c.dispatch(protocol.Disconnect, data)
}

func (c *Channel) dispatch(event string, data json.RawMessage) {
	c.poster.Post(func() {
		c.mu.Lock()
		h, fallback := c.handlers[event], c.fallback
		c.mu.Unlock()
		switch {
		case h != nil:
			h(data)
		case fallback != nil && event != protocol.Connect && event != protocol.Disconnect:
			fallback(event, data)
		default:
			c.logger.Debug("no handler for event", zap.String("event", event))
		}
	})
}

// DialError carries the HTTP status of a failed handshake.
type DialError struct {
	StatusCode int
	Err        error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *DialError) Unwrap() error { return e.Err }

// RefusedError is a namespace connection the server turned down, usually
// because the session cookie is not logged in.
type RefusedError struct {
	Message string
}

func (e *RefusedError) Error() string {
	return "server refused the connection: " + e.Message
}
