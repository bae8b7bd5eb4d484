// Package core owns the client components and the event loop they run on.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/beegramm/beegram/internal/backend"
	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/chat"
	"github.com/beegramm/beegram/internal/config"
	"github.com/beegramm/beegram/internal/loop"
	"github.com/beegramm/beegram/internal/metrics"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/protocol"
	"github.com/beegramm/beegram/internal/router"
	"github.com/beegramm/beegram/internal/rtc"
	"github.com/beegramm/beegram/internal/status"
	"github.com/beegramm/beegram/internal/transport"
	"go.uber.org/zap"
)

// ErrNotStarted is returned by Do before Start or after Stop.
var ErrNotStarted = errors.New("client not running")

// Options configures a Client. Config is required; everything else may be
// left zero.
type Options struct {
	Config     config.Client
	Bus        *bus.Bus
	Recorder   call.Recorder
	Metrics    *metrics.Metrics
	Notifier   router.Notifier
	HTTPClient *http.Client
	// Media overrides the rtc devices built from Config.Calls.
	Media call.MediaDevices
	// Peers overrides the pion factory.
	Peers  call.PeerFactory
	Logger *zap.Logger
}

// Client is the application context: one of each component, built once.
type Client struct {
	loop    *loop.Loop
	bus     *bus.Bus
	backend *backend.Client
	channel *transport.Channel
	status  *status.Machine
	chats   *chat.State
	calls   *call.Machine
	router  *router.Router
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	stop   context.CancelFunc
}

// channelEmitter sends through emit but otherwise behaves as the channel.
type channelEmitter struct {
	*transport.Channel
	emit metrics.Emitter
}

func (c channelEmitter) Emit(event string, payload any) error {
	return c.emit.Emit(event, payload)
}

// New logs in when the config carries credentials and builds every
// component. Nothing connects until Start.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}

	header := http.Header{}
	if cfg.Origin != "" {
		header.Set("Origin", cfg.Origin)
	}
	if cfg.SessionCookie != "" {
		header.Set("Cookie", (&http.Cookie{Name: backend.SessionCookie, Value: cfg.SessionCookie}).String())
	}
	api, err := backend.New(cfg.ServerURL, header, opts.HTTPClient, logger)
	if err != nil {
		return nil, err
	}

	self := model.User{
		ID:        cfg.User.ID,
		Username:  cfg.User.Username,
		Nickname:  cfg.User.Nickname,
		IsPremium: model.Flag(cfg.User.IsPremium),
		IsAdmin:   model.Flag(cfg.User.IsAdmin),
	}
	if cfg.Username != "" && cfg.Password != "" {
		if self, err = api.Login(ctx, cfg.Username, cfg.Password); err != nil {
			return nil, err
		}
		logger.Info("logged in", zap.Int64("user_id", self.ID), zap.String("username", self.Username))
	}

	wsURL, err := transport.WebsocketURL(cfg.ServerURL, cfg.WSPath)
	if err != nil {
		return nil, err
	}

	lp := loop.New(logger.Named("loop"))
	ch := transport.New(transport.Options{
		URL:            wsURL,
		Header:         api.Header(),
		HTTPClient:     opts.HTTPClient,
		InitialBackoff: cfg.Reconnect.Initial.Std(),
		MaxBackoff:     cfg.Reconnect.Max.Std(),
		MaxElapsed:     cfg.Reconnect.MaxElapsed.Std(),
	}, lp, logger)

	var emitter metrics.Emitter = ch
	var observer router.Observer
	if opts.Metrics != nil {
		emitter = opts.Metrics.CountEmits(ch)
		observer = opts.Metrics
	}

	media := opts.Media
	if media == nil {
		media = &rtc.Devices{Microphone: cfg.Calls.Microphone, Logger: logger}
	}
	peers := opts.Peers
	if peers == nil {
		servers := make([]rtc.ICEServer, 0, len(cfg.Calls.ICEServers))
		for _, s := range cfg.Calls.ICEServers {
			servers = append(servers, rtc.ICEServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
		}
		f, err := rtc.NewFactory(servers, logger)
		if err != nil {
			return nil, err
		}
		peers = f
	}

	st := status.NewMachine(b)
	chats := chat.New(lp, api, emitter, b, logger)
	calls := call.NewMachine(call.Deps{
		Scheduler: lp,
		Media:     media,
		Peers:     peers,
		Signal:    emitter,
		Chats:     chats,
		Recorder:  opts.Recorder,
		Bus:       b,
		Logger:    logger,
	})
	rt := router.New(router.Deps{
		Scheduler:      lp,
		Chats:          chats,
		Calls:          calls,
		Channel:        channelEmitter{Channel: ch, emit: emitter},
		Status:         st,
		Notifier:       opts.Notifier,
		Observer:       observer,
		Bus:            b,
		Logger:         logger,
		Self:           self,
		NotifyInterval: cfg.Notifications.MinInterval.Std(),
	})

	return &Client{
		loop:    lp,
		bus:     b,
		backend: api,
		channel: ch,
		status:  st,
		chats:   chats,
		calls:   calls,
		router:  rt,
		logger:  logger.Named("core"),
	}, nil
}

// Start runs the loop and opens the channel. A failed first dial is handled
// like a lost connection: the router retries in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	loopCtx, stopLoop := context.WithCancel(context.Background())
	runCtx, cancel := context.WithCancel(context.Background())
	c.stop, c.cancel = stopLoop, cancel
	c.mu.Unlock()

	c.router.Register(runCtx, c.channel)
	c.loop.Start(loopCtx)

	if err := c.status.Transition(status.Connecting); err != nil {
		return err
	}
	if err := c.channel.Connect(ctx); err != nil {
		c.logger.Warn("initial connect failed", zap.Error(err))
		c.loop.Post(func() {
			c.router.Dispatch(protocol.DisconnectedEvent{Reason: err.Error()})
		})
	}
	return nil
}

// Stop ends any call, closes the channel and waits for background work
// such as the call log write.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	stopLoop, cancel := c.stop, c.cancel
	c.stop, c.cancel = nil, nil
	c.mu.Unlock()
	if stopLoop == nil {
		return nil
	}

	if err := c.status.Transition(status.Closed); err != nil {
		c.logger.Debug("status", zap.Error(err))
	}
	cancel()
	c.channel.Close()
	err := c.loop.Do(ctx, func() { c.calls.ForceHangup("client stopped") })
	if werr := c.loop.Wait(ctx); werr != nil && err == nil {
		err = fmt.Errorf("waiting for background work: %w", werr)
	}
	// Continuations of that work.
	_ = c.loop.Do(ctx, func() {})
	stopLoop()
	<-c.loop.Stopped()
	return err
}

// Do runs fn on the event loop and waits. Component state may only be
// read or changed inside fn.
func (c *Client) Do(ctx context.Context, fn func()) error {
	err := c.loop.Do(ctx, fn)
	if errors.Is(err, loop.ErrStopped) {
		return ErrNotStarted
	}
	return err
}

// CreateChat creates a chat on the server and refreshes the chat list.
func (c *Client) CreateChat(ctx context.Context, req backend.CreateChatRequest) (int64, error) {
	id, err := c.backend.CreateChat(ctx, req)
	if err != nil {
		return 0, err
	}
	if err := c.Do(ctx, c.chats.RefreshChats); err != nil {
		return id, err
	}
	return id, nil
}

// SearchUsers looks users up by name. It does not touch the loop.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]model.User, error) {
	return c.backend.SearchUsers(ctx, query)
}

func (c *Client) Bus() *bus.Bus            { return c.bus }
func (c *Client) Status() status.State     { return c.status.Current() }
func (c *Client) Reconnects() int          { return c.status.Reconnects() }
func (c *Client) Chats() *chat.State       { return c.chats }
func (c *Client) Calls() *call.Machine     { return c.calls }
func (c *Client) Router() *router.Router   { return c.router }
func (c *Client) Backend() *backend.Client { return c.backend }
