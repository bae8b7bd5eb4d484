// Package router turns inbound server events into state mutations and user
// intents into outbound events. Everything here runs on the event loop.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/chat"
	"github.com/beegramm/beegram/internal/loop"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/protocol"
	"github.com/beegramm/beegram/internal/status"
	"github.com/beegramm/beegram/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultNotifyInterval is the minimum gap between two notifications.
	DefaultNotifyInterval = 1200 * time.Millisecond

	typingIdle      = 1000 * time.Millisecond
	typingHeartbeat = 800 * time.Millisecond
	typingExpiry    = 1000 * time.Millisecond
)

// ChatState is the part of the chat session the router drives.
type ChatState interface {
	ActiveChatID() int64
	ActiveChat() (model.ChatSummary, bool)
	Message(id int64) (model.Message, bool)
	ReceiveMessage(m model.Message) bool
	MarkDeleted(id int64) bool
	ApplyReactions(id int64, reactions []model.Reaction) bool
	Resync()
}

// Calls is the call machine.
type Calls interface {
	StartCall(peer int64) error
	HandleOffer(e protocol.CallOfferEvent)
	HandleAnswer(e protocol.CallAnswerEvent)
	HandleICE(e protocol.CallICEEvent)
	HandleHangup(e protocol.CallHangupEvent)
	ForceHangup(reason string)
}

// Channel is the transport channel as the router uses it.
type Channel interface {
	Emit(event string, payload any) error
	Reconnect(ctx context.Context) error
}

// Registrar binds handlers to event names.
type Registrar interface {
	On(event string, h transport.Handler)
	OnUnhandled(fn func(event string, data json.RawMessage))
}

// Status is the connection status machine.
type Status interface {
	Current() status.State
	Transition(to status.State) error
}

// Observer is told about every inbound event. Used for metrics.
type Observer interface {
	EventReceived(name string)
	EventDropped(name, reason string)
}

type nopObserver struct{}

func (nopObserver) EventReceived(string)        {}
func (nopObserver) EventDropped(string, string) {}

// Deps groups the collaborators of a Router.
type Deps struct {
	Scheduler loop.Scheduler
	Chats     ChatState
	Calls     Calls
	Channel   Channel
	Status    Status
	Notifier  Notifier // optional
	Observer  Observer // optional
	Bus       *bus.Bus
	Logger    *zap.Logger

	// Self is the local user.
	Self model.User
	// NotifyInterval overrides DefaultNotifyInterval.
	NotifyInterval time.Duration
}

// Router dispatches inbound events and implements user intents.
type Router struct {
	ctx      context.Context
	sched    loop.Scheduler
	chats    ChatState
	calls    Calls
	channel  Channel
	status   Status
	notifier Notifier
	observer Observer
	bus      *bus.Bus
	logger   *zap.Logger

	self         model.User
	backgrounded bool
	limiter      *rate.Limiter
	reconnecting bool
	// reconnectSeq identifies the newest reconnect attempt; a connect
	// invalidates every attempt started before it.
	reconnectSeq uint64

	typing typingOut
	remote map[typingKey]*remoteTyper
}

// New creates a router. Nothing is bound until Register.
func New(d Deps) *Router {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := d.NotifyInterval
	if interval <= 0 {
		interval = DefaultNotifyInterval
	}
	observer := d.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	return &Router{
		ctx:      context.Background(),
		sched:    d.Scheduler,
		chats:    d.Chats,
		calls:    d.Calls,
		channel:  d.Channel,
		status:   d.Status,
		notifier: d.Notifier,
		observer: observer,
		bus:      d.Bus,
		logger:   logger.Named("router"),
		self:     d.Self,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		remote:   make(map[typingKey]*remoteTyper),
	}
}

// Register binds every inbound event, the lifecycle events and the
// fallback for unknown names. ctx bounds reconnect attempts.
func (r *Router) Register(ctx context.Context, ch Registrar) {
	r.ctx = ctx
	for _, name := range protocol.InboundNames {
		ch.On(name, func(data json.RawMessage) { r.handleRaw(name, data) })
	}
	ch.On(protocol.Connect, func(json.RawMessage) { r.Dispatch(protocol.ConnectedEvent{}) })
	ch.On(protocol.Disconnect, func(data json.RawMessage) {
		var info transport.DisconnectInfo
		if len(data) > 0 {
			_ = json.Unmarshal(data, &info)
		}
		r.Dispatch(protocol.DisconnectedEvent{Reason: info.Reason})
	})
	ch.OnUnhandled(r.handleRaw)
}

// Self returns the local user as last updated.
func (r *Router) Self() model.User { return r.self }

func (r *Router) handleRaw(name string, data json.RawMessage) {
	evt, err := protocol.Decode(name, data)
	if err != nil {
		var unknown *protocol.UnknownEventError
		if errors.As(err, &unknown) {
			r.logger.Warn("unknown event", zap.String("event", name))
			r.observer.EventDropped(name, "unknown")
			return
		}
		r.logger.Warn("malformed event", zap.String("event", name), zap.Error(err))
		r.observer.EventDropped(name, "malformed")
		return
	}
	r.Dispatch(evt)
}

// Dispatch applies one inbound event.
func (r *Router) Dispatch(evt protocol.Inbound) {
	r.observer.EventReceived(evt.EventName())
	switch e := evt.(type) {
	case protocol.NewMessageEvent:
		r.onNewMessage(e.Message)
	case protocol.ReactionsUpdatedEvent:
		r.chats.ApplyReactions(e.MessageID, e.Reactions)
	case protocol.UserTypingEvent:
		r.onRemoteTyping(e)
	case protocol.BeeStarsUpdatedEvent:
		if e.UserID == r.self.ID {
			r.self.BeeStars = e.BeeStars
			r.bus.Emit(bus.UserBalanceChanged, BalanceChange{UserID: e.UserID, BeeStars: e.BeeStars})
		}
	case protocol.MessageDeletedEvent:
		r.chats.MarkDeleted(e.MessageID)
	case protocol.MessageErrorEvent:
		r.logger.Info("server rejected message", zap.String("error", e.Error))
		r.bus.Emit(bus.ChatError, chat.Failure{ChatID: r.chats.ActiveChatID(), Op: "send_message", Message: e.Error})
	case protocol.JoinedChatEvent:
		r.logger.Debug("joined chat room", zap.Int64("chat_id", e.ChatID))
	case protocol.CallOfferEvent:
		r.calls.HandleOffer(e)
	case protocol.CallAnswerEvent:
		r.calls.HandleAnswer(e)
	case protocol.CallICEEvent:
		r.calls.HandleICE(e)
	case protocol.CallHangupEvent:
		r.calls.HandleHangup(e)
	case protocol.ConnectedEvent:
		r.onConnected()
	case protocol.DisconnectedEvent:
		r.onDisconnected(e.Reason)
	default:
		r.logger.Warn("unhandled inbound event", zap.String("event", evt.EventName()))
	}
}

// BalanceChange is published when the local user's BeeStars change.
type BalanceChange struct {
	UserID   int64
	BeeStars int64
}

func (r *Router) onNewMessage(m model.Message) {
	activeBefore := r.chats.ActiveChatID()
	r.chats.ReceiveMessage(m)
	if m.UserID == r.self.ID {
		return
	}
	if m.ChatID == activeBefore && !r.backgrounded {
		return
	}
	r.notify(m)
}

func (r *Router) onConnected() {
	r.reconnecting = false
	r.reconnectSeq++
	if err := r.status.Transition(status.Connected); err != nil {
		r.logger.Debug("status", zap.Error(err))
	}
	r.chats.Resync()
}

func (r *Router) onDisconnected(reason string) {
	r.logger.Info("channel closed", zap.String("reason", reason))
	r.calls.ForceHangup("connection lost")
	r.resetTyping()

	if r.status.Current() == status.Closed || r.ctx.Err() != nil {
		return
	}
	if err := r.status.Transition(status.Reconnecting); err != nil {
		r.logger.Debug("status", zap.Error(err))
	}
	if r.reconnecting {
		return
	}
	r.reconnecting = true
	r.reconnectSeq++
	seq, ctx := r.reconnectSeq, r.ctx
	r.sched.Go(func() func() {
		err := r.channel.Reconnect(ctx)
		return func() {
			if seq != r.reconnectSeq {
				return
			}
			r.reconnecting = false
			if err == nil || r.status.Current() == status.Closed {
				return
			}
			r.logger.Error("giving up reconnecting", zap.Error(err))
			if terr := r.status.Transition(status.Offline); terr != nil {
				r.logger.Debug("status", zap.Error(terr))
			}
		}
	})
}
