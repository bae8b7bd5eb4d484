package router

import (
	"sort"
	"time"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/loop"
	"github.com/beegramm/beegram/internal/protocol"
	"go.uber.org/zap"
)

// typingOut is the local user's typing announcement.
type typingOut struct {
	active   bool
	chatID   int64
	lastTrue time.Time
	stop     loop.Timer
}

// Keystroke records composer activity in the active chat. The first
// keystroke announces typing; typing stops one second after the last one.
func (r *Router) Keystroke() error {
	chatID := r.chats.ActiveChatID()
	if chatID == 0 {
		return ErrNoActiveChat
	}
	if r.typing.active && r.typing.chatID != chatID {
		r.stopTyping()
	}
	now := r.sched.Now()
	if !r.typing.active || now.Sub(r.typing.lastTrue) >= typingHeartbeat {
		r.sendTyping(chatID, true)
		r.typing.active = true
		r.typing.chatID = chatID
		r.typing.lastTrue = now
	}
	if r.typing.stop != nil {
		r.typing.stop.Stop()
	}
	r.typing.stop = r.sched.AfterFunc(typingIdle, r.stopTyping)
	return nil
}

func (r *Router) stopTyping() {
	if r.typing.stop != nil {
		r.typing.stop.Stop()
	}
	if r.typing.active {
		r.sendTyping(r.typing.chatID, false)
	}
	r.typing = typingOut{}
}

func (r *Router) sendTyping(chatID int64, typing bool) {
	err := r.channel.Emit(protocol.Typing, protocol.TypingPayload{ChatID: chatID, UserID: r.self.ID, IsTyping: typing})
	if err != nil {
		r.logger.Debug("typing not sent", zap.Error(err))
	}
}

type typingKey struct {
	chatID int64
	userID int64
}

type remoteTyper struct {
	username string
	expire   loop.Timer
}

// Typing is published whenever the set of users typing in a chat changes.
type Typing struct {
	ChatID    int64
	Usernames []string
}

func (r *Router) onRemoteTyping(e protocol.UserTypingEvent) {
	if e.UserID == r.self.ID {
		return
	}
	chatID := r.chats.ActiveChatID()
	if chatID == 0 {
		return
	}
	key := typingKey{chatID: chatID, userID: e.UserID}
	t, ok := r.remote[key]
	if !e.IsTyping {
		if ok {
			t.expire.Stop()
			delete(r.remote, key)
			r.publishTyping(chatID)
		}
		return
	}
	if ok {
		t.expire.Stop()
	} else {
		t = &remoteTyper{}
		r.remote[key] = t
	}
	t.username = e.Username
	t.expire = r.sched.AfterFunc(typingExpiry, func() {
		if r.remote[key] == t {
			delete(r.remote, key)
			r.publishTyping(chatID)
		}
	})
	if !ok {
		r.publishTyping(chatID)
	}
}

// TypingUsers lists who is typing in the active chat.
func (r *Router) TypingUsers() []string {
	return r.typingIn(r.chats.ActiveChatID())
}

func (r *Router) typingIn(chatID int64) []string {
	var names []string
	for k, t := range r.remote {
		if k.chatID == chatID {
			names = append(names, t.username)
		}
	}
	sort.Strings(names)
	return names
}

func (r *Router) publishTyping(chatID int64) {
	r.bus.Emit(bus.ChatTyping, Typing{ChatID: chatID, Usernames: r.typingIn(chatID)})
}

// resetTyping forgets all typing state, local and remote.
func (r *Router) resetTyping() {
	if r.typing.stop != nil {
		r.typing.stop.Stop()
	}
	r.typing = typingOut{}
	chats := make(map[int64]bool)
	for k, t := range r.remote {
		t.expire.Stop()
		chats[k.chatID] = true
	}
	clear(r.remote)
	for id := range chats {
		r.publishTyping(id)
	}
}
