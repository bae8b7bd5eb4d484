// Package chat holds the session state of the local user: the chat list, the
// active chat and its ordered message sequence.
//
// State is owned by the event loop. Every method must be called from the
// loop; fetches run off-loop and their results are applied by continuations
// that check they are still wanted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/loop"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/protocol"
	"go.uber.org/zap"
)

// ErrUnknownChat is returned when a chat id is not in the chat list.
var ErrUnknownChat = errors.New("chat not in chat list")

// Fetcher loads server data. It is called off the loop.
type Fetcher interface {
	ListChats(ctx context.Context) ([]model.ChatSummary, error)
	ListMessages(ctx context.Context, chatID int64) ([]model.Message, error)
}

// Emitter sends an event over the transport channel.
type Emitter interface {
	Emit(event string, payload any) error
}

// Bus payloads.
type (
	Opened struct {
		Chat model.ChatSummary
	}

	Closed struct {
		ChatID int64
	}

	MessagesLoaded struct {
		ChatID   int64
		Messages []model.Message
	}

	MessageAppended struct {
		ChatID  int64
		Index   int
		Message model.Message
	}

	MessageUpdated struct {
		ChatID  int64
		Message model.Message
	}

	// Failure reports something the user should see but that changed no state.
	Failure struct {
		ChatID  int64
		Op      string
		Message string
	}
)

const defaultFetchTimeout = 20 * time.Second

// State is the chat session state.
type State struct {
	sched   loop.Scheduler
	fetch   Fetcher
	emitter Emitter
	bus     *bus.Bus
	logger  *zap.Logger
	timeout time.Duration

	chats    []model.ChatSummary
	active   *model.ChatSummary
	messages []model.Message
	loading  bool

	// openSeq identifies the current history request; listSeq the latest
	// chat-list request and listApplied the newest one applied.
	openSeq     uint64
	listSeq     uint64
	listApplied uint64
}

// New creates an empty state.
func New(sched loop.Scheduler, fetch Fetcher, emitter Emitter, b *bus.Bus, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{
		sched:   sched,
		fetch:   fetch,
		emitter: emitter,
		bus:     b,
		logger:  logger.Named("chat"),
		timeout: defaultFetchTimeout,
	}
}

// ActiveChatID returns the open chat, or 0.
func (s *State) ActiveChatID() int64 {
	if s.active == nil {
		return 0
	}
	return s.active.ID
}

// ActiveChat returns the open chat.
func (s *State) ActiveChat() (model.ChatSummary, bool) {
	if s.active == nil {
		return model.ChatSummary{}, false
	}
	return *s.active, true
}

// Loading reports whether the active chat's history is being fetched.
func (s *State) Loading() bool { return s.loading }

// Messages returns a copy of the active chat's messages in display order.
func (s *State) Messages() []model.Message {
	out := make([]model.Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Message looks up a message of the active chat.
func (s *State) Message(id int64) (model.Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.messages[i].Clone(), true
	}
	return model.Message{}, false
}

// Chats returns a copy of the chat list.
func (s *State) Chats() []model.ChatSummary {
	return append([]model.ChatSummary(nil), s.chats...)
}

// Chat looks a chat up in the chat list.
func (s *State) Chat(id int64) (model.ChatSummary, bool) {
	for _, c := range s.chats {
		if c.ID == id {
			return c, true
		}
	}
	return model.ChatSummary{}, false
}

// OpenChatID opens a chat from the chat list.
func (s *State) OpenChatID(id int64) error {
	c, ok := s.Chat(id)
	if !ok {
		return fmt.Errorf("open chat %d: %w", id, ErrUnknownChat)
	}
	s.OpenChat(c)
	return nil
}

// OpenChat makes c the active chat, joins its room and reloads its history.
// Any history request for a previously opened chat is abandoned.
func (s *State) OpenChat(c model.ChatSummary) {
	if s.active != nil && s.active.ID != c.ID {
		s.send(protocol.LeaveChat, protocol.JoinChatPayload{ChatID: s.active.ID})
	}
	s.active = &c
	s.messages = nil
	s.bus.Emit(bus.ChatOpened, Opened{Chat: c})
	s.send(protocol.JoinChat, protocol.JoinChatPayload{ChatID: c.ID})
	s.loadHistory()
}

// CloseChat leaves the active chat.
func (s *State) CloseChat() {
	if s.active == nil {
		return
	}
	id := s.active.ID
	s.send(protocol.LeaveChat, protocol.JoinChatPayload{ChatID: id})
	s.active = nil
	s.messages = nil
	s.loading = false
	s.openSeq++
	s.bus.Emit(bus.ChatClosed, Closed{ChatID: id})
}

// Resync refetches everything after a reconnect: the chat list, and the
// active chat's room membership and history.
func (s *State) Resync() {
	s.RefreshChats()
	if s.active == nil {
		return
	}
	s.send(protocol.JoinChat, protocol.JoinChatPayload{ChatID: s.active.ID})
	s.loadHistory()
}

func (s *State) loadHistory() {
	s.openSeq++
	seq, chatID := s.openSeq, s.active.ID
	s.loading = true
	s.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		msgs, err := s.fetch.ListMessages(ctx, chatID)
		return func() { s.applyHistory(seq, chatID, msgs, err) }
	})
}

func (s *State) applyHistory(seq uint64, chatID int64, msgs []model.Message, err error) {
	if s.active == nil || s.active.ID != chatID || s.openSeq != seq {
		s.logger.Debug("discarding stale history", zap.Int64("chat_id", chatID), zap.Uint64("seq", seq))
		return
	}
	s.loading = false
	if err != nil {
		s.logger.Warn("load history failed", zap.Int64("chat_id", chatID), zap.Error(err))
		s.bus.Emit(bus.ChatError, Failure{ChatID: chatID, Op: "load_messages", Message: err.Error()})
		return
	}

	// Messages pushed while the request was in flight survive unless the
	// response already has them.
	seen := make(map[int64]bool, len(msgs))
	loaded := make([]model.Message, 0, len(msgs)+len(s.messages))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		loaded = append(loaded, m)
	}
	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt.Time)
	})
	pending := s.messages
	s.messages = loaded
	for _, m := range pending {
		if !seen[m.ID] {
			s.insert(m)
		}
	}
	s.bus.Emit(bus.ChatMessagesLoaded, MessagesLoaded{ChatID: chatID, Messages: s.Messages()})
}

// ReceiveMessage handles a pushed message. It is appended to the active
// chat when it belongs there, and the chat list is refreshed either way.
// It reports whether the message was added to the active sequence.
func (s *State) ReceiveMessage(m model.Message) bool {
	defer s.RefreshChats()
	if s.active == nil || m.ChatID != s.active.ID {
		return false
	}
	if s.indexOf(m.ID) >= 0 {
		s.logger.Debug("duplicate message ignored", zap.Int64("message_id", m.ID))
		return false
	}
	i := s.insert(m)
	s.bus.Emit(bus.ChatMessageAppended, MessageAppended{ChatID: m.ChatID, Index: i, Message: m.Clone()})
	return true
}

// insert places m after every message created at or before it, so equal
// timestamps keep arrival order.
func (s *State) insert(m model.Message) int {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt.Time)
	})
	s.messages = append(s.messages, model.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
	return i
}

// MarkDeleted flags a message of the active chat as deleted and drops its
// reactions. Unknown ids are ignored.
func (s *State) MarkDeleted(id int64) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.messages[i].IsDeleted = true
	s.messages[i].Reactions = nil
	s.updated(i)
	return true
}

// ApplyReactions replaces a message's reactions. Unknown ids are ignored.
func (s *State) ApplyReactions(id int64, reactions []model.Reaction) bool {
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.messages[i].Reactions = append([]model.Reaction(nil), reactions...)
	s.updated(i)
	return true
}

func (s *State) updated(i int) {
	m := s.messages[i].Clone()
	s.bus.Emit(bus.ChatMessageUpdated, MessageUpdated{ChatID: m.ChatID, Message: m})
}

// RefreshChats refetches the chat list. A response older than one already
// applied is dropped.
func (s *State) RefreshChats() {
	s.listSeq++
	seq := s.listSeq
	s.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		chats, err := s.fetch.ListChats(ctx)
		return func() { s.applyChats(seq, chats, err) }
	})
}

func (s *State) applyChats(seq uint64, chats []model.ChatSummary, err error) {
	if seq <= s.listApplied {
		s.logger.Debug("discarding stale chat list", zap.Uint64("seq", seq))
		return
	}
	if err != nil {
		s.logger.Warn("load chat list failed", zap.Error(err))
		s.bus.Emit(bus.ChatError, Failure{Op: "load_chats", Message: err.Error()})
		return
	}
	s.listApplied = seq
	s.chats = chats
	if s.active != nil {
		for _, c := range chats {
			if c.ID == s.active.ID {
				s.active = &c
				break
			}
		}
	}
	s.bus.Emit(bus.ChatListUpdated, s.Chats())
}

func (s *State) indexOf(id int64) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *State) send(event string, payload any) {
	if err := s.emitter.Emit(event, payload); err != nil {
		s.logger.Debug("emit failed", zap.String("event", event), zap.Error(err))
	}
}
