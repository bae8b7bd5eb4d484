package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/loop/looptest"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/protocol"
)

type emitted struct {
	Event   string
	Payload any
}

type fakeEmitter struct {
	events []emitted
	err    error
}

func (f *fakeEmitter) Emit(event string, payload any) error {
	f.events = append(f.events, emitted{event, payload})
	return f.err
}

func (f *fakeEmitter) names() []string {
	var out []string
	for _, e := range f.events {
		out = append(out, e.Event)
	}
	return out
}

// fakeFetcher answers from maps; history calls are recorded in order.
type fakeFetcher struct {
	chats     [][]model.ChatSummary // successive ListChats answers
	chatCalls int
	history   map[int64][]model.Message
	errs      map[int64]error
	asked     []int64
}

func (f *fakeFetcher) ListChats(context.Context) ([]model.ChatSummary, error) {
	i := f.chatCalls
	f.chatCalls++
	if len(f.chats) == 0 {
		return nil, nil
	}
	if i >= len(f.chats) {
		i = len(f.chats) - 1
	}
	return f.chats[i], nil
}

func (f *fakeFetcher) ListMessages(_ context.Context, chatID int64) ([]model.Message, error) {
	f.asked = append(f.asked, chatID)
	if err := f.errs[chatID]; err != nil {
		return nil, err
	}
	return f.history[chatID], nil
}

func msg(id, chat int64, sec int) model.Message {
	return model.Message{
		ID: id, ChatID: chat, UserID: 2, Content: "m", MessageType: model.TypeText,
		CreatedAt: model.At(looptest.Epoch.Add(time.Duration(sec) * time.Second)),
	}
}

func ids(ms []model.Message) []int64 {
	var out []int64
	for _, m := range ms {
		out = append(out, m.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newState(f *fakeFetcher) (*State, *looptest.Scheduler, *fakeEmitter, *bus.Bus) {
	sched := looptest.New()
	em := &fakeEmitter{}
	b := bus.New()
	return New(sched, f, em, b, nil), sched, em, b
}

func TestOpenChatJoinsAndLoadsHistory(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{
		7: {msg(2, 7, 5), msg(1, 7, 1)},
	}}
	s, sched, em, b := newState(f)
	loaded, unsub := b.Subscribe(bus.ChatMessagesLoaded, 4)
	defer unsub()

	s.OpenChat(model.ChatSummary{ID: 7, Name: "Maya"})
	if !s.Loading() {
		t.Error("Loading() = false right after OpenChat")
	}
	sched.Flush()

	if got := em.names(); len(got) != 1 || got[0] != protocol.JoinChat {
		t.Fatalf("emitted %v, want [join_chat]", got)
	}
	if p := em.events[0].Payload.(protocol.JoinChatPayload); p.ChatID != 7 {
		t.Errorf("join_chat chat_id = %d, want 7", p.ChatID)
	}
	if got := ids(s.Messages()); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("messages = %v, want [1 2]", got)
	}
	if s.Loading() {
		t.Error("Loading() = true after history arrived")
	}
	select {
	case evt := <-loaded:
		if p := evt.Payload.(MessagesLoaded); p.ChatID != 7 || len(p.Messages) != 2 {
			t.Errorf("loaded payload = %+v", p)
		}
	default:
		t.Error("no chat.messages_loaded event")
	}
}

func TestSwitchingChatsLeavesPreviousRoom(t *testing.T) {
	s, sched, em, _ := newState(&fakeFetcher{})
	s.OpenChat(model.ChatSummary{ID: 1})
	s.OpenChat(model.ChatSummary{ID: 2})
	sched.Flush()

	want := []string{protocol.JoinChat, protocol.LeaveChat, protocol.JoinChat}
	got := em.names()
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emitted %v, want %v", got, want)
		}
	}
	if p := em.events[1].Payload.(protocol.JoinChatPayload); p.ChatID != 1 {
		t.Errorf("leave_chat chat_id = %d, want 1", p.ChatID)
	}
}

func TestStaleHistoryIsDiscarded(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{
		1: {msg(10, 1, 0)},
		2: {msg(20, 2, 0)},
	}}
	s, sched, _, _ := newState(f)

	s.OpenChat(model.ChatSummary{ID: 1})
	s.OpenChat(model.ChatSummary{ID: 2})
	// Chat 2's history lands first, then chat 1's late answer.
	sched.RunWorkAt(1)
	sched.RunWorkAt(0)

	if s.ActiveChatID() != 2 {
		t.Fatalf("ActiveChatID() = %d, want 2", s.ActiveChatID())
	}
	if got := ids(s.Messages()); !equalIDs(got, []int64{20}) {
		t.Errorf("messages = %v, want [20]", got)
	}
}

func TestReopenSameChatIgnoresFirstResponse(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{1: {msg(10, 1, 0)}}}
	s, sched, _, _ := newState(f)

	s.OpenChat(model.ChatSummary{ID: 1})
	s.OpenChat(model.ChatSummary{ID: 1})
	f.history[1] = []model.Message{msg(10, 1, 0), msg(11, 1, 1)}
	sched.RunWorkAt(1)
	sched.RunWorkAt(0)

	if got := ids(s.Messages()); !equalIDs(got, []int64{10, 11}) {
		t.Errorf("messages = %v, want [10 11]", got)
	}
}

func TestHistoryErrorPublishesFailure(t *testing.T) {
	f := &fakeFetcher{errs: map[int64]error{3: errors.New("boom")}}
	s, sched, _, b := newState(f)
	errs, unsub := b.Subscribe(bus.ChatError, 1)
	defer unsub()

	s.OpenChat(model.ChatSummary{ID: 3})
	sched.Flush()

	select {
	case evt := <-errs:
		if p := evt.Payload.(Failure); p.ChatID != 3 || p.Op != "load_messages" {
			t.Errorf("failure = %+v", p)
		}
	default:
		t.Error("no chat.error event")
	}
	if s.Loading() {
		t.Error("Loading() should be false after a failed load")
	}
}

func TestReceiveMessageKeepsSortedOrder(t *testing.T) {
	s, sched, _, _ := newState(&fakeFetcher{})
	s.OpenChat(model.ChatSummary{ID: 1})
	sched.Flush()

	// Timestamps 3, 1, 2, 2 with ids in arrival order.
	s.ReceiveMessage(msg(1, 1, 3))
	s.ReceiveMessage(msg(2, 1, 1))
	s.ReceiveMessage(msg(3, 1, 2))
	s.ReceiveMessage(msg(4, 1, 2))

	if got := ids(s.Messages()); !equalIDs(got, []int64{2, 3, 4, 1}) {
		t.Errorf("messages = %v, want [2 3 4 1]", got)
	}
	prev := time.Time{}
	for _, m := range s.Messages() {
		if m.CreatedAt.Before(prev) {
			t.Fatalf("sequence not sorted by created_at: %v", ids(s.Messages()))
		}
		prev = m.CreatedAt.Time
	}
}

func TestReceiveMessageIgnoresDuplicatesAndOtherChats(t *testing.T) {
	f := &fakeFetcher{}
	s, sched, _, _ := newState(f)
	s.OpenChat(model.ChatSummary{ID: 1})
	sched.Flush()
	before := f.chatCalls

	if !s.ReceiveMessage(msg(1, 1, 0)) {
		t.Error("first delivery should append")
	}
	if s.ReceiveMessage(msg(1, 1, 0)) {
		t.Error("duplicate id should not append")
	}
	if s.ReceiveMessage(msg(2, 9, 0)) {
		t.Error("message for another chat should not append")
	}
	sched.Flush()

	if len(s.Messages()) != 1 {
		t.Errorf("len(messages) = %d, want 1", len(s.Messages()))
	}
	if f.chatCalls-before != 3 {
		t.Errorf("chat list refreshed %d times, want 3", f.chatCalls-before)
	}
}

func TestPushedMessageSurvivesHistoryLoad(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{1: {msg(1, 1, 0)}}}
	s, sched, _, _ := newState(f)
	s.OpenChat(model.ChatSummary{ID: 1})
	s.ReceiveMessage(msg(2, 1, 5))
	sched.Flush()

	if got := ids(s.Messages()); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("messages = %v, want [1 2]", got)
	}
}

func TestDeleteThenReactions(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{1: {msg(5, 1, 0)}}}
	s, sched, _, _ := newState(f)
	s.OpenChat(model.ChatSummary{ID: 1})
	sched.Flush()

	s.ApplyReactions(5, []model.Reaction{{Emoji: "👍", Username: "maya"}})
	if !s.MarkDeleted(5) {
		t.Fatal("MarkDeleted(5) = false")
	}
	m, _ := s.Message(5)
	if !m.IsDeleted || len(m.Reactions) != 0 {
		t.Fatalf("after delete: deleted=%v reactions=%v", m.IsDeleted, m.Reactions)
	}

	s.ApplyReactions(5, []model.Reaction{{Emoji: "❤", Username: "ivan"}})
	m, _ = s.Message(5)
	if !m.IsDeleted {
		t.Error("reactions update must not undelete")
	}
	if len(m.Reactions) != 1 {
		t.Errorf("state keeps reactions list, got %v", m.Reactions)
	}
	if len(m.VisibleReactions()) != 0 {
		t.Errorf("deleted message shows reactions %v", m.VisibleReactions())
	}
}

func TestMutationsOnUnknownMessageAreNoops(t *testing.T) {
	s, _, _, b := newState(&fakeFetcher{})
	updates, unsub := b.Subscribe(bus.ChatMessageUpdated, 1)
	defer unsub()

	if s.MarkDeleted(99) || s.ApplyReactions(99, nil) {
		t.Error("mutating a missing message should report false")
	}
	if len(updates) != 0 {
		t.Error("no update event expected")
	}
}

func TestRefreshChatsDropsOutOfOrderResponse(t *testing.T) {
	f := &fakeFetcher{chats: [][]model.ChatSummary{
		{{ID: 1, Name: "old"}},
		{{ID: 1, Name: "new"}},
	}}
	s, sched, _, _ := newState(f)

	s.RefreshChats()
	s.RefreshChats()
	// Second request finishes first; the first answer arrives late.
	sched.RunWorkAt(1)
	sched.RunWorkAt(0)

	chats := s.Chats()
	if len(chats) != 1 {
		t.Fatalf("chats = %+v", chats)
	}
	// RunWorkAt(1) ran the second request, which was the first fetch call.
	if chats[0].Name != "old" {
		t.Errorf("chat name = %q, want the answer of the newest request", chats[0].Name)
	}
}

func TestCloseChatLeavesAndInvalidatesFetch(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{4: {msg(1, 4, 0)}}}
	s, sched, em, _ := newState(f)
	s.OpenChat(model.ChatSummary{ID: 4})
	s.CloseChat()
	sched.Flush()

	if s.ActiveChatID() != 0 {
		t.Errorf("ActiveChatID() = %d, want 0", s.ActiveChatID())
	}
	if len(s.Messages()) != 0 {
		t.Errorf("messages = %v, want none", ids(s.Messages()))
	}
	if got := em.names(); got[len(got)-1] != protocol.LeaveChat {
		t.Errorf("emitted %v, want trailing leave_chat", got)
	}
	s.CloseChat() // no-op
	if len(em.events) != 2 {
		t.Errorf("second CloseChat emitted again: %v", em.names())
	}
}

func TestResyncRejoinsActiveChat(t *testing.T) {
	f := &fakeFetcher{history: map[int64][]model.Message{8: {msg(1, 8, 0)}}}
	s, sched, em, _ := newState(f)
	s.OpenChat(model.ChatSummary{ID: 8})
	sched.Flush()
	em.events = nil

	f.history[8] = []model.Message{msg(1, 8, 0), msg(2, 8, 1)}
	s.Resync()
	sched.Flush()

	if got := em.names(); len(got) != 1 || got[0] != protocol.JoinChat {
		t.Errorf("emitted %v, want [join_chat]", got)
	}
	if got := ids(s.Messages()); !equalIDs(got, []int64{1, 2}) {
		t.Errorf("messages = %v, want [1 2]", got)
	}
	if f.chatCalls == 0 {
		t.Error("Resync did not refresh the chat list")
	}
}

func TestOpenChatIDRequiresKnownChat(t *testing.T) {
	f := &fakeFetcher{chats: [][]model.ChatSummary{{{ID: 3, Name: "bees"}}}}
	s, sched, _, _ := newState(f)
	if err := s.OpenChatID(3); !errors.Is(err, ErrUnknownChat) {
		t.Fatalf("OpenChatID before list load: err = %v, want ErrUnknownChat", err)
	}
	s.RefreshChats()
	sched.Flush()
	if err := s.OpenChatID(3); err != nil {
		t.Fatalf("OpenChatID(3) = %v", err)
	}
	if c, _ := s.ActiveChat(); c.Name != "bees" {
		t.Errorf("active chat = %+v", c)
	}
}
