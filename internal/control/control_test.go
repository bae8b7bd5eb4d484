package control

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beegramm/beegram/internal/backend"
	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/chat"
	"github.com/beegramm/beegram/internal/core"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/router"
	"github.com/beegramm/beegram/internal/status"
	"github.com/beegramm/beegram/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type fakeRunner struct {
	err     error
	created backend.CreateChatRequest
}

func (f *fakeRunner) Do(_ context.Context, fn func()) error {
	if f.err != nil {
		return f.err
	}
	fn()
	return nil
}
func (f *fakeRunner) Status() status.State { return status.Connected }
func (f *fakeRunner) Reconnects() int      { return 2 }
func (f *fakeRunner) CreateChat(_ context.Context, req backend.CreateChatRequest) (int64, error) {
	f.created = req
	if !req.IsGroup && len(req.Members) == 0 {
		return 0, &backend.Error{Status: 400, Message: "Укажите собеседника"}
	}
	return 42, nil
}
func (f *fakeRunner) SearchUsers(_ context.Context, q string) ([]model.User, error) {
	return []model.User{{ID: 3, Username: q}}, nil
}

type fakeChats struct {
	active int64
	closed bool
}

func (f *fakeChats) Chats() []model.ChatSummary { return []model.ChatSummary{{ID: 1, Name: "ivan"}} }
func (f *fakeChats) ActiveChatID() int64        { return f.active }
func (f *fakeChats) Loading() bool              { return false }
func (f *fakeChats) Messages() []model.Message {
	return []model.Message{{ID: 5, ChatID: f.active, Content: "hi"}}
}
func (f *fakeChats) OpenChatID(id int64) error {
	if id != 1 && id != 42 {
		return chat.ErrUnknownChat
	}
	f.active = id
	return nil
}
func (f *fakeChats) CloseChat() { f.active, f.closed = 0, true }

type fakeIntents struct {
	sent         []string
	backgrounded bool
	keystrokes   int
}

func (f *fakeIntents) Self() model.User          { return model.User{ID: 10, Username: "olga"} }
func (f *fakeIntents) Backgrounded() bool        { return f.backgrounded }
func (f *fakeIntents) SetBackgrounded(b bool)    { f.backgrounded = b }
func (f *fakeIntents) TypingUsers() []string     { return []string{"ivan"} }
func (f *fakeIntents) StartCall() error          { return call.ErrCallInProgress }
func (f *fakeIntents) DeleteMessage(int64) error { return router.ErrUnknownMessage }
func (f *fakeIntents) Keystroke() error {
	f.keystrokes++
	return nil
}
func (f *fakeIntents) Count(content string) router.Counter {
	n := len([]rune(content))
	return router.Counter{Length: n, Limit: router.MaxContent, Over: n > router.MaxContent}
}
func (f *fakeIntents) SendMessage(content string, typ model.MessageType, _ string) error {
	if n := len([]rune(content)); n > router.MaxContent {
		return &router.ContentTooLongError{Length: n, Limit: router.MaxContent}
	}
	f.sent = append(f.sent, string(typ)+":"+content)
	return nil
}
func (f *fakeIntents) ToggleReaction(int64, string) error { return nil }

type fakeCalls struct{ muted bool }

func (f *fakeCalls) Snapshot() call.Snapshot { return call.Snapshot{State: call.Idle, Muted: f.muted} }
func (f *fakeCalls) AcceptCall() error       { return call.ErrNoIncomingCall }
func (f *fakeCalls) RejectCall() error       { return call.ErrNoIncomingCall }
func (f *fakeCalls) Hangup()                 {}
func (f *fakeCalls) SetMuted(m bool) error {
	f.muted = m
	return nil
}

type fakeLog struct{ filter store.CallFilter }

func (f *fakeLog) CountMissed(context.Context, time.Time) (int, error) { return 3, nil }

func (f *fakeLog) ListCalls(_ context.Context, filter store.CallFilter) ([]model.CallRecord, error) {
	f.filter = filter
	return []model.CallRecord{{ID: "c1", Outcome: model.OutcomeMissed}}, nil
}

type harness struct {
	runner  *fakeRunner
	chats   *fakeChats
	intents *fakeIntents
	calls   *fakeCalls
	log     *fakeLog
	bus     *bus.Bus
	svc     *Service
	client  *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		runner:  &fakeRunner{},
		chats:   &fakeChats{},
		intents: &fakeIntents{},
		calls:   &fakeCalls{},
		log:     &fakeLog{},
		bus:     bus.New(),
	}
	h.svc = NewService(Deps{
		Profile: "main",
		Runner:  h.runner,
		Chats:   h.chats,
		Intents: h.intents,
		Calls:   h.calls,
		CallLog: h.log,
		Bus:     h.bus,
	})
	// Short path for the Unix socket length limit on macOS.
	dir, err := os.MkdirTemp("/tmp", "beegram-ctl-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "daemon.sock")
	srv, err := NewServer(socket, h.svc, nil)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() {
		h.svc.Shutdown()
		srv.Stop(context.Background())
	})

	h.client, err = Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.client.Close() })
	return h
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	if got := grpcstatus.Code(err); got != code {
		t.Errorf("code = %s (%v), want %s", got, err, code)
	}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	h.chats.active = 1

	resp, err := h.client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Profile != "main" || resp.State != "CONNECTED" || resp.Reconnects != 2 {
		t.Errorf("status = %+v", resp)
	}
	if resp.Self.ID != 10 || resp.ActiveChatID != 1 || resp.Call.State != call.Idle || resp.MissedCalls != 3 {
		t.Errorf("status = %+v", resp)
	}
}

func TestChatFlow(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	chats, err := h.client.ListChats(ctx)
	if err != nil || len(chats.Chats) != 1 {
		t.Fatalf("ListChats = %+v, %v", chats, err)
	}

	_, err = h.client.ListMessages(ctx)
	wantCode(t, err, codes.FailedPrecondition)

	wantCode(t, h.client.OpenChat(ctx, 99), codes.NotFound)
	if err := h.client.OpenChat(ctx, 1); err != nil {
		t.Fatal(err)
	}
	msgs, err := h.client.ListMessages(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if msgs.ChatID != 1 || len(msgs.Messages) != 1 || len(msgs.Typing) != 1 {
		t.Errorf("messages = %+v", msgs)
	}

	if err := h.client.Typing(ctx); err != nil || h.intents.keystrokes != 1 {
		t.Errorf("Typing: err %v, keystrokes %d", err, h.intents.keystrokes)
	}
	if err := h.client.CloseChat(ctx); err != nil || !h.chats.closed {
		t.Errorf("CloseChat: err %v, closed %v", err, h.chats.closed)
	}
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	resp, err := h.client.SendMessage(ctx, &SendMessageRequest{Content: "hey"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Counter.Length != 3 || resp.Counter.Over {
		t.Errorf("counter = %+v", resp.Counter)
	}
	if len(h.intents.sent) != 1 || h.intents.sent[0] != "text:hey" {
		t.Errorf("sent = %v", h.intents.sent)
	}
}

func TestOverLimitDraft(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	draft := strings.Repeat("ж", 501)

	_, err := h.client.SendMessage(ctx, &SendMessageRequest{Content: draft})
	wantCode(t, err, codes.InvalidArgument)
	if len(h.intents.sent) != 0 {
		t.Errorf("rejected message was sent: %v", h.intents.sent)
	}

	c, err := h.client.CountContent(ctx, draft)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Over || c.Length != 501 || c.Limit != 500 {
		t.Errorf("counter = %+v, want 501/500 over", c)
	}
}

func TestIntentErrors(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	wantCode(t, h.client.DeleteMessage(ctx, 7), codes.NotFound)
	_, err := h.client.StartCall(ctx)
	wantCode(t, err, codes.AlreadyExists)
	_, err = h.client.AcceptCall(ctx)
	wantCode(t, err, codes.FailedPrecondition)

	resp, err := h.client.SetMuted(ctx, true)
	if err != nil || !resp.Call.Muted {
		t.Errorf("SetMuted = %+v, %v", resp, err)
	}
	if err := h.client.SetBackgrounded(ctx, true); err != nil || !h.intents.backgrounded {
		t.Errorf("SetBackgrounded: %v", err)
	}
}

func TestLoopNotRunning(t *testing.T) {
	h := newHarness(t)
	h.runner.err = core.ErrNotStarted
	_, err := h.client.ListChats(testCtx(t))
	wantCode(t, err, codes.Unavailable)
}

func TestCreateChat(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	_, err := h.client.CreateChat(ctx, &CreateChatRequest{})
	wantCode(t, err, codes.InvalidArgument)

	resp, err := h.client.CreateChat(ctx, &CreateChatRequest{IsGroup: true, Name: "team", Members: []int64{3}, Open: true})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ChatID != 42 || h.chats.active != 42 {
		t.Errorf("chat id %d, active %d", resp.ChatID, h.chats.active)
	}
	if h.runner.created.Name != "team" {
		t.Errorf("request = %+v", h.runner.created)
	}

	users, err := h.client.SearchUsers(ctx, "iv")
	if err != nil || len(users.Users) != 1 || users.Users[0].Username != "iv" {
		t.Errorf("SearchUsers = %+v, %v", users, err)
	}
}

func TestListCalls(t *testing.T) {
	h := newHarness(t)
	resp, err := h.client.ListCalls(testCtx(t), &ListCallsRequest{PeerUserID: 20, Limit: 5})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Calls) != 1 || resp.Calls[0].Outcome != model.OutcomeMissed {
		t.Errorf("calls = %+v", resp.Calls)
	}
	if h.log.filter.PeerUserID != 20 || h.log.filter.Limit != 5 {
		t.Errorf("filter = %+v", h.log.filter)
	}
}

func TestWatchEvents(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)

	stream, err := h.client.WatchEvents(ctx, "call.")
	if err != nil {
		t.Fatal(err)
	}
	// The subscription is made server side after the request arrives.
	go func() {
		for range 50 {
			h.bus.Emit(bus.ChatOpened, chat.Opened{})
			h.bus.Emit(bus.CallIncoming, call.IncomingCall{SessionID: "s1", PeerUserID: 20, ChatID: 1})
			time.Sleep(20 * time.Millisecond)
		}
	}()

	evt, err := stream.Recv()
	if err != nil {
		t.Fatal(err)
	}
	if evt.Kind != bus.CallIncoming || evt.Profile != "main" || evt.ID == "" {
		t.Errorf("event = %+v", evt)
	}
	if len(evt.Payload) == 0 {
		t.Error("payload missing")
	}

	h.svc.Shutdown()
	for {
		if _, err := stream.Recv(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.Errorf("stream ended with %v, want EOF", err)
			}
			break
		}
	}
}

func TestBackendCodes(t *testing.T) {
	cases := map[int]codes.Code{
		400: codes.InvalidArgument,
		401: codes.Unauthenticated,
		403: codes.PermissionDenied,
		404: codes.NotFound,
		200: codes.FailedPrecondition,
		502: codes.Unavailable,
		418: codes.Unknown,
	}
	for httpStatus, want := range cases {
		err := toStatus(&backend.Error{Status: httpStatus, Message: "x"})
		if got := grpcstatus.Code(err); got != want {
			t.Errorf("status %d → %s, want %s", httpStatus, got, want)
		}
	}
	if toStatus(nil) != nil {
		t.Error("nil should stay nil")
	}
	wantCode(t, toStatus(context.DeadlineExceeded), codes.DeadlineExceeded)
	wantCode(t, toStatus(errors.New("boom")), codes.Internal)
}
