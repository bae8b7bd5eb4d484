package core

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beegramm/beegram/internal/config"
	"github.com/beegramm/beegram/internal/protocol"
	"github.com/beegramm/beegram/internal/socketio"
	"github.com/beegramm/beegram/internal/socketio/sockettest"
	"github.com/beegramm/beegram/internal/status"
)

// frame is one event the client emitted.
type frame struct {
	Event string
	Data  json.RawMessage
}

// chatServer serves the REST routes and the event socket the client needs.
type chatServer struct {
	srv      *httptest.Server
	frames   chan frame
	mu       sync.Mutex
	conn     *sockettest.Conn
	wsCookie string
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	cs := &chatServer{frames: make(chan frame, 32)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "s3cret"})
		_, _ = w.Write([]byte(`{"success":true,"user":{"id":10,"username":"olga","is_premium":1}}`))
	})
	mux.HandleFunc("GET /chats/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chats":[{"id":1,"name":"ivan","is_group":0,"is_channel":0,"other_user":{"id":20,"username":"ivan"},"unread_count":0}]}`))
	})
	mux.HandleFunc("GET /chats/1/messages", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[{"id":5,"chat_id":1,"user_id":20,"content":"hi","message_type":"text","reactions":[],"is_deleted":0,"created_at":"2025-01-01 10:00:00"}]}`))
	})
	mux.HandleFunc(socketio.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := sockettest.Accept(w, r, socketio.OpenInfo{})
		if err != nil {
			return
		}
		cs.mu.Lock()
		cs.conn = conn
		if ck, err := r.Cookie("session"); err == nil {
			cs.wsCookie = ck.Value
		}
		cs.mu.Unlock()
		for {
			event, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			cs.frames <- frame{Event: event, Data: data}
		}
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *chatServer) push(t *testing.T, event string, payload string) {
	t.Helper()
	cs.mu.Lock()
	conn := cs.conn
	cs.mu.Unlock()
	if err := conn.Emit(context.Background(), event, json.RawMessage(payload)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func (cs *chatServer) expect(t *testing.T, event string) frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-cs.frames:
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("no %s frame", event)
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func testConfig(url string) config.Client {
	cfg := config.DefaultClient()
	cfg.ServerURL = url
	cfg.Username, cfg.Password = "olga", "pw"
	cfg.Calls.Microphone = false
	cfg.Calls.ICEServers = nil
	return cfg
}

func TestClientEndToEnd(t *testing.T) {
	cs := newChatServer(t)
	ctx := context.Background()

	c, err := New(ctx, Options{Config: testConfig(cs.srv.URL)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop(ctx)

	eventually(t, "connected", func() bool { return c.Status() == status.Connected })
	cs.mu.Lock()
	cookie := cs.wsCookie
	cs.mu.Unlock()
	if cookie != "s3cret" {
		t.Errorf("handshake cookie = %q, want the login session", cookie)
	}

	eventually(t, "chat list", func() bool {
		n := 0
		_ = c.Do(ctx, func() { n = len(c.Chats().Chats()) })
		return n == 1
	})

	var openErr error
	if err := c.Do(ctx, func() { openErr = c.Chats().OpenChatID(1) }); err != nil || openErr != nil {
		t.Fatalf("open chat: %v %v", err, openErr)
	}
	join := cs.expect(t, protocol.JoinChat)
	if !strings.Contains(string(join.Data), `"chat_id":1`) {
		t.Errorf("join_chat data = %s", join.Data)
	}

	eventually(t, "history", func() bool {
		n := 0
		_ = c.Do(ctx, func() { n = len(c.Chats().Messages()) })
		return n == 1
	})

	cs.push(t, protocol.NewMessage, `{"id":6,"chat_id":1,"user_id":20,"content":"again","message_type":"text","reactions":[],"is_deleted":0,"created_at":"2025-01-01 10:01:00"}`)
	eventually(t, "pushed message", func() bool {
		n := 0
		_ = c.Do(ctx, func() { n = len(c.Chats().Messages()) })
		return n == 2
	})

	var sendErr error
	if err := c.Do(ctx, func() { sendErr = c.Router().SendText("  hello  ") }); err != nil || sendErr != nil {
		t.Fatalf("send: %v %v", err, sendErr)
	}
	sent := cs.expect(t, protocol.SendMessage)
	if !strings.Contains(string(sent.Data), `"content":"hello"`) {
		t.Errorf("send_message data = %s", sent.Data)
	}

	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if c.Status() != status.Closed {
		t.Errorf("status after stop = %s", c.Status())
	}
	if err := c.Do(ctx, func() {}); err != ErrNotStarted {
		t.Errorf("Do after stop = %v, want ErrNotStarted", err)
	}
}

func TestFirstDialFailureRetries(t *testing.T) {
	cs := newChatServer(t)
	cfg := testConfig(cs.srv.URL)
	cfg.WSPath = "/nowhere"
	cfg.Reconnect.Initial = config.Duration(10 * time.Millisecond)
	cfg.Reconnect.Max = config.Duration(20 * time.Millisecond)
	cfg.Reconnect.MaxElapsed = config.Duration(100 * time.Millisecond)
	ctx := context.Background()

	c, err := New(ctx, Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer c.Stop(ctx)

	eventually(t, "offline after giving up", func() bool { return c.Status() == status.Offline })
	if c.Reconnects() == 0 {
		t.Error("reconnecting was never entered")
	}
}

func TestLoginFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"success":false,"error":"Неверный логин или пароль"}`))
	}))
	defer srv.Close()

	_, err := New(context.Background(), Options{Config: testConfig(srv.URL)})
	if err == nil || !strings.Contains(err.Error(), "login") {
		t.Fatalf("New() error = %v, want login failure", err)
	}
}
