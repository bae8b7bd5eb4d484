package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/beegramm/beegram/internal/config"
	"github.com/beegramm/beegram/internal/control"
	"github.com/beegramm/beegram/internal/lock"
	"github.com/beegramm/beegram/internal/profile"
	"github.com/beegramm/beegram/internal/socketio"
	"github.com/beegramm/beegram/internal/socketio/sockettest"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// newChatServer answers login and the chat list and holds websockets open.
func newChatServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
		_, _ = w.Write([]byte(`{"success":true,"user":{"id":10,"username":"olga"}}`))
	})
	mux.HandleFunc("GET /chats/list", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chats":[{"id":1,"name":"ivan","is_group":0,"is_channel":0,"unread_count":2}]}`))
	})
	mux.HandleFunc(socketio.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := sockettest.Accept(w, r, socketio.OpenInfo{})
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the 104-char Unix socket limit on macOS.
	home, err := os.MkdirTemp("/tmp", "beegram-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(home) }()
	t.Setenv("BEEGRAM_HOME", home)

	srv := newChatServer(t)
	cfg := config.DefaultClient()
	cfg.ServerURL = srv.URL
	cfg.Username, cfg.Password = "olga", "pw"
	cfg.Calls.Microphone = false
	cfg.Calls.ICEServers = nil
	cfg.MetricsAddr = "127.0.0.1:0"
	if err := config.Save(profile.ClientConfigPath("test"), cfg); err != nil {
		t.Fatal(err)
	}

	socketPath := filepath.Join(home, "d.sock")
	app := fxtest.New(t,
		Module(Params{Profile: "test", SocketPath: socketPath}),
		fx.NopLogger,
	)
	app.RequireStart()

	if pid := lock.Owner(profile.Dir("test")); pid != os.Getpid() {
		t.Errorf("lock owner = %d, want %d", pid, os.Getpid())
	}

	c, err := control.Dial(socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var st *control.StatusResponse
	for {
		st, err = c.Status(ctx)
		if err == nil && st.State == "CONNECTED" {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("daemon never connected: %+v, %v", st, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if st.Profile != "test" || st.Self.Username != "olga" {
		t.Errorf("status = %+v", st)
	}

	for {
		chats, err := c.ListChats(ctx)
		if err == nil && len(chats.Chats) == 1 {
			break
		}
		if ctx.Err() != nil {
			t.Fatalf("chat list never loaded: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	calls, err := c.ListCalls(ctx, &control.ListCallsRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if len(calls.Calls) != 0 {
		t.Errorf("fresh call log has %d entries", len(calls.Calls))
	}

	app.RequireStop()

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("socket left behind: %v", err)
	}
	if pid := lock.Owner(profile.Dir("test")); pid != 0 {
		t.Errorf("lock still held by %d", pid)
	}
	if _, err := os.Stat(profile.CallLogPath("test")); err != nil {
		t.Errorf("call log not created: %v", err)
	}
}

func TestSecondDaemonRefused(t *testing.T) {
	home := t.TempDir()
	t.Setenv("BEEGRAM_HOME", home)
	if err := profile.EnsureDir("busy"); err != nil {
		t.Fatal(err)
	}
	lk, err := lock.Acquire(profile.Dir("busy"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	srv := newChatServer(t)
	cfg := config.DefaultClient()
	cfg.ServerURL = srv.URL
	cfg.Username, cfg.Password = "olga", "pw"
	if err := config.Save(profile.ClientConfigPath("busy"), cfg); err != nil {
		t.Fatal(err)
	}

	app := fx.New(
		Module(Params{Profile: "busy", SocketPath: filepath.Join(home, "x.sock")}),
		fx.NopLogger,
	)
	err = app.Err()
	if err == nil {
		t.Fatal("second daemon should fail to build")
	}
	if !strings.Contains(err.Error(), "profile in use") {
		t.Errorf("error = %v, want the lock to be refused", err)
	}
}
