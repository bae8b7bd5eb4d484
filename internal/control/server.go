package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/beegramm/beegram/internal/backend"
	"github.com/beegramm/beegram/internal/bus"
	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/model"
	"github.com/beegramm/beegram/internal/router"
	"github.com/beegramm/beegram/internal/status"
	"github.com/beegramm/beegram/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Runner executes closures on the client's event loop.
type Runner interface {
	Do(ctx context.Context, fn func()) error
	Status() status.State
	Reconnects() int
	CreateChat(ctx context.Context, req backend.CreateChatRequest) (int64, error)
	SearchUsers(ctx context.Context, query string) ([]model.User, error)
}

// Chats is the chat session state. Only touched inside Runner.Do.
type Chats interface {
	Chats() []model.ChatSummary
	ActiveChatID() int64
	Loading() bool
	Messages() []model.Message
	OpenChatID(id int64) error
	CloseChat()
}

// Intents is the router. Only touched inside Runner.Do.
type Intents interface {
	Self() model.User
	Backgrounded() bool
	SetBackgrounded(bool)
	Count(content string) router.Counter
	SendMessage(content string, typ model.MessageType, fileURL string) error
	ToggleReaction(messageID int64, emoji string) error
	DeleteMessage(messageID int64) error
	Keystroke() error
	TypingUsers() []string
	StartCall() error
}

// Calls is the call machine. Only touched inside Runner.Do.
type Calls interface {
	Snapshot() call.Snapshot
	AcceptCall() error
	RejectCall() error
	Hangup()
	SetMuted(bool) error
}

// CallLog lists recorded calls.
type CallLog interface {
	ListCalls(ctx context.Context, f store.CallFilter) ([]model.CallRecord, error)
	CountMissed(ctx context.Context, since time.Time) (int, error)
}

// Deps groups what the service drives.
type Deps struct {
	Profile string
	Runner  Runner
	Chats   Chats
	Intents Intents
	Calls   Calls
	CallLog CallLog // optional
	Bus     *bus.Bus
	Logger  *zap.Logger
}

// Service implements ControlServer over a running client.
type Service struct {
	d         Deps
	logger    *zap.Logger
	startedAt time.Time
	closing   chan struct{}
	closeOnce sync.Once
}

var _ ControlServer = (*Service)(nil)

// NewService creates the control service.
func NewService(d Deps) *Service {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		d:         d,
		logger:    logger.Named("control"),
		startedAt: time.Now(),
		closing:   make(chan struct{}),
	}
}

// Shutdown ends every WatchEvents stream so a graceful stop can finish.
func (s *Service) Shutdown() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// do runs fn on the loop and converts both the loop error and fn's error.
func (s *Service) do(ctx context.Context, fn func() error) error {
	var inner error
	if err := s.d.Runner.Do(ctx, func() { inner = fn() }); err != nil {
		return toStatus(err)
	}
	return toStatus(inner)
}

func (s *Service) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Profile:    s.d.Profile,
		State:      string(s.d.Runner.Status()),
		Reconnects: s.d.Runner.Reconnects(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
	}
	err := s.do(ctx, func() error {
		resp.Self = s.d.Intents.Self()
		resp.ActiveChatID = s.d.Chats.ActiveChatID()
		resp.Backgrounded = s.d.Intents.Backgrounded()
		resp.Call = s.d.Calls.Snapshot()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if s.d.CallLog != nil {
		n, err := s.d.CallLog.CountMissed(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			return nil, toStatus(err)
		}
		resp.MissedCalls = n
	}
	return resp, nil
}

func (s *Service) ListChats(ctx context.Context, _ *Empty) (*ListChatsResponse, error) {
	resp := &ListChatsResponse{}
	if err := s.do(ctx, func() error { resp.Chats = s.d.Chats.Chats(); return nil }); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) OpenChat(ctx context.Context, req *ChatRequest) (*Empty, error) {
	if err := s.do(ctx, func() error { return s.d.Chats.OpenChatID(req.ChatID) }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) CloseChat(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.do(ctx, func() error { s.d.Chats.CloseChat(); return nil }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) ListMessages(ctx context.Context, _ *Empty) (*ListMessagesResponse, error) {
	resp := &ListMessagesResponse{}
	err := s.do(ctx, func() error {
		resp.ChatID = s.d.Chats.ActiveChatID()
		if resp.ChatID == 0 {
			return router.ErrNoActiveChat
		}
		resp.Loading = s.d.Chats.Loading()
		resp.Messages = s.d.Chats.Messages()
		resp.Typing = s.d.Intents.TypingUsers()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	typ := req.Type
	if typ == "" {
		typ = model.TypeText
	}
	resp := &SendMessageResponse{}
	err := s.do(ctx, func() error {
		resp.Counter = s.d.Intents.Count(req.Content)
		return s.d.Intents.SendMessage(req.Content, typ, req.FileURL)
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) CountContent(ctx context.Context, req *CountContentRequest) (*CountContentResponse, error) {
	resp := &CountContentResponse{}
	if err := s.do(ctx, func() error { resp.Counter = s.d.Intents.Count(req.Content); return nil }); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) React(ctx context.Context, req *ReactRequest) (*Empty, error) {
	if err := s.do(ctx, func() error { return s.d.Intents.ToggleReaction(req.MessageID, req.Emoji) }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) DeleteMessage(ctx context.Context, req *MessageRequest) (*Empty, error) {
	if err := s.do(ctx, func() error { return s.d.Intents.DeleteMessage(req.MessageID) }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) Typing(ctx context.Context, _ *Empty) (*Empty, error) {
	if err := s.do(ctx, s.d.Intents.Keystroke); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) SetBackgrounded(ctx context.Context, req *SetBackgroundedRequest) (*Empty, error) {
	if err := s.do(ctx, func() error { s.d.Intents.SetBackgrounded(req.Backgrounded); return nil }); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *Service) CreateChat(ctx context.Context, req *CreateChatRequest) (*CreateChatResponse, error) {
	id, err := s.d.Runner.CreateChat(ctx, backend.CreateChatRequest{
		IsGroup:     req.IsGroup,
		IsChannel:   req.IsChannel,
		Name:        req.Name,
		Description: req.Description,
		Members:     req.Members,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	// The refreshed list may not have arrived yet, so opening can miss.
	if req.Open {
		if err := s.do(ctx, func() error { return s.d.Chats.OpenChatID(id) }); err != nil {
			s.logger.Debug("open new chat", zap.Int64("chat_id", id), zap.Error(err))
		}
	}
	return &CreateChatResponse{ChatID: id}, nil
}

func (s *Service) SearchUsers(ctx context.Context, req *SearchUsersRequest) (*SearchUsersResponse, error) {
	users, err := s.d.Runner.SearchUsers(ctx, req.Query)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SearchUsersResponse{Users: users}, nil
}

func (s *Service) callOp(ctx context.Context, fn func() error) (*CallResponse, error) {
	resp := &CallResponse{}
	err := s.do(ctx, func() error {
		err := fn()
		resp.Call = s.d.Calls.Snapshot()
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) StartCall(ctx context.Context, _ *Empty) (*CallResponse, error) {
	return s.callOp(ctx, s.d.Intents.StartCall)
}

func (s *Service) AcceptCall(ctx context.Context, _ *Empty) (*CallResponse, error) {
	return s.callOp(ctx, s.d.Calls.AcceptCall)
}

func (s *Service) RejectCall(ctx context.Context, _ *Empty) (*CallResponse, error) {
	return s.callOp(ctx, s.d.Calls.RejectCall)
}

func (s *Service) Hangup(ctx context.Context, _ *Empty) (*CallResponse, error) {
	return s.callOp(ctx, func() error { s.d.Calls.Hangup(); return nil })
}

func (s *Service) SetMuted(ctx context.Context, req *SetMutedRequest) (*CallResponse, error) {
	return s.callOp(ctx, func() error { return s.d.Calls.SetMuted(req.Muted) })
}

func (s *Service) ListCalls(ctx context.Context, req *ListCallsRequest) (*ListCallsResponse, error) {
	if s.d.CallLog == nil {
		return &ListCallsResponse{}, nil
	}
	calls, err := s.d.CallLog.ListCalls(ctx, store.CallFilter{
		PeerUserID: req.PeerUserID,
		Outcome:    req.Outcome,
		Limit:      req.Limit,
		Offset:     req.Offset,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListCallsResponse{Calls: calls}, nil
}

// WatchEvents streams bus events until the client goes away.
func (s *Service) WatchEvents(req *WatchEventsRequest, stream grpc.ServerStream) error {
	ch, unsub := s.d.Bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Warn("event not encodable", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(&Event{
				ID:               uuid.New().String(),
				Profile:          s.d.Profile,
				Kind:             evt.Kind,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Payload:          payload,
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		case <-s.closing:
			return nil
		}
	}
}

// Server serves the control service on a unix socket.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds socketPath, replacing a stale socket, and registers srv.
func NewServer(socketPath string, srv ControlServer, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	gs := grpc.NewServer()
	Register(gs, srv)
	return &Server{
		grpcServer: gs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start serves requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("control server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop drains in-flight calls, forcing them closed if ctx ends first, and
// removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("control server stopping")
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
	_ = os.Remove(s.socketPath)
}
