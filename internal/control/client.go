package control

import (
	"context"
	"fmt"

	"github.com/beegramm/beegram/internal/router"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client talks to a daemon's control socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's Unix domain socket. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c, "Status", &Empty{})
}

func (c *Client) ListChats(ctx context.Context) (*ListChatsResponse, error) {
	return invoke[ListChatsResponse](ctx, c, "ListChats", &Empty{})
}

func (c *Client) OpenChat(ctx context.Context, chatID int64) error {
	_, err := invoke[Empty](ctx, c, "OpenChat", &ChatRequest{ChatID: chatID})
	return err
}

func (c *Client) CloseChat(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "CloseChat", &Empty{})
	return err
}

func (c *Client) ListMessages(ctx context.Context) (*ListMessagesResponse, error) {
	return invoke[ListMessagesResponse](ctx, c, "ListMessages", &Empty{})
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	return invoke[SendMessageResponse](ctx, c, "SendMessage", req)
}

// CountContent measures a draft against the local user's length limit.
func (c *Client) CountContent(ctx context.Context, content string) (router.Counter, error) {
	resp, err := invoke[CountContentResponse](ctx, c, "CountContent", &CountContentRequest{Content: content})
	if err != nil {
		return router.Counter{}, err
	}
	return resp.Counter, nil
}

func (c *Client) React(ctx context.Context, messageID int64, emoji string) error {
	_, err := invoke[Empty](ctx, c, "React", &ReactRequest{MessageID: messageID, Emoji: emoji})
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	_, err := invoke[Empty](ctx, c, "DeleteMessage", &MessageRequest{MessageID: messageID})
	return err
}

func (c *Client) Typing(ctx context.Context) error {
	_, err := invoke[Empty](ctx, c, "Typing", &Empty{})
	return err
}

func (c *Client) SetBackgrounded(ctx context.Context, backgrounded bool) error {
	_, err := invoke[Empty](ctx, c, "SetBackgrounded", &SetBackgroundedRequest{Backgrounded: backgrounded})
	return err
}

func (c *Client) CreateChat(ctx context.Context, req *CreateChatRequest) (*CreateChatResponse, error) {
	return invoke[CreateChatResponse](ctx, c, "CreateChat", req)
}

func (c *Client) SearchUsers(ctx context.Context, query string) (*SearchUsersResponse, error) {
	return invoke[SearchUsersResponse](ctx, c, "SearchUsers", &SearchUsersRequest{Query: query})
}

func (c *Client) StartCall(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c, "StartCall", &Empty{})
}

func (c *Client) AcceptCall(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c, "AcceptCall", &Empty{})
}

func (c *Client) RejectCall(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c, "RejectCall", &Empty{})
}

func (c *Client) Hangup(ctx context.Context) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c, "Hangup", &Empty{})
}

func (c *Client) SetMuted(ctx context.Context, muted bool) (*CallResponse, error) {
	return invoke[CallResponse](ctx, c, "SetMuted", &SetMutedRequest{Muted: muted})
}

func (c *Client) ListCalls(ctx context.Context, req *ListCallsRequest) (*ListCallsResponse, error) {
	return invoke[ListCallsResponse](ctx, c, "ListCalls", req)
}

// EventStream receives events from WatchEvents.
type EventStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next event.
func (s *EventStream) Recv() (*Event, error) {
	evt := new(Event)
	if err := s.stream.RecvMsg(evt); err != nil {
		return nil, err
	}
	return evt, nil
}

// WatchEvents streams bus events whose kind starts with prefix. Cancel ctx
// to stop.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (*EventStream, error) {
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/WatchEvents")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchEventsRequest{Prefix: prefix}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &EventStream{stream: stream}, nil
}
