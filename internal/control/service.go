// Package control is the daemon's local gRPC surface. Messages are JSON
// encoded Go structs and the service description is written by hand.
package control

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "beegram.control.v1.Control"

// ControlServer is implemented by Service.
type ControlServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	ListChats(context.Context, *Empty) (*ListChatsResponse, error)
	OpenChat(context.Context, *ChatRequest) (*Empty, error)
	CloseChat(context.Context, *Empty) (*Empty, error)
	ListMessages(context.Context, *Empty) (*ListMessagesResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	CountContent(context.Context, *CountContentRequest) (*CountContentResponse, error)
	React(context.Context, *ReactRequest) (*Empty, error)
	DeleteMessage(context.Context, *MessageRequest) (*Empty, error)
	Typing(context.Context, *Empty) (*Empty, error)
	SetBackgrounded(context.Context, *SetBackgroundedRequest) (*Empty, error)
	CreateChat(context.Context, *CreateChatRequest) (*CreateChatResponse, error)
	SearchUsers(context.Context, *SearchUsersRequest) (*SearchUsersResponse, error)
	StartCall(context.Context, *Empty) (*CallResponse, error)
	AcceptCall(context.Context, *Empty) (*CallResponse, error)
	RejectCall(context.Context, *Empty) (*CallResponse, error)
	Hangup(context.Context, *Empty) (*CallResponse, error)
	SetMuted(context.Context, *SetMutedRequest) (*CallResponse, error)
	ListCalls(context.Context, *ListCallsRequest) (*ListCallsResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStream) error
}

func unary[Req, Resp any](name string, fn func(ControlServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(ControlServer), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", ControlServer.Status),
		unary("ListChats", ControlServer.ListChats),
		unary("OpenChat", ControlServer.OpenChat),
		unary("CloseChat", ControlServer.CloseChat),
		unary("ListMessages", ControlServer.ListMessages),
		unary("SendMessage", ControlServer.SendMessage),
		unary("CountContent", ControlServer.CountContent),
		unary("React", ControlServer.React),
		unary("DeleteMessage", ControlServer.DeleteMessage),
		unary("Typing", ControlServer.Typing),
		unary("SetBackgrounded", ControlServer.SetBackgrounded),
		unary("CreateChat", ControlServer.CreateChat),
		unary("SearchUsers", ControlServer.SearchUsers),
		unary("StartCall", ControlServer.StartCall),
		unary("AcceptCall", ControlServer.AcceptCall),
		unary("RejectCall", ControlServer.RejectCall),
		unary("Hangup", ControlServer.Hangup),
		unary("SetMuted", ControlServer.SetMuted),
		unary("ListCalls", ControlServer.ListCalls),
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "WatchEvents",
		ServerStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			in := new(WatchEventsRequest)
			if err := stream.RecvMsg(in); err != nil {
				return err
			}
			return srv.(ControlServer).WatchEvents(in, stream)
		},
	}},
	Metadata: "beegram/control/v1/control.json",
}

// Register adds the service to s.
func Register(s *grpc.Server, srv ControlServer) {
	s.RegisterService(&serviceDesc, srv)
}
