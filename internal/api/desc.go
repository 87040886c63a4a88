package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.Engine"

// engineServer is the handler type checked by grpc.Server.RegisterService.
type engineServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	WatchEvents(*WatchRequest, grpc.ServerStream) error
}

func unary[Req, Resp any](name string, call func(*Service, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*engineServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", (*Service).Status),
		unary("Connect", (*Service).Connect),
		unary("Disconnect", (*Service).Disconnect),
		unary("ListConversations", (*Service).ListConversations),
		unary("CreateConversation", (*Service).CreateConversation),
		unary("GetMessages", (*Service).GetMessages),
		unary("SendMessage", (*Service).SendMessage),
		unary("RetryMessage", (*Service).RetryMessage),
		unary("DiscardMessage", (*Service).DiscardMessage),
		unary("MarkConversationRead", (*Service).MarkConversationRead),
		unary("Join", (*Service).Join),
		unary("SetTyping", (*Service).SetTyping),
		unary("GetTyping", (*Service).GetTyping),
		unary("ListNotifications", (*Service).ListNotifications),
		unary("GetUnreadCount", (*Service).GetUnreadCount),
		unary("MarkNotificationsRead", (*Service).MarkNotificationsRead),
		unary("MarkAllNotificationsRead", (*Service).MarkAllNotificationsRead),
		unary("GetPreferences", (*Service).GetPreferences),
		unary("UpdatePreferences", (*Service).UpdatePreferences),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(WatchRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Service).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "chatsync/v1/engine",
}

// Register adds the service to a gRPC server.
func Register(srv *grpc.Server, s *Service) {
	srv.RegisterService(&serviceDesc, s)
}
