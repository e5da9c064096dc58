// Package api exposes the daemon over gRPC. Requests and responses are
// google.protobuf.Struct documents, so the service needs no generated code.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatsync.v1.ChatSync"

// Method names.
const (
	MethodGetStatus         = "GetStatus"
	MethodOpenConversation  = "OpenConversation"
	MethodCloseConversation = "CloseConversation"
	MethodListMessages      = "ListMessages"
	MethodLoadMore          = "LoadMore"
	MethodRefresh           = "Refresh"
	MethodSendText          = "SendText"
	MethodSendMedia         = "SendMedia"
	MethodRetry             = "Retry"
	MethodDelete            = "Delete"
	MethodDownload          = "Download"
	MethodInputChanged      = "InputChanged"
	MethodBackground        = "Background"
	MethodReconnect         = "Reconnect"
	MethodWatchEvents       = "WatchEvents"
)

// ChatSyncServer is the server API of the ChatSync service.
type ChatSyncServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadMore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMedia(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Retry(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Download(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InputChanged(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Background(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconnect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(ChatSyncServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(ChatSyncServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the ChatSync service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, ChatSyncServer.GetStatus),
		unary(MethodOpenConversation, ChatSyncServer.OpenConversation),
		unary(MethodCloseConversation, ChatSyncServer.CloseConversation),
		unary(MethodListMessages, ChatSyncServer.ListMessages),
		unary(MethodLoadMore, ChatSyncServer.LoadMore),
		unary(MethodRefresh, ChatSyncServer.Refresh),
		unary(MethodSendText, ChatSyncServer.SendText),
		unary(MethodSendMedia, ChatSyncServer.SendMedia),
		unary(MethodRetry, ChatSyncServer.Retry),
		unary(MethodDelete, ChatSyncServer.Delete),
		unary(MethodDownload, ChatSyncServer.Download),
		unary(MethodInputChanged, ChatSyncServer.InputChanged),
		unary(MethodBackground, ChatSyncServer.Background),
		unary(MethodReconnect, ChatSyncServer.Reconnect),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatchEvents,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(ChatSyncServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "chatsync/v1/chatsync.proto",
}

// Register adds srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv ChatSyncServer) {
	s.RegisterService(&ServiceDesc, srv)
}
