package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "streakchat.v1.Conversations"

// Method names.
const (
	MethodOpenConversation  = "OpenConversation"
	MethodCloseConversation = "CloseConversation"
	MethodListConversations = "ListConversations"
	MethodSendText          = "SendText"
	MethodSendCard          = "SendCard"
	MethodRetry             = "Retry"
	MethodDiscard           = "Discard"
	MethodListMessages      = "ListMessages"
	MethodListFailed        = "ListFailed"
	MethodAddReaction       = "AddReaction"
	MethodRemoveReaction    = "RemoveReaction"
	MethodSetTyping         = "SetTyping"
	MethodListTypists       = "ListTypists"
	MethodListPresence      = "ListPresence"
	MethodConnectionStatus  = "ConnectionStatus"
	MethodBackfill          = "Backfill"
	MethodLogout            = "Logout"
	MethodWatchEvents       = "WatchEvents"
)

// FullMethod returns the gRPC path of a method.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ConversationsServer is the handler type of the service descriptor.
type ConversationsServer interface {
	OpenConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(*Service, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Service)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the Conversations service. Requests and responses are
// google.protobuf.Struct values shaped by the views in this package.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConversationsServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodOpenConversation, (*Service).OpenConversation),
		unary(MethodCloseConversation, (*Service).CloseConversation),
		unary(MethodListConversations, (*Service).ListConversations),
		unary(MethodSendText, (*Service).SendText),
		unary(MethodSendCard, (*Service).SendCard),
		unary(MethodRetry, (*Service).Retry),
		unary(MethodDiscard, (*Service).Discard),
		unary(MethodListMessages, (*Service).ListMessages),
		unary(MethodListFailed, (*Service).ListFailed),
		unary(MethodAddReaction, (*Service).AddReaction),
		unary(MethodRemoveReaction, (*Service).RemoveReaction),
		unary(MethodSetTyping, (*Service).SetTyping),
		unary(MethodListTypists, (*Service).ListTypists),
		unary(MethodListPresence, (*Service).ListPresence),
		unary(MethodConnectionStatus, (*Service).ConnectionStatus),
		unary(MethodBackfill, (*Service).Backfill),
		unary(MethodLogout, (*Service).Logout),
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
				return srv.(*Service).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "streakchat/v1/conversations.proto",
}

// Register adds the service to s.
func Register(s *grpc.Server, svc *Service) {
	s.RegisterService(&ServiceDesc, svc)
}
