package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const ConversationServiceName = "portal.v1.ConversationService"

type ConversationServer interface {
	List(context.Context, *ListConversationsRequest) (*ListConversationsResponse, error)
	Messages(context.Context, *MessagesRequest) (*MessagesResponse, error)
	Select(context.Context, *SelectRequest) (*Empty, error)
	Send(context.Context, *SendRequest) (*MessageResponse, error)
	Retry(context.Context, *RetryRequest) (*MessageResponse, error)
	Refresh(context.Context, *Empty) (*Empty, error)
}

func RegisterConversationServer(s grpc.ServiceRegistrar, srv ConversationServer) {
	s.RegisterService(&conversationDesc, srv)
}

var conversationDesc = grpc.ServiceDesc{
	ServiceName: ConversationServiceName,
	HandlerType: (*ConversationServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(ConversationServiceName, "List", ConversationServer.List),
		unary(ConversationServiceName, "Messages", ConversationServer.Messages),
		unary(ConversationServiceName, "Select", ConversationServer.Select),
		unary(ConversationServiceName, "Send", ConversationServer.Send),
		unary(ConversationServiceName, "Retry", ConversationServer.Retry),
		unary(ConversationServiceName, "Refresh", ConversationServer.Refresh),
	},
	Metadata: "portal/v1/conversation",
}

type ConversationClient struct {
	cc grpc.ClientConnInterface
}

func NewConversationClient(cc grpc.ClientConnInterface) *ConversationClient {
	return &ConversationClient{cc: cc}
}

func (c *ConversationClient) List(ctx context.Context, in *ListConversationsRequest, opts ...grpc.CallOption) (*ListConversationsResponse, error) {
	return invoke[ListConversationsResponse](ctx, c.cc, "/"+ConversationServiceName+"/List", in, opts)
}

func (c *ConversationClient) Messages(ctx context.Context, in *MessagesRequest, opts ...grpc.CallOption) (*MessagesResponse, error) {
	return invoke[MessagesResponse](ctx, c.cc, "/"+ConversationServiceName+"/Messages", in, opts)
}

func (c *ConversationClient) Select(ctx context.Context, in *SelectRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+ConversationServiceName+"/Select", in, opts)
}

func (c *ConversationClient) Send(ctx context.Context, in *SendRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.cc, "/"+ConversationServiceName+"/Send", in, opts)
}

func (c *ConversationClient) Retry(ctx context.Context, in *RetryRequest, opts ...grpc.CallOption) (*MessageResponse, error) {
	return invoke[MessageResponse](ctx, c.cc, "/"+ConversationServiceName+"/Retry", in, opts)
}

func (c *ConversationClient) Refresh(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+ConversationServiceName+"/Refresh", in, opts)
}
