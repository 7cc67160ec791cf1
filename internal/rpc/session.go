package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const SessionServiceName = "portal.v1.SessionService"

type SessionServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*StatusResponse, error)
	Login(context.Context, *LoginRequest) (*StatusResponse, error)
	Logout(context.Context, *Empty) (*LogoutResponse, error)
	SetForeground(context.Context, *SetForegroundRequest) (*Empty, error)
	TakeIntents(context.Context, *Empty) (*TakeIntentsResponse, error)
	WatchEvents(*WatchEventsRequest, grpc.ServerStreamingServer[Event]) error
}

func RegisterSessionServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&sessionDesc, srv)
}

var sessionDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SessionServiceName, "GetStatus", SessionServer.GetStatus),
		unary(SessionServiceName, "Login", SessionServer.Login),
		unary(SessionServiceName, "Logout", SessionServer.Logout),
		unary(SessionServiceName, "SetForeground", SessionServer.SetForeground),
		unary(SessionServiceName, "TakeIntents", SessionServer.TakeIntents),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "portal/v1/session",
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SessionServer).WatchEvents(in, &grpc.GenericServerStream[WatchEventsRequest, Event]{ServerStream: stream})
}

// SessionClient calls SessionService.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

func (c *SessionClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "/"+SessionServiceName+"/GetStatus", in, opts)
}

func (c *SessionClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, "/"+SessionServiceName+"/Login", in, opts)
}

func (c *SessionClient) Logout(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*LogoutResponse, error) {
	return invoke[LogoutResponse](ctx, c.cc, "/"+SessionServiceName+"/Logout", in, opts)
}

func (c *SessionClient) SetForeground(ctx context.Context, in *SetForegroundRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+SessionServiceName+"/SetForeground", in, opts)
}

func (c *SessionClient) TakeIntents(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*TakeIntentsResponse, error) {
	return invoke[TakeIntentsResponse](ctx, c.cc, "/"+SessionServiceName+"/TakeIntents", in, opts)
}

func (c *SessionClient) WatchEvents(ctx context.Context, in *WatchEventsRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[Event], error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &sessionDesc.Streams[0], "/"+SessionServiceName+"/WatchEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchEventsRequest, Event]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
