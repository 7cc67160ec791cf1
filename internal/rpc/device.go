package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const DeviceServiceName = "portal.v1.DeviceService"

type DeviceServer interface {
	GetPermission(context.Context, *Empty) (*PermissionResponse, error)
	RequestPermission(context.Context, *Empty) (*PermissionResponse, error)
	AnswerPrompt(context.Context, *AnswerPromptRequest) (*Empty, error)
	Enable(context.Context, *Empty) (*PermissionResponse, error)
	Disable(context.Context, *Empty) (*PermissionResponse, error)
}

func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceServer) {
	s.RegisterService(&deviceDesc, srv)
}

var deviceDesc = grpc.ServiceDesc{
	ServiceName: DeviceServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(DeviceServiceName, "GetPermission", DeviceServer.GetPermission),
		unary(DeviceServiceName, "RequestPermission", DeviceServer.RequestPermission),
		unary(DeviceServiceName, "AnswerPrompt", DeviceServer.AnswerPrompt),
		unary(DeviceServiceName, "Enable", DeviceServer.Enable),
		unary(DeviceServiceName, "Disable", DeviceServer.Disable),
	},
	Metadata: "portal/v1/device",
}

type DeviceClient struct {
	cc grpc.ClientConnInterface
}

func NewDeviceClient(cc grpc.ClientConnInterface) *DeviceClient {
	return &DeviceClient{cc: cc}
}

func (c *DeviceClient) GetPermission(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*PermissionResponse, error) {
	return invoke[PermissionResponse](ctx, c.cc, "/"+DeviceServiceName+"/GetPermission", in, opts)
}

func (c *DeviceClient) RequestPermission(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*PermissionResponse, error) {
	return invoke[PermissionResponse](ctx, c.cc, "/"+DeviceServiceName+"/RequestPermission", in, opts)
}

func (c *DeviceClient) AnswerPrompt(ctx context.Context, in *AnswerPromptRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, "/"+DeviceServiceName+"/AnswerPrompt", in, opts)
}

func (c *DeviceClient) Enable(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*PermissionResponse, error) {
	return invoke[PermissionResponse](ctx, c.cc, "/"+DeviceServiceName+"/Enable", in, opts)
}

func (c *DeviceClient) Disable(ctx context.Context, in *Empty, opts ...grpc.CallOption) (*PermissionResponse, error) {
	return invoke[PermissionResponse](ctx, c.cc, "/"+DeviceServiceName+"/Disable", in, opts)
}
