package api

import (
	"context"

	"github.com/carelane/portalchat/internal/account"
	"github.com/carelane/portalchat/internal/device"
	"github.com/carelane/portalchat/internal/rpc"
)

// PromptAnswerer resolves permission prompts raised by the device manager.
type PromptAnswerer interface {
	Pending() (string, bool)
	Answer(granted bool) error
}

// DeviceService exposes notification permission and push registration.
type DeviceService struct {
	devices  *device.Manager
	prompts  PromptAnswerer
	accounts *account.Lifecycle
}

func NewDeviceService(devices *device.Manager, prompts PromptAnswerer, accounts *account.Lifecycle) *DeviceService {
	return &DeviceService{devices: devices, prompts: prompts, accounts: accounts}
}

func (s *DeviceService) GetPermission(_ context.Context, _ *rpc.Empty) (*rpc.PermissionResponse, error) {
	return s.permission(), nil
}

// RequestPermission blocks until a window answers the prompt when the
// permission is still undecided.
func (s *DeviceService) RequestPermission(ctx context.Context, _ *rpc.Empty) (*rpc.PermissionResponse, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("request permission", err)
	}
	if _, err := s.devices.RequestPermission(ctx, sess.UserID); err != nil {
		return nil, toStatus("request permission", err)
	}
	return s.permission(), nil
}

func (s *DeviceService) AnswerPrompt(_ context.Context, req *rpc.AnswerPromptRequest) (*rpc.Empty, error) {
	if err := s.prompts.Answer(req.Granted); err != nil {
		return nil, toStatus("answer prompt", err)
	}
	return &rpc.Empty{}, nil
}

func (s *DeviceService) Enable(ctx context.Context, _ *rpc.Empty) (*rpc.PermissionResponse, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("enable notifications", err)
	}
	if _, err := s.devices.Enable(ctx, sess.UserID); err != nil {
		return nil, toStatus("enable notifications", err)
	}
	return s.permission(), nil
}

func (s *DeviceService) Disable(ctx context.Context, _ *rpc.Empty) (*rpc.PermissionResponse, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("disable notifications", err)
	}
	if err := s.devices.Disable(ctx, sess.UserID); err != nil {
		return nil, toStatus("disable notifications", err)
	}
	return s.permission(), nil
}

func (s *DeviceService) permission() *rpc.PermissionResponse {
	resp := &rpc.PermissionResponse{
		Supported:  s.devices.Supported(),
		Permission: string(s.devices.Permission()),
	}
	_, resp.PromptPending = s.prompts.Pending()
	if sess := s.accounts.Current(); sess != nil {
		if tok, err := s.devices.ActiveToken(sess.UserID); err == nil {
			resp.Token = tok
		}
	}
	return resp
}
