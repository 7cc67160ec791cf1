package api

import (
	"context"
	"errors"

	"github.com/carelane/portalchat/internal/account"
	"github.com/carelane/portalchat/internal/channel"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/device"
	"github.com/carelane/portalchat/internal/portalapi"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes so clients can tell a missing
// login from a dropped connection.
func toStatus(op string, err error) error {
	if err == nil {
		return nil
	}
	var code codes.Code
	switch {
	case errors.Is(err, account.ErrNotLoggedIn), errors.Is(err, device.ErrNotAuthenticated):
		code = codes.FailedPrecondition
	case errors.Is(err, channel.ErrAuthRejected), errors.Is(err, portalapi.ErrUnauthorized):
		code = codes.Unauthenticated
	case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrRetryExhausted):
		code = codes.Unavailable
	case errors.Is(err, device.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, device.ErrUnsupported):
		code = codes.Unimplemented
	case errors.Is(err, conversation.ErrUnknownMessage):
		code = codes.NotFound
	case errors.Is(err, conversation.ErrNotRetryable), errors.Is(err, device.ErrNoPrompt):
		code = codes.FailedPrecondition
	case errors.Is(err, conversation.ErrEmptyMessage):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
