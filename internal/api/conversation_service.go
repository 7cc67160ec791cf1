package api

import (
	"context"

	"github.com/carelane/portalchat/internal/account"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/rpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// ConversationService exposes the signed-in user's conversation store.
type ConversationService struct {
	accounts *account.Lifecycle
}

func NewConversationService(accounts *account.Lifecycle) *ConversationService {
	return &ConversationService{accounts: accounts}
}

func (s *ConversationService) List(ctx context.Context, req *rpc.ListConversationsRequest) (*rpc.ListConversationsResponse, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	load := sess.Store.LoadConversations
	if req.Refresh {
		load = sess.Store.RefreshConversations
	}
	convs, err := load(ctx)
	if err != nil {
		return nil, toStatus("list conversations", err)
	}
	return &rpc.ListConversationsResponse{Conversations: convs}, nil
}

func (s *ConversationService) Messages(ctx context.Context, req *rpc.MessagesRequest) (*rpc.MessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	load := sess.Store.LoadMessages
	if req.Refresh {
		load = sess.Store.RefreshMessages
	}
	msgs, err := load(ctx, req.ConversationID)
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	return &rpc.MessagesResponse{Messages: msgs, Loaded: sess.Store.IsLoaded(req.ConversationID)}, nil
}

func (s *ConversationService) Select(_ context.Context, req *rpc.SelectRequest) (*rpc.Empty, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("select conversation", err)
	}
	sess.Store.SelectConversation(req.ConversationID)
	return &rpc.Empty{}, nil
}

func (s *ConversationService) Send(ctx context.Context, req *rpc.SendRequest) (*rpc.MessageResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation id is required")
	}
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("send message", err)
	}
	ct := conversation.ContentType(req.ContentType)
	if ct == "" {
		ct = conversation.Text
	}
	m, err := sess.Store.SendMessage(ctx, req.ConversationID, req.Content, ct)
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return &rpc.MessageResponse{Message: m}, nil
}

func (s *ConversationService) Retry(ctx context.Context, req *rpc.RetryRequest) (*rpc.MessageResponse, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	m, err := sess.Store.RetryMessage(ctx, req.ConversationID, req.ClientID)
	if err != nil {
		return nil, toStatus("retry message", err)
	}
	return &rpc.MessageResponse{Message: m}, nil
}

func (s *ConversationService) Refresh(ctx context.Context, _ *rpc.Empty) (*rpc.Empty, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("refresh", err)
	}
	if err := sess.Router.Resync(ctx); err != nil {
		return nil, toStatus("refresh", err)
	}
	return &rpc.Empty{}, nil
}
