package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/carelane/portalchat/internal/account"
	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/device"
	"github.com/carelane/portalchat/internal/rpc"
	"github.com/carelane/portalchat/internal/status"
	"github.com/carelane/portalchat/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// SessionService implements the SessionService gRPC service.
type SessionService struct {
	sessionName string
	startedAt   time.Time
	machine     *status.Machine
	accounts    *account.Lifecycle
	devices     *device.Manager
	bus         *bus.Bus
	db          *store.DB
	logger      *zap.Logger

	mu      sync.Mutex
	warning string
	unsub   func()
	done    chan struct{}
}

// NewSessionService creates a new session service.
func NewSessionService(sessionName string, machine *status.Machine, accounts *account.Lifecycle, devices *device.Manager, b *bus.Bus, db *store.DB, logger *zap.Logger) *SessionService {
	return &SessionService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		machine:     machine,
		accounts:    accounts,
		devices:     devices,
		bus:         b,
		db:          db,
		logger:      logger.Named("api"),
	}
}

// Start tracks the latest disconnect warning for status queries.
func (s *SessionService) Start() {
	ch, unsub := s.bus.Subscribe("channel.", 64)
	s.unsub = unsub
	s.done = make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				s.track(evt)
			case <-s.done:
				return
			}
		}
	}()
}

// Stop ends warning tracking.
func (s *SessionService) Stop() {
	if s.unsub == nil {
		return
	}
	s.unsub()
	close(s.done)
	s.unsub = nil
}

func (s *SessionService) track(evt bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch p := evt.Payload.(type) {
	case status.Warning:
		s.warning = p.Message
	case status.StatusChange:
		if p.To == status.Connected || p.Reason == status.ReasonClientClosed {
			s.warning = ""
		}
	}
}

func (s *SessionService) GetStatus(_ context.Context, _ *rpc.GetStatusRequest) (*rpc.StatusResponse, error) {
	return s.status(), nil
}

func (s *SessionService) Login(ctx context.Context, req *rpc.LoginRequest) (*rpc.StatusResponse, error) {
	if _, err := s.accounts.Login(ctx, account.Credentials{UserID: req.UserID, Token: req.Token}); err != nil {
		return nil, toStatus("login", err)
	}
	return s.status(), nil
}

func (s *SessionService) Logout(ctx context.Context, _ *rpc.Empty) (*rpc.LogoutResponse, error) {
	if err := s.accounts.Logout(ctx); err != nil {
		if s.accounts.Current() == nil {
			// Signed out locally; only the backend deactivation failed.
			return &rpc.LogoutResponse{Success: true, Message: err.Error()}, nil
		}
		return nil, toStatus("logout", err)
	}
	return &rpc.LogoutResponse{Success: true, Message: "logged out"}, nil
}

func (s *SessionService) SetForeground(ctx context.Context, req *rpc.SetForegroundRequest) (*rpc.Empty, error) {
	sess, err := s.accounts.Require()
	if err != nil {
		return nil, toStatus("set foreground", err)
	}
	if err := sess.Router.SetForeground(ctx, req.Foreground); err != nil {
		s.logger.Warn("resync after resume failed", zap.Error(err))
	}
	return &rpc.Empty{}, nil
}

func (s *SessionService) TakeIntents(_ context.Context, _ *rpc.Empty) (*rpc.TakeIntentsResponse, error) {
	intents, err := s.db.TakeIntents()
	if err != nil {
		return nil, toStatus("take intents", err)
	}
	resp := &rpc.TakeIntentsResponse{}
	for _, in := range intents {
		resp.Intents = append(resp.Intents, rpc.Intent{ID: in.ID, Destination: in.Destination})
	}
	return resp, nil
}

func (s *SessionService) WatchEvents(req *rpc.WatchEventsRequest, stream grpc.ServerStreamingServer[rpc.Event]) error {
	ch, unsub := s.bus.Subscribe("", 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if !matches(req.Namespaces, evt.Kind) {
				continue
			}
			payload, err := json.Marshal(evt.Payload)
			if err != nil {
				s.logger.Debug("unencodable event payload", zap.String("kind", evt.Kind), zap.Error(err))
				payload = nil
			}
			if err := stream.Send(&rpc.Event{Kind: evt.Kind, Timestamp: evt.Timestamp, Payload: payload}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func (s *SessionService) status() *rpc.StatusResponse {
	resp := &rpc.StatusResponse{
		Session:    s.sessionName,
		State:      string(s.machine.Current()),
		Attempt:    s.machine.Attempts(),
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		Permission: string(device.Undecided),
	}
	if s.devices != nil {
		resp.Permission = string(s.devices.Permission())
	}
	if sess := s.accounts.Current(); sess != nil {
		resp.LoggedIn = true
		resp.UserID = sess.UserID
		resp.Foreground = sess.Router.Foreground()
		resp.ConversationCount = len(sess.Store.Conversations())
	}
	if n, err := s.db.MessageCount(); err == nil {
		resp.MessageCount = n
	}
	s.mu.Lock()
	resp.Warning = s.warning
	s.mu.Unlock()
	return resp
}

func matches(namespaces []string, kind string) bool {
	if len(namespaces) == 0 {
		return true
	}
	for _, ns := range namespaces {
		if strings.HasPrefix(kind, ns) {
			return true
		}
	}
	return false
}
