// Package account ties every per-user component to the sign-in lifecycle:
// a Session is created on login and torn down on logout, and nothing in it
// outlives the user it was built for.
package account

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/channel"
	"github.com/carelane/portalchat/internal/config"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/device"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/router"
	"github.com/carelane/portalchat/internal/status"
	"github.com/carelane/portalchat/internal/store"
	"go.uber.org/zap"
)

var ErrNotLoggedIn = errors.New("account: not logged in")

const (
	settingUser  = "auth_user"
	settingToken = "auth_token"
)

// Session is the set of components serving one signed-in user.
type Session struct {
	UserID  string
	Channel *channel.Manager
	Store   *conversation.Store
	Router  *router.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Deps are shared across sessions.
type Deps struct {
	Config  *config.Config
	DB      *store.DB
	Fetcher conversation.Fetcher
	Dialer  channel.Dialer
	Devices *device.Manager
	Machine *status.Machine
	Keyring *Keyring
	Bus     *bus.Bus
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Lifecycle creates and destroys sessions.
type Lifecycle struct {
	deps   Deps
	logger *zap.Logger

	mu      sync.Mutex
	current *Session
}

// NewLifecycle creates a lifecycle with nobody signed in.
func NewLifecycle(deps Deps) *Lifecycle {
	return &Lifecycle{deps: deps, logger: deps.Logger.Named("account")}
}

// Current returns the active session, or nil.
func (l *Lifecycle) Current() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Require returns the active session or ErrNotLoggedIn.
func (l *Lifecycle) Require() (*Session, error) {
	if s := l.Current(); s != nil {
		return s, nil
	}
	return nil, ErrNotLoggedIn
}

// Login signs creds in. Logging in again as the same user keeps the session
// and reconnects with the new token; a different user replaces the session
// entirely, including the cached conversations and push registration.
func (l *Lifecycle) Login(ctx context.Context, creds Credentials) (*Session, error) {
	if creds.UserID == "" || creds.Token == "" {
		return nil, fmt.Errorf("login: %w", channel.ErrAuthRejected)
	}
	if err := channel.CheckToken(creds.Token, creds.UserID, time.Now()); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if s := l.current; s != nil && s.UserID == creds.UserID {
		l.deps.Keyring.set(creds)
		l.saveCreds(creds)
		if err := s.Channel.Connect(ctx, creds.Token, creds.UserID); err != nil {
			return s, err
		}
		return s, nil
	}
	if l.current != nil {
		if err := l.logout(ctx); err != nil {
			l.logger.Warn("implicit logout failed", zap.Error(err))
		}
	}

	prev, _ := l.deps.DB.GetSetting(settingUser)
	if prev != "" && prev != creds.UserID {
		if err := l.deps.DB.ClearConversations(); err != nil {
			return nil, fmt.Errorf("clear previous user's cache: %w", err)
		}
	}
	l.deps.Keyring.set(creds)
	l.saveCreds(creds)

	s, err := l.start(ctx, creds)
	if err != nil {
		l.deps.Keyring.set(Credentials{})
		l.clearCreds()
		return nil, err
	}
	l.current = s
	l.deps.Bus.Emit(bus.AccountLoggedIn, creds.UserID)
	l.logger.Info("logged in", zap.String("user", creds.UserID))
	return s, nil
}

// Logout deactivates the push token and tears the session down.
func (l *Lifecycle) Logout(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current == nil {
		return ErrNotLoggedIn
	}
	return l.logout(ctx)
}

// Restore signs in with the credentials saved by the last login, if any.
func (l *Lifecycle) Restore(ctx context.Context) (*Session, error) {
	user, err := l.deps.DB.GetSetting(settingUser)
	if err != nil {
		return nil, err
	}
	token, err := l.deps.DB.GetSetting(settingToken)
	if err != nil {
		return nil, err
	}
	if user == "" || token == "" {
		return nil, ErrNotLoggedIn
	}
	s, err := l.Login(ctx, Credentials{UserID: user, Token: token})
	if errors.Is(err, channel.ErrAuthRejected) {
		l.clearCreds()
	}
	return s, err
}

// Close tears the session down without signing out, for daemon shutdown.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil {
		l.current.stop()
		l.current = nil
	}
}

func (l *Lifecycle) start(ctx context.Context, creds Credentials) (*Session, error) {
	cfg := l.deps.Config
	mgr := channel.NewManager(channel.ConfigFrom(cfg.Channel), l.deps.Dialer, l.deps.Machine, l.deps.Metrics, l.deps.Logger)
	st := conversation.NewStore(
		conversation.Config{UserID: creds.UserID, SendTimeout: cfg.Channel.SendTimeout},
		conversation.Deps{
			Fetcher:   l.deps.Fetcher,
			Sender:    mgr,
			Persister: conversation.DBPersister{DB: l.deps.DB},
			Bus:       l.deps.Bus,
			Metrics:   l.deps.Metrics,
			Logger:    l.deps.Logger,
		},
	)
	if err := st.Hydrate(); err != nil {
		l.logger.Warn("cache hydration failed", zap.Error(err))
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{UserID: creds.UserID, Channel: mgr, Store: st, cancel: cancel}
	s.Router = router.New(mgr, st, l.deps.Bus, l.deps.Metrics, l.deps.Logger)
	s.Router.Start(sessCtx)

	if err := mgr.Connect(ctx, creds.Token, creds.UserID); err != nil {
		if errors.Is(err, channel.ErrAuthRejected) {
			s.stop()
			return nil, err
		}
		l.logger.Warn("channel unavailable at login", zap.Error(err))
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := st.LoadConversations(sessCtx); err != nil && sessCtx.Err() == nil {
			l.logger.Warn("initial conversation load failed", zap.Error(err))
		}
	}()

	if dev := l.deps.Devices; dev != nil && dev.Supported() {
		if dev.Permission() == device.Granted {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if _, err := dev.RequestPermission(sessCtx, creds.UserID); err != nil && sessCtx.Err() == nil {
					l.logger.Warn("silent token refresh failed", zap.Error(err))
				}
			}()
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			dev.RunReconciler(sessCtx, creds.UserID, cfg.Push.ReconcileInterval)
		}()
	}
	return s, nil
}

func (l *Lifecycle) logout(ctx context.Context) error {
	s := l.current
	var err error
	if l.deps.Devices != nil {
		if derr := l.deps.Devices.DeactivateAll(ctx, s.UserID); derr != nil {
			err = fmt.Errorf("deactivate push token: %w", derr)
		}
	}
	s.stop()
	l.current = nil

	l.deps.Keyring.set(Credentials{})
	l.clearCreds()
	if cerr := l.deps.DB.ClearConversations(); cerr != nil {
		l.logger.Warn("clear cache failed", zap.Error(cerr))
	}
	l.deps.Bus.Emit(bus.AccountLoggedOut, s.UserID)
	l.logger.Info("logged out", zap.String("user", s.UserID))
	return err
}

func (l *Lifecycle) saveCreds(c Credentials) {
	if err := l.deps.DB.SetSetting(settingUser, c.UserID); err != nil {
		l.logger.Warn("persist credentials failed", zap.Error(err))
		return
	}
	if err := l.deps.DB.SetSetting(settingToken, c.Token); err != nil {
		l.logger.Warn("persist credentials failed", zap.Error(err))
	}
}

func (l *Lifecycle) clearCreds() {
	_ = l.deps.DB.SetSetting(settingToken, "")
}

func (s *Session) stop() {
	s.Router.Stop()
	s.Channel.Disconnect()
	s.cancel()
	s.Store.Close()
	s.wg.Wait()
}
