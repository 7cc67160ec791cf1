package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnsupported      = errors.New("device: notifications not supported")
	ErrNotAuthenticated = errors.New("device: no authenticated user")
	ErrPermissionDenied = errors.New("device: notification permission denied")
	ErrStaleToken       = errors.New("device: token is stale or deactivated")
)

const permissionKey = "notification_permission"

// TokenProvider issues push tokens.
type TokenProvider interface {
	RequestToken(ctx context.Context, userID string) (string, error)
}

// Registrar tells the backend which token reaches a user. RegisterToken
// returns an error matching ErrStaleToken when the backend reports the token
// as gone.
type Registrar interface {
	RegisterToken(ctx context.Context, userID, token string) error
	UnregisterToken(ctx context.Context, userID, token string) error
}

// TokenStore is the durable token and settings state shared with the push
// handler process. *store.DB satisfies it.
type TokenStore interface {
	SaveDeviceToken(userID, token string) error
	SetDeviceTokenStatus(userID, token, status string) error
	ActiveDeviceToken(userID string) (*store.DeviceToken, error)
	DeviceTokensByStatus(userID, status string) ([]store.DeviceToken, error)
	TokenStatus(token string) (string, error)
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
}

// TokenEvent is the payload of device token bus events.
type TokenEvent struct {
	UserID string
	Token  string
}

// Deps are the collaborators of a Manager. Bus and Metrics may be nil.
type Deps struct {
	Provider  TokenProvider
	Registrar Registrar
	Prompter  Prompter
	Store     TokenStore
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Manager owns the push token lifecycle and the permission tri-state.
type Manager struct {
	supported bool
	provider  TokenProvider
	registrar Registrar
	prompter  Prompter
	store     TokenStore
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger

	// op serializes prompting and token changes.
	op sync.Mutex
}

// NewManager creates a manager. supported is false when this installation
// cannot receive pushes at all.
func NewManager(supported bool, deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		supported: supported,
		provider:  deps.Provider,
		registrar: deps.Registrar,
		prompter:  deps.Prompter,
		store:     deps.Store,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    logger.Named("device"),
	}
}

// Supported reports whether notifications can be delivered at all.
func (m *Manager) Supported() bool { return m.supported }

// Permission returns the recorded permission.
func (m *Manager) Permission() Permission {
	v, err := m.store.GetSetting(permissionKey)
	if err != nil {
		m.logger.Warn("read permission failed", zap.Error(err))
		return Undecided
	}
	return parsePermission(v)
}

// ActiveToken returns the user's active token, or "".
func (m *Manager) ActiveToken(userID string) (string, error) {
	t, err := m.store.ActiveDeviceToken(userID)
	if err != nil || t == nil {
		return "", err
	}
	return t.Token, nil
}

// RequestPermission obtains a registered token for userID. An undecided
// user is prompted; a granted user gets a token without a prompt; a denied
// user gets ErrPermissionDenied and is never prompted again.
func (m *Manager) RequestPermission(ctx context.Context, userID string) (string, error) {
	if !m.supported {
		return "", ErrUnsupported
	}
	if userID == "" {
		return "", ErrNotAuthenticated
	}

	m.op.Lock()
	defer m.op.Unlock()

	switch m.Permission() {
	case Denied:
		return "", ErrPermissionDenied
	case Undecided:
		granted, err := m.prompter.Prompt(ctx)
		if err != nil {
			return "", fmt.Errorf("permission prompt: %w", err)
		}
		if !granted {
			m.setPermission(Denied)
			return "", ErrPermissionDenied
		}
		m.setPermission(Granted)
	}

	if t, err := m.store.ActiveDeviceToken(userID); err != nil {
		return "", fmt.Errorf("load token: %w", err)
	} else if t != nil {
		return t.Token, nil
	}
	return m.issue(ctx, userID)
}

// Deactivate unregisters token server-side and marks it deactivated. The
// local mark happens even when the backend call fails, so the token is never
// reused.
func (m *Manager) Deactivate(ctx context.Context, userID, token string) error {
	m.op.Lock()
	defer m.op.Unlock()
	return m.deactivate(ctx, userID, token)
}

// DeactivateAll deactivates the user's active token, if any. Used on logout.
func (m *Manager) DeactivateAll(ctx context.Context, userID string) error {
	m.op.Lock()
	defer m.op.Unlock()
	t, err := m.store.ActiveDeviceToken(userID)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if t == nil {
		return nil
	}
	return m.deactivate(ctx, userID, t.Token)
}

// Disable turns notifications off: the active token is deactivated and the
// permission is recorded as denied.
func (m *Manager) Disable(ctx context.Context, userID string) error {
	m.op.Lock()
	defer m.op.Unlock()

	var err error
	if userID != "" {
		var t *store.DeviceToken
		t, err = m.store.ActiveDeviceToken(userID)
		if err == nil && t != nil {
			err = m.deactivate(ctx, userID, t.Token)
		}
	}
	m.setPermission(Denied)
	return err
}

// Enable records an explicit opt-in from the settings screen and then
// obtains a token as RequestPermission does. It is the only way out of Denied.
func (m *Manager) Enable(ctx context.Context, userID string) (string, error) {
	if !m.supported {
		return "", ErrUnsupported
	}
	if userID == "" {
		return "", ErrNotAuthenticated
	}
	m.op.Lock()
	if m.Permission() != Granted {
		m.setPermission(Granted)
	}
	m.op.Unlock()
	return m.RequestPermission(ctx, userID)
}

// Refresh replaces a token the provider invalidated. The old token is marked
// stale before anything else so a failure part way never leaves it active.
func (m *Manager) Refresh(ctx context.Context, userID, staleToken string) (string, error) {
	if userID == "" {
		return "", ErrNotAuthenticated
	}
	m.op.Lock()
	defer m.op.Unlock()
	return m.refresh(ctx, userID, staleToken)
}

// Reconcile picks up tokens the push handler marked stale: they are
// unregistered from the backend and, if the user has no active token left,
// a new one is issued.
func (m *Manager) Reconcile(ctx context.Context, userID string) error {
	if !m.supported || userID == "" {
		return nil
	}
	m.op.Lock()
	defer m.op.Unlock()

	stale, err := m.store.DeviceTokensByStatus(userID, store.TokenStale)
	if err != nil {
		return fmt.Errorf("list stale tokens: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	active, err := m.store.ActiveDeviceToken(userID)
	if err != nil {
		return fmt.Errorf("load token: %w", err)
	}
	if active == nil && m.Permission() == Granted {
		if _, err := m.refresh(ctx, userID, stale[len(stale)-1].Token); err != nil {
			return err
		}
		return nil
	}
	return m.retire(ctx, userID, stale)
}

// RunReconciler calls Reconcile every interval until ctx ends.
func (m *Manager) RunReconciler(ctx context.Context, userID string, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := m.Reconcile(ctx, userID); err != nil && ctx.Err() == nil {
				m.logger.Warn("token reconcile failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) refresh(ctx context.Context, userID, staleToken string) (string, error) {
	if staleToken != "" {
		if err := m.store.SetDeviceTokenStatus(userID, staleToken, store.TokenStale); err != nil {
			return "", fmt.Errorf("mark stale: %w", err)
		}
		m.metrics.Token("stale")
	}
	if m.Permission() != Granted {
		return "", ErrPermissionDenied
	}

	token, err := m.issue(ctx, userID)
	if err != nil {
		return "", err
	}
	m.metrics.Token("refresh")

	stale, err := m.store.DeviceTokensByStatus(userID, store.TokenStale)
	if err != nil {
		return token, nil
	}
	if err := m.retire(ctx, userID, stale); err != nil {
		m.logger.Warn("retire stale tokens failed", zap.Error(err))
	}
	return token, nil
}

// issue requests a token from the provider and registers it. A token the
// backend already reports gone is replaced once.
func (m *Manager) issue(ctx context.Context, userID string) (string, error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		token, err := m.provider.RequestToken(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("request token: %w", err)
		}
		err = m.register(ctx, userID, token)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, ErrStaleToken) {
			return "", err
		}
		lastErr = err
	}
	return "", lastErr
}

func (m *Manager) register(ctx context.Context, userID, token string) error {
	st, err := m.store.TokenStatus(token)
	if err != nil {
		return fmt.Errorf("token status: %w", err)
	}
	if st == store.TokenStale || st == store.TokenDeactivated {
		return ErrStaleToken
	}

	if err := m.registrar.RegisterToken(ctx, userID, token); err != nil {
		if errors.Is(err, ErrStaleToken) {
			m.metrics.Token("stale")
		}
		return fmt.Errorf("register token: %w", err)
	}
	if err := m.store.SaveDeviceToken(userID, token); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	m.metrics.Token("register")
	m.logger.Info("device token registered", zap.String("user", userID))
	m.bus.Emit(bus.DeviceTokenRegistered, TokenEvent{UserID: userID, Token: token})
	return nil
}

func (m *Manager) deactivate(ctx context.Context, userID, token string) error {
	if err := m.store.SetDeviceTokenStatus(userID, token, store.TokenDeactivated); err != nil {
		return fmt.Errorf("mark deactivated: %w", err)
	}
	m.metrics.Token("deactivate")
	m.bus.Emit(bus.DeviceTokenDeactivated, TokenEvent{UserID: userID, Token: token})

	if err := m.registrar.UnregisterToken(ctx, userID, token); err != nil && !errors.Is(err, ErrStaleToken) {
		return fmt.Errorf("unregister token: %w", err)
	}
	m.logger.Info("device token deactivated", zap.String("user", userID))
	return nil
}

// retire unregisters stale tokens concurrently and marks each one
// deactivated once the backend has dropped it.
func (m *Manager) retire(ctx context.Context, userID string, tokens []store.DeviceToken) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, t := range tokens {
		t := t
		g.Go(func() error {
			err := m.registrar.UnregisterToken(gctx, userID, t.Token)
			if err != nil && !errors.Is(err, ErrStaleToken) {
				return fmt.Errorf("unregister stale token: %w", err)
			}
			return m.store.SetDeviceTokenStatus(userID, t.Token, store.TokenDeactivated)
		})
	}
	return g.Wait()
}

func (m *Manager) setPermission(p Permission) {
	if err := m.store.SetSetting(permissionKey, string(p)); err != nil {
		m.logger.Warn("persist permission failed", zap.Error(err))
	}
	m.bus.Emit(bus.DevicePermissionChanged, p)
}
