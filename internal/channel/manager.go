package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carelane/portalchat/internal/config"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/status"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrNotConnected   = errors.New("channel: not connected")
	ErrAuthRejected   = errors.New("channel: auth rejected")
	ErrRetryExhausted = errors.New("channel: reconnect window exhausted")
	ErrClosed         = errors.New("channel: closed")
	ErrNoRedial       = errors.New("channel: nothing to redial")
)

// Config tunes connection handling.
type Config struct {
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	RetryWindow       time.Duration
	PingInterval      time.Duration
	DialTimeout       time.Duration
	WriteTimeout      time.Duration
}

// ConfigFrom maps the [channel] config section.
func ConfigFrom(c config.Channel) Config {
	return Config{
		BackoffInitial:    c.BackoffInitial,
		BackoffMax:        c.BackoffMax,
		BackoffMultiplier: c.BackoffMultiplier,
		RetryWindow:       c.RetryWindow,
		PingInterval:      c.PingInterval,
		DialTimeout:       c.DialTimeout,
		WriteTimeout:      c.DialTimeout,
	}
}

// Manager owns the single channel connection of a signed-in session.
type Manager struct {
	cfg     Config
	dialer  Dialer
	machine *status.Machine
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time

	mu     sync.Mutex
	conn   Conn
	cancel context.CancelFunc
	gen    uint64
	token  string
	userID string
	redial bool

	hmu      sync.RWMutex
	handlers map[string]map[int]Handler
	nextID   int
}

// NewManager creates a manager in the Disconnected state.
func NewManager(cfg Config, dialer Dialer, machine *status.Machine, m *metrics.Metrics, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		machine:  machine,
		metrics:  m,
		logger:   logger.Named("channel"),
		now:      time.Now,
		handlers: make(map[string]map[int]Handler),
	}
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Connect establishes the connection. It is a no-op unless the manager is
// Disconnected. An auth rejection leaves the manager Disconnected and is not
// retried; the caller must obtain a new token and call Connect again.
func (m *Manager) Connect(ctx context.Context, authToken, userID string) error {
	m.mu.Lock()
	if st := m.machine.Current(); st != status.Disconnected {
		m.mu.Unlock()
		m.logger.Debug("connect ignored", zap.String("state", string(st)))
		return nil
	}
	if err := m.transition(status.Connecting, status.ReasonConnect, nil); err != nil {
		m.mu.Unlock()
		return err
	}
	m.gen++
	gen := m.gen
	m.token, m.userID = authToken, userID
	m.mu.Unlock()

	if err := CheckToken(authToken, userID, m.now()); err != nil {
		m.moveIf(gen, status.Connecting, status.Disconnected, status.ReasonAuthRejected, err)
		return err
	}

	conn, err := m.dial(ctx, authToken)
	if err != nil {
		reason := status.ReasonDialFailed
		if errors.Is(err, ErrAuthRejected) {
			reason = status.ReasonAuthRejected
		}
		m.moveIf(gen, status.Connecting, status.Disconnected, reason, err)
		return err
	}

	m.mu.Lock()
	if m.gen != gen || m.machine.Current() != status.Connecting {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	runCtx, cancel := context.WithCancel(context.Background())
	m.conn, m.cancel = conn, cancel
	_ = m.transition(status.Connected, status.ReasonHandshakeOK, nil)
	m.mu.Unlock()

	go m.run(runCtx, conn, gen)
	return nil
}

// Redial connects again with the last credentials, but only when a transport
// failure (not sign-out or auth rejection) left the manager Disconnected.
func (m *Manager) Redial(ctx context.Context) error {
	m.mu.Lock()
	ok := m.redial && m.machine.Current() == status.Disconnected
	token, userID := m.token, m.userID
	m.mu.Unlock()
	if !ok {
		return ErrNoRedial
	}
	m.logger.Info("redialing after transport failure")
	return m.Connect(ctx, token, userID)
}

// Disconnect closes the connection and abandons any reconnect in progress.
// It never produces a warning.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.redial = false
	cancel, conn := m.cancel, m.conn
	m.cancel, m.conn = nil, nil
	if m.machine.Current() != status.Disconnected {
		_ = m.transition(status.Disconnected, status.ReasonClientClosed, nil)
	}
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Send writes one event. It fails with ErrNotConnected unless the manager is
// Connected; nothing is queued.
func (m *Manager) Send(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.machine.Current() == status.Connected
	m.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("channel: encode %s: %w", event, err)
	}
	raw, err := json.Marshal(Frame{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("channel: encode frame: %w", err)
	}

	if m.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.WriteTimeout)
		defer cancel()
	}
	if err := conn.Write(ctx, raw); err != nil {
		return fmt.Errorf("channel: send %s: %w", event, err)
	}
	return nil
}

// On registers a handler for an event name, or AnyEvent for all frames.
// The returned function unregisters it.
func (m *Manager) On(event string, h Handler) func() {
	m.hmu.Lock()
	id := m.nextID
	m.nextID++
	if m.handlers[event] == nil {
		m.handlers[event] = make(map[int]Handler)
	}
	m.handlers[event][id] = h
	m.hmu.Unlock()

	return func() {
		m.hmu.Lock()
		delete(m.handlers[event], id)
		m.hmu.Unlock()
	}
}

func (m *Manager) dispatch(data []byte) Frame {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Event == "" {
		m.logger.Warn("dropping malformed frame", zap.Int("bytes", len(data)), zap.Error(err))
		return Frame{}
	}

	m.hmu.RLock()
	var hs []Handler
	for _, h := range m.handlers[f.Event] {
		hs = append(hs, h)
	}
	for _, h := range m.handlers[AnyEvent] {
		hs = append(hs, h)
	}
	m.hmu.RUnlock()

	for _, h := range hs {
		h(f)
	}
	return f
}

func (m *Manager) dial(ctx context.Context, token string) (Conn, error) {
	if m.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.DialTimeout)
		defer cancel()
	}
	return m.dialer.Dial(ctx, token)
}

// run serves conn until the context is cancelled, reconnecting after drops.
func (m *Manager) run(ctx context.Context, conn Conn, gen uint64) {
	for {
		err := m.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}

		if errors.Is(err, ErrAuthRejected) {
			m.logger.Warn("server revoked the session", zap.Error(err))
			m.moveIf(gen, status.Connected, status.Disconnected, status.ReasonAuthRejected, err)
			return
		}

		m.logger.Warn("channel dropped", zap.Error(err))
		if !m.moveIf(gen, status.Connected, status.Reconnecting, status.ReasonTransportDrop, err) {
			return
		}

		conn, err = m.reconnect(ctx, gen)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			reason := status.ReasonRetryExhausted
			if errors.Is(err, ErrAuthRejected) {
				reason = status.ReasonAuthRejected
			}
			m.moveIf(gen, status.Reconnecting, status.Disconnected, reason, err)
			return
		}

		if !m.adopt(gen, conn) {
			_ = conn.Close()
			return
		}
	}
}

// serve reads frames until the transport fails. A failed heartbeat closes
// the connection so the blocked read returns.
func (m *Manager) serve(ctx context.Context, conn Conn) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingErr := make(chan error, 1)
	if m.cfg.PingInterval > 0 {
		go m.heartbeat(serveCtx, conn, pingErr)
	}

	for {
		data, err := conn.Read(serveCtx)
		if err != nil {
			select {
			case perr := <-pingErr:
				return perr
			default:
			}
			return err
		}
		if f := m.dispatch(data); f.Event == EventUnauthorized {
			return fmt.Errorf("%w: revoked by server", ErrAuthRejected)
		}
	}
}

func (m *Manager) heartbeat(ctx context.Context, conn Conn, errc chan<- error) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, m.cfg.PingInterval)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("heartbeat: %w", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// reconnect dials with exponential backoff until it succeeds, the server
// rejects the token, or the retry window elapses.
func (m *Manager) reconnect(ctx context.Context, gen uint64) (Conn, error) {
	m.mu.Lock()
	token, userID := m.token, m.userID
	m.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BackoffInitial
	b.MaxInterval = m.cfg.BackoffMax
	b.Multiplier = m.cfg.BackoffMultiplier
	b.MaxElapsedTime = m.cfg.RetryWindow
	b.Reset()

	var conn Conn
	op := func() error {
		if err := CheckToken(token, userID, m.now()); err != nil {
			return backoff.Permanent(err)
		}
		c, err := m.dial(ctx, token)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.metrics.ReconnectScheduled(next)
		m.logger.Warn("reconnect attempt failed", zap.Error(err), zap.Duration("retry_in", next))
		m.moveIf(gen, status.Reconnecting, status.Reconnecting, status.ReasonRetryFailed, err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		if errors.Is(err, ErrAuthRejected) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrRetryExhausted, err)
	}
	return conn, nil
}

// adopt installs a reconnected transport unless the session moved on.
func (m *Manager) adopt(gen uint64, conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.machine.Current() != status.Reconnecting {
		return false
	}
	m.conn = conn
	_ = m.transition(status.Connected, status.ReasonHandshakeOK, nil)
	return true
}

// moveIf transitions from -> to only while gen is still the live generation.
func (m *Manager) moveIf(gen uint64, from, to status.State, reason status.Reason, cause error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.machine.Current() != from {
		return false
	}
	if to == status.Disconnected {
		if m.cancel != nil {
			m.cancel()
		}
		m.conn, m.cancel = nil, nil
		m.redial = reason == status.ReasonDialFailed || reason == status.ReasonRetryExhausted
	}
	return m.transition(to, reason, cause) == nil
}

// transition must be called with mu held.
func (m *Manager) transition(to status.State, reason status.Reason, cause error) error {
	if err := m.machine.Transition(to, reason, cause); err != nil {
		m.logger.Error("state transition rejected", zap.Error(err))
		return err
	}
	m.metrics.StateChanged(string(to), string(reason))
	fields := []zap.Field{zap.String("state", string(to)), zap.String("reason", string(reason))}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if to == status.Disconnected && reason != status.ReasonClientClosed {
		m.logger.Warn("messaging unavailable", fields...)
	} else {
		m.logger.Info("channel state changed", fields...)
	}
	return nil
}
