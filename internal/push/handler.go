package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/store"
	"go.uber.org/zap"
)

var (
	ErrUnsupported   = errors.New("push: notifications unsupported or disabled")
	ErrInactiveToken = errors.New("push: token is no longer active")
	ErrNotFound      = errors.New("push: no such notification")
	ErrBadControl    = errors.New("push: malformed control message")
)

// Surface shows notifications to the user, one entry per tag.
type Surface interface {
	Show(ctx context.Context, n Rendered) error
	Get(ctx context.Context, tag string) (Rendered, bool, error)
	MarkClicked(ctx context.Context, tag string) error
	List(ctx context.Context, includeClicked bool, limit int) ([]Rendered, error)
}

// WindowHost brings the application to the foreground at a destination.
type WindowHost interface {
	Open(ctx context.Context, destination string) error
}

// TokenState is the shared token table the daemon also writes.
type TokenState interface {
	TokenStatus(token string) (string, error)
	MarkTokenStale(token string) (bool, error)
}

// Control is a provider control message.
type Control struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

const ControlTokenInvalidated = "token_invalidated"

// Handler is the background delivery handler.
type Handler struct {
	supported bool
	surface   Surface
	tokens    TokenState
	window    WindowHost
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewHandler creates a handler. When supported is false every push is refused.
func NewHandler(supported bool, surface Surface, tokens TokenState, window WindowHost, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		supported: supported,
		surface:   surface,
		tokens:    tokens,
		window:    window,
		metrics:   m,
		logger:    logger.Named("push"),
	}
}

// HandlePush renders one push. token is the device token the provider
// addressed; pushes for stale or deactivated tokens are dropped. A malformed
// body still renders the generic notification. HandlePush never panics.
func (h *Handler) HandlePush(ctx context.Context, token string, raw []byte) (n Rendered, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("push handler panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			h.metrics.Push("panic")
			err = fmt.Errorf("push: handler panic: %v", r)
		}
	}()

	if !h.supported {
		h.metrics.Push("unsupported")
		return Rendered{}, ErrUnsupported
	}

	if token != "" {
		st, err := h.tokens.TokenStatus(token)
		if err != nil {
			h.logger.Warn("token lookup failed, rendering anyway", zap.Error(err))
		} else if st == store.TokenStale || st == store.TokenDeactivated {
			h.metrics.Push("dropped")
			h.logger.Info("dropping push for inactive token", zap.String("status", st))
			return Rendered{}, ErrInactiveToken
		}
	}

	n, decodeErr := Render(raw)
	if decodeErr != nil {
		h.metrics.Push("malformed")
		h.logger.Warn("rendering generic notification", zap.Error(decodeErr))
	}
	if err := h.surface.Show(ctx, n); err != nil {
		h.metrics.Push("error")
		return Rendered{}, fmt.Errorf("show notification: %w", err)
	}

	h.metrics.Push("rendered")
	h.logger.Info("notification rendered", zap.String("tag", n.Tag), zap.String("destination", n.Destination))
	return n, nil
}

// Click resolves the notification's destination and foregrounds the app there.
func (h *Handler) Click(ctx context.Context, tag string) (string, error) {
	n, ok, err := h.surface.Get(ctx, tag)
	if err != nil {
		return "", fmt.Errorf("load notification: %w", err)
	}
	if !ok {
		return "", ErrNotFound
	}
	dest := n.Destination
	if dest == "" {
		dest = Destination(n.Data)
	}

	if err := h.window.Open(ctx, dest); err != nil {
		return "", fmt.Errorf("open window: %w", err)
	}
	if err := h.surface.MarkClicked(ctx, tag); err != nil {
		h.logger.Warn("mark clicked failed", zap.String("tag", tag), zap.Error(err))
	}
	h.metrics.Push("clicked")
	return dest, nil
}

// List returns notification entries, newest first.
func (h *Handler) List(ctx context.Context, includeClicked bool, limit int) ([]Rendered, error) {
	return h.surface.List(ctx, includeClicked, limit)
}

// HandleControl applies a provider control message.
func (h *Handler) HandleControl(ctx context.Context, raw []byte) error {
	var c Control
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("%w: %v", ErrBadControl, err)
	}
	switch c.Type {
	case ControlTokenInvalidated:
		if c.Token == "" {
			return fmt.Errorf("%w: missing token", ErrBadControl)
		}
		changed, err := h.tokens.MarkTokenStale(c.Token)
		if err != nil {
			return fmt.Errorf("mark token stale: %w", err)
		}
		h.logger.Info("provider invalidated token", zap.Bool("was_active", changed))
		return nil
	default:
		h.logger.Debug("ignoring control message", zap.String("type", c.Type))
		return nil
	}
}
