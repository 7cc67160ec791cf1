package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/channel"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/carelane/portalchat/internal/status"
	"go.uber.org/zap"
)

// Delivery paths recorded in metrics and logs.
const (
	PathStore = "store"
	PathPush  = "push"
)

// Channel is the part of *channel.Manager the router needs.
type Channel interface {
	State() status.State
	Send(ctx context.Context, event string, payload any) error
	On(event string, h channel.Handler) func()
	Redial(ctx context.Context) error
}

// Presence is the body of a presence event.
type Presence struct {
	UserID     string `json:"userId"`
	Foreground bool   `json:"foreground"`
}

// Router decides, per inbound event, whether it updates the conversation
// store or is left to the push path. It starts in the foreground.
type Router struct {
	ch      Channel
	store   *conversation.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	foreground bool
	cancel     context.CancelFunc
	unregister func()
	wg         sync.WaitGroup
}

// New creates a router feeding st from ch.
func New(ch Channel, st *conversation.Store, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Router {
	return &Router{
		ch:         ch,
		store:      st,
		bus:        b,
		metrics:    m,
		logger:     logger.Named("router"),
		foreground: true,
	}
}

// Start registers for channel frames and connection state changes.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	states, unsub := r.bus.Subscribe("channel.", 64)

	r.mu.Lock()
	r.cancel = cancel
	r.unregister = r.ch.On(channel.AnyEvent, r.Route)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-states:
				r.handleState(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop unregisters the router and waits for its loop to exit.
func (r *Router) Stop() {
	r.mu.Lock()
	cancel, unregister := r.cancel, r.unregister
	r.cancel, r.unregister = nil, nil
	r.mu.Unlock()

	if unregister != nil {
		unregister()
	}
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// Foreground reports whether the application is in the foreground.
func (r *Router) Foreground() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.foreground
}

// Route handles one inbound frame.
func (r *Router) Route(f channel.Frame) {
	switch f.Event {
	case channel.EventReceiveMessage:
		var m conversation.Message
		if err := json.Unmarshal(f.Data, &m); err != nil {
			r.logger.Warn("undecodable message event", zap.Error(err))
			return
		}
		// Echoes of our own sends settle the optimistic entry in any state.
		if r.store.Awaiting(m.ConversationID, m.ClientID) {
			r.store.ReceiveMessage(m)
			r.metrics.Routed(f.Event, PathStore)
			return
		}
		r.deliver(f.Event, m.ConversationID, func() { r.store.ReceiveMessage(m) })
	case channel.EventMessagesRead:
		var p conversation.ReadPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			r.logger.Warn("undecodable read event", zap.Error(err))
			return
		}
		r.deliver(f.Event, p.ConversationID, func() { r.store.ApplyRead(p) })
	}
}

func (r *Router) deliver(event, conversationID string, apply func()) {
	if r.Foreground() && r.ch.State() == status.Connected {
		apply()
		r.metrics.Routed(event, PathStore)
		return
	}
	if conversationID != "" {
		r.store.MarkStale(conversationID)
	}
	r.metrics.Routed(event, PathPush)
	r.logger.Debug("event left to push path",
		zap.String("event", event), zap.String("conversation", conversationID))
}

// SetForeground records whether the user can see the application, reports
// it to the server, and on resume re-fetches whatever the push path may
// have delivered meanwhile. Coming to the foreground also redials a channel
// that a network failure left Disconnected.
func (r *Router) SetForeground(ctx context.Context, foreground bool) error {
	r.mu.Lock()
	changed := r.foreground != foreground
	r.foreground = foreground
	r.mu.Unlock()

	r.sendPresence(ctx, foreground)
	if !foreground {
		return nil
	}
	redialed := r.redial(ctx)
	if !changed && !redialed {
		return nil
	}
	return r.Resync(ctx)
}

func (r *Router) redial(ctx context.Context) bool {
	if r.ch.State() != status.Disconnected {
		return false
	}
	err := r.ch.Redial(ctx)
	switch {
	case err == nil:
		return true
	case errors.Is(err, channel.ErrNoRedial):
	default:
		r.logger.Warn("redial on resume failed", zap.Error(err))
	}
	return false
}

// Resync re-fetches the conversation list plus the histories of stale and
// selected conversations.
func (r *Router) Resync(ctx context.Context) error {
	var errs []error
	if _, err := r.store.RefreshConversations(ctx); err != nil {
		errs = append(errs, err)
	}

	ids := r.store.TakeStale()
	if sel := r.store.Selected(); sel != "" && !slices.Contains(ids, sel) {
		ids = append(ids, sel)
	}
	for _, id := range ids {
		if _, err := r.store.RefreshMessages(ctx, id); err != nil {
			r.store.MarkStale(id)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("resync: %w", err)
	}
	r.logger.Info("resynced", zap.Int("conversations", len(ids)))
	return nil
}

func (r *Router) handleState(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(status.StatusChange)
	if !ok || evt.Kind != bus.ChannelStateChanged || change.To != status.Connected {
		return
	}
	r.sendPresence(ctx, r.Foreground())
	if change.From != status.Reconnecting {
		return
	}
	if err := r.Resync(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("resync after reconnect failed", zap.Error(err))
	}
}

func (r *Router) sendPresence(ctx context.Context, foreground bool) {
	err := r.ch.Send(ctx, channel.EventPresence, Presence{UserID: r.store.UserID(), Foreground: foreground})
	if err != nil {
		r.logger.Debug("presence not sent", zap.Bool("foreground", foreground), zap.Error(err))
	}
}
