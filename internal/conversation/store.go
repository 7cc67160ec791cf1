package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/channel"
	"github.com/carelane/portalchat/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrUnknownMessage = errors.New("conversation: unknown message")
	ErrNotRetryable   = errors.New("conversation: only failed messages can be retried")
	ErrEmptyMessage   = errors.New("conversation: empty message")
	ErrClosed         = errors.New("conversation: store closed")
)

// Fetcher reads conversation history from the backend.
type Fetcher interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
}

// Sender emits channel events. *channel.Manager satisfies it.
type Sender interface {
	Send(ctx context.Context, event string, payload any) error
}

// Config tunes the store.
type Config struct {
	UserID      string
	SendTimeout time.Duration
}

// Deps are the collaborators of a Store. Persister, Bus and Metrics may be nil.
type Deps struct {
	Fetcher   Fetcher
	Sender    Sender
	Persister Persister
	Bus       *bus.Bus
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

// Store is the single owner of conversation and message state for one
// signed-in user. Everything else feeds events into it.
type Store struct {
	cfg     Config
	fetcher Fetcher
	sender  Sender
	persist Persister
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	convs      map[string]*Conversation
	listLoaded bool
	msgs       map[string][]*Message // arrival order; Messages sorts
	loaded     map[string]bool
	loading    map[string]bool
	stale      map[string]bool
	timers     map[string]*time.Timer // by client id
	selected   string
	closed     bool
}

// NewStore creates an empty store for cfg.UserID.
func NewStore(cfg Config, deps Deps) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cfg:     cfg,
		fetcher: deps.Fetcher,
		sender:  deps.Sender,
		persist: deps.Persister,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		logger:  logger.Named("conversation"),
		now:     time.Now,
		newID:   func() string { return "tmp-" + uuid.NewString() },
		ctx:     ctx,
		cancel:  cancel,
		convs:   make(map[string]*Conversation),
		msgs:    make(map[string][]*Message),
		loaded:  make(map[string]bool),
		loading: make(map[string]bool),
		stale:   make(map[string]bool),
		timers:  make(map[string]*time.Timer),
	}
}

// UserID returns the user the store belongs to.
func (s *Store) UserID() string { return s.cfg.UserID }

// Close stops pending send timers and background loads.
func (s *Store) Close() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Hydrate fills the cache from the persisted copy so the last known state
// can be shown before the network answers. Messages that were still pending
// when the previous session ended can no longer be confirmed by a live send,
// so they come back as failed.
func (s *Store) Hydrate() error {
	if s.persist == nil {
		return nil
	}
	convs, err := s.persist.LoadConversations()
	if err != nil {
		return fmt.Errorf("hydrate conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range convs {
		c := convs[i]
		s.convs[c.ID] = &c
		msgs, err := s.persist.LoadMessages(c.ID)
		if err != nil {
			return fmt.Errorf("hydrate messages for %s: %w", c.ID, err)
		}
		for j := range msgs {
			m := msgs[j]
			if m.State == Pending {
				m.State = Failed
				s.save(&m)
			}
			s.msgs[c.ID] = append(s.msgs[c.ID], &m)
		}
	}
	s.logger.Info("hydrated from cache", zap.Int("conversations", len(convs)))
	return nil
}

// LoadConversations fetches the conversation list once per session and
// serves it from cache afterwards.
func (s *Store) LoadConversations(ctx context.Context) ([]Conversation, error) {
	s.mu.Lock()
	loaded := s.listLoaded
	s.mu.Unlock()
	if loaded {
		return s.Conversations(), nil
	}
	return s.RefreshConversations(ctx)
}

// RefreshConversations re-fetches the list regardless of the cache.
func (s *Store) RefreshConversations(ctx context.Context) ([]Conversation, error) {
	fetched, err := s.fetcher.ListConversations(ctx, s.cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	for i := range fetched {
		c := fetched[i]
		if c.ID == "" {
			continue
		}
		if c.ID == s.selected {
			c.UnreadCount = 0
		}
		if cur, ok := s.convs[c.ID]; ok && cur.LastMessage != nil &&
			(c.LastMessage == nil || cur.LastMessage.CreatedAt.After(c.LastMessage.CreatedAt)) {
			c.LastMessage = cur.LastMessage
		}
		s.convs[c.ID] = &c
		delete(s.stale, c.ID)
		s.saveConv(&c)
	}
	s.listLoaded = true
	s.mu.Unlock()

	s.bus.Emit(bus.ConversationsLoaded, len(fetched))
	return s.Conversations(), nil
}

// Conversations returns the cached list, most recent activity first.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conversation, 0, len(s.convs))
	for _, c := range s.convs {
		out = append(out, cloneConv(c))
	}
	slices.SortStableFunc(out, func(a, b Conversation) int {
		if c := lastAt(b).Compare(lastAt(a)); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Conversation returns one cached conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return cloneConv(c), true
}

// LoadMessages fetches a conversation's history on first use and serves it
// from cache afterwards.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	loaded := s.loaded[conversationID]
	s.mu.Unlock()
	if loaded {
		return s.Messages(conversationID), nil
	}
	return s.RefreshMessages(ctx, conversationID)
}

// RefreshMessages re-fetches history and merges it into the cache. Local
// pending and failed messages the server does not know about are kept.
func (s *Store) RefreshMessages(ctx context.Context, conversationID string) ([]Message, error) {
	s.mu.Lock()
	s.loading[conversationID] = true
	s.mu.Unlock()

	fetched, err := s.fetcher.ListMessages(ctx, conversationID)

	s.mu.Lock()
	delete(s.loading, conversationID)
	if err != nil {
		s.mu.Unlock()
		s.bus.Emit(bus.MessagesLoadFailed, Change{ConversationID: conversationID, Err: err.Error()})
		return nil, fmt.Errorf("load messages for %s: %w", conversationID, err)
	}
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	for i := range fetched {
		m := fetched[i]
		m.ConversationID = conversationID
		s.apply(&m, false)
	}
	s.loaded[conversationID] = true
	delete(s.stale, conversationID)
	s.mu.Unlock()

	s.bus.Emit(bus.MessagesLoaded, Change{ConversationID: conversationID})
	return s.Messages(conversationID), nil
}

// IsLoaded reports whether a conversation's history is cached.
func (s *Store) IsLoaded(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded[conversationID]
}

// Messages returns the conversation's messages in display order: a stable
// sort by createdAt, independent of the order events were applied.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	out := make([]Message, 0, len(s.msgs[conversationID]))
	for _, m := range s.msgs[conversationID] {
		out = append(out, *m)
	}
	s.mu.Unlock()

	slices.SortStableFunc(out, func(a, b Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

// SelectConversation makes id the visible conversation. It performs no
// network call itself; if the history is not cached a background load is
// started and reported on the bus.
func (s *Store) SelectConversation(id string) {
	s.mu.Lock()
	s.selected = id
	var unread []string
	if c, ok := s.convs[id]; ok && c.UnreadCount > 0 {
		c.UnreadCount = 0
		s.saveConv(c)
	}
	for _, m := range s.msgs[id] {
		if !m.IsRead && m.ID != "" && m.SenderID != s.cfg.UserID {
			m.IsRead = true
			unread = append(unread, m.ID)
		}
	}
	needLoad := !s.loaded[id] && !s.loading[id] && id != ""
	if needLoad {
		s.loading[id] = true
	}
	s.mu.Unlock()

	s.bus.Emit(bus.ConversationSelected, Change{ConversationID: id})
	if len(unread) > 0 {
		s.markRead(id, unread)
	}
	if needLoad {
		go func() {
			if _, err := s.RefreshMessages(s.ctx, id); err != nil {
				s.logger.Warn("background history load failed", zap.String("conversation", id), zap.Error(err))
			}
		}()
	}
}

// Selected returns the visible conversation id.
func (s *Store) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// SendMessage appends a pending message and emits it on the channel. It
// returns as soon as the message is in the cache. A message that is not
// confirmed within the send timeout becomes Failed; a local send error does
// not change that, since the server may still have received the frame.
func (s *Store) SendMessage(ctx context.Context, conversationID, content string, contentType ContentType) (Message, error) {
	if conversationID == "" || strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	if contentType == "" {
		contentType = Text
	}

	m := &Message{
		ClientID:       s.newID(),
		ConversationID: conversationID,
		SenderID:       s.cfg.UserID,
		Content:        content,
		ContentType:    contentType,
		IsRead:         true,
		CreatedAt:      s.now(),
		State:          Pending,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Message{}, ErrClosed
	}
	s.ensureConv(conversationID)
	s.msgs[conversationID] = append(s.msgs[conversationID], m)
	s.touch(m)
	s.save(m)
	clientID := m.ClientID
	s.timers[clientID] = time.AfterFunc(s.cfg.SendTimeout, func() { s.expire(conversationID, clientID) })
	payload := SendPayload{
		ConversationID:  conversationID,
		Content:         content,
		ContentType:     contentType,
		RecipientID:     s.recipient(conversationID),
		ClientMessageID: clientID,
	}
	out := *m
	s.mu.Unlock()

	s.metrics.Message("sent")
	s.bus.Emit(bus.MessageAdded, Change{ConversationID: conversationID, Message: &out})

	if err := s.sender.Send(ctx, channel.EventSendMessage, payload); err != nil {
		s.metrics.Message("send_error")
		s.logger.Warn("send failed locally, message stays pending",
			zap.String("client_id", clientID), zap.Error(err))
	}
	return out, nil
}

// RetryMessage replaces a failed message with a new pending one carrying
// the same content under a new temporary id.
func (s *Store) RetryMessage(ctx context.Context, conversationID, clientID string) (Message, error) {
	s.mu.Lock()
	idx := s.indexByClientID(conversationID, clientID)
	if idx < 0 {
		s.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	old := s.msgs[conversationID][idx]
	if old.State != Failed {
		s.mu.Unlock()
		return Message{}, ErrNotRetryable
	}
	s.msgs[conversationID] = slices.Delete(s.msgs[conversationID], idx, idx+1)
	s.remove(clientID)
	content, contentType := old.Content, old.ContentType
	s.mu.Unlock()

	s.bus.Emit(bus.MessageRemoved, Change{ConversationID: conversationID, ClientID: clientID})
	return s.SendMessage(ctx, conversationID, content, contentType)
}

// ReceiveMessage applies a server message. It reports whether the cache
// changed: duplicates by server id are discarded.
func (s *Store) ReceiveMessage(m Message) bool {
	if m.ID == "" || m.ConversationID == "" {
		s.logger.Warn("ignoring message without id", zap.String("conversation", m.ConversationID))
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	res := s.apply(&m, true)
	selected := s.selected == m.ConversationID
	s.mu.Unlock()

	switch res {
	case applyDuplicate:
		return false
	case applyConfirmed:
		s.metrics.Message("confirmed")
		s.bus.Emit(bus.MessageConfirmed, Change{ConversationID: m.ConversationID, Message: &m, ClientID: m.ClientID})
	case applyAppended:
		s.bus.Emit(bus.MessageAdded, Change{ConversationID: m.ConversationID, Message: &m})
		if selected && m.SenderID != s.cfg.UserID && !m.IsRead {
			s.markRead(m.ConversationID, []string{m.ID})
		}
	}
	s.bus.Emit(bus.ConversationUpdated, Change{ConversationID: m.ConversationID})
	return true
}

// Awaiting reports whether clientID names a local pending or failed message
// that a server echo would confirm.
func (s *Store) Awaiting(conversationID, clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexByClientID(conversationID, clientID)
	if idx < 0 {
		return false
	}
	st := s.msgs[conversationID][idx].State
	return st == Pending || st == Failed
}

// ApplyRead marks messages read after a read-state event.
func (s *Store) ApplyRead(p ReadPayload) {
	s.mu.Lock()
	ids := make(map[string]bool, len(p.MessageIDs))
	for _, id := range p.MessageIDs {
		ids[id] = true
	}
	var changed []string
	decrement := 0
	for _, m := range s.msgs[p.ConversationID] {
		if m.ID == "" || !ids[m.ID] || m.IsRead {
			continue
		}
		m.IsRead = true
		changed = append(changed, m.ID)
		if m.SenderID != s.cfg.UserID {
			decrement++
		}
	}
	if c, ok := s.convs[p.ConversationID]; ok && decrement > 0 {
		c.UnreadCount = max(0, c.UnreadCount-decrement)
		s.saveConv(c)
	}
	if s.persist != nil && len(changed) > 0 {
		if err := s.persist.MarkRead(p.ConversationID, changed); err != nil {
			s.logger.Warn("persist read state failed", zap.Error(err))
		}
	}
	s.mu.Unlock()

	if len(changed) > 0 {
		s.bus.Emit(bus.ConversationUpdated, Change{ConversationID: p.ConversationID})
	}
}

// MarkStale flags a conversation whose events were not applied here, so the
// next resume re-fetches it.
func (s *Store) MarkStale(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stale[conversationID] = true
}

// TakeStale returns and clears the stale conversation ids.
func (s *Store) TakeStale() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.stale))
	for id := range s.stale {
		out = append(out, id)
	}
	clear(s.stale)
	slices.Sort(out)
	return out
}

func (s *Store) expire(conversationID, clientID string) {
	s.mu.Lock()
	delete(s.timers, clientID)
	idx := s.indexByClientID(conversationID, clientID)
	if idx < 0 || s.closed {
		s.mu.Unlock()
		return
	}
	m := s.msgs[conversationID][idx]
	if m.State != Pending {
		s.mu.Unlock()
		return
	}
	m.State = Failed
	s.save(m)
	out := *m
	s.mu.Unlock()

	s.metrics.Message("failed")
	s.logger.Warn("message not confirmed in time", zap.String("client_id", clientID), zap.Duration("timeout", s.cfg.SendTimeout))
	s.bus.Emit(bus.MessageFailed, Change{ConversationID: conversationID, Message: &out, ClientID: clientID})
}

func (s *Store) markRead(conversationID string, ids []string) {
	payload := ReadPayload{ConversationID: conversationID, MessageIDs: ids, ReaderID: s.cfg.UserID}
	if err := s.sender.Send(s.ctx, channel.EventMarkRead, payload); err != nil {
		s.logger.Debug("markRead not sent", zap.String("conversation", conversationID), zap.Error(err))
	}
	if s.persist != nil {
		if err := s.persist.MarkRead(conversationID, ids); err != nil {
			s.logger.Warn("persist read state failed", zap.Error(err))
		}
	}
}

type applyResult int

const (
	applyDuplicate applyResult = iota
	applyConfirmed
	applyAppended
)

// apply merges one server message into the cache; mu must be held. History
// fetches pass live=false since the server's unread count already covers them.
func (s *Store) apply(m *Message, live bool) applyResult {
	m.State = Confirmed
	list := s.msgs[m.ConversationID]

	for _, cur := range list {
		if cur.ID == m.ID {
			if m.IsRead && !cur.IsRead {
				cur.IsRead = true
				s.save(cur)
			}
			return applyDuplicate
		}
	}

	if m.ClientID != "" {
		if idx := s.indexByClientID(m.ConversationID, m.ClientID); idx >= 0 {
			if t, ok := s.timers[m.ClientID]; ok {
				t.Stop()
				delete(s.timers, m.ClientID)
			}
			confirmed := *m
			list[idx] = &confirmed
			s.touch(&confirmed)
			s.save(&confirmed)
			return applyConfirmed
		}
	}

	conv := s.ensureConv(m.ConversationID)
	stored := *m
	s.msgs[m.ConversationID] = append(list, &stored)
	s.touch(&stored)
	if live && stored.SenderID != s.cfg.UserID && !stored.IsRead {
		if s.selected == m.ConversationID {
			stored.IsRead = true
		} else {
			conv.UnreadCount++
			s.saveConv(conv)
		}
	}
	s.save(&stored)
	return applyAppended
}

// touch moves lastMessage forward.
func (s *Store) touch(m *Message) {
	c := s.ensureConv(m.ConversationID)
	if c.LastMessage != nil && m.CreatedAt.Before(c.LastMessage.CreatedAt) {
		return
	}
	c.LastMessage = &Summary{Content: m.Content, CreatedAt: m.CreatedAt, SenderID: m.SenderID}
	s.saveConv(c)
}

// ensureConv returns the cached conversation, creating a stub for ids the
// list has not seen yet; stubs are stale until the list is re-fetched.
func (s *Store) ensureConv(id string) *Conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &Conversation{ID: id}
		s.convs[id] = c
		s.stale[id] = true
		s.saveConv(c)
	}
	return c
}

func (s *Store) recipient(conversationID string) string {
	c, ok := s.convs[conversationID]
	if !ok {
		return ""
	}
	for _, p := range c.Participants {
		if p.ID != s.cfg.UserID {
			return p.ID
		}
	}
	return ""
}

func (s *Store) indexByClientID(conversationID, clientID string) int {
	if clientID == "" {
		return -1
	}
	return slices.IndexFunc(s.msgs[conversationID], func(m *Message) bool { return m.ClientID == clientID })
}

func (s *Store) save(m *Message) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveMessage(*m); err != nil {
		s.logger.Warn("persist message failed", zap.String("key", m.Key()), zap.Error(err))
	}
}

func (s *Store) saveConv(c *Conversation) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveConversation(*c); err != nil {
		s.logger.Warn("persist conversation failed", zap.String("conversation", c.ID), zap.Error(err))
	}
}

func (s *Store) remove(clientID string) {
	if t, ok := s.timers[clientID]; ok {
		t.Stop()
		delete(s.timers, clientID)
	}
	if s.persist == nil {
		return
	}
	if err := s.persist.DeleteMessage(clientID); err != nil {
		s.logger.Warn("persist delete failed", zap.String("client_id", clientID), zap.Error(err))
	}
}

func cloneConv(c *Conversation) Conversation {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}

func lastAt(c Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}
