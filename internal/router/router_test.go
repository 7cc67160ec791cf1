package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/channel"
	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/status"
	"go.uber.org/zap"
)

type fakeChannel struct {
	mu       sync.Mutex
	state    status.State
	sent     []string
	presence []Presence
	handlers []channel.Handler

	canRedial bool
	redials   int
}

func (f *fakeChannel) State() status.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) setState(s status.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeChannel) Send(ctx context.Context, event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != status.Connected {
		return channel.ErrNotConnected
	}
	f.sent = append(f.sent, event)
	if p, ok := payload.(Presence); ok {
		f.presence = append(f.presence, p)
	}
	return nil
}

func (f *fakeChannel) On(event string, h channel.Handler) func() {
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handlers = nil
		f.mu.Unlock()
	}
}

func (f *fakeChannel) Redial(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redials++
	if !f.canRedial {
		return channel.ErrNoRedial
	}
	f.state = status.Connected
	return nil
}

func (f *fakeChannel) redialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.redials
}

func (f *fakeChannel) deliver(frame channel.Frame) {
	f.mu.Lock()
	hs := append([]channel.Handler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(frame)
	}
}

func (f *fakeChannel) presences() []Presence {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Presence(nil), f.presence...)
}

type fakeFetcher struct {
	mu        sync.Mutex
	msgs      map[string][]conversation.Message
	msgCalls  map[string]int
	listCalls int
}

func (f *fakeFetcher) ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return nil, nil
}

func (f *fakeFetcher) ListMessages(ctx context.Context, id string) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgCalls[id]++
	return f.msgs[id], nil
}

func (f *fakeFetcher) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.msgCalls[id]
}

func (f *fakeFetcher) lists() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func newTestRouter(t *testing.T) (*Router, *fakeChannel, *conversation.Store, *fakeFetcher, *bus.Bus) {
	return newTestRouterTimeout(t, time.Minute)
}

func newTestRouterTimeout(t *testing.T, sendTimeout time.Duration) (*Router, *fakeChannel, *conversation.Store, *fakeFetcher, *bus.Bus) {
	t.Helper()
	b := bus.New()
	ch := &fakeChannel{state: status.Connected}
	f := &fakeFetcher{msgs: map[string][]conversation.Message{}, msgCalls: map[string]int{}}
	st := conversation.NewStore(conversation.Config{UserID: "patient-1", SendTimeout: sendTimeout},
		conversation.Deps{Fetcher: f, Sender: ch, Bus: b})
	r := New(ch, st, b, nil, zap.NewNop())
	r.Start(context.Background())
	t.Cleanup(func() {
		r.Stop()
		st.Close()
	})
	return r, ch, st, f, b
}

func messageFrame(t *testing.T, m conversation.Message) channel.Frame {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	return channel.Frame{Event: channel.EventReceiveMessage, Data: data}
}

func TestForegroundConnectedUpdatesStore(t *testing.T) {
	_, ch, st, _, _ := newTestRouter(t)

	ch.deliver(messageFrame(t, conversation.Message{ID: "s1", ConversationID: "c1", SenderID: "doc", Content: "hi", CreatedAt: time.Now()}))

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "s1" {
		t.Fatalf("store = %+v", msgs)
	}
}

func TestBackgroundLeavesEventToPush(t *testing.T) {
	r, ch, st, _, _ := newTestRouter(t)
	if err := r.SetForeground(context.Background(), false); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}

	ch.deliver(messageFrame(t, conversation.Message{ID: "s1", ConversationID: "c1", SenderID: "doc", CreatedAt: time.Now()}))

	if n := len(st.Messages("c1")); n != 0 {
		t.Fatalf("background event reached the store: %d messages", n)
	}
	stale := st.TakeStale()
	if len(stale) != 1 || stale[0] != "c1" {
		t.Fatalf("stale = %v", stale)
	}
}

// A send made just before backgrounding must still be confirmed by its echo,
// not left to expire into Failed.
func TestOwnConfirmationAppliedWhileBackgrounded(t *testing.T) {
	r, ch, st, _, _ := newTestRouterTimeout(t, 40*time.Millisecond)
	ctx := context.Background()
	sent, err := st.SendMessage(ctx, "c1", "hello", conversation.Text)
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := r.SetForeground(ctx, false); err != nil {
		t.Fatal(err)
	}

	ch.deliver(messageFrame(t, conversation.Message{ID: "s1", ClientID: sent.ClientID, ConversationID: "c1",
		SenderID: "patient-1", Content: "hello", CreatedAt: sent.CreatedAt}))
	time.Sleep(100 * time.Millisecond)

	msgs := st.Messages("c1")
	if len(msgs) != 1 || msgs[0].ID != "s1" || msgs[0].State != conversation.Confirmed {
		t.Fatalf("store = %+v", msgs)
	}
}

func TestResumeRedialsDroppedChannel(t *testing.T) {
	r, ch, _, f, _ := newTestRouter(t)
	ch.mu.Lock()
	ch.state, ch.canRedial = status.Disconnected, true
	ch.mu.Unlock()

	if err := r.SetForeground(context.Background(), true); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}
	if n := ch.redialCount(); n != 1 {
		t.Fatalf("redials = %d, want 1", n)
	}
	if ch.State() != status.Connected {
		t.Fatalf("state = %s", ch.State())
	}
	if f.lists() != 1 {
		t.Errorf("conversation list fetched %d times after redial, want 1", f.lists())
	}
}

func TestResumeAfterSignOutDoesNotResync(t *testing.T) {
	r, ch, _, f, _ := newTestRouter(t)
	ch.setState(status.Disconnected)

	if err := r.SetForeground(context.Background(), true); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}
	if ch.State() != status.Disconnected {
		t.Fatalf("state = %s", ch.State())
	}
	if f.lists() != 0 {
		t.Errorf("conversation list fetched %d times", f.lists())
	}
}

func TestDisconnectedLeavesEventToPush(t *testing.T) {
	_, ch, st, _, _ := newTestRouter(t)
	ch.setState(status.Reconnecting)

	data, _ := json.Marshal(conversation.ReadPayload{ConversationID: "c1", MessageIDs: []string{"s1"}})
	ch.deliver(channel.Frame{Event: channel.EventMessagesRead, Data: data})

	if stale := st.TakeStale(); len(stale) != 1 {
		t.Fatalf("stale = %v", stale)
	}
}

// Resuming must converge unread state even though the push path, not the
// store, saw the events while backgrounded.
func TestResumeRefreshesStaleConversations(t *testing.T) {
	r, ch, st, f, _ := newTestRouter(t)
	ctx := context.Background()
	if err := r.SetForeground(ctx, false); err != nil {
		t.Fatal(err)
	}
	ch.deliver(messageFrame(t, conversation.Message{ID: "s1", ConversationID: "c1", SenderID: "doc", CreatedAt: time.Now()}))
	f.msgs["c1"] = []conversation.Message{{ID: "s1", SenderID: "doc", CreatedAt: time.Now()}}

	if err := r.SetForeground(ctx, true); err != nil {
		t.Fatalf("SetForeground: %v", err)
	}
	if f.calls("c1") != 1 {
		t.Fatalf("history fetched %d times", f.calls("c1"))
	}
	if n := len(st.Messages("c1")); n != 1 {
		t.Fatalf("store has %d messages after resume", n)
	}

	ps := ch.presences()
	if len(ps) != 2 || ps[0].Foreground || !ps[1].Foreground || ps[1].UserID != "patient-1" {
		t.Errorf("presence = %+v", ps)
	}
}

func TestBothPathsDeduplicate(t *testing.T) {
	r, ch, st, f, _ := newTestRouter(t)
	m := conversation.Message{ID: "s1", ConversationID: "c1", SenderID: "doc", CreatedAt: time.Now()}
	ch.deliver(messageFrame(t, m))
	f.msgs["c1"] = []conversation.Message{m}
	st.MarkStale("c1")

	if err := r.Resync(context.Background()); err != nil {
		t.Fatal(err)
	}
	ch.deliver(messageFrame(t, m))
	if n := len(st.Messages("c1")); n != 1 {
		t.Fatalf("got %d copies", n)
	}
}

func TestReconnectTriggersResync(t *testing.T) {
	_, _, st, f, b := newTestRouter(t)
	st.SelectConversation("c1")
	deadline := time.Now().Add(time.Second)
	for f.calls("c1") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	b.Emit(bus.ChannelStateChanged, status.StatusChange{From: status.Reconnecting, To: status.Connected})

	deadline = time.Now().Add(2 * time.Second)
	for f.calls("c1") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("selected history fetched %d times, want 2", f.calls("c1"))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUndecodableFrameIgnored(t *testing.T) {
	_, ch, st, _, _ := newTestRouter(t)
	ch.deliver(channel.Frame{Event: channel.EventReceiveMessage, Data: json.RawMessage(`"nope"`)})
	if len(st.Conversations()) != 0 {
		t.Fatal("undecodable frame changed the store")
	}
}
