package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carelane/portalchat/internal/bus"
	"github.com/carelane/portalchat/internal/status"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var errDropped = errors.New("connection reset")

// fakeConn is an in-memory transport. Frames pushed with deliver are
// returned by Read; drop simulates a transport failure.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, errDropped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errDropped
	default:
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping(context.Context) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) drop() { _ = c.Close() }

func (c *fakeConn) deliver(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	frame, _ := json.Marshal(Frame{Event: event, Data: raw})
	c.in <- frame
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

// fakeDialer returns results from script by call number; the last entry
// repeats once the script runs out.
type fakeDialer struct {
	mu     sync.Mutex
	calls  int
	tokens []string
	script []func() (Conn, error)
}

func (d *fakeDialer) Dial(_ context.Context, token string) (Conn, error) {
	d.mu.Lock()
	n := d.calls
	d.calls++
	d.tokens = append(d.tokens, token)
	step := d.script[min(n, len(d.script)-1)]
	d.mu.Unlock()
	return step()
}

func (d *fakeDialer) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func succeed(c *fakeConn) func() (Conn, error) {
	return func() (Conn, error) { return c, nil }
}

func fail(err error) func() (Conn, error) {
	return func() (Conn, error) { return nil, err }
}

func testConfig() Config {
	return Config{
		BackoffInitial:    5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		BackoffMultiplier: 2,
		RetryWindow:       150 * time.Millisecond,
		DialTimeout:       time.Second,
		WriteTimeout:      time.Second,
	}
}

func newTestManager(t *testing.T, d Dialer) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := NewManager(testConfig(), d, status.NewMachine(b), nil, zap.NewNop())
	t.Cleanup(m.Disconnect)
	return m, b
}

// recordStates collects state changes until want is seen or the timeout hits.
func recordStates(t *testing.T, ch <-chan bus.Event, until status.State, timeout time.Duration) []status.StatusChange {
	t.Helper()
	var got []status.StatusChange
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-ch:
			change, ok := evt.Payload.(status.StatusChange)
			if !ok {
				continue
			}
			got = append(got, change)
			if change.To == until {
				return got
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s; saw %v", until, got)
		}
	}
}

func TestConnectAndSend(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){succeed(conn)}}
	m, _ := newTestManager(t, d)

	if err := m.Send(context.Background(), EventSendMessage, map[string]string{"content": "early"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send() before connect error = %v, want ErrNotConnected", err)
	}

	if err := m.Connect(context.Background(), "opaque-token", "u1"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if m.State() != status.Connected {
		t.Fatalf("state = %s, want CONNECTED", m.State())
	}

	if err := m.Send(context.Background(), EventSendMessage, map[string]string{"content": "hello"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	frames := conn.frames()
	if len(frames) != 1 || frames[0].Event != EventSendMessage {
		t.Fatalf("written = %+v", frames)
	}
	var payload map[string]string
	_ = json.Unmarshal(frames[0].Data, &payload)
	if payload["content"] != "hello" {
		t.Errorf("payload = %v", payload)
	}
	if d.tokens[0] != "opaque-token" {
		t.Errorf("dialed with token %q", d.tokens[0])
	}
}

func TestSecondConnectIsNoop(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){succeed(conn)}}
	m, _ := newTestManager(t, d)

	for i := 0; i < 3; i++ {
		if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
			t.Fatal(err)
		}
	}
	if n := d.callCount(); n != 1 {
		t.Errorf("dial calls = %d, want 1", n)
	}
}

func TestHandlersReceiveFrames(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){succeed(conn)}}
	m, _ := newTestManager(t, d)

	got := make(chan Frame, 4)
	all := make(chan string, 4)
	unregister := m.On(EventReceiveMessage, func(f Frame) { got <- f })
	m.On(AnyEvent, func(f Frame) { all <- f.Event })

	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	conn.deliver(t, EventReceiveMessage, map[string]string{"id": "m1"})

	select {
	case f := <-got:
		if string(f.Data) != `{"id":"m1"}` {
			t.Errorf("data = %s", f.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not called")
	}
	if ev := <-all; ev != EventReceiveMessage {
		t.Errorf("any handler saw %q", ev)
	}

	unregister()
	conn.deliver(t, EventReceiveMessage, map[string]string{"id": "m2"})
	if ev := <-all; ev != EventReceiveMessage {
		t.Errorf("any handler saw %q", ev)
	}
	select {
	case f := <-got:
		t.Errorf("unregistered handler called with %s", f.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedFrameIgnored(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){succeed(conn)}}
	m, _ := newTestManager(t, d)

	all := make(chan string, 4)
	m.On(AnyEvent, func(f Frame) { all <- f.Event })
	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}

	conn.in <- []byte("not json")
	conn.deliver(t, EventMessagesRead, map[string]any{})

	if ev := <-all; ev != EventMessagesRead {
		t.Errorf("first dispatched event = %q, want %s", ev, EventMessagesRead)
	}
	if m.State() != status.Connected {
		t.Errorf("state = %s after malformed frame", m.State())
	}
}

// TestDropReconnects verifies a transport drop is followed by Reconnecting
// and then Connected, never Connected -> Disconnected.
func TestDropReconnects(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){
		succeed(first),
		fail(errDropped),
		fail(errDropped),
		succeed(second),
	}}
	m, b := newTestManager(t, d)
	ch, unsub := b.Subscribe(bus.ChannelStateChanged, 32)
	defer unsub()

	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	recordStates(t, ch, status.Connected, time.Second)

	first.drop()
	got := recordStates(t, ch, status.Connected, 2*time.Second)

	if got[0].From != status.Connected || got[0].To != status.Reconnecting {
		t.Fatalf("first change after drop = %+v, want CONNECTED -> RECONNECTING", got[0])
	}
	for _, c := range got[1 : len(got)-1] {
		if c.To != status.Reconnecting {
			t.Errorf("intermediate change = %+v, want RECONNECTING", c)
		}
	}
	if n := len(got) - 2; n != 2 {
		t.Errorf("failed attempts reported = %d, want 2", n)
	}

	if err := m.Send(context.Background(), EventPresence, map[string]string{"state": "foreground"}); err != nil {
		t.Fatalf("Send() after reconnect error = %v", err)
	}
	if len(second.frames()) != 1 {
		t.Error("send did not use the new connection")
	}
}

// TestRetryWindowExhausted verifies the manager gives up after the retry
// window and surfaces a warning.
func TestRetryWindowExhausted(t *testing.T) {
	first := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){succeed(first), fail(errDropped)}}
	m, b := newTestManager(t, d)
	states, unsub := b.Subscribe(bus.ChannelStateChanged, 64)
	defer unsub()
	warnings, unsubW := b.Subscribe(bus.ChannelWarning, 4)
	defer unsubW()

	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	recordStates(t, states, status.Connected, time.Second)

	first.drop()
	got := recordStates(t, states, status.Disconnected, 2*time.Second)

	if got[0].To != status.Reconnecting {
		t.Fatalf("first change after drop = %+v, want RECONNECTING", got[0])
	}
	last := got[len(got)-1]
	if last.From != status.Reconnecting || last.Reason != status.ReasonRetryExhausted {
		t.Errorf("final change = %+v, want RECONNECTING -> DISCONNECTED (retry_exhausted)", last)
	}

	select {
	case evt := <-warnings:
		w := evt.Payload.(status.Warning)
		if w.Message != "messaging unavailable" {
			t.Errorf("warning = %+v", w)
		}
	case <-time.After(time.Second):
		t.Fatal("no warning after retry window elapsed")
	}

	if err := m.Send(context.Background(), EventSendMessage, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() error = %v, want ErrNotConnected", err)
	}
}

func TestAuthRejectedAtHandshakeIsTerminal(t *testing.T) {
	d := &fakeDialer{script: []func() (Conn, error){fail(fmt.Errorf("%w: 401 Unauthorized", ErrAuthRejected))}}
	m, b := newTestManager(t, d)
	warnings, unsub := b.Subscribe(bus.ChannelWarning, 4)
	defer unsub()

	err := m.Connect(context.Background(), "bad", "u1")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Connect() error = %v, want ErrAuthRejected", err)
	}
	if m.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}

	select {
	case evt := <-warnings:
		if w := evt.Payload.(status.Warning); w.Reason != status.ReasonAuthRejected {
			t.Errorf("warning reason = %s", w.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("auth rejection must produce a warning")
	}

	time.Sleep(50 * time.Millisecond)
	if n := d.callCount(); n != 1 {
		t.Errorf("dial calls = %d, want 1 (no retry after auth rejection)", n)
	}
}

func TestAuthRejectedDuringReconnectStopsRetrying(t *testing.T) {
	first := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){
		succeed(first),
		fail(errDropped),
		fail(fmt.Errorf("%w: 403 Forbidden", ErrAuthRejected)),
		succeed(newFakeConn()),
	}}
	m, b := newTestManager(t, d)
	states, unsub := b.Subscribe(bus.ChannelStateChanged, 32)
	defer unsub()

	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	recordStates(t, states, status.Connected, time.Second)
	first.drop()

	got := recordStates(t, states, status.Disconnected, 2*time.Second)
	if last := got[len(got)-1]; last.Reason != status.ReasonAuthRejected {
		t.Errorf("final reason = %s, want auth_rejected", last.Reason)
	}
	time.Sleep(50 * time.Millisecond)
	if n := d.callCount(); n != 3 {
		t.Errorf("dial calls = %d, want 3", n)
	}
}

func TestServerRevocationDisconnects(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){succeed(conn)}}
	m, b := newTestManager(t, d)
	states, unsub := b.Subscribe(bus.ChannelStateChanged, 16)
	defer unsub()

	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	recordStates(t, states, status.Connected, time.Second)

	conn.deliver(t, EventUnauthorized, map[string]string{"reason": "session expired"})
	got := recordStates(t, states, status.Disconnected, time.Second)
	if last := got[len(got)-1]; last.From != status.Connected || last.Reason != status.ReasonAuthRejected {
		t.Errorf("change = %+v", last)
	}
	if n := d.callCount(); n != 1 {
		t.Errorf("dial calls = %d, want 1", n)
	}
}

func TestDisconnectIsCleanAndStopsReconnect(t *testing.T) {
	first := newFakeConn()
	release := make(chan struct{})
	d := &fakeDialer{script: []func() (Conn, error){
		succeed(first),
		func() (Conn, error) { <-release; return nil, errDropped },
	}}
	m, b := newTestManager(t, d)
	states, unsub := b.Subscribe(bus.ChannelStateChanged, 16)
	defer unsub()
	warnings, unsubW := b.Subscribe(bus.ChannelWarning, 4)
	defer unsubW()

	if err := m.Connect(context.Background(), "tok", "u1"); err != nil {
		t.Fatal(err)
	}
	recordStates(t, states, status.Connected, time.Second)
	first.drop()
	recordStates(t, states, status.Reconnecting, time.Second)

	m.Disconnect()
	close(release)

	got := recordStates(t, states, status.Disconnected, time.Second)
	if last := got[len(got)-1]; last.Reason != status.ReasonClientClosed {
		t.Errorf("reason = %s, want client_closed", last.Reason)
	}

	select {
	case evt := <-warnings:
		t.Errorf("unexpected warning %+v", evt.Payload)
	case <-time.After(100 * time.Millisecond):
	}
	if m.State() != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.State())
	}
	if n := d.callCount(); n != 2 {
		t.Errorf("dial calls = %d, want 2 (no attempts after Disconnect)", n)
	}
}

func TestExpiredTokenRejectedWithoutDialing(t *testing.T) {
	d := &fakeDialer{script: []func() (Conn, error){succeed(newFakeConn())}}
	m, _ := newTestManager(t, d)

	token := signedToken(t, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	})
	if err := m.Connect(context.Background(), token, "u1"); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Connect() error = %v, want ErrAuthRejected", err)
	}
	if d.callCount() != 0 {
		t.Error("expired token should not be sent to the server")
	}
}

func TestCheckToken(t *testing.T) {
	now := time.Now()
	valid := signedToken(t, jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))})
	otherUser := signedToken(t, jwt.RegisteredClaims{Subject: "u2"})
	expired := signedToken(t, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(now.Add(-time.Second))})

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid jwt", valid, false},
		{"opaque token", "sess_8f2a", false},
		{"empty", "", true},
		{"other user", otherUser, true},
		{"expired", expired, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckToken(tt.token, "u1", now)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckToken() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrAuthRejected) {
				t.Errorf("error %v does not wrap ErrAuthRejected", err)
			}
		})
	}
}

func signedToken(t *testing.T, claims jwt.RegisteredClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRedialAfterInitialDialFailure(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{script: []func() (Conn, error){fail(errDropped), succeed(conn)}}
	m, _ := newTestManager(t, d)

	if err := m.Connect(context.Background(), "tok", "u1"); !errors.Is(err, errDropped) {
		t.Fatalf("Connect() error = %v, want dial failure", err)
	}
	if m.State() != status.Disconnected {
		t.Fatalf("state = %s, want DISCONNECTED", m.State())
	}

	if err := m.Redial(context.Background()); err != nil {
		t.Fatalf("Redial() error = %v", err)
	}
	if m.State() != status.Connected {
		t.Fatalf("state = %s, want CONNECTED", m.State())
	}
	if d.callCount() != 2 || d.tokens[1] != "tok" {
		t.Errorf("dials = %d tokens = %v", d.callCount(), d.tokens)
	}
}

func TestRedialRefusedAfterSignOutOrRejection(t *testing.T) {
	d := &fakeDialer{script: []func() (Conn, error){fail(fmt.Errorf("%w: 401", ErrAuthRejected))}}
	m, _ := newTestManager(t, d)

	if err := m.Redial(context.Background()); !errors.Is(err, ErrNoRedial) {
		t.Fatalf("Redial() before connect error = %v", err)
	}
	if err := m.Connect(context.Background(), "tok", "u1"); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := m.Redial(context.Background()); !errors.Is(err, ErrNoRedial) {
		t.Fatalf("Redial() after rejection error = %v", err)
	}

	d2 := &fakeDialer{script: []func() (Conn, error){fail(errDropped)}}
	m2, _ := newTestManager(t, d2)
	_ = m2.Connect(context.Background(), "tok", "u1")
	m2.Disconnect()
	if err := m2.Redial(context.Background()); !errors.Is(err, ErrNoRedial) {
		t.Fatalf("Redial() after sign-out error = %v", err)
	}
	if d2.callCount() != 1 {
		t.Errorf("dials = %d, want 1", d2.callCount())
	}
}
