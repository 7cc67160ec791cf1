package push

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/carelane/portalchat/internal/lock"
	"github.com/carelane/portalchat/internal/store"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, _, err := store.OpenMigrated(filepath.Join(t.TempDir(), "portal.db"))
	if err != nil {
		t.Fatalf("OpenMigrated: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type fakeWindow struct {
	mu     sync.Mutex
	opened []string
	err    error
}

func (w *fakeWindow) Open(ctx context.Context, dest string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.opened = append(w.opened, dest)
	return w.err
}

func newTestHandler(t *testing.T, supported bool) (*Handler, *store.DB, *fakeWindow) {
	t.Helper()
	db := testDB(t)
	win := &fakeWindow{}
	return NewHandler(supported, DBSurface{DB: db}, db, win, nil, zap.NewNop()), db, win
}

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantTag  string
		wantDest string
		title    string
		wantErr  bool
	}{
		{"conversation", `{"notification":{"title":"New message","body":"hi"},"data":{"conversationId":"c1"}}`, "c1", "/chat/c1", "New message", false},
		{"appointment", `{"notification":{"title":"Reminder"},"data":{"appointmentId":"a9"}}`, "a9", "/appointments/a9", "Reminder", false},
		{"conversation wins", `{"data":{"appointmentId":"a9","conversationId":"c2"}}`, "c2", "/chat/c2", DefaultTitle, false},
		{"numeric id", `{"data":{"conversationId":42}}`, "42", "/chat/42", DefaultTitle, false},
		{"large numeric id", `{"data":{"conversationId":12345678}}`, "12345678", "/chat/12345678", DefaultTitle, false},
		{"big appointment id", `{"data":{"appointmentId":9007199254740993}}`, "9007199254740993", "/appointments/9007199254740993", DefaultTitle, false},
		{"no routing key", `{"notification":{"title":"Hello"},"data":{}}`, DefaultTag, "/", "Hello", false},
		{"blank title", `{"notification":{"title":"  "}}`, DefaultTag, "/", DefaultTitle, false},
		{"malformed", `{"notification":`, DefaultTag, "/", DefaultTitle, true},
		{"empty", ``, DefaultTag, "/", DefaultTitle, true},
		{"trailing garbage", `{"data":{"conversationId":"c1"}} x`, DefaultTag, "/", DefaultTitle, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Render([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if n.Tag != tt.wantTag || n.Destination != tt.wantDest || n.Title != tt.title {
				t.Errorf("got tag=%q dest=%q title=%q", n.Tag, n.Destination, n.Title)
			}
			if tt.wantErr && n.Body != DefaultBody {
				t.Errorf("undecodable payload body = %q, want %q", n.Body, DefaultBody)
			}
		})
	}
}

func TestConversationFromDestination(t *testing.T) {
	if id, ok := ConversationFromDestination("/chat/c%2F1"); !ok || id != "c/1" {
		t.Errorf("got %q %v", id, ok)
	}
	if _, ok := ConversationFromDestination("/appointments/a1"); ok {
		t.Error("appointment parsed as conversation")
	}
}

// A push for conversation c1 must collapse under tag c1 and a click must
// land on /chat/c1.
func TestDeepLinkRoundTrip(t *testing.T) {
	for _, dest := range []string{"/chat/c1", "/chat/a%2Fb", "/appointments/42", "/"} {
		link := DeepLink(dest)
		if !strings.HasPrefix(link, LinkScheme+"://") {
			t.Errorf("DeepLink(%q) = %q", dest, link)
		}
		got, err := ParseLink(link)
		if err != nil || got != dest {
			t.Errorf("ParseLink(%q) = %q, %v; want %q", link, got, err, dest)
		}
	}
	if got, err := ParseLink("/chat/c9"); err != nil || got != "/chat/c9" {
		t.Errorf("bare destination = %q, %v", got, err)
	}
	if _, err := ParseLink("https://example.com/chat/c1"); err == nil {
		t.Error("foreign scheme accepted")
	}
}

func TestPushThenClickRoutesToConversation(t *testing.T) {
	h, _, win := newTestHandler(t, true)
	ctx := context.Background()

	raw := []byte(`{"notification":{"title":"New message"},"data":{"conversationId":"c1"}}`)
	for i := 0; i < 2; i++ {
		if _, err := h.HandlePush(ctx, "", raw); err != nil {
			t.Fatalf("HandlePush: %v", err)
		}
	}

	list, err := h.List(ctx, false, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Tag != "c1" || list[0].Count != 2 {
		t.Fatalf("list = %+v", list)
	}

	dest, err := h.Click(ctx, "c1")
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if dest != "/chat/c1" || len(win.opened) != 1 || win.opened[0] != "/chat/c1" {
		t.Errorf("dest = %q opened = %v", dest, win.opened)
	}
	if list, _ := h.List(ctx, false, 10); len(list) != 0 {
		t.Errorf("clicked entry still listed: %+v", list)
	}
}

func TestClickUnknownTag(t *testing.T) {
	h, _, _ := newTestHandler(t, true)
	if _, err := h.Click(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestUnsupportedRefusesPush(t *testing.T) {
	h, db, _ := newTestHandler(t, false)
	if _, err := h.HandlePush(context.Background(), "", []byte(`{}`)); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("err = %v", err)
	}
	if list, _ := db.ListNotifications(true, 10); len(list) != 0 {
		t.Errorf("rendered %d notifications", len(list))
	}
}

func TestPushForInactiveTokenDropped(t *testing.T) {
	h, db, _ := newTestHandler(t, true)
	if err := db.SaveDeviceToken("u1", "tok-1"); err != nil {
		t.Fatal(err)
	}
	if err := db.SetDeviceTokenStatus("u1", "tok-1", store.TokenDeactivated); err != nil {
		t.Fatal(err)
	}

	_, err := h.HandlePush(context.Background(), "tok-1", []byte(`{"data":{"conversationId":"c1"}}`))
	if !errors.Is(err, ErrInactiveToken) {
		t.Fatalf("err = %v", err)
	}
	if list, _ := db.ListNotifications(true, 10); len(list) != 0 {
		t.Errorf("rendered %d notifications", len(list))
	}
}

type panicSurface struct{ DBSurface }

func (panicSurface) Show(ctx context.Context, n Rendered) error { panic("boom") }

func TestHandlePushRecoversPanic(t *testing.T) {
	db := testDB(t)
	h := NewHandler(true, panicSurface{DBSurface{DB: db}}, db, &fakeWindow{}, nil, zap.NewNop())

	_, err := h.HandlePush(context.Background(), "", []byte(`{}`))
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("err = %v", err)
	}
}

func TestTokenInvalidatedControl(t *testing.T) {
	h, db, _ := newTestHandler(t, true)
	if err := db.SaveDeviceToken("u1", "tok-1"); err != nil {
		t.Fatal(err)
	}

	if err := h.HandleControl(context.Background(), []byte(`{"type":"token_invalidated","token":"tok-1"}`)); err != nil {
		t.Fatalf("HandleControl: %v", err)
	}
	if st, _ := db.TokenStatus("tok-1"); st != store.TokenStale {
		t.Errorf("status = %q", st)
	}
	if err := h.HandleControl(context.Background(), []byte(`{"type":"token_invalidated"}`)); !errors.Is(err, ErrBadControl) {
		t.Errorf("missing token: err = %v", err)
	}
}

func TestWindowReusesOpenWindow(t *testing.T) {
	db := testDB(t)
	lockPath := filepath.Join(t.TempDir(), "WINDOW")
	var launched []string
	w := &Window{
		LockPath: lockPath,
		Intents:  db,
		Launch: func(ctx context.Context, dest string) error {
			launched = append(launched, dest)
			return nil
		},
	}

	if err := w.Open(context.Background(), "/chat/c1"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(launched) != 1 {
		t.Fatalf("launched = %v", launched)
	}

	l, err := lock.Acquire(lockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = l.Release() }()

	if err := w.Open(context.Background(), "/chat/c2"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(launched) != 1 {
		t.Fatalf("launched a second window: %v", launched)
	}
	intents, err := db.TakeIntents()
	if err != nil {
		t.Fatal(err)
	}
	if len(intents) != 1 || intents[0].Destination != "/chat/c2" {
		t.Errorf("intents = %+v", intents)
	}
}

func TestRouter(t *testing.T) {
	h, db, _ := newTestHandler(t, true)
	srv := httptest.NewServer(NewRouter(h, nil, zap.NewNop()))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/push", "application/json",
		strings.NewReader(`{"notification":{"title":"New message"},"data":{"conversationId":"c1"}}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("push status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/v1/notifications")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/notifications/c1/click", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("click status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/control", "application/json", strings.NewReader(`not json`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("control status = %d", resp.StatusCode)
	}

	if n, _ := db.ListNotifications(true, 10); len(n) != 1 || n[0].ClickedAt == 0 {
		t.Errorf("notifications = %+v", n)
	}
}
