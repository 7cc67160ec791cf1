package portalapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/carelane/portalchat/internal/conversation"
	"github.com/carelane/portalchat/internal/device"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", func() string { return "tok" }, srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestListConversations(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations" || r.URL.Query().Get("userId") != "u1" {
			t.Errorf("request %s", r.URL)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`[{"id":"c1","participants":[{"id":"doc","displayName":"Dr. A","role":"doctor"}],"unreadCount":3}]`))
	})

	convs, err := c.ListConversations(context.Background(), "u1")
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].UnreadCount != 3 || convs[0].Participants[0].Role != "doctor" {
		t.Errorf("convs = %+v", convs)
	}
}

func TestListMessagesMarksConfirmed(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/c 1/messages" {
			t.Errorf("path = %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode([]conversation.Message{{ID: "s1", Content: "hi"}})
	})

	msgs, err := c.ListMessages(context.Background(), "c 1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].State != conversation.Confirmed || msgs[0].ConversationID != "c 1" {
		t.Errorf("msgs = %+v", msgs)
	}
}

func TestRegisterGoneIsStale(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Token == "old" {
			w.WriteHeader(http.StatusGone)
			return
		}
		w.WriteHeader(http.StatusCreated)
	})

	if err := c.RegisterToken(context.Background(), "u1", "new"); err != nil {
		t.Fatalf("register new: %v", err)
	}
	if err := c.RegisterToken(context.Background(), "u1", "old"); !errors.Is(err, device.ErrStaleToken) {
		t.Fatalf("register old: err = %v", err)
	}
}

func TestUnregister(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path == "/api/notifications/tokens/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.UnregisterToken(context.Background(), "u1", "t1"); err != nil {
		t.Errorf("unregister: %v", err)
	}
	if err := c.UnregisterToken(context.Background(), "u1", "missing"); err != nil {
		t.Errorf("unregister unknown: %v", err)
	}
}

func TestUnauthorized(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	if _, err := c.ListConversations(context.Background(), "u1"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("err = %v", err)
	}
}

func TestNewRejectsRelativeURL(t *testing.T) {
	if _, err := New("/api", nil, nil); err == nil {
		t.Fatal("expected error")
	}
}
