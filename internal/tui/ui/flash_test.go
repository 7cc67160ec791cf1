package ui

import (
	"errors"
	"testing"
	"time"
)

func TestFlashOverBanner(t *testing.T) {
	now := time.Unix(1000, 0)
	f := NewFlashModel()
	f.now = func() time.Time { return now }

	if f.GetMessage() != nil {
		t.Fatal("fresh model shows a message")
	}

	f.SetBanner("messaging unavailable")
	f.Err(errors.New("send failed"))
	if m := f.GetMessage(); m == nil || m.Text != "send failed" || m.Level != FlashErr {
		t.Fatalf("got %+v, want the transient error", m)
	}

	now = now.Add(11 * time.Second)
	if m := f.GetMessage(); m == nil || m.Text != "messaging unavailable" || m.Level != FlashWarn {
		t.Fatalf("got %+v, want the banner after expiry", m)
	}

	f.ClearBanner()
	if m := f.GetMessage(); m != nil {
		t.Errorf("got %+v after clearing", m)
	}
}
