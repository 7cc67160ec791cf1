package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCountersExposedWithServiceLabel(t *testing.T) {
	m := New("portald")
	m.StateChanged("CONNECTED", "handshake_ok")
	m.Message("confirmed")
	m.Routed("receiveMessage", "store")
	m.Push("rendered")
	m.Token("register")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`channel_transitions_total{reason="handshake_ok",service="portald",to="CONNECTED"} 1`,
		`conversation_messages_total{outcome="confirmed",service="portald"} 1`,
		`router_events_total{event="receiveMessage",path="store",service="portald"} 1`,
		`push_notifications_total{outcome="rendered",service="portald"} 1`,
		`device_token_operations_total{op="register",service="portald"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.StateChanged("CONNECTED", "x")
	m.ReconnectScheduled(0)
	m.Message("sent")
	m.Routed("e", "p")
	m.Push("rendered")
	m.Token("register")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Errorf("nil handler status = %d, want 404", rec.Code)
	}
}
