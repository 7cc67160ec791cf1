package views

import (
	"testing"
	"time"

	"github.com/carelane/portalchat/internal/conversation"
)

var conv = conversation.Conversation{
	ID: "c1",
	Participants: []conversation.Participant{
		{ID: "p1", DisplayName: "Pat Doe", Role: "patient"},
		{ID: "dr-1", DisplayName: "Dr. Ames", Role: "provider"},
		{ID: "nurse-2", Role: "nurse"},
	},
	LastMessage: &conversation.Summary{Content: "see you\n  tomorrow", CreatedAt: time.Now()},
}

func TestDisplayName(t *testing.T) {
	if got := DisplayName(conv, "p1"); got != "Dr. Ames, nurse-2" {
		t.Errorf("DisplayName = %q", got)
	}
	if got := DisplayName(conversation.Conversation{ID: "c2", Participants: []conversation.Participant{{ID: "p1"}}}, "p1"); got != "c2" {
		t.Errorf("solo conversation = %q, want the id", got)
	}
}

func TestSenderName(t *testing.T) {
	tests := []struct {
		sender string
		want   string
	}{
		{"p1", "You"},
		{"dr-1", "Dr. Ames"},
		{"nurse-2", "nurse-2"},
		{"stranger", "stranger"},
	}
	for _, tt := range tests {
		if got := SenderName(conv, conversation.Message{SenderID: tt.sender}, "p1"); got != tt.want {
			t.Errorf("SenderName(%s) = %q, want %q", tt.sender, got, tt.want)
		}
	}
}

func TestMatchesFilter(t *testing.T) {
	if !matchesFilter(conv, "p1", "AMES") {
		t.Error("name filter is case sensitive")
	}
	if !matchesFilter(conv, "p1", "you tomorrow") {
		t.Error("preview whitespace not collapsed")
	}
	if matchesFilter(conv, "p1", "pat") {
		t.Error("own name matched")
	}
}

func TestSanitizeForTerminal(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello\tworld\n", "hello\tworld\n"},
		{"escape sequence", "a\x1b[31mred", "a[31mred"},
		{"c1 control", "a\u0085b", "ab"},
		{"skin tone", "👍🏻", "👍"},
		{"invalid utf8", "a\xffb", "a�b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sanitizeForTerminal(tt.in); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 4, 15, 0, 0, 0, time.Local)
	if got := formatTimestamp(now.Add(-time.Hour), now); got != "14:00" {
		t.Errorf("same day = %q", got)
	}
	if got := formatTimestamp(now.AddDate(0, 0, -2), now); got != "03/02" {
		t.Errorf("older = %q", got)
	}
	if got := formatTimestamp(time.Time{}, now); got != "" {
		t.Errorf("zero = %q", got)
	}
}
