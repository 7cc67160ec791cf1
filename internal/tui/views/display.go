package views

import (
	"strings"
	"time"

	"github.com/carelane/portalchat/internal/conversation"
)

// DisplayName names a conversation by its other participants.
func DisplayName(c conversation.Conversation, self string) string {
	var names []string
	for _, p := range c.Participants {
		if p.ID == self {
			continue
		}
		name := p.DisplayName
		if name == "" {
			name = p.ID
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return c.ID
	}
	return strings.Join(names, ", ")
}

// SenderName names the author of m within c.
func SenderName(c conversation.Conversation, m conversation.Message, self string) string {
	if m.SenderID == self {
		return "You"
	}
	for _, p := range c.Participants {
		if p.ID == m.SenderID && p.DisplayName != "" {
			return p.DisplayName
		}
	}
	return m.SenderID
}

func formatTimestamp(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}

func preview(c conversation.Conversation) string {
	if c.LastMessage == nil {
		return ""
	}
	return strings.Join(strings.Fields(c.LastMessage.Content), " ")
}

func lastActivity(c conversation.Conversation) time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

func matchesFilter(c conversation.Conversation, self, filter string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(filter)
	return strings.Contains(strings.ToLower(DisplayName(c, self)), f) ||
		strings.Contains(strings.ToLower(preview(c)), f)
}
