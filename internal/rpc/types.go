package rpc

import (
	"encoding/json"
	"time"

	"github.com/carelane/portalchat/internal/conversation"
)

type Empty struct{}

type GetStatusRequest struct{}

type StatusResponse struct {
	Session           string `json:"session"`
	State             string `json:"state"`
	LoggedIn          bool   `json:"loggedIn"`
	UserID            string `json:"userId,omitempty"`
	Foreground        bool   `json:"foreground"`
	Attempt           int    `json:"attempt,omitempty"`
	Warning           string `json:"warning,omitempty"`
	UptimeMs          int64  `json:"uptimeMs"`
	ConversationCount int    `json:"conversationCount"`
	MessageCount      int    `json:"messageCount"`
	Permission        string `json:"permission"`
}

type LoginRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token"`
}

type LogoutResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type SetForegroundRequest struct {
	Foreground bool `json:"foreground"`
}

type WatchEventsRequest struct {
	// Namespaces filters events by kind prefix; empty means all.
	Namespaces []string `json:"namespaces,omitempty"`
}

// Event is a bus event forwarded to a client.
type Event struct {
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type Intent struct {
	ID          string `json:"id"`
	Destination string `json:"destination"`
}

type TakeIntentsResponse struct {
	Intents []Intent `json:"intents"`
}

type ListConversationsRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []conversation.Conversation `json:"conversations"`
}

type MessagesRequest struct {
	ConversationID string `json:"conversationId"`
	Refresh        bool   `json:"refresh,omitempty"`
}

type MessagesResponse struct {
	Messages []conversation.Message `json:"messages"`
	Loaded   bool                   `json:"loaded"`
}

type SelectRequest struct {
	ConversationID string `json:"conversationId"`
}

type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	ContentType    string `json:"contentType,omitempty"`
}

type RetryRequest struct {
	ConversationID string `json:"conversationId"`
	ClientID       string `json:"clientMessageId"`
}

type MessageResponse struct {
	Message conversation.Message `json:"message"`
}

type PermissionResponse struct {
	Supported     bool   `json:"supported"`
	Permission    string `json:"permission"`
	PromptPending bool   `json:"promptPending"`
	Token         string `json:"token,omitempty"`
}

type AnswerPromptRequest struct {
	Granted bool `json:"granted"`
}
