package conversation

import "time"

// State is the delivery state of a message as seen by this client.
type State string

const (
	Pending   State = "pending"
	Confirmed State = "confirmed"
	Failed    State = "failed"
)

// ContentType classifies message content.
type ContentType string

const (
	Text  ContentType = "text"
	Image ContentType = "image"
	File  ContentType = "file"
)

// Participant is one member of a conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Summary describes the newest message of a conversation.
type Summary struct {
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	SenderID  string    `json:"senderId"`
}

// Conversation is the client's read view of a server-side conversation.
type Conversation struct {
	ID           string        `json:"id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Summary      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
}

// Message is one chat message. ID is the server id and is empty while the
// message is pending; ClientID is the temporary id that doubles as the
// correlation id carried in the outgoing payload.
type Message struct {
	ID             string      `json:"id,omitempty"`
	ClientID       string      `json:"clientMessageId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	ContentType    ContentType `json:"contentType"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
	State          State       `json:"state,omitempty"`
}

// Key identifies the message within its conversation.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientID
}

// SendPayload is the body of a sendMessage event.
type SendPayload struct {
	ConversationID  string      `json:"conversationId"`
	Content         string      `json:"content"`
	ContentType     ContentType `json:"contentType"`
	RecipientID     string      `json:"recipientId,omitempty"`
	ClientMessageID string      `json:"clientMessageId"`
}

// ReadPayload is the body of markRead and messagesRead events.
type ReadPayload struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
	ReaderID       string   `json:"readerId,omitempty"`
}

// Change is the payload of conversation bus events.
type Change struct {
	ConversationID string
	Message        *Message
	ClientID       string
	Err            string
}
