package store

// Participant is one member of a cached conversation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// Conversation is the cached read view of a conversation.
type Conversation struct {
	ID            string
	Participants  []Participant
	LastContent   string
	LastSenderID  string
	LastCreatedAt int64 // unix millis
	UnreadCount   int
}

// Message is a cached message. ServerID is empty while the message is
// pending; ClientID is empty for messages that did not originate here.
type Message struct {
	ID             int64
	ConversationID string
	ServerID       string
	ClientID       string
	SenderID       string
	Content        string
	ContentType    string
	IsRead         bool
	State          string // pending, confirmed, failed
	CreatedAt      int64  // unix millis
}

// Device token statuses.
const (
	TokenActive      = "active"
	TokenStale       = "stale"
	TokenDeactivated = "deactivated"
)

// DeviceToken is a push token issued for one user on this device.
type DeviceToken struct {
	UserID    string
	Token     string
	Status    string
	CreatedAt int64
	UpdatedAt int64
}

// Notification is a rendered notification entry, one per dedup tag.
type Notification struct {
	Tag         string
	Title       string
	Body        string
	Destination string
	Data        map[string]string
	Count       int
	ReceivedAt  int64
	ClickedAt   int64
}

// Intent asks an open window to navigate to a destination.
type Intent struct {
	ID          string
	Destination string
	CreatedAt   int64
}
