package conversation

import (
	"time"

	"github.com/carelane/portalchat/internal/store"
)

// Persister keeps a local copy of the store so a restarted session can show
// its last known state before the network answers.
type Persister interface {
	SaveConversation(c Conversation) error
	SaveMessage(m Message) error
	DeleteMessage(clientID string) error
	LoadConversations() ([]Conversation, error)
	LoadMessages(conversationID string) ([]Message, error)
	MarkRead(conversationID string, messageIDs []string) error
}

// DBPersister persists to the session database.
type DBPersister struct {
	DB *store.DB
}

func (p DBPersister) SaveConversation(c Conversation) error {
	row := store.Conversation{ID: c.ID, UnreadCount: c.UnreadCount}
	for _, part := range c.Participants {
		row.Participants = append(row.Participants, store.Participant(part))
	}
	if c.LastMessage != nil {
		row.LastContent = c.LastMessage.Content
		row.LastSenderID = c.LastMessage.SenderID
		row.LastCreatedAt = c.LastMessage.CreatedAt.UnixMilli()
	}
	return p.DB.UpsertConversation(&row)
}

func (p DBPersister) SaveMessage(m Message) error {
	return p.DB.SaveMessage(&store.Message{
		ConversationID: m.ConversationID,
		ServerID:       m.ID,
		ClientID:       m.ClientID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		ContentType:    string(m.ContentType),
		IsRead:         m.IsRead,
		State:          string(m.State),
		CreatedAt:      m.CreatedAt.UnixMilli(),
	})
}

func (p DBPersister) DeleteMessage(clientID string) error {
	return p.DB.DeleteMessageByClientID(clientID)
}

func (p DBPersister) LoadConversations() ([]Conversation, error) {
	rows, err := p.DB.ListConversations()
	if err != nil {
		return nil, err
	}
	out := make([]Conversation, 0, len(rows))
	for _, r := range rows {
		c := Conversation{ID: r.ID, UnreadCount: r.UnreadCount}
		for _, part := range r.Participants {
			c.Participants = append(c.Participants, Participant(part))
		}
		if r.LastCreatedAt > 0 {
			c.LastMessage = &Summary{
				Content:   r.LastContent,
				SenderID:  r.LastSenderID,
				CreatedAt: time.UnixMilli(r.LastCreatedAt),
			}
		}
		out = append(out, c)
	}
	return out, nil
}

func (p DBPersister) LoadMessages(conversationID string) ([]Message, error) {
	rows, err := p.DB.ListMessages(conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(rows))
	for _, r := range rows {
		state := State(r.State)
		if state == "" {
			state = Confirmed
		}
		out = append(out, Message{
			ID:             r.ServerID,
			ClientID:       r.ClientID,
			ConversationID: r.ConversationID,
			SenderID:       r.SenderID,
			Content:        r.Content,
			ContentType:    ContentType(r.ContentType),
			IsRead:         r.IsRead,
			CreatedAt:      time.UnixMilli(r.CreatedAt),
			State:          state,
		})
	}
	return out, nil
}

func (p DBPersister) MarkRead(conversationID string, messageIDs []string) error {
	return p.DB.MarkMessagesRead(conversationID, messageIDs)
}
