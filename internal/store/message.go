package store

import (
	"database/sql"
	"time"
)

// SaveMessage records a message. A row carrying the same client id is
// updated in place, which is how a pending message becomes confirmed;
// otherwise the row is upserted on (conversation_id, server_id).
func (db *DB) SaveMessage(m *Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`INSERT OR IGNORE INTO conversations (id, updated_at) VALUES (?, ?)`, m.ConversationID, now); err != nil {
		return err
	}

	if m.ClientID != "" {
		res, err := tx.Exec(`
			UPDATE messages SET server_id = ?, sender_id = ?, content = ?, content_type = ?,
				is_read = ?, state = ?, created_at = ?, updated_at = ?
			WHERE client_id = ?`,
			nullable(m.ServerID), m.SenderID, m.Content, m.ContentType, m.IsRead, m.State, m.CreatedAt, now, m.ClientID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return tx.Commit()
		}
	}

	_, err = tx.Exec(`
		INSERT INTO messages (conversation_id, server_id, client_id, sender_id, content, content_type, is_read, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, server_id) DO UPDATE SET
			is_read = excluded.is_read,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		m.ConversationID, nullable(m.ServerID), nullable(m.ClientID), m.SenderID, m.Content, m.ContentType, m.IsRead, m.State, m.CreatedAt, now)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteMessageByClientID removes a locally originated message, used when a
// failed send is replaced by a retry.
func (db *DB) DeleteMessageByClientID(clientID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE client_id = ?`, clientID)
	return err
}

// ListMessages returns a conversation's cached messages ordered by creation time.
func (db *DB) ListMessages(conversationID string) ([]Message, error) {
	rows, err := db.Query(`
		SELECT id, conversation_id, COALESCE(server_id, ''), COALESCE(client_id, ''), sender_id,
			content, content_type, is_read, state, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ServerID, &m.ClientID, &m.SenderID,
			&m.Content, &m.ContentType, &m.IsRead, &m.State, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkMessagesRead flags the given server ids as read.
func (db *DB) MarkMessagesRead(conversationID string, serverIDs []string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`UPDATE messages SET is_read = 1, updated_at = ? WHERE conversation_id = ? AND server_id = ?`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	now := time.Now().UnixMilli()
	for _, id := range serverIDs {
		if _, err := stmt.Exec(now, conversationID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
