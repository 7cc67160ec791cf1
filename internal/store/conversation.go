package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertConversation inserts or updates a cached conversation.
func (db *DB) UpsertConversation(c *Conversation) error {
	participants, err := json.Marshal(c.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	if c.Participants == nil {
		participants = []byte("[]")
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO conversations (id, participants, last_content, last_sender_id, last_created_at, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			last_content = excluded.last_content,
			last_sender_id = excluded.last_sender_id,
			last_created_at = excluded.last_created_at,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, string(participants), c.LastContent, c.LastSenderID, c.LastCreatedAt, c.UnreadCount, now)
	return err
}

// ListConversations returns cached conversations, most recent activity first.
func (db *DB) ListConversations() ([]Conversation, error) {
	rows, err := db.Query(`
		SELECT id, participants, last_content, last_sender_id, last_created_at, unread_count
		FROM conversations
		ORDER BY last_created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// GetConversation returns one cached conversation, or nil if unknown.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	row := db.QueryRow(`
		SELECT id, participants, last_content, last_sender_id, last_created_at, unread_count
		FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// ClearConversations drops every cached conversation and its messages.
// Used when a different user signs in on this device.
func (db *DB) ClearConversations() error {
	_, err := db.Exec(`DELETE FROM conversations`)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*Conversation, error) {
	var c Conversation
	var participants string
	if err := s.Scan(&c.ID, &participants, &c.LastContent, &c.LastSenderID, &c.LastCreatedAt, &c.UnreadCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(participants), &c.Participants); err != nil {
		return nil, fmt.Errorf("decode participants for %s: %w", c.ID, err)
	}
	return &c, nil
}
