package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertNotification stores a rendered notification. A second notification
// with the same tag replaces the first and bumps its count, so entries for
// one conversation collapse instead of stacking.
func (db *DB) UpsertNotification(n *Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	if n.ReceivedAt == 0 {
		n.ReceivedAt = time.Now().UnixMilli()
	}
	_, err = db.Exec(`
		INSERT INTO notifications (tag, title, body, destination, data, count, received_at, clicked_at)
		VALUES (?, ?, ?, ?, ?, 1, ?, NULL)
		ON CONFLICT(tag) DO UPDATE SET
			title = excluded.title,
			body = excluded.body,
			destination = excluded.destination,
			data = excluded.data,
			count = notifications.count + 1,
			received_at = excluded.received_at,
			clicked_at = NULL`,
		n.Tag, n.Title, n.Body, n.Destination, string(data), n.ReceivedAt)
	return err
}

// GetNotification returns the entry for tag, or nil.
func (db *DB) GetNotification(tag string) (*Notification, error) {
	row := db.QueryRow(`
		SELECT tag, title, body, destination, data, count, received_at, COALESCE(clicked_at, 0)
		FROM notifications WHERE tag = ?`, tag)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return n, err
}

// ListNotifications returns entries newest first. Clicked entries are
// included only when includeClicked is set.
func (db *DB) ListNotifications(includeClicked bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT tag, title, body, destination, data, count, received_at, COALESCE(clicked_at, 0)
		FROM notifications
		WHERE ? OR clicked_at IS NULL
		ORDER BY received_at DESC
		LIMIT ?`, includeClicked, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// MarkNotificationClicked records that the user acted on an entry.
func (db *DB) MarkNotificationClicked(tag string) error {
	_, err := db.Exec(`UPDATE notifications SET clicked_at = ? WHERE tag = ?`, time.Now().UnixMilli(), tag)
	return err
}

func scanNotification(s scanner) (*Notification, error) {
	var n Notification
	var data string
	if err := s.Scan(&n.Tag, &n.Title, &n.Body, &n.Destination, &data, &n.Count, &n.ReceivedAt, &n.ClickedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
		return nil, fmt.Errorf("decode notification data for %s: %w", n.Tag, err)
	}
	return &n, nil
}
