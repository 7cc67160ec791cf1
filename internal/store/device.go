package store

import (
	"database/sql"
	"time"
)

// SaveDeviceToken records token as the user's active token. Any other token
// still active for the user is marked stale, since the provider only keeps
// one live token per device.
func (db *DB) SaveDeviceToken(userID, token string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		UPDATE device_tokens SET status = ?, updated_at = ?
		WHERE user_id = ? AND token <> ? AND status = ?`,
		TokenStale, now, userID, token, TokenActive); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		INSERT INTO device_tokens (user_id, token, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, token) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at`,
		userID, token, TokenActive, now, now); err != nil {
		return err
	}
	return tx.Commit()
}

// SetDeviceTokenStatus changes the status of one user's token.
func (db *DB) SetDeviceTokenStatus(userID, token, status string) error {
	_, err := db.Exec(`UPDATE device_tokens SET status = ?, updated_at = ? WHERE user_id = ? AND token = ?`,
		status, time.Now().UnixMilli(), userID, token)
	return err
}

// MarkTokenStale flags a token as invalidated by the provider regardless of
// which user owns it. Returns whether a row changed.
func (db *DB) MarkTokenStale(token string) (bool, error) {
	res, err := db.Exec(`UPDATE device_tokens SET status = ?, updated_at = ? WHERE token = ? AND status = ?`,
		TokenStale, time.Now().UnixMilli(), token, TokenActive)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ActiveDeviceToken returns the user's active token, or nil.
func (db *DB) ActiveDeviceToken(userID string) (*DeviceToken, error) {
	var t DeviceToken
	err := db.QueryRow(`
		SELECT user_id, token, status, created_at, updated_at
		FROM device_tokens WHERE user_id = ? AND status = ?
		ORDER BY updated_at DESC LIMIT 1`, userID, TokenActive).
		Scan(&t.UserID, &t.Token, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeviceTokensByStatus lists a user's tokens in the given status.
func (db *DB) DeviceTokensByStatus(userID, status string) ([]DeviceToken, error) {
	rows, err := db.Query(`
		SELECT user_id, token, status, created_at, updated_at
		FROM device_tokens WHERE user_id = ? AND status = ?
		ORDER BY updated_at ASC`, userID, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tokens []DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.UserID, &t.Token, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// TokenStatus returns the status recorded for token, or "" if unknown.
func (db *DB) TokenStatus(token string) (string, error) {
	var status string
	err := db.QueryRow(`SELECT status FROM device_tokens WHERE token = ? ORDER BY updated_at DESC LIMIT 1`, token).Scan(&status)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return status, err
}
