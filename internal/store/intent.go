package store

import "time"

// QueueIntent records a navigation request for an open window.
func (db *DB) QueueIntent(id, destination string) error {
	_, err := db.Exec(`INSERT INTO navigation_intents (id, destination, created_at) VALUES (?, ?, ?)`,
		id, destination, time.Now().UnixMilli())
	return err
}

// TakeIntents returns unconsumed intents oldest first and marks them consumed.
func (db *DB) TakeIntents() ([]Intent, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`
		SELECT id, destination, created_at FROM navigation_intents
		WHERE consumed_at IS NULL ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	var intents []Intent
	for rows.Next() {
		var in Intent
		if err := rows.Scan(&in.ID, &in.Destination, &in.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		intents = append(intents, in)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UnixMilli()
	for _, in := range intents {
		if _, err := tx.Exec(`UPDATE navigation_intents SET consumed_at = ? WHERE id = ?`, now, in.ID); err != nil {
			return nil, err
		}
	}
	return intents, tx.Commit()
}

// PruneIntents deletes intents created before cutoff, consumed or not.
func (db *DB) PruneIntents(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM navigation_intents WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
