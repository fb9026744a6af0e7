package storage

import (
	"database/sql"
	"time"
)

// SetPref upserts a single preference key for the user.
func (s *Store) SetPref(userID, key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO user_prefs (user_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetPref returns the stored value for the key, or ErrNotFound.
func (s *Store) GetPref(userID, key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM user_prefs WHERE user_id = ? AND key = ?", userID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// AllPrefs returns every preference key for the user.
func (s *Store) AllPrefs(userID string) (map[string]string, error) {
	rows, err := s.db.Query("SELECT key, value FROM user_prefs WHERE user_id = ?", userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		result[k] = v
	}
	return result, rows.Err()
}
