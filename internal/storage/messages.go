package storage

import (
	"fmt"
	"time"
)

// SaveMessage appends a turn to the conversation transcript.
func (s *Store) SaveMessage(m Message) error {
	_, err := s.db.Exec(`
		INSERT INTO messages (id, user_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Role, m.Content, m.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// RecentMessages returns up to limit transcript turns, most recent first.
// Insertion order (seq) decides recency, so same-second turns keep their order.
func (s *Store) RecentMessages(userID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, role, content, created_at
		FROM messages WHERE user_id = ?
		ORDER BY seq DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Message
	for rows.Next() {
		var m Message
		var createdAt string
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &m.Content, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		m.CreatedAt = t
		results = append(results, m)
	}
	return results, rows.Err()
}

// LastMessage returns the most recent transcript turn for the user.
func (s *Store) LastMessage(userID string) (Message, error) {
	msgs, err := s.RecentMessages(userID, 1)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}
