package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// UpsertCheckIn inserts the record or, when a row for (user_id, day) already
// exists, updates it in place. The ON CONFLICT clause makes the write
// all-or-nothing: either the existing daily row absorbs the new values or a
// fresh row appears, never a duplicate day.
func (s *Store) UpsertCheckIn(c CheckIn) error {
	_, err := s.db.Exec(`
		INSERT INTO check_ins (id, user_id, day, tone, intensity, summary, recommendations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, day) DO UPDATE SET
			tone = excluded.tone,
			intensity = excluded.intensity,
			summary = excluded.summary,
			recommendations = excluded.recommendations,
			created_at = excluded.created_at`,
		c.ID, c.UserID, c.Day, c.Tone, c.Intensity, c.Summary, c.Recommendations,
		c.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetCheckIn returns the check-in for the given user and day.
func (s *Store) GetCheckIn(userID, day string) (CheckIn, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, day, tone, intensity, summary, recommendations, created_at
		FROM check_ins WHERE user_id = ? AND day = ?`, userID, day,
	)
	return scanCheckIn(row)
}

// RecentCheckIns returns up to limit check-ins for the user, most recent day first.
func (s *Store) RecentCheckIns(userID string, limit int) ([]CheckIn, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, day, tone, intensity, summary, recommendations, created_at
		FROM check_ins WHERE user_id = ? ORDER BY day DESC LIMIT ?`, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []CheckIn
	for rows.Next() {
		c, err := scanCheckIn(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// LastCheckInDay returns the most recent check-in day for the user, or
// ErrNotFound when no check-in exists.
func (s *Store) LastCheckInDay(userID string) (string, error) {
	var day string
	err := s.db.QueryRow(`SELECT day FROM check_ins WHERE user_id = ? ORDER BY day DESC LIMIT 1`, userID).Scan(&day)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return day, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckIn(row rowScanner) (CheckIn, error) {
	var c CheckIn
	var createdAt string
	err := row.Scan(&c.ID, &c.UserID, &c.Day, &c.Tone, &c.Intensity, &c.Summary, &c.Recommendations, &createdAt)
	if err == sql.ErrNoRows {
		return CheckIn{}, ErrNotFound
	}
	if err != nil {
		return CheckIn{}, err
	}
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return CheckIn{}, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return c, nil
}
