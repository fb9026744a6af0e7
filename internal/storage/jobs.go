package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// SaveJob registers a scheduled job.
func (s *Store) SaveJob(j ScheduledJob) error {
	_, err := s.db.Exec(`
		INSERT INTO scheduled_jobs (id, user_id, callback, trigger_kind, trigger_spec, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserID, j.Callback, j.TriggerKind, j.TriggerSpec, j.Description,
		j.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// JobsForUser returns the user's registered jobs, oldest first.
func (s *Store) JobsForUser(userID string) ([]ScheduledJob, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, callback, trigger_kind, trigger_spec, description, created_at
		FROM scheduled_jobs WHERE user_id = ? ORDER BY created_at ASC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// AllJobs returns every registered job (used to re-arm triggers at startup).
func (s *Store) AllJobs() ([]ScheduledJob, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, callback, trigger_kind, trigger_spec, description, created_at
		FROM scheduled_jobs ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// DeleteJob removes a job by ID, returning ErrNotFound if it does not exist.
func (s *Store) DeleteJob(id string) error {
	res, err := s.db.Exec("DELETE FROM scheduled_jobs WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func collectJobs(rows *sql.Rows) ([]ScheduledJob, error) {
	var results []ScheduledJob
	for rows.Next() {
		var j ScheduledJob
		var createdAt string
		if err := rows.Scan(&j.ID, &j.UserID, &j.Callback, &j.TriggerKind, &j.TriggerSpec, &j.Description, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		j.CreatedAt = t
		results = append(results, j)
	}
	return results, rows.Err()
}
