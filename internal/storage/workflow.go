package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// CreateRun records a new orchestrator cycle.
func (s *Store) CreateRun(r WorkflowRun) error {
	deadline := ""
	if !r.Deadline.IsZero() {
		deadline = r.Deadline.UTC().Format(time.RFC3339)
	}
	_, err := s.db.Exec(`
		INSERT INTO workflow_runs (id, user_id, status, awaited_event, deadline, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.UserID, r.Status, r.AwaitedEvent, deadline,
		r.StartedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetRun returns the run by ID.
func (s *Store) GetRun(id string) (WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, status, awaited_event, deadline, started_at, finished_at
		FROM workflow_runs WHERE id = ?`, id,
	)
	return scanRun(row)
}

// ClaimWaitingRun atomically claims the oldest run for the user that is
// suspended on the named event and whose deadline has not passed. Claiming
// clears awaited_event so a concurrent event delivery or timeout sweep
// cannot pick up the same run. Returns ErrNotFound when nothing is waiting.
func (s *Store) ClaimWaitingRun(userID, event string, now time.Time) (WorkflowRun, error) {
	row := s.db.QueryRow(`
		SELECT id, user_id, status, awaited_event, deadline, started_at, finished_at
		FROM workflow_runs
		WHERE user_id = ? AND status = ? AND awaited_event = ? AND deadline > ?
		ORDER BY started_at ASC LIMIT 1`,
		userID, RunWaiting, event, now.UTC().Format(time.RFC3339),
	)
	r, err := scanRun(row)
	if err != nil {
		return WorkflowRun{}, err
	}
	if claimed, err := s.claimRun(r.ID); err != nil {
		return WorkflowRun{}, err
	} else if !claimed {
		return WorkflowRun{}, ErrNotFound
	}
	return r, nil
}

// RunsForUser returns the user's runs, most recent first.
func (s *Store) RunsForUser(userID string) ([]WorkflowRun, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, status, awaited_event, deadline, started_at, finished_at
		FROM workflow_runs WHERE user_id = ?
		ORDER BY started_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ExpiredRuns returns runs still suspended on an event whose deadline has passed.
func (s *Store) ExpiredRuns(now time.Time) ([]WorkflowRun, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, status, awaited_event, deadline, started_at, finished_at
		FROM workflow_runs
		WHERE status = ? AND awaited_event != '' AND deadline <= ?
		ORDER BY deadline ASC`,
		RunWaiting, now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []WorkflowRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ClaimRun claims a suspended run by ID; reports whether this caller won the claim.
func (s *Store) ClaimRun(id string) (bool, error) {
	return s.claimRun(id)
}

// ReleaseRun restores the awaited event on a still-waiting run, making it
// claimable again.
func (s *Store) ReleaseRun(id, event string) error {
	_, err := s.db.Exec(`
		UPDATE workflow_runs SET awaited_event = ? WHERE id = ? AND status = ?`,
		event, id, RunWaiting,
	)
	return err
}

func (s *Store) claimRun(id string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET awaited_event = ''
		WHERE id = ? AND status = ? AND awaited_event != ''`,
		id, RunWaiting,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishRun moves the run to a terminal status.
func (s *Store) FinishRun(id, status string, now time.Time) error {
	res, err := s.db.Exec(`
		UPDATE workflow_runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, now.UTC().Format(time.RFC3339), id,
	)
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

// RecordStep marks a named step of a run as completed. Re-recording an
// already completed step is a no-op (the first result wins).
func (s *Store) RecordStep(runID, name, result string) error {
	_, err := s.db.Exec(`
		INSERT INTO workflow_steps (run_id, name, result, completed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO NOTHING`,
		runID, name, result, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// StepResult returns the recorded result for a completed step, or ErrNotFound
// if the step has not completed.
func (s *Store) StepResult(runID, name string) (string, error) {
	var result string
	err := s.db.QueryRow(`SELECT result FROM workflow_steps WHERE run_id = ? AND name = ?`, runID, name).Scan(&result)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return result, err
}

func scanRun(row rowScanner) (WorkflowRun, error) {
	var r WorkflowRun
	var deadline, startedAt, finishedAt string
	err := row.Scan(&r.ID, &r.UserID, &r.Status, &r.AwaitedEvent, &deadline, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return WorkflowRun{}, err
	}
	if deadline != "" {
		if r.Deadline, err = time.Parse(time.RFC3339, deadline); err != nil {
			return WorkflowRun{}, fmt.Errorf("parsing deadline: %w", err)
		}
	}
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return WorkflowRun{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if finishedAt != "" {
		if r.FinishedAt, err = time.Parse(time.RFC3339, finishedAt); err != nil {
			return WorkflowRun{}, fmt.Errorf("parsing finished_at: %w", err)
		}
	}
	return r, nil
}
