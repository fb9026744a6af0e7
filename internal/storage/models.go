package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// CheckIn is one recorded wellness entry for a user on a calendar day.
// Day is the natural key together with UserID ("2006-01-02").
type CheckIn struct {
	ID              string
	UserID          string
	Day             string
	Tone            string
	Intensity       int
	Summary         string
	Recommendations string // JSON array stored as text
	CreatedAt       time.Time
}

// ScheduledJob is a registered trigger owned by the scheduler. TriggerKind is
// one of "at", "after", "cron"; TriggerSpec holds the RFC3339 timestamp, the
// delay in seconds, or the cron expression respectively.
type ScheduledJob struct {
	ID          string
	UserID      string
	Callback    string
	TriggerKind string
	TriggerSpec string
	Description string
	CreatedAt   time.Time
}

// Workflow run statuses.
const (
	RunWaiting   = "waiting"
	RunCompleted = "completed"
	RunTimedOut  = "timed_out"
	RunFailed    = "failed"
)

// WorkflowRun is one orchestrator cycle. While Status is "waiting" the run is
// suspended until AwaitedEvent is delivered or Deadline passes.
type WorkflowRun struct {
	ID           string
	UserID       string
	Status       string
	AwaitedEvent string
	Deadline     time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
}

// StepRecord marks a named side-effecting step of a run as completed.
// A recorded step is never re-executed when the run resumes.
type StepRecord struct {
	RunID       string
	Name        string
	Result      string
	CompletedAt time.Time
}

// Message is one turn of the conversation transcript.
type Message struct {
	ID        string
	UserID    string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}
