// Package channel carries messages between the engine and the user and keeps
// the conversation transcript.
package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/amberlight-labs/haven/internal/storage"
)

// Roles of a transcript turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Messenger is the conversational channel the orchestrator talks through.
type Messenger interface {
	// Send delivers an assistant message to the user.
	Send(ctx context.Context, userID, text string) error
	// LastTurn returns the role of the most recent transcript turn, or ""
	// when the transcript is empty.
	LastTurn(userID string) (string, error)
	// History returns up to limit turns, most recent first.
	History(userID string, limit int) ([]storage.Message, error)
}

// MessageStore defines the storage operations the transcript channel needs.
// Implemented by storage.Store.
type MessageStore interface {
	SaveMessage(m storage.Message) error
	RecentMessages(userID string, limit int) ([]storage.Message, error)
	LastMessage(userID string) (storage.Message, error)
}

// Transcript is a store-backed Messenger. Outbound messages are appended to
// the transcript where the UI-facing layer reads them; inbound user messages
// are recorded through Receive.
type Transcript struct {
	store MessageStore
	clock Clock
}

// NewTranscript creates a transcript channel over the store.
func NewTranscript(store MessageStore) *Transcript {
	return NewTranscriptWithClock(store, realClock{})
}

// NewTranscriptWithClock creates a transcript with a custom clock (for testing).
func NewTranscriptWithClock(store MessageStore, clock Clock) *Transcript {
	return &Transcript{store: store, clock: clock}
}

// Send records an assistant turn.
func (t *Transcript) Send(_ context.Context, userID, text string) error {
	return t.append(userID, RoleAssistant, text)
}

// Receive records an inbound user turn.
func (t *Transcript) Receive(_ context.Context, userID, text string) error {
	return t.append(userID, RoleUser, text)
}

func (t *Transcript) append(userID, role, text string) error {
	if err := t.store.SaveMessage(storage.Message{
		ID:        uuid.New().String(),
		UserID:    userID,
		Role:      role,
		Content:   text,
		CreatedAt: t.clock.Now(),
	}); err != nil {
		return fmt.Errorf("saving %s message: %w", role, err)
	}
	return nil
}

// LastTurn returns the role of the most recent turn, or "" on an empty transcript.
func (t *Transcript) LastTurn(userID string) (string, error) {
	m, err := t.store.LastMessage(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading last message: %w", err)
	}
	return m.Role, nil
}

// History returns up to limit turns, most recent first.
func (t *Transcript) History(userID string, limit int) ([]storage.Message, error) {
	return t.store.RecentMessages(userID, limit)
}
