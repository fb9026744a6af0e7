package channel

import (
	"context"
	"testing"

	"github.com/amberlight-labs/haven/internal/storage"
)

func newTestTranscript(t *testing.T) *Transcript {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewTranscript(s)
}

func TestLastTurn_EmptyTranscript(t *testing.T) {
	tr := newTestTranscript(t)

	role, err := tr.LastTurn("u1")
	if err != nil {
		t.Fatalf("LastTurn: %v", err)
	}
	if role != "" {
		t.Errorf("expected empty role, got %q", role)
	}
}

func TestSendReceive_RolesRecorded(t *testing.T) {
	tr := newTestTranscript(t)
	ctx := context.Background()

	if err := tr.Send(ctx, "u1", "how are you feeling?"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	role, err := tr.LastTurn("u1")
	if err != nil {
		t.Fatalf("LastTurn: %v", err)
	}
	if role != RoleAssistant {
		t.Errorf("expected assistant, got %q", role)
	}

	if err := tr.Receive(ctx, "u1", "doing alright"); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	role, err = tr.LastTurn("u1")
	if err != nil {
		t.Fatalf("LastTurn: %v", err)
	}
	if role != RoleUser {
		t.Errorf("expected user, got %q", role)
	}

	history, err := tr.History("u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].Content != "doing alright" {
		t.Errorf("unexpected history: %+v", history)
	}
}
