// Package checkin orchestrates the daily wellness check-in cycle: prompt the
// user, wait for a reply, analyze its tone, select recommendations, persist
// the check-in, and send a summary back.
package checkin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/amberlight-labs/haven/internal/channel"
	"github.com/amberlight-labs/haven/internal/config"
	"github.com/amberlight-labs/haven/internal/ledger"
	"github.com/amberlight-labs/haven/internal/recommend"
	"github.com/amberlight-labs/haven/internal/storage"
	"github.com/amberlight-labs/haven/internal/tone"
)

// eventUserReply is the event a suspended run waits on.
const eventUserReply = "user-reply"

// Step names of the durable cycle. A recorded step is never re-executed.
const (
	stepSendPrompt  = "send-prompt"
	stepAnalyze     = "analyze"
	stepRecommend   = "recommend"
	stepPersist     = "persist"
	stepSendSummary = "send-summary"
)

const promptQuestion = "How are you feeling today?"

const reminderText = "I didn't hear back from you today, and that's okay. We can check in again tomorrow. Take care of yourself!"

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RunStore defines the durable-run operations the engine needs.
// Implemented by storage.Store.
type RunStore interface {
	CreateRun(r storage.WorkflowRun) error
	ClaimWaitingRun(userID, event string, now time.Time) (storage.WorkflowRun, error)
	ExpiredRuns(now time.Time) ([]storage.WorkflowRun, error)
	ClaimRun(id string) (bool, error)
	ReleaseRun(id, event string) error
	FinishRun(id, status string, now time.Time) error
	RecordStep(runID, name, result string) error
	StepResult(runID, name string) (string, error)
}

// Conversation is the messaging channel the engine talks through.
// Implemented by channel.Transcript.
type Conversation interface {
	Send(ctx context.Context, userID, text string) error
	Receive(ctx context.Context, userID, text string) error
	History(userID string, limit int) ([]storage.Message, error)
}

// CheckInLedger persists completed check-ins. Implemented by ledger.Ledger.
type CheckInLedger interface {
	UpsertCheckIn(userID, tone, summary string, intensity int, recommendations []string) (ledger.Record, error)
}

// PrefReader supplies the agent name used in outbound messages.
// Implemented by prefs.Service.
type PrefReader interface {
	AgentName(userID string) string
}

// Engine drives check-in cycles. In durable mode every cycle is a persisted
// run with recorded steps, so a crash between steps resumes instead of
// repeating side effects. In prompt mode the cycle is a single outbound
// prompt; the next inbound message completes it.
type Engine struct {
	runs         RunStore
	conv         Conversation
	ledger       CheckInLedger
	analyzer     tone.Analyzer
	prefs        PrefReader
	mode         string
	replyTimeout time.Duration
	clock        Clock
	logger       *slog.Logger
}

// Options configures the engine.
type Options struct {
	Mode         string
	ReplyTimeout time.Duration
}

// NewEngine creates a check-in engine.
func NewEngine(runs RunStore, conv Conversation, led CheckInLedger, analyzer tone.Analyzer, prefs PrefReader, opts Options) *Engine {
	return newEngineWithClock(runs, conv, led, analyzer, prefs, opts, realClock{})
}

func newEngineWithClock(runs RunStore, conv Conversation, led CheckInLedger, analyzer tone.Analyzer, prefs PrefReader, opts Options, clock Clock) *Engine {
	return &Engine{
		runs:         runs,
		conv:         conv,
		ledger:       led,
		analyzer:     analyzer,
		prefs:        prefs,
		mode:         opts.Mode,
		replyTimeout: opts.ReplyTimeout,
		clock:        clock,
		logger:       slog.Default(),
	}
}

// StartCheckIn begins a check-in cycle for the user. It is the handler bound
// to the daily scheduled job. In durable mode it opens a run that waits for
// the user's reply; in prompt mode it only sends the prompt.
func (e *Engine) StartCheckIn(ctx context.Context, userID string) error {
	prompt := e.promptText(userID)

	// An unanswered prompt from earlier today already heads the transcript;
	// don't stack another. An ignored prompt from a previous day does not
	// block today's trigger.
	pending, promptAt, err := e.pendingPrompt(userID)
	if err != nil {
		return err
	}
	if pending && sameDay(promptAt, e.clock.Now()) {
		e.logger.Info("check-in prompt already pending", "user_id", userID)
		return nil
	}

	if e.mode == config.ModePrompt {
		if err := e.conv.Send(ctx, userID, prompt); err != nil {
			return fmt.Errorf("sending check-in prompt: %w", err)
		}
		e.logger.Info("check-in prompt sent", "user_id", userID, "mode", e.mode)
		return nil
	}

	now := e.clock.Now()
	run := storage.WorkflowRun{
		ID:           uuid.New().String(),
		UserID:       userID,
		Status:       storage.RunWaiting,
		AwaitedEvent: eventUserReply,
		Deadline:     now.Add(e.replyTimeout),
		StartedAt:    now,
	}
	if err := e.runs.CreateRun(run); err != nil {
		return fmt.Errorf("opening check-in run: %w", err)
	}

	if err := e.sendOnce(ctx, run.ID, stepSendPrompt, userID, prompt); err != nil {
		e.fail(run.ID)
		return err
	}

	e.logger.Info("check-in run opened", "run_id", run.ID, "user_id", userID, "deadline", run.Deadline)
	return nil
}

// HandleUserMessage records an inbound user message and, when a check-in is
// pending for the user, completes the cycle with that message as the reply.
// The returned bool reports whether a check-in was completed.
func (e *Engine) HandleUserMessage(ctx context.Context, userID, text string) (ledger.Record, bool, error) {
	if e.mode == config.ModePrompt {
		return e.handlePromptReply(ctx, userID, text)
	}

	if err := e.conv.Receive(ctx, userID, text); err != nil {
		return ledger.Record{}, false, err
	}

	run, err := e.runs.ClaimWaitingRun(userID, eventUserReply, e.clock.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return ledger.Record{}, false, nil
	}
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("claiming waiting run: %w", err)
	}

	rec, err := e.resume(ctx, run.ID, userID, text)
	if err != nil {
		e.fail(run.ID)
		return ledger.Record{}, false, err
	}
	if err := e.runs.FinishRun(run.ID, storage.RunCompleted, e.clock.Now()); err != nil {
		return rec, true, fmt.Errorf("closing run: %w", err)
	}
	e.logger.Info("check-in completed", "run_id", run.ID, "user_id", userID, "tone", rec.Tone)
	return rec, true, nil
}

// handlePromptReply completes a prompt-mode cycle when the most recent
// assistant turn was the check-in prompt; any other inbound message is just
// recorded.
func (e *Engine) handlePromptReply(ctx context.Context, userID, text string) (ledger.Record, bool, error) {
	pending, _, err := e.pendingPrompt(userID)
	if err != nil {
		return ledger.Record{}, false, err
	}
	if err := e.conv.Receive(ctx, userID, text); err != nil {
		return ledger.Record{}, false, err
	}
	if !pending {
		return ledger.Record{}, false, nil
	}

	res := e.analyzer.Analyze(ctx, text)
	recs := recommend.Select(res.Tone, res.Intensity)
	rec, err := e.ledger.UpsertCheckIn(userID, res.Tone, text, res.Intensity, recs)
	if err != nil {
		return ledger.Record{}, false, fmt.Errorf("recording check-in: %w", err)
	}
	if err := e.conv.Send(ctx, userID, summaryText(res.Tone, recs)); err != nil {
		return rec, false, fmt.Errorf("sending summary: %w", err)
	}
	e.logger.Info("check-in completed", "user_id", userID, "tone", rec.Tone, "mode", e.mode)
	return rec, true, nil
}

// pendingPrompt reports whether the transcript ends with an unanswered
// check-in prompt, and when that prompt was sent.
func (e *Engine) pendingPrompt(userID string) (bool, time.Time, error) {
	msgs, err := e.conv.History(userID, 1)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("reading transcript: %w", err)
	}
	if len(msgs) == 0 {
		return false, time.Time{}, nil
	}
	last := msgs[0]
	if last.Role != channel.RoleAssistant || !isPrompt(last.Content) {
		return false, time.Time{}, nil
	}
	return true, last.CreatedAt, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// resume executes the post-reply steps of a durable run, skipping any step
// already recorded from an earlier attempt.
func (e *Engine) resume(ctx context.Context, runID, userID, text string) (ledger.Record, error) {
	var res tone.Result
	if err := e.step(runID, stepAnalyze, &res, func() (any, error) {
		return e.analyzer.Analyze(ctx, text), nil
	}); err != nil {
		return ledger.Record{}, err
	}

	var recs []string
	if err := e.step(runID, stepRecommend, &recs, func() (any, error) {
		return recommend.Select(res.Tone, res.Intensity), nil
	}); err != nil {
		return ledger.Record{}, err
	}

	var rec ledger.Record
	if err := e.step(runID, stepPersist, &rec, func() (any, error) {
		return e.ledger.UpsertCheckIn(userID, res.Tone, text, res.Intensity, recs)
	}); err != nil {
		return ledger.Record{}, err
	}

	if err := e.sendOnce(ctx, runID, stepSendSummary, userID, summaryText(res.Tone, recs)); err != nil {
		return ledger.Record{}, err
	}
	return rec, nil
}

// step loads a recorded step result into out, or executes fn and records its
// result. Recording happens after the side effect completes, so a crash in
// between re-executes the step on resume.
func (e *Engine) step(runID, name string, out any, fn func() (any, error)) error {
	if recorded, err := e.runs.StepResult(runID, name); err == nil {
		return json.Unmarshal([]byte(recorded), out)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("reading step %s: %w", name, err)
	}

	v, err := fn()
	if err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding step %s: %w", name, err)
	}
	if err := e.runs.RecordStep(runID, name, string(raw)); err != nil {
		return fmt.Errorf("recording step %s: %w", name, err)
	}
	return json.Unmarshal(raw, out)
}

// sendOnce sends an outbound message as a recorded step, so a resumed run
// never sends the same message twice.
func (e *Engine) sendOnce(ctx context.Context, runID, name, userID, text string) error {
	if _, err := e.runs.StepResult(runID, name); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("reading step %s: %w", name, err)
	}
	if err := e.conv.Send(ctx, userID, text); err != nil {
		return fmt.Errorf("step %s: %w", name, err)
	}
	if err := e.runs.RecordStep(runID, name, "sent"); err != nil {
		return fmt.Errorf("recording step %s: %w", name, err)
	}
	return nil
}

func (e *Engine) fail(runID string) {
	if err := e.runs.FinishRun(runID, storage.RunFailed, e.clock.Now()); err != nil {
		e.logger.Error("marking run failed", "run_id", runID, "error", err)
	}
}

func (e *Engine) promptText(userID string) string {
	return fmt.Sprintf("Hi, it's %s, checking in. %s", e.prefs.AgentName(userID), promptQuestion)
}

func isPrompt(text string) bool {
	return len(text) >= len(promptQuestion) && text[len(text)-len(promptQuestion):] == promptQuestion
}

var toneLead = map[string]string{
	"positive": "Wonderful to hear! Here are a few ideas to keep the momentum going:",
	"neutral":  "Thanks for checking in. A few suggestions for today:",
	"negative": "Thank you for sharing that with me. Here are some things that might help:",
}

// summaryText renders the closing summary with a numbered recommendation list.
func summaryText(t string, recs []string) string {
	lead, ok := toneLead[t]
	if !ok {
		lead = toneLead["neutral"]
	}
	out := lead
	for i, r := range recs {
		out += fmt.Sprintf("\n%d. %s", i+1, r)
	}
	return out
}
