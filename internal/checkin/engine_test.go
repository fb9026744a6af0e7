package checkin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amberlight-labs/haven/internal/channel"
	"github.com/amberlight-labs/haven/internal/config"
	"github.com/amberlight-labs/haven/internal/ledger"
	"github.com/amberlight-labs/haven/internal/recommend"
	"github.com/amberlight-labs/haven/internal/storage"
	"github.com/amberlight-labs/haven/internal/tone"
)

type fakeAnalyzer struct {
	res   tone.Result
	calls int
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string) tone.Result {
	a.calls++
	return a.res
}

type fakePrefs struct{ name string }

func (p fakePrefs) AgentName(string) string { return p.name }

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakySender delegates to the transcript but fails selected Send calls.
type flakySender struct {
	*channel.Transcript
	sends    int
	failSend int // 1-based index of the Send call to fail; 0 disables
}

func (f *flakySender) Send(ctx context.Context, userID, text string) error {
	f.sends++
	if f.failSend != 0 && f.sends == f.failSend {
		return errors.New("channel unavailable")
	}
	return f.Transcript.Send(ctx, userID, text)
}

type fixture struct {
	store    *storage.Store
	conv     *channel.Transcript
	ledger   *ledger.Ledger
	analyzer *fakeAnalyzer
	clock    *mockClock
	engine   *Engine
}

func newFixture(t *testing.T, mode string, res tone.Result) *fixture {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	clock := &mockClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
	conv := channel.NewTranscriptWithClock(store, clock)
	led := ledger.NewWithClock(store, nil, clock)
	analyzer := &fakeAnalyzer{res: res}
	eng := newEngineWithClock(store, conv, led, analyzer, fakePrefs{name: "Sage"},
		Options{Mode: mode, ReplyTimeout: 24 * time.Hour}, clock)

	return &fixture{store: store, conv: conv, ledger: led, analyzer: analyzer, clock: clock, engine: eng}
}

func lastAssistantText(t *testing.T, conv *channel.Transcript, userID string) string {
	t.Helper()
	msgs, err := conv.History(userID, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	for _, m := range msgs {
		if m.Role == channel.RoleAssistant {
			return m.Content
		}
	}
	return ""
}

func singleRun(t *testing.T, store *storage.Store, userID string) storage.WorkflowRun {
	t.Helper()
	runs, err := store.RunsForUser(userID)
	if err != nil {
		t.Fatalf("RunsForUser: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected one run, got %d", len(runs))
	}
	return runs[0]
}

func TestDurableCycle_EndToEnd(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}

	run := singleRun(t, f.store, "u1")
	if run.Status != storage.RunWaiting || run.AwaitedEvent != eventUserReply {
		t.Fatalf("run should wait for the reply, got %+v", run)
	}
	if !run.Deadline.Equal(f.clock.Now().Add(24 * time.Hour)) {
		t.Errorf("deadline should be reply timeout from start, got %v", run.Deadline)
	}
	prompt := lastAssistantText(t, f.conv, "u1")
	if !strings.Contains(prompt, "Sage") || !strings.Contains(prompt, "How are you feeling today?") {
		t.Errorf("unexpected prompt %q", prompt)
	}

	rec, done, err := f.engine.HandleUserMessage(ctx, "u1", "I feel great today")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if !done {
		t.Fatal("reply should complete the check-in")
	}
	if rec.Tone != "positive" || rec.Intensity != 6 || rec.Summary != "I feel great today" {
		t.Errorf("unexpected record %+v", rec)
	}
	if len(rec.Recommendations) != 3 {
		t.Errorf("positive tone below the support threshold should yield 3 recommendations, got %d", len(rec.Recommendations))
	}

	history, err := f.ledger.History("u1", 7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected one ledger row, got %d", len(history))
	}

	summary := lastAssistantText(t, f.conv, "u1")
	for _, want := range []string{"1. ", "2. ", "3. "} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q: %q", want, summary)
		}
	}

	if got := singleRun(t, f.store, "u1").Status; got != storage.RunCompleted {
		t.Errorf("run status = %q, want %q", got, storage.RunCompleted)
	}
}

func TestDurable_UnansweredPromptIsNotRepeated(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("first StartCheckIn: %v", err)
	}
	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("second StartCheckIn: %v", err)
	}

	singleRun(t, f.store, "u1")
	msgs, err := f.conv.History("u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected a single prompt in the transcript, got %d messages", len(msgs))
	}
}

func TestPromptMode_IgnoredPromptDoesNotBlockNextDay(t *testing.T) {
	f := newFixture(t, config.ModePrompt, tone.Result{Tone: "neutral", Intensity: 5})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("first StartCheckIn: %v", err)
	}
	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("same-day StartCheckIn: %v", err)
	}
	if got := countPrompts(t, f.conv, "u1"); got != 1 {
		t.Fatalf("same-day re-trigger should be suppressed, got %d prompts", got)
	}

	// The user never answers. Tomorrow's trigger must still prompt.
	f.clock.advance(24 * time.Hour)
	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("next-day StartCheckIn: %v", err)
	}
	if got := countPrompts(t, f.conv, "u1"); got != 2 {
		t.Errorf("next-day trigger should prompt again, got %d prompts", got)
	}
}

func countPrompts(t *testing.T, conv *channel.Transcript, userID string) int {
	t.Helper()
	msgs, err := conv.History(userID, 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	n := 0
	for _, m := range msgs {
		if m.Role == channel.RoleAssistant && strings.HasSuffix(m.Content, promptQuestion) {
			n++
		}
	}
	return n
}

func TestDurable_NegativeHighIntensityAddsSupport(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "negative", Intensity: 8})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	rec, done, err := f.engine.HandleUserMessage(ctx, "u1", "Everything is too much right now")
	if err != nil || !done {
		t.Fatalf("HandleUserMessage: done=%v err=%v", done, err)
	}
	last := rec.Recommendations[len(rec.Recommendations)-1]
	if last != recommend.ProfessionalSupport {
		t.Errorf("high-intensity negative check-in should end with the support recommendation, got %q", last)
	}
}

func TestDurable_MessageWithoutPendingRunIsJustRecorded(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "neutral", Intensity: 5})
	ctx := context.Background()

	_, done, err := f.engine.HandleUserMessage(ctx, "u1", "hello there")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if done {
		t.Error("no check-in should complete without a waiting run")
	}
	msgs, err := f.conv.History("u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Role != channel.RoleUser {
		t.Errorf("inbound message should still land in the transcript, got %+v", msgs)
	}
}

func TestDurable_SecondReplyDoesNotRepeatTheCycle(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	if _, done, err := f.engine.HandleUserMessage(ctx, "u1", "great"); err != nil || !done {
		t.Fatalf("first reply: done=%v err=%v", done, err)
	}
	if _, done, err := f.engine.HandleUserMessage(ctx, "u1", "still great"); err != nil || done {
		t.Fatalf("second reply must not complete anything: done=%v err=%v", done, err)
	}
	if f.analyzer.calls != 1 {
		t.Errorf("analyzer should run once, ran %d times", f.analyzer.calls)
	}
}

func TestDurable_TimeoutSendsOneReminderAndNoLedgerRow(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	f.clock.advance(25 * time.Hour)

	sw := newSweeperWithClock(f.store, f.conv, time.Second, f.clock)
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}

	if got := singleRun(t, f.store, "u1").Status; got != storage.RunTimedOut {
		t.Errorf("run status = %q, want %q", got, storage.RunTimedOut)
	}

	history, err := f.ledger.History("u1", 7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("a timed-out cycle must not write to the ledger, got %d rows", len(history))
	}

	msgs, err := f.conv.History("u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var reminders int
	for _, m := range msgs {
		if m.Role == channel.RoleAssistant && strings.Contains(m.Content, "didn't hear back") {
			reminders++
		}
	}
	if reminders != 1 {
		t.Errorf("expected exactly one reminder, got %d", reminders)
	}

	// A late reply lands in the transcript but completes nothing.
	if _, done, err := f.engine.HandleUserMessage(ctx, "u1", "sorry, busy day"); err != nil || done {
		t.Errorf("late reply: done=%v err=%v", done, err)
	}
}

func TestDurable_ReminderSendFailureRetriesNextSweep(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	f.clock.advance(25 * time.Hour)

	conv := &flakySender{Transcript: f.conv, failSend: 1} // first reminder attempt fails
	sw := newSweeperWithClock(f.store, conv, time.Second, f.clock)

	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if got := singleRun(t, f.store, "u1").Status; got != storage.RunWaiting {
		t.Fatalf("run must stay open until the reminder goes out, got %q", got)
	}

	if err := sw.RunOnce(ctx); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if got := singleRun(t, f.store, "u1").Status; got != storage.RunTimedOut {
		t.Errorf("run status = %q, want %q", got, storage.RunTimedOut)
	}

	msgs, err := f.conv.History("u1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var reminders int
	for _, m := range msgs {
		if m.Role == channel.RoleAssistant && strings.Contains(m.Content, "didn't hear back") {
			reminders++
		}
	}
	if reminders != 1 {
		t.Errorf("expected exactly one reminder after the retry, got %d", reminders)
	}
}

func TestDurable_ResumeSkipsRecordedSteps(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	run := singleRun(t, f.store, "u1")

	// An earlier attempt already analyzed the reply before crashing.
	if err := f.store.RecordStep(run.ID, stepAnalyze, `{"tone":"negative","intensity":9}`); err != nil {
		t.Fatalf("RecordStep: %v", err)
	}

	rec, done, err := f.engine.HandleUserMessage(ctx, "u1", "fine I guess")
	if err != nil || !done {
		t.Fatalf("HandleUserMessage: done=%v err=%v", done, err)
	}
	if f.analyzer.calls != 0 {
		t.Errorf("recorded analysis must not be recomputed, analyzer ran %d times", f.analyzer.calls)
	}
	if rec.Tone != "negative" || rec.Intensity != 9 {
		t.Errorf("resume should use the recorded analysis, got %+v", rec)
	}
}

func TestDurable_SummarySendFailureMarksRunFailed(t *testing.T) {
	f := newFixture(t, config.ModeDurable, tone.Result{Tone: "positive", Intensity: 6})
	ctx := context.Background()

	conv := &flakySender{Transcript: f.conv, failSend: 2} // prompt succeeds, summary fails
	eng := newEngineWithClock(f.store, conv, f.ledger, f.analyzer, fakePrefs{name: "Sage"},
		Options{Mode: config.ModeDurable, ReplyTimeout: 24 * time.Hour}, f.clock)

	if err := eng.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	if _, _, err := eng.HandleUserMessage(ctx, "u1", "doing well"); err == nil {
		t.Fatal("expected summary delivery failure")
	}
	if got := singleRun(t, f.store, "u1").Status; got != storage.RunFailed {
		t.Errorf("run status = %q, want %q", got, storage.RunFailed)
	}
}

func TestPromptMode_ReplyToPromptCompletesCheckIn(t *testing.T) {
	f := newFixture(t, config.ModePrompt, tone.Result{Tone: "neutral", Intensity: 5})
	ctx := context.Background()

	if err := f.engine.StartCheckIn(ctx, "u1"); err != nil {
		t.Fatalf("StartCheckIn: %v", err)
	}
	runs, err := f.store.RunsForUser("u1")
	if err != nil {
		t.Fatalf("RunsForUser: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("prompt mode must not open durable runs, got %d", len(runs))
	}

	rec, done, err := f.engine.HandleUserMessage(ctx, "u1", "an ordinary day")
	if err != nil || !done {
		t.Fatalf("HandleUserMessage: done=%v err=%v", done, err)
	}
	if rec.Tone != "neutral" {
		t.Errorf("unexpected record %+v", rec)
	}

	// The last assistant turn is now the summary, so a follow-up message is
	// plain conversation.
	if _, done, err := f.engine.HandleUserMessage(ctx, "u1", "thanks!"); err != nil || done {
		t.Errorf("follow-up: done=%v err=%v", done, err)
	}
}

func TestPromptMode_MessageWithoutPromptIsPlainConversation(t *testing.T) {
	f := newFixture(t, config.ModePrompt, tone.Result{Tone: "neutral", Intensity: 5})

	_, done, err := f.engine.HandleUserMessage(context.Background(), "u1", "hello")
	if err != nil {
		t.Fatalf("HandleUserMessage: %v", err)
	}
	if done {
		t.Error("no prompt is pending, nothing should complete")
	}
	history, err := f.ledger.History("u1", 7)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 0 {
		t.Errorf("no ledger row expected, got %d", len(history))
	}
}
