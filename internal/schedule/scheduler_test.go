package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amberlight-labs/haven/internal/storage"
)

// --- Fakes ---

// fakeRunner records armed jobs and lets tests fire them by hand.
type fakeRunner struct {
	mu    sync.Mutex
	tasks map[string]func()
	specs map[string]Trigger
	fail  bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		tasks: make(map[string]func()),
		specs: make(map[string]Trigger),
	}
}

func (r *fakeRunner) Add(jobID string, t Trigger, task func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("runtime rejected job")
	}
	r.tasks[jobID] = task
	r.specs[jobID] = t
	return nil
}

func (r *fakeRunner) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, jobID)
	delete(r.specs, jobID)
}

func (r *fakeRunner) Start() {}
func (r *fakeRunner) Stop()  {}

func (r *fakeRunner) fire(jobID string) {
	r.mu.Lock()
	task := r.tasks[jobID]
	r.mu.Unlock()
	if task != nil {
		task()
	}
}

func (r *fakeRunner) armed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

type fakePrefs struct {
	checkInTime string
}

func (p fakePrefs) CheckInTime(string) string { return p.checkInTime }

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestScheduler(t *testing.T, checkInTime string) (*Scheduler, *fakeRunner, *storage.Store) {
	t.Helper()
	store := openTestStore(t)
	run := newFakeRunner()
	s := newWithRunner(store, fakePrefs{checkInTime: checkInTime}, run)
	return s, run, store
}

// --- Tests ---

func TestEnsureDailyCheckIn_CreatesOnce(t *testing.T) {
	s, run, _ := newTestScheduler(t, "09:30")

	if err := s.EnsureDailyCheckIn("u1"); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if err := s.EnsureDailyCheckIn("u1"); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var daily int
	for _, j := range jobs {
		if j.Callback == DailyCheckInCallback {
			daily++
			if j.TriggerSpec != "30 9 * * *" {
				t.Errorf("unexpected cron spec %q", j.TriggerSpec)
			}
		}
	}
	if daily != 1 {
		t.Errorf("expected exactly one daily job, got %d", daily)
	}
	if run.armed() != 1 {
		t.Errorf("expected one armed trigger, got %d", run.armed())
	}
}

func TestEnsureDailyCheckIn_ReplacesOnTimeChange(t *testing.T) {
	store := openTestStore(t)
	run := newFakeRunner()
	p := &fakePrefs{checkInTime: "09:00"}
	s := newWithRunner(store, p, run)

	if err := s.EnsureDailyCheckIn("u1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	p.checkInTime = "21:15"
	if err := s.EnsureDailyCheckIn("u1"); err != nil {
		t.Fatalf("ensure after change: %v", err)
	}

	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].TriggerSpec != "15 21 * * *" {
		t.Fatalf("expected single replaced job with new spec, got %+v", jobs)
	}
}

func TestEnsureDailyCheckIn_BadTimeIsNoOp(t *testing.T) {
	s, run, _ := newTestScheduler(t, "25:99")

	if err := s.EnsureDailyCheckIn("u1"); err != nil {
		t.Fatalf("ensure with bad time should not error: %v", err)
	}
	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 || run.armed() != 0 {
		t.Errorf("no job may be created for an invalid time, got %d jobs", len(jobs))
	}
}

func TestScheduleOneOff_TriggerValidation(t *testing.T) {
	s, _, _ := newTestScheduler(t, "09:00")

	if _, err := s.ScheduleOneOff("u1", Trigger{}, "remindMe", "x"); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("empty trigger: expected ErrInvalidSchedule, got %v", err)
	}

	both := Trigger{After: time.Minute, Cron: "* * * * *"}
	if _, err := s.ScheduleOneOff("u1", both, "remindMe", "x"); !errors.Is(err, ErrInvalidSchedule) {
		t.Errorf("two variants: expected ErrInvalidSchedule, got %v", err)
	}
}

func TestScheduleOneOff_RuntimeFailureLeavesNoPartialJob(t *testing.T) {
	s, run, _ := newTestScheduler(t, "09:00")
	run.fail = true

	if _, err := s.ScheduleOneOff("u1", Trigger{After: time.Minute}, "remindMe", "x"); err == nil {
		t.Fatal("expected arming failure")
	}

	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("failed scheduling must not leave a registered job, got %+v", jobs)
	}
}

func TestCancel_UnknownJobSurfacesNotFound(t *testing.T) {
	s, _, _ := newTestScheduler(t, "09:00")

	if err := s.Cancel("no-such-job"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel_RemovesJob(t *testing.T) {
	s, run, _ := newTestScheduler(t, "09:00")

	id, err := s.ScheduleOneOff("u1", Trigger{After: time.Hour}, "remindMe", "water the plants")
	if err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}

	if err := s.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if run.armed() != 0 {
		t.Errorf("trigger should be disarmed")
	}
	if err := s.Cancel(id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second cancel must surface ErrNotFound, got %v", err)
	}
}

func TestOneShot_SelfDeletesAfterFiring(t *testing.T) {
	s, run, _ := newTestScheduler(t, "09:00")

	var fired int
	s.RegisterHandler("remindMe", func(ctx context.Context, userID string) {
		if userID != "u1" {
			t.Errorf("handler got user %q", userID)
		}
		fired++
	})

	id, err := s.ScheduleOneOff("u1", Trigger{After: time.Second}, "remindMe", "x")
	if err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}

	run.fire(id)

	if fired != 1 {
		t.Errorf("expected handler to fire once, got %d", fired)
	}
	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("one-shot job should delete its registry row, got %+v", jobs)
	}
}

func TestDispatch_UnregisteredCallbackIsLoggedNotFatal(t *testing.T) {
	s, run, _ := newTestScheduler(t, "09:00")

	id, err := s.ScheduleOneOff("u1", Trigger{After: time.Second}, "ghost", "x")
	if err != nil {
		t.Fatalf("ScheduleOneOff: %v", err)
	}
	run.fire(id) // must not panic
}

func TestStart_ReArmsPersistedCronJobs(t *testing.T) {
	store := openTestStore(t)

	// Simulate a previous process having registered the daily job.
	old := storage.ScheduledJob{
		ID: "job-old", UserID: "u1", Callback: DailyCheckInCallback,
		TriggerKind: KindCron, TriggerSpec: "0 9 * * *", CreatedAt: time.Now().Add(-24 * time.Hour),
	}
	if err := store.SaveJob(old); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}
	// And a one-shot that expired while the process was down.
	missed := storage.ScheduledJob{
		ID: "job-missed", UserID: "u1", Callback: "remindMe",
		TriggerKind: KindAt, TriggerSpec: time.Now().Add(-time.Hour).UTC().Format(time.RFC3339),
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}
	if err := store.SaveJob(missed); err != nil {
		t.Fatalf("SaveJob: %v", err)
	}

	run := newFakeRunner()
	s := newWithRunner(store, fakePrefs{checkInTime: "09:00"}, run)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if run.armed() != 1 {
		t.Errorf("expected only the cron job re-armed, got %d", run.armed())
	}
	jobs, err := s.List("u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-old" {
		t.Errorf("missed one-shot should be dropped from the registry, got %+v", jobs)
	}
}
