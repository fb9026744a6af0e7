// Package schedule maintains named, time-triggered jobs per user: the
// recurring daily check-in plus one-shot and cron tasks.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amberlight-labs/haven/internal/storage"
)

// ErrInvalidSchedule is returned when a trigger specification is unrecognized.
var ErrInvalidSchedule = errors.New("invalid schedule")

// DailyCheckInCallback names the handler of the recurring daily check-in job.
// At most one job with this callback may exist per user.
const DailyCheckInCallback = "executeDailyCheckIn"

// Trigger kinds as persisted.
const (
	KindAt    = "at"
	KindAfter = "after"
	KindCron  = "cron"
)

var hhmmRe = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):[0-5][0-9]$`)

// Trigger is the closed trigger variant: exactly one field may be set.
type Trigger struct {
	At    time.Time
	After time.Duration
	Cron  string
}

// Handler is invoked when a job fires.
type Handler func(ctx context.Context, userID string)

// JobStore defines the storage operations the scheduler needs.
// Implemented by storage.Store.
type JobStore interface {
	SaveJob(j storage.ScheduledJob) error
	JobsForUser(userID string) ([]storage.ScheduledJob, error)
	AllJobs() ([]storage.ScheduledJob, error)
	DeleteJob(id string) error
}

// PrefReader supplies the check-in time used to build the daily cron trigger.
// Implemented by prefs.Service.
type PrefReader interface {
	CheckInTime(userID string) string
}

// runner abstracts the trigger runtime (gocron in production, a fake in tests).
type runner interface {
	Add(jobID string, t Trigger, task func()) error
	Remove(jobID string)
	Start()
	Stop()
}

// Scheduler owns the persistent job registry and the live trigger runtime.
// All check-then-create sequences run under one mutex, so concurrent startup
// cannot register the daily job twice.
type Scheduler struct {
	store    JobStore
	prefs    PrefReader
	run      runner
	logger   *slog.Logger
	baseCtx  context.Context

	mu       sync.Mutex
	handlers map[string]Handler
}

// New creates a Scheduler with a gocron runtime evaluating cron expressions
// in the given location.
func New(store JobStore, prefs PrefReader, loc *time.Location) (*Scheduler, error) {
	run, err := newGocronRunner(loc)
	if err != nil {
		return nil, fmt.Errorf("creating trigger runtime: %w", err)
	}
	return newWithRunner(store, prefs, run), nil
}

func newWithRunner(store JobStore, prefs PrefReader, run runner) *Scheduler {
	return &Scheduler{
		store:    store,
		prefs:    prefs,
		run:      run,
		logger:   slog.Default(),
		baseCtx:  context.Background(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a callback name to its handler. Must be called before
// Start for callbacks present in the persisted registry.
func (s *Scheduler) RegisterHandler(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Start re-arms persisted jobs and begins firing triggers. One-shot jobs
// whose time passed while the process was down are dropped from the registry.
func (s *Scheduler) Start(ctx context.Context) error {
	s.baseCtx = ctx

	jobs, err := s.store.AllJobs()
	if err != nil {
		return fmt.Errorf("loading job registry: %w", err)
	}

	now := time.Now()
	for _, j := range jobs {
		t, err := triggerFromRow(j, now)
		if err != nil {
			s.logger.Warn("dropping unreadable job", "job_id", j.ID, "error", err)
			s.deleteQuietly(j.ID)
			continue
		}
		if t.Cron == "" && !t.At.After(now) {
			s.logger.Warn("dropping one-shot job missed while down", "job_id", j.ID, "callback", j.Callback)
			s.deleteQuietly(j.ID)
			continue
		}
		if err := s.arm(j, t); err != nil {
			return fmt.Errorf("re-arming job %s: %w", j.ID, err)
		}
	}

	s.run.Start()
	return nil
}

// Stop shuts the trigger runtime down.
func (s *Scheduler) Stop() {
	s.run.Stop()
}

// EnsureDailyCheckIn guarantees exactly one recurring daily check-in job for
// the user, triggered at the preferred check-in time. An unparseable time is
// logged and ignored (no job change). Calling twice is a no-op; a changed
// check-in time replaces the job.
func (s *Scheduler) EnsureDailyCheckIn(userID string) error {
	hhmm := s.prefs.CheckInTime(userID)
	if !hhmmRe.MatchString(hhmm) {
		s.logger.Error("check-in time is not HH:MM, daily job unchanged", "user_id", userID, "value", hhmm)
		return nil
	}
	parts := strings.SplitN(hhmm, ":", 2)
	hour, _ := strconv.Atoi(parts[0])
	minute, _ := strconv.Atoi(parts[1])
	cron := fmt.Sprintf("%d %d * * *", minute, hour)

	s.mu.Lock()
	defer s.mu.Unlock()

	jobs, err := s.store.JobsForUser(userID)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Callback != DailyCheckInCallback {
			continue
		}
		if j.TriggerKind == KindCron && j.TriggerSpec == cron {
			return nil // already scheduled at the right time
		}
		// Check-in time changed: replace the job.
		s.run.Remove(j.ID)
		if err := s.store.DeleteJob(j.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("removing stale daily job: %w", err)
		}
	}

	_, err = s.createLocked(userID, Trigger{Cron: cron}, DailyCheckInCallback, "daily wellness check-in")
	return err
}

// ScheduleOneOff registers a job with the given trigger. Exactly one trigger
// field must be set; anything else fails with ErrInvalidSchedule. On runtime
// failure no partial job stays registered.
func (s *Scheduler) ScheduleOneOff(userID string, t Trigger, callback, description string) (string, error) {
	if err := validateTrigger(t); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(userID, t, callback, description)
}

func (s *Scheduler) createLocked(userID string, t Trigger, callback, description string) (string, error) {
	row := storage.ScheduledJob{
		ID:          uuid.New().String(),
		UserID:      userID,
		Callback:    callback,
		Description: description,
		CreatedAt:   time.Now(),
	}
	switch {
	case t.Cron != "":
		row.TriggerKind = KindCron
		row.TriggerSpec = t.Cron
	case !t.At.IsZero():
		row.TriggerKind = KindAt
		row.TriggerSpec = t.At.UTC().Format(time.RFC3339)
	default:
		row.TriggerKind = KindAfter
		row.TriggerSpec = strconv.Itoa(int(t.After / time.Second))
	}

	if err := s.store.SaveJob(row); err != nil {
		return "", fmt.Errorf("registering job: %w", err)
	}
	if err := s.arm(row, t); err != nil {
		s.deleteQuietly(row.ID)
		return "", fmt.Errorf("arming job: %w", err)
	}

	s.logger.Info("job scheduled", "job_id", row.ID, "user_id", userID, "callback", callback, "kind", row.TriggerKind, "spec", row.TriggerSpec)
	return row.ID, nil
}

// List returns the user's registered jobs.
func (s *Scheduler) List(userID string) ([]storage.ScheduledJob, error) {
	return s.store.JobsForUser(userID)
}

// Cancel removes a job by ID. Canceling an unknown job surfaces the store's
// not-found error rather than being silently ignored.
func (s *Scheduler) Cancel(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteJob(jobID); err != nil {
		return err
	}
	s.run.Remove(jobID)
	s.logger.Info("job canceled", "job_id", jobID)
	return nil
}

// arm wires the trigger into the runtime. One-shot jobs clean their registry
// row up after firing; cron jobs re-arm themselves.
func (s *Scheduler) arm(row storage.ScheduledJob, t Trigger) error {
	oneShot := t.Cron == ""
	task := func() {
		s.dispatch(row)
		if oneShot {
			s.deleteQuietly(row.ID)
			s.run.Remove(row.ID)
		}
	}
	return s.run.Add(row.ID, t, task)
}

func (s *Scheduler) dispatch(row storage.ScheduledJob) {
	s.mu.Lock()
	h, ok := s.handlers[row.Callback]
	s.mu.Unlock()
	if !ok {
		s.logger.Error("no handler registered for callback", "callback", row.Callback, "job_id", row.ID)
		return
	}

	s.logger.Info("job fired", "job_id", row.ID, "user_id", row.UserID, "callback", row.Callback)
	h(s.baseCtx, row.UserID)
}

func (s *Scheduler) deleteQuietly(jobID string) {
	if err := s.store.DeleteJob(jobID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("deleting job registry row failed", "job_id", jobID, "error", err)
	}
}

func validateTrigger(t Trigger) error {
	set := 0
	if !t.At.IsZero() {
		set++
	}
	if t.After > 0 {
		set++
	}
	if t.Cron != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one of at, after, or cron must be set", ErrInvalidSchedule)
	}
	return nil
}

// triggerFromRow rebuilds the runtime trigger from a persisted registry row.
// At-jobs keep their absolute time; after-jobs were stored as an absolute
// delay from creation, so the remaining delay is relative to CreatedAt.
func triggerFromRow(j storage.ScheduledJob, now time.Time) (Trigger, error) {
	switch j.TriggerKind {
	case KindCron:
		return Trigger{Cron: j.TriggerSpec}, nil
	case KindAt:
		at, err := time.Parse(time.RFC3339, j.TriggerSpec)
		if err != nil {
			return Trigger{}, fmt.Errorf("parsing at-trigger: %w", err)
		}
		return Trigger{At: at}, nil
	case KindAfter:
		secs, err := strconv.Atoi(j.TriggerSpec)
		if err != nil {
			return Trigger{}, fmt.Errorf("parsing after-trigger: %w", err)
		}
		at := j.CreatedAt.Add(time.Duration(secs) * time.Second)
		return Trigger{At: at}, nil
	default:
		return Trigger{}, fmt.Errorf("%w: unknown trigger kind %q", ErrInvalidSchedule, j.TriggerKind)
	}
}
