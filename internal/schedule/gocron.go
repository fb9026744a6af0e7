package schedule

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

// gocronRunner backs the scheduler with a gocron runtime. Registry job IDs
// map to gocron's internal job IDs so jobs can be removed by our ID.
type gocronRunner struct {
	sched gocron.Scheduler

	mu   sync.Mutex
	jobs map[string]uuid.UUID
}

func newGocronRunner(loc *time.Location) (*gocronRunner, error) {
	if loc == nil {
		loc = time.UTC
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, err
	}
	return &gocronRunner{
		sched: sched,
		jobs:  make(map[string]uuid.UUID),
	}, nil
}

func (r *gocronRunner) Add(jobID string, t Trigger, task func()) error {
	var def gocron.JobDefinition
	switch {
	case t.Cron != "":
		def = gocron.CronJob(t.Cron, false)
	case !t.At.IsZero():
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(t.At))
	case t.After > 0:
		def = gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(time.Now().Add(t.After)))
	default:
		return fmt.Errorf("%w: empty trigger", ErrInvalidSchedule)
	}

	job, err := r.sched.NewJob(def, gocron.NewTask(task))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	r.mu.Lock()
	r.jobs[jobID] = job.ID()
	r.mu.Unlock()
	return nil
}

func (r *gocronRunner) Remove(jobID string) {
	r.mu.Lock()
	gid, ok := r.jobs[jobID]
	if ok {
		delete(r.jobs, jobID)
	}
	r.mu.Unlock()

	if ok {
		// RemoveJob only errors for unknown IDs, which is fine here.
		_ = r.sched.RemoveJob(gid)
	}
}

func (r *gocronRunner) Start() {
	r.sched.Start()
}

func (r *gocronRunner) Stop() {
	_ = r.sched.Shutdown()
}
