package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"tokenkeeper-go/internal/metrics"
	"tokenkeeper-go/internal/worker"
)

var (
	// ErrAlreadyScheduled is returned when a job already exists for
	// the credential; the caller must reschedule instead.
	ErrAlreadyScheduled = errors.New("refresh job already scheduled")

	// ErrNotScheduled is returned when no job exists for the credential.
	ErrNotScheduled = errors.New("no refresh job scheduled")
)

// Callback is invoked when a refresh job fires. It carries only the
// credential ID; the handler re-loads whatever state it needs at fire
// time, so the reference stays valid across process restarts.
type Callback func(ctx context.Context, credentialID string) error

// Scheduler is a durable one-shot refresh scheduler. Each job's
// (id, credential_id, next_run_at) triple is persisted before the
// in-memory timer is armed and re-armed from the database on startup,
// so pending refreshes survive restarts. Jobs overdue at startup fire
// immediately, in next_run_at order, through the worker pool.
//
// The scheduler fires each job at most once per scheduled run time
// and never retries a failed callback; retry policy belongs to the
// callback, which reschedules the job as it sees fit.
type Scheduler struct {
	db       *sql.DB
	pool     *worker.WorkerPool
	clock    clockwork.Clock
	logger   *log.Logger
	callback Callback

	mu   sync.Mutex
	jobs map[string]*Job // credential ID -> job

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wakeup chan struct{}
}

// NewScheduler creates a scheduler over the shared database handle
// and loads persisted jobs into memory.
func NewScheduler(ctx context.Context, db *sql.DB, pool *worker.WorkerPool, clock clockwork.Clock, logger *log.Logger) (*Scheduler, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	jobs, err := loadJobs(ctx, db)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithCancel(ctx)
	return &Scheduler{
		db:     db,
		pool:   pool,
		clock:  clock,
		logger: logger,
		jobs:   jobs,
		ctx:    cctx,
		cancel: cancel,
		wakeup: make(chan struct{}, 1),
	}, nil
}

// SetCallback registers the refresh handler. Must be called before Start.
func (s *Scheduler) SetCallback(cb Callback) {
	s.callback = cb
}

// Start begins the scheduling loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop shuts down the scheduling loop. In-flight callbacks are the
// worker pool's concern.
func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
}

// ScheduleOnce creates and arms the refresh job for a credential.
// Fails with ErrAlreadyScheduled if a job already exists.
func (s *Scheduler) ScheduleOnce(ctx context.Context, credentialID string, runAt time.Time) (string, error) {
	if credentialID == "" {
		return "", fmt.Errorf("credential ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[credentialID]; ok {
		return "", fmt.Errorf("%w: credential %s", ErrAlreadyScheduled, credentialID)
	}

	job := &Job{
		ID:           uuid.NewString(),
		CredentialID: credentialID,
		NextRunAt:    runAt,
	}
	// Persist first: the timer must never be armed for a job that a
	// restart would not recover.
	if err := insertJob(ctx, s.db, job); err != nil {
		return "", err
	}
	s.jobs[credentialID] = job
	metrics.JobsScheduled.Inc()
	s.signalWakeup()
	return job.ID, nil
}

// Reschedule moves an existing job to a new run time, keeping its ID.
// Fails with ErrNotScheduled if no job exists.
func (s *Scheduler) Reschedule(ctx context.Context, credentialID string, runAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[credentialID]
	if !ok {
		return fmt.Errorf("%w: credential %s", ErrNotScheduled, credentialID)
	}
	if err := updateJobRunTime(ctx, s.db, credentialID, runAt); err != nil {
		return err
	}
	job.NextRunAt = runAt
	job.fired = false
	metrics.JobsRescheduled.Inc()
	s.signalWakeup()
	return nil
}

// Cancel removes the job for a credential. Cancelling a credential
// with no job is not an error; the boolean reports whether a job was
// removed.
func (s *Scheduler) Cancel(ctx context.Context, credentialID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.jobs[credentialID]
	found, err := deleteJob(ctx, s.db, credentialID)
	if err != nil {
		return false, err
	}
	if ok {
		delete(s.jobs, credentialID)
		s.signalWakeup()
	}
	return found || ok, nil
}

// SecondsUntilDue reports how long until the credential's job fires.
// Fails with ErrNotScheduled if no job exists.
func (s *Scheduler) SecondsUntilDue(credentialID string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[credentialID]
	if !ok {
		return 0, fmt.Errorf("%w: credential %s", ErrNotScheduled, credentialID)
	}
	return job.NextRunAt.Sub(s.clock.Now()), nil
}

// HasJob reports whether a refresh job exists for the credential.
func (s *Scheduler) HasJob(credentialID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[credentialID]
	return ok
}

// JobFor returns a copy of the credential's job, if any.
func (s *Scheduler) JobFor(credentialID string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[credentialID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// signalWakeup notifies the scheduling loop to re-evaluate jobs.
func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// run is the timer loop. It dispatches due jobs to the worker pool
// and sleeps until the earliest remaining run time, re-evaluating on
// every wakeup signal. Dispatch is handed off so a slow callback
// never blocks the loop beyond one iteration.
func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		s.dispatchDue()

		next, ok := s.nextWake()
		var timer clockwork.Timer
		var timerC <-chan time.Time
		if ok {
			d := next.Sub(s.clock.Now())
			if d < 0 {
				// Only happens when a due job could not be handed to
				// the pool; back off instead of spinning.
				d = time.Second
			}
			timer = s.clock.NewTimer(d)
			timerC = timer.Chan()
		}

		select {
		case <-s.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerC:
		case <-s.wakeup:
			if timer != nil {
				timer.Stop()
			}
		}
	}
}

// dispatchDue hands every due, not-yet-fired job to the worker pool
// in next_run_at order.
func (s *Scheduler) dispatchDue() {
	now := s.clock.Now()

	s.mu.Lock()
	var due []*Job
	for _, job := range s.jobs {
		if !job.fired && !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(due[j].NextRunAt) })

	for _, job := range due {
		job.fired = true
		task := &refreshTask{scheduler: s, credentialID: job.CredentialID}
		if !s.pool.Submit(task) {
			job.fired = false
			s.logger.Printf("scheduler: worker queue full, deferring refresh for credential %s", job.CredentialID)
			break
		}
	}
	s.mu.Unlock()
}

// nextWake returns the earliest run time among unfired jobs.
func (s *Scheduler) nextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, job := range s.jobs {
		if job.fired {
			continue
		}
		if !found || job.NextRunAt.Before(next) {
			next = job.NextRunAt
			found = true
		}
	}
	return next, found
}

// refreshTask adapts a fired job to the worker pool's Task interface.
type refreshTask struct {
	scheduler    *Scheduler
	credentialID string
}

// Process invokes the refresh callback exactly once. The callback's
// error is logged and otherwise left alone: the callback owns the
// decision to reschedule, cancel, or tear down.
func (t *refreshTask) Process() error {
	s := t.scheduler
	if s.callback == nil {
		s.logger.Printf("scheduler: no callback registered, dropping refresh for credential %s", t.credentialID)
		return nil
	}

	metrics.JobsFired.Inc()
	if err := s.callback(s.ctx, t.credentialID); err != nil {
		s.logger.Printf("scheduler: refresh callback for credential %s: %v", t.credentialID, err)
		return err
	}
	return nil
}
