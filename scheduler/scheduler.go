// Package scheduler implements the engine's delayed, retriable job queues.
// Queues are in-process: jobs live in memory, fire after their delay on a
// per-queue worker pool, and retry with exponential backoff. A job that is
// still delayed or waiting can be removed, which is how the orchestrator
// cancels liveness timers when a dispute lands.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "scheduler")

// JobState is the lifecycle stage of a queued job.
type JobState string

const (
	// StateDelayed means the job's run time has not arrived yet.
	StateDelayed JobState = "delayed"
	// StateWaiting means the job is due and waiting for a worker.
	StateWaiting JobState = "waiting"
	// StateActive means a worker is executing the job.
	StateActive JobState = "active"
	// StateCompleted means the handler returned success.
	StateCompleted JobState = "completed"
	// StateFailed means retries are exhausted or the error was discarded.
	StateFailed JobState = "failed"
)

// Options control scheduling and retry of a single job.
type Options struct {
	// Delay before the first attempt. Negative delays clamp to zero.
	Delay time.Duration
	// Attempts is the maximum number of handler executions.
	Attempts int
	// Backoff is the base retry delay, doubled on each further attempt.
	Backoff time.Duration
}

// Job is a unit of delayed work. Copies handed out by Scan and to handlers
// are snapshots; the queue owns the live record.
type Job struct {
	ID        string
	Queue     string
	Type      string
	Payload   []byte
	Opts      Options
	State     JobState
	Attempt   int
	RunAt     time.Time
	LastError string
}

// HandlerFunc executes a job. Returning nil completes the job; returning an
// error retries it unless the error is wrapped with Discard.
type HandlerFunc func(ctx context.Context, job *Job) error

type discardError struct {
	err error
}

func (d *discardError) Error() string { return "discarded: " + d.err.Error() }
func (d *discardError) Unwrap() error { return d.err }

// Discard wraps a handler error so the job is failed without further
// retries. Used for invalid transitions and guard rejections, which no
// amount of retrying can fix.
func Discard(err error) error {
	return &discardError{err: err}
}

// IsDiscard reports whether err carries the no-retry marker.
func IsDiscard(err error) bool {
	var d *discardError
	return errors.As(err, &d)
}

// Queue is a named in-process job queue with its own worker pool. It
// implements runtime.Service.
type Queue struct {
	name        string
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	jobs     map[string]*Job
	handlers map[string]HandlerFunc

	wake  chan struct{}
	ready chan string
}

// NewQueue builds a queue. Handlers must be registered before Start.
func NewQueue(name string, concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Queue{
		name:        name,
		concurrency: concurrency,
		jobs:        make(map[string]*Job),
		handlers:    make(map[string]HandlerFunc),
		wake:        make(chan struct{}, 1),
		ready:       make(chan string, 1024),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Handle registers the handler for a job type.
func (q *Queue) Handle(jobType string, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = fn
}

// Enqueue schedules a job. A non-positive delay makes the job immediately
// runnable.
func (q *Queue) Enqueue(_ context.Context, jobType string, payload []byte, opts Options) (*Job, error) {
	job := newJob(q.name, jobType, payload, opts)
	q.mu.Lock()
	q.insertLocked(job)
	cp := snapshot(job)
	q.mu.Unlock()
	q.announce(cp)
	return cp, nil
}

// EnqueueUnique schedules a job unless match reports an unfinished job
// (delayed, waiting or active) as a duplicate. The scan and the insert happen
// under one lock hold, so two concurrent callers can never both insert for
// the same match. Returns the inserted or matched job and whether an insert
// happened.
func (q *Queue) EnqueueUnique(_ context.Context, jobType string, payload []byte, match func(*Job) bool, opts Options) (*Job, bool, error) {
	job := newJob(q.name, jobType, payload, opts)
	q.mu.Lock()
	for _, existing := range q.jobs {
		if existing.State != StateDelayed && existing.State != StateWaiting && existing.State != StateActive {
			continue
		}
		if match(snapshot(existing)) {
			dup := snapshot(existing)
			q.mu.Unlock()
			return dup, false, nil
		}
	}
	q.insertLocked(job)
	cp := snapshot(job)
	q.mu.Unlock()
	q.announce(cp)
	return cp, true, nil
}

func newJob(queue, jobType string, payload []byte, opts Options) *Job {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	state := StateDelayed
	if opts.Delay == 0 {
		state = StateWaiting
	}
	return &Job{
		ID:      uuid.NewString(),
		Queue:   queue,
		Type:    jobType,
		Payload: append([]byte(nil), payload...),
		Opts:    opts,
		State:   state,
		RunAt:   time.Now().Add(opts.Delay),
	}
}

// insertLocked stores a new job. Callers hold q.mu.
func (q *Queue) insertLocked(job *Job) {
	q.jobs[job.ID] = job
}

// announce wakes the promoter or a worker for a freshly inserted job.
func (q *Queue) announce(job *Job) {
	jobsEnqueued.WithLabelValues(q.name, job.Type).Inc()
	if job.State == StateWaiting {
		q.signalReady(job.ID)
	} else {
		q.signalWake()
	}
	log.WithFields(logrus.Fields{
		"queue": q.name,
		"type":  job.Type,
		"jobID": job.ID,
		"delay": job.Opts.Delay,
	}).Debug("Job enqueued")
}

// Scan returns snapshots of jobs currently in any of the given states.
func (q *Queue) Scan(states ...JobState) []*Job {
	want := make(map[JobState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, job := range q.jobs {
		if want[job.State] {
			out = append(out, snapshot(job))
		}
	}
	return out
}

// Remove deletes a job that has not started executing. It returns false for
// active, completed, failed or unknown jobs.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	if job.State != StateDelayed && job.State != StateWaiting {
		return false
	}
	delete(q.jobs, id)
	jobsRemoved.WithLabelValues(q.name, job.Type).Inc()
	return true
}

// Start launches the promoter and the worker pool.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.ctx != nil {
		q.mu.Unlock()
		return
	}
	q.ctx, q.cancel = context.WithCancel(context.Background())
	q.mu.Unlock()

	q.wg.Add(1)
	go q.promote()
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	log.WithFields(logrus.Fields{"queue": q.name, "workers": q.concurrency}).Info("Queue started")
}

// Stop cancels all workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() error {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	q.wg.Wait()
	return nil
}

// Status reports queue health.
func (q *Queue) Status() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx == nil {
		return errors.New("queue not started")
	}
	if q.ctx.Err() != nil {
		return errors.Wrap(q.ctx.Err(), "queue stopped")
	}
	return nil
}

// promote moves due delayed jobs to waiting and wakes workers. It sleeps
// until the earliest delayed job is due or a new job arrives.
func (q *Queue) promote() {
	defer q.wg.Done()
	for {
		next := q.promoteDue()
		var timer *time.Timer
		if next > 0 {
			timer = time.NewTimer(next)
		} else {
			timer = time.NewTimer(time.Hour)
		}
		select {
		case <-q.ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// promoteDue returns the wait until the next delayed job, or 0 when none
// are scheduled. Waiting jobs are re-signalled so a dropped wake-up can
// never strand one; workers ignore stale signals.
func (q *Queue) promoteDue() time.Duration {
	now := time.Now()
	var promoted []string
	var next time.Duration
	hasWaiting := false
	q.mu.Lock()
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			hasWaiting = true
			promoted = append(promoted, job.ID)
		case StateDelayed:
			if !job.RunAt.After(now) {
				job.State = StateWaiting
				hasWaiting = true
				promoted = append(promoted, job.ID)
				continue
			}
			d := job.RunAt.Sub(now)
			if next == 0 || d < next {
				next = d
			}
		}
	}
	q.mu.Unlock()
	for _, id := range promoted {
		q.signalReady(id)
	}
	if hasWaiting && (next == 0 || next > 250*time.Millisecond) {
		next = 250 * time.Millisecond
	}
	return next
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case id := <-q.ready:
			q.run(id)
		}
	}
}

// run executes one job attempt and applies the retry policy.
func (q *Queue) run(id string) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.State != StateWaiting {
		// Removed or already picked up; stale wake-up.
		q.mu.Unlock()
		return
	}
	job.State = StateActive
	job.Attempt++
	handler := q.handlers[job.Type]
	attempt := snapshot(job)
	q.mu.Unlock()

	var err error
	if handler == nil {
		err = Discard(errors.Errorf("no handler registered for job type %q", job.Type))
	} else {
		err = handler(q.ctx, attempt)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case err == nil:
		job.State = StateCompleted
		jobsCompleted.WithLabelValues(q.name, job.Type).Inc()
	case IsDiscard(err) || job.Attempt >= job.Opts.Attempts:
		job.State = StateFailed
		job.LastError = err.Error()
		jobsFailed.WithLabelValues(q.name, job.Type).Inc()
		log.WithFields(logrus.Fields{
			"queue":   q.name,
			"type":    job.Type,
			"jobID":   job.ID,
			"attempt": job.Attempt,
		}).WithError(err).Warn("Job failed")
	default:
		job.State = StateDelayed
		job.RunAt = time.Now().Add(backoffFor(job))
		job.LastError = err.Error()
		jobRetries.WithLabelValues(q.name, job.Type).Inc()
		log.WithFields(logrus.Fields{
			"queue":   q.name,
			"type":    job.Type,
			"jobID":   job.ID,
			"attempt": job.Attempt,
			"retryAt": job.RunAt,
		}).WithError(err).Debug("Job retry scheduled")
		q.signalWake()
	}
}

// backoffFor doubles the base delay for every completed attempt.
func backoffFor(job *Job) time.Duration {
	backoff := job.Opts.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	for i := 1; i < job.Attempt; i++ {
		backoff *= 2
	}
	return backoff
}

func (q *Queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) signalReady(id string) {
	select {
	case q.ready <- id:
	default:
		// Workers drain via Scan-driven promotion on the next tick; a full
		// ready channel only delays execution, it cannot lose the job.
		q.signalWake()
	}
}

func snapshot(job *Job) *Job {
	cp := *job
	cp.Payload = append([]byte(nil), job.Payload...)
	return &cp
}
