package jobqueue

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/semaphore"

	"texture-cache/internal/logging"
	"texture-cache/internal/metrics"
)

// Priority selects the queue lane a job runs in. Lanes are drained
// highest first; the low lane is additionally pausable and capped so
// background cache churn never starves interactive work.
type Priority int

const (
	// PriorityLow is the background lane (pausable, capped).
	PriorityLow Priority = iota
	// PriorityNormal is the default lane.
	PriorityNormal
	// PriorityHigh is for jobs a caller is actively waiting on.
	PriorityHigh
)

// String returns the metric label for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Job is a unit of queued work. Run must honor ctx cancellation checked
// at entry: a canceled job reports ctx.Err() without doing real work.
type Job interface {
	Run(ctx context.Context) error
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context) error

// Run calls f.
func (f JobFunc) Run(ctx context.Context) error { return f(ctx) }

type task struct {
	job        Job
	priority   Priority
	onComplete func(error)
}

// Queue is a priority job queue running work on a bounded pool, with
// per-lane concurrency caps, a pausable low lane, completion callbacks
// and cooperative cancellation.
type Queue struct {
	mu      sync.Mutex
	lanes   [3][]*task
	paused  [3]bool
	running [3]int
	caps    [3]int
	closed  bool

	pool   *semaphore.Weighted
	notify chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and starts a Queue with the given worker pool size.
// lowLaneCap bounds how many low-priority jobs may run at once
// (the background image-cache lane runs with a cap of 1).
func New(workers int, lowLaneCap int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if lowLaneCap < 1 {
		lowLaneCap = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		pool:   semaphore.NewWeighted(int64(workers)),
		notify: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	q.caps[PriorityLow] = lowLaneCap
	q.caps[PriorityNormal] = workers
	q.caps[PriorityHigh] = workers

	q.wg.Add(1)
	go q.dispatch()

	logging.Info("Job queue started: %d workers, low-lane cap %d", workers, lowLaneCap)
	return q
}

// Submit enqueues a job. onComplete (may be nil) is invoked exactly once
// with the job's outcome, including ctx.Err() for canceled jobs. Submit
// after Close reports cancellation immediately.
func (q *Queue) Submit(p Priority, job Job, onComplete func(error)) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		if onComplete != nil {
			onComplete(context.Canceled)
		}
		return
	}
	q.lanes[p] = append(q.lanes[p], &task{job: job, priority: p, onComplete: onComplete})
	metrics.JobsQueuedTotal.WithLabelValues(p.String()).Inc()
	metrics.JobQueueDepth.WithLabelValues(p.String()).Set(float64(len(q.lanes[p])))
	q.mu.Unlock()

	q.wake()
}

// Pause stops new jobs from starting in the lane; running jobs finish.
func (q *Queue) Pause(p Priority) {
	q.mu.Lock()
	q.paused[p] = true
	q.mu.Unlock()
}

// Resume reverses Pause.
func (q *Queue) Resume(p Priority) {
	q.mu.Lock()
	q.paused[p] = false
	q.mu.Unlock()
	q.wake()
}

// Close cancels queued and running jobs and waits for completion
// callbacks to finish. Pending jobs still receive their callback, with
// context.Canceled.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wake()
	q.wg.Wait()
	logging.Info("Job queue stopped")
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// dispatch moves tasks from lanes to the pool, highest priority first,
// honoring pauses and per-lane caps.
func (q *Queue) dispatch() {
	defer q.wg.Done()

	for {
		t := q.next()
		if t == nil {
			select {
			case <-q.notify:
				continue
			case <-q.ctx.Done():
				q.failPending()
				return
			}
		}

		if err := q.pool.Acquire(q.ctx, 1); err != nil {
			// Shutting down: the task (and the rest) get canceled.
			q.finish(t, q.ctx.Err())
			q.failPending()
			return
		}

		q.wg.Add(1)
		go func(t *task) {
			defer q.wg.Done()
			defer q.pool.Release(1)
			q.run(t)
			q.wake()
		}(t)
	}
}

// next pops the highest-priority runnable task, or nil.
func (q *Queue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := PriorityHigh; p >= PriorityLow; p-- {
		if q.paused[p] || len(q.lanes[p]) == 0 || q.running[p] >= q.caps[p] {
			continue
		}
		t := q.lanes[p][0]
		q.lanes[p] = q.lanes[p][1:]
		q.running[p]++
		metrics.JobQueueDepth.WithLabelValues(p.String()).Set(float64(len(q.lanes[p])))
		return t
	}
	return nil
}

func (q *Queue) run(t *task) {
	// Cooperative cancellation, checked at entry before real work.
	select {
	case <-q.ctx.Done():
		q.finish(t, q.ctx.Err())
		return
	default:
	}

	err := t.job.Run(q.ctx)
	q.finish(t, err)
}

func (q *Queue) finish(t *task, err error) {
	q.mu.Lock()
	if q.running[t.priority] > 0 {
		q.running[t.priority]--
	}
	q.mu.Unlock()

	t.complete(err)
}

func (t *task) complete(err error) {
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	metrics.JobsCompletedTotal.WithLabelValues(t.priority.String(), status).Inc()

	if t.onComplete != nil {
		t.onComplete(err)
	}
}

// failPending cancels everything still queued after shutdown began.
func (q *Queue) failPending() {
	q.mu.Lock()
	var pending []*task
	for p := range q.lanes {
		pending = append(pending, q.lanes[p]...)
		q.lanes[p] = nil
		metrics.JobQueueDepth.WithLabelValues(Priority(p).String()).Set(0)
	}
	q.mu.Unlock()

	// Never started, so no running counter to release.
	for _, t := range pending {
		t.complete(context.Canceled)
	}
}
