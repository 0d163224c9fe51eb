// Package queue implements the admission-controlled dispatch queue that
// matches pending lookups to available bots under a global concurrency
// ceiling.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/salat-23/item-inspect/pkg/job"
)

// State tracks a task through its lifecycle. Transitions are driven only
// by the dispatch loop and its task goroutines.
type State uint8

const (
	StatePending State = iota
	StateInFlight
	StateSucceeded
	StateRetrying
	StateAbandoned
)

// Task is one (job, link) pair waiting for a bot.
type Task struct {
	Job         *job.Job
	Entry       job.Entry
	Attempts    int
	MaxAttempts int

	state State
}

// State returns the task's current lifecycle state.
func (t *Task) State() State { return t.state }

// Handler resolves one task. The returned delay keeps the concurrency slot
// occupied for that long after success, pacing the session that served it.
type Handler func(ctx context.Context, t *Task) (time.Duration, error)

// FailedFunc is invoked once per task that exhausted its attempts.
type FailedFunc func(t *Task, err error)

// Gate answers whether any bot is ready to take a lookup.
type Gate interface {
	HasBotOnline() bool
}

// Queue is a FIFO task queue with bounded dispatch concurrency. Admission
// control (per-client and global caps) is the caller's job, checked via
// UserQueuedAmount and Size before AddJob; the queue itself never rejects.
type Queue struct {
	mu        sync.Mutex
	pending   []*Task
	inflight  int
	perClient map[string]int
	onFailed  FailedFunc

	wake chan struct{}
	log  *zap.Logger
}

func New(log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		perClient: make(map[string]int),
		wake:      make(chan struct{}, 1),
		log:       log,
	}
}

// OnFailed registers the terminal-failure callback. Must be called before
// Process.
func (q *Queue) OnFailed(fn FailedFunc) { q.onFailed = fn }

// AddJob expands the job's unresolved links into tasks and enqueues them
// at the tail. Non-blocking.
func (q *Queue) AddJob(j *job.Job, maxAttempts int) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	entries := j.RemainingLinks()
	q.mu.Lock()
	for _, e := range entries {
		q.pending = append(q.pending, &Task{Job: j, Entry: e, MaxAttempts: maxAttempts})
		q.perClient[j.ClientKey()]++
	}
	q.mu.Unlock()
	q.signal()
}

// Size is pending plus in-flight, for global admission control.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.inflight
}

// Pending is the number of tasks waiting for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// InFlight is the number of tasks currently dispatched.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inflight
}

// UserQueuedAmount counts pending plus in-flight tasks for one client key.
func (q *Queue) UserQueuedAmount(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.perClient[key]
}

// Process starts the dispatch loop: up to concurrency tasks in flight, a
// task leaves the head only when a slot and a ready bot are both
// available. Returns immediately; the loop stops when ctx is cancelled.
func (q *Queue) Process(ctx context.Context, concurrency int, gate Gate, h Handler) {
	go q.loop(ctx, concurrency, gate, h)
}

func (q *Queue) loop(ctx context.Context, concurrency int, gate Gate, h Handler) {
	// The ticker re-checks bot readiness, which has no wake signal of
	// its own.
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		q.dispatch(ctx, concurrency, gate, h)
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		case <-tick.C:
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, concurrency int, gate Gate, h Handler) {
	for {
		q.mu.Lock()
		if q.inflight >= concurrency || len(q.pending) == 0 || !gate.HasBotOnline() {
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		t.state = StateInFlight
		q.inflight++
		q.mu.Unlock()

		go q.run(ctx, t, h)
	}
}

func (q *Queue) run(ctx context.Context, t *Task, h Handler) {
	delay, err := h(ctx, t)
	if err == nil {
		q.mu.Lock()
		t.state = StateSucceeded
		q.releaseClient(t)
		q.mu.Unlock()
		if delay > 0 {
			// Hold the slot for the backend-reported delay so the
			// session that just answered is not hit again at once.
			time.AfterFunc(delay, q.releaseSlot)
		} else {
			q.releaseSlot()
		}
		return
	}

	t.Attempts++
	if t.Attempts >= t.MaxAttempts {
		q.mu.Lock()
		t.state = StateAbandoned
		q.releaseClient(t)
		fn := q.onFailed
		q.mu.Unlock()
		q.log.Debug("task abandoned",
			zap.String("trace_id", t.Job.TraceID()),
			zap.String("link", t.Entry.Link.String()),
			zap.Int("attempts", t.Attempts),
			zap.Error(err))
		if fn != nil {
			fn(t, err)
		}
		q.releaseSlot()
		return
	}

	// Requeue at the tail rather than retrying in place; a different bot
	// will usually pick it up.
	q.mu.Lock()
	t.state = StateRetrying
	q.pending = append(q.pending, t)
	q.mu.Unlock()
	q.log.Debug("task requeued",
		zap.String("trace_id", t.Job.TraceID()),
		zap.String("link", t.Entry.Link.String()),
		zap.Int("attempt", t.Attempts),
		zap.Error(err))
	q.releaseSlot()
}

// releaseClient decrements the client's queued count. Caller holds mu.
func (q *Queue) releaseClient(t *Task) {
	key := t.Job.ClientKey()
	if n := q.perClient[key]; n <= 1 {
		delete(q.perClient, key)
	} else {
		q.perClient[key] = n - 1
	}
}

func (q *Queue) releaseSlot() {
	q.mu.Lock()
	q.inflight--
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
