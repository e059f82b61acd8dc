/*
Package taskqueue implements the durable triage work queue: FIFO per change
request key, unordered across keys, with a per-key lease table so at most one
worker analyzes a given request at a time.

Queue contents are persisted through a triage.TaskStore and reloaded on
startup; dispatch order, leases, and supersede logic live in process.
*/
package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prcopilot/internal/retry"
	"github.com/prcopilot/internal/triage"
)

// ErrClosed is returned by Dequeue after Close.
var ErrClosed = errors.New("task queue closed")

// Config holds queue tuning parameters.
type Config struct {
	MaxAttempts int           // total attempts per task before it fails
	BaseDelay   time.Duration // backoff base for requeued tasks
	MaxDelay    time.Duration // backoff ceiling
	Multiplier  float64
	LeaseTTL    time.Duration // how long a worker may hold a key
}

// DefaultConfig returns the queue defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: triage.MaxAttempts,
		BaseDelay:   2 * time.Second,
		MaxDelay:    60 * time.Second,
		Multiplier:  2.5,
		LeaseTTL:    triage.LeaseTTL,
	}
}

type lease struct {
	taskID string
	expiry time.Time
}

// Queue is the per-key serialized task queue.
type Queue struct {
	store  triage.TaskStore
	config Config

	mu       sync.Mutex
	pending  map[triage.ChangeRequestKey][]*triage.Task
	inflight map[triage.ChangeRequestKey]*triage.Task
	leases   map[triage.ChangeRequestKey]lease
	closed   bool

	wake chan struct{}
	done chan struct{}
	now  func() time.Time
}

// New creates a queue backed by the given task store.
func New(store triage.TaskStore, config Config) *Queue {
	return &Queue{
		store:    store,
		config:   config,
		pending:  make(map[triage.ChangeRequestKey][]*triage.Task),
		inflight: make(map[triage.ChangeRequestKey]*triage.Task),
		leases:   make(map[triage.ChangeRequestKey]lease),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Restore loads persisted tasks into the in-memory dispatch structures.
// Called once at startup before workers begin dequeuing.
func (q *Queue) Restore(ctx context.Context) error {
	tasks, err := q.store.PendingTasks(ctx)
	if err != nil {
		return err
	}

	q.mu.Lock()
	for _, t := range tasks {
		q.pending[t.Key] = append(q.pending[t.Key], t)
	}
	q.mu.Unlock()

	if len(tasks) > 0 {
		log.Info().Int("tasks", len(tasks)).Msg("restored queued tasks from store")
	}
	q.signal()
	return nil
}

// Enqueue persists a task and admits it for dispatch. It never blocks on
// dispatch. Webhook tasks for a key that already has an unleased webhook
// task queued are merged into that task at the newest revision instead of
// growing the queue.
func (q *Queue) Enqueue(ctx context.Context, t *triage.Task) error {
	if merged, err := q.tryMerge(ctx, t); merged || err != nil {
		return err
	}
	if err := q.store.SaveTask(ctx, t); err != nil {
		return err
	}
	q.admit(t)
	return nil
}

// Admit enters an already-persisted task (e.g. written atomically with its
// delivery record) into dispatch, applying the same merge rule. When the
// task merges into an existing one, its own persisted row is deleted.
func (q *Queue) Admit(ctx context.Context, t *triage.Task) error {
	merged, err := q.tryMerge(ctx, t)
	if err != nil {
		return err
	}
	if merged {
		if err := q.store.DeleteTask(ctx, t.ID); err != nil {
			return err
		}
		return nil
	}
	q.admit(t)
	return nil
}

// tryMerge collapses a webhook task into an existing unleased webhook task
// for the same key, keeping the queue position but taking the newer
// revision. Command tasks never merge: every distinct invocation is honored.
func (q *Queue) tryMerge(ctx context.Context, t *triage.Task) (bool, error) {
	if t.Reason != triage.ReasonWebhook {
		return false, nil
	}

	q.mu.Lock()
	var target *triage.Task
	for _, existing := range q.pending[t.Key] {
		if existing.Reason == triage.ReasonWebhook {
			target = existing
			break
		}
	}
	if target != nil {
		target.EnqueuedRevision = t.EnqueuedRevision
	}
	q.mu.Unlock()

	if target == nil {
		return false, nil
	}

	log.Debug().
		Str("key", t.Key.String()).
		Str("revision", t.EnqueuedRevision).
		Msg("merged webhook task into queued task at newer revision")
	return true, q.store.UpdateTask(ctx, target)
}

func (q *Queue) admit(t *triage.Task) {
	q.mu.Lock()
	q.pending[t.Key] = append(q.pending[t.Key], t)
	q.mu.Unlock()
	q.signal()
}

// Dequeue blocks until a ready task whose key is unleased is available, then
// leases the key and returns the task. Ready means notBefore <= now. Within
// a key tasks dispatch in enqueue order; across keys the oldest ready head
// wins, which keeps one hot request from starving others.
func (q *Queue) Dequeue(ctx context.Context) (*triage.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}

		now := q.now()
		q.reclaimExpiredLocked(now)

		if t := q.takeLocked(now); t != nil {
			q.mu.Unlock()
			return t, nil
		}

		wait := q.nextWakeLocked(now)
		q.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.done:
			timer.Stop()
			return nil, ErrClosed
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// takeLocked picks and leases the dispatchable task, or returns nil.
func (q *Queue) takeLocked(now time.Time) *triage.Task {
	var best *triage.Task
	for key, tasks := range q.pending {
		if len(tasks) == 0 {
			continue
		}
		if _, leased := q.leases[key]; leased {
			continue
		}
		head := tasks[0]
		if head.NotBefore.After(now) {
			continue
		}
		if best == nil || head.EnqueuedAt.Before(best.EnqueuedAt) {
			best = head
		}
	}
	if best == nil {
		return nil
	}

	q.pending[best.Key] = q.pending[best.Key][1:]
	if len(q.pending[best.Key]) == 0 {
		delete(q.pending, best.Key)
	}
	q.inflight[best.Key] = best
	q.leases[best.Key] = lease{taskID: best.ID, expiry: now.Add(q.config.LeaseTTL)}
	return best
}

// reclaimExpiredLocked returns tasks whose lease expired (crashed or wedged
// worker) to the head of their key's queue.
func (q *Queue) reclaimExpiredLocked(now time.Time) {
	for key, l := range q.leases {
		if l.expiry.After(now) {
			continue
		}
		if t, ok := q.inflight[key]; ok {
			q.pending[key] = append([]*triage.Task{t}, q.pending[key]...)
			delete(q.inflight, key)
			log.Warn().Str("key", key.String()).Str("task", t.ID).Msg("reclaimed expired lease")
		}
		delete(q.leases, key)
	}
}

// nextWakeLocked bounds how long Dequeue may sleep before rescanning.
func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	wait := time.Second
	for _, tasks := range q.pending {
		if len(tasks) == 0 {
			continue
		}
		if d := tasks[0].NotBefore.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	for _, l := range q.leases {
		if d := l.expiry.Sub(now); d > 0 && d < wait {
			wait = d
		}
	}
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// Complete removes a successfully processed (or intentionally discarded)
// task and releases its key. A task whose lease was reclaimed is ignored:
// the version guard on state writes already protects its result.
func (q *Queue) Complete(ctx context.Context, t *triage.Task) error {
	if !q.release(t) {
		return nil
	}
	q.signal()
	return q.store.DeleteTask(ctx, t.ID)
}

// Retry requeues a task after a transient failure with exponential backoff,
// or reports false when attempts are exhausted and the task has been
// dropped. The caller is then responsible for the failed-state transition
// and diagnostic report.
func (q *Queue) Retry(ctx context.Context, t *triage.Task) (bool, error) {
	if !q.release(t) {
		// Lease was reclaimed; the task is already back in the queue.
		return true, nil
	}
	q.signal()

	t.Attempt++
	if t.Attempt >= q.config.MaxAttempts {
		log.Warn().
			Str("key", t.Key.String()).
			Int("attempts", t.Attempt).
			Msg("task exhausted retry budget")
		return false, q.store.DeleteTask(ctx, t.ID)
	}

	t.Reason = triage.ReasonRetry
	t.NotBefore = q.now().Add(q.Backoff(t.Attempt))
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return false, err
	}
	q.admit(t)
	return true, nil
}

// release drops the lease if this task still holds it.
func (q *Queue) release(t *triage.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.leases[t.Key]
	if !ok || l.taskID != t.ID {
		return false
	}
	delete(q.leases, t.Key)
	delete(q.inflight, t.Key)
	return true
}

// Backoff computes the delay before the given attempt is dispatched again.
func (q *Queue) Backoff(attempt int) time.Duration {
	return retry.Delay(retry.Config{
		BaseDelay:  q.config.BaseDelay,
		MaxDelay:   q.config.MaxDelay,
		Multiplier: q.config.Multiplier,
		Jitter:     true,
	}, attempt-1)
}

// Depth returns the number of queued (not in-flight) tasks.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, tasks := range q.pending {
		n += len(tasks)
	}
	return n
}

// Close stops dispatch. In-flight tasks may still Complete or Retry; their
// store writes proceed, but nothing new is handed out.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
