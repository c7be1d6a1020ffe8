package scanner

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/galleria-app/galleria/internal/logger"
)

// flushTask is the unit of work that writes one micro-batch to storage.
type flushTask struct {
	name     string
	items    int
	attempts int
	run      func() error
}

// AsyncFlushQueue runs flush tasks on its own bounded pool, independent of
// the general concurrency controller, dequeuing in submission order. A task
// that fails is re-run up to maxFlushAttempts times with linear backoff;
// retries are scheduled by a bare timer and deliberately run outside the
// pool bound (matching long-standing observed behavior; see DESIGN.md).
type AsyncFlushQueue struct {
	mu      sync.Mutex
	queue   []*flushTask
	running int
	max     int

	backoff   time.Duration
	onFailure func(name string, items int, err error)
	onDone    func(items int)

	wg sync.WaitGroup

	enqueued  atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
	completed atomic.Int64
	active    atomic.Int32
}

const maxFlushAttempts = 3

// NewAsyncFlushQueue creates a queue running at most maxConcurrentFlushes
// tasks at once. onDone fires at terminal completion of each task (success
// or exhausted retries) with the task's item count; onFailure additionally
// fires for exhausted retries.
func NewAsyncFlushQueue(maxConcurrentFlushes int, onDone func(items int), onFailure func(name string, items int, err error)) *AsyncFlushQueue {
	if maxConcurrentFlushes < 1 {
		maxConcurrentFlushes = 1
	}
	return &AsyncFlushQueue{
		max:       maxConcurrentFlushes,
		backoff:   time.Second,
		onFailure: onFailure,
		onDone:    onDone,
	}
}

// SetBackoff overrides the retry backoff unit (used by tests).
func (q *AsyncFlushQueue) SetBackoff(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoff = d
}

// Enqueue submits a flush task.
func (q *AsyncFlushQueue) Enqueue(name string, items int, run func() error) {
	t := &flushTask{name: name, items: items, run: run}
	q.enqueued.Add(1)
	q.wg.Add(1)

	q.mu.Lock()
	q.queue = append(q.queue, t)
	q.dispatchLocked()
	q.mu.Unlock()
}

// dispatchLocked starts queued tasks while capacity remains. Callers hold q.mu.
func (q *AsyncFlushQueue) dispatchLocked() {
	for q.running < q.max && len(q.queue) > 0 {
		t := q.queue[0]
		q.queue = q.queue[1:]
		q.running++

		go func(t *flushTask) {
			q.execute(t)

			q.mu.Lock()
			q.running--
			q.dispatchLocked()
			q.mu.Unlock()
		}(t)
	}
}

// execute runs one attempt and handles retry/terminal bookkeeping.
func (q *AsyncFlushQueue) execute(t *flushTask) {
	q.active.Add(1)
	err := t.run()
	q.active.Add(-1)
	t.attempts++

	if err == nil {
		q.completed.Add(1)
		if q.onDone != nil {
			q.onDone(t.items)
		}
		q.wg.Done()
		return
	}

	if t.attempts < maxFlushAttempts {
		q.retried.Add(1)
		delay := q.retryDelay(t.attempts)
		logger.Debug("flush %s failed (attempt %d), retrying in %s: %v", t.name, t.attempts, delay, err)
		time.AfterFunc(delay, func() {
			// Retried tasks bypass the pool bound on purpose.
			q.execute(t)
		})
		return
	}

	q.failed.Add(1)
	logger.Warn("flush %s failed after %d attempts: %v", t.name, t.attempts, err)
	if q.onFailure != nil {
		q.onFailure(t.name, t.items, err)
	}
	if q.onDone != nil {
		q.onDone(t.items)
	}
	q.wg.Done()
}

func (q *AsyncFlushQueue) retryDelay(attempt int) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backoff * time.Duration(attempt)
}

// Drain blocks until every enqueued task reached a terminal outcome,
// including tasks still waiting on retry timers.
func (q *AsyncFlushQueue) Drain() {
	q.wg.Wait()
}

// QueueLength returns the number of tasks waiting to start.
func (q *AsyncFlushQueue) QueueLength() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Active returns the number of flush attempts currently executing.
func (q *AsyncFlushQueue) Active() int {
	return int(q.active.Load())
}

// FailureRate returns terminally-failed tasks / enqueued tasks.
func (q *AsyncFlushQueue) FailureRate() float64 {
	enq := q.enqueued.Load()
	if enq == 0 {
		return 0
	}
	return float64(q.failed.Load()) / float64(enq)
}
