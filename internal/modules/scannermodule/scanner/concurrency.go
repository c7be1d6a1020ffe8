package scanner

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/galleria-app/galleria/internal/logger"
	"github.com/shirou/gopsutil/v4/process"
)

// ErrTaskCancelled is delivered to tasks rejected by Clear before they started.
var ErrTaskCancelled = errors.New("task cancelled before execution")

// Task is a unit of asynchronous work scheduled by the controller.
type Task func() (interface{}, error)

// TaskResult is the outcome of one task.
type TaskResult struct {
	Value interface{}
	Err   error
}

type queuedTask struct {
	task Task
	done chan TaskResult
}

// ConcurrencyController is a bounded task executor with a FIFO queue. The
// running count never exceeds the configured bound; task failures are
// delivered to the submitting caller and never affect the controller itself.
type ConcurrencyController struct {
	mu      sync.Mutex
	queue   []*queuedTask
	running int
	max     int
}

// NewConcurrencyController creates a controller with the given bound.
func NewConcurrencyController(maxConcurrency int) (*ConcurrencyController, error) {
	if maxConcurrency < 1 {
		return nil, fmt.Errorf("invalid concurrency bound: %d", maxConcurrency)
	}
	return &ConcurrencyController{max: maxConcurrency}, nil
}

// Execute enqueues a task and returns a channel that receives its outcome.
func (c *ConcurrencyController) Execute(task Task) <-chan TaskResult {
	qt := &queuedTask{task: task, done: make(chan TaskResult, 1)}

	c.mu.Lock()
	c.queue = append(c.queue, qt)
	c.dispatchLocked()
	c.mu.Unlock()

	return qt.done
}

// ExecuteAll runs a batch of tasks and waits for all of them. It returns the
// first task error encountered, if any.
func (c *ConcurrencyController) ExecuteAll(tasks []Task) ([]interface{}, error) {
	results := c.ExecuteAllSettled(tasks)
	values := make([]interface{}, len(results))
	for i, r := range results {
		if r.Err != nil {
			return nil, r.Err
		}
		values[i] = r.Value
	}
	return values, nil
}

// ExecuteAllSettled runs a batch of tasks and waits for all of them,
// tolerating individual failures.
func (c *ConcurrencyController) ExecuteAllSettled(tasks []Task) []TaskResult {
	channels := make([]<-chan TaskResult, len(tasks))
	for i, task := range tasks {
		channels[i] = c.Execute(task)
	}
	results := make([]TaskResult, len(tasks))
	for i, ch := range channels {
		results[i] = <-ch
	}
	return results
}

// dispatchLocked fires queued tasks while capacity remains. Callers hold c.mu.
func (c *ConcurrencyController) dispatchLocked() {
	for c.running < c.max && len(c.queue) > 0 {
		qt := c.queue[0]
		c.queue = c.queue[1:]
		c.running++

		go func(qt *queuedTask) {
			value, err := qt.task()
			qt.done <- TaskResult{Value: value, Err: err}

			c.mu.Lock()
			c.running--
			c.dispatchLocked()
			c.mu.Unlock()
		}(qt)
	}
}

// SetMaxConcurrency changes the bound and immediately drains more work when
// the bound grew. Running tasks are never interrupted by a shrink; the pool
// contracts as they complete.
func (c *ConcurrencyController) SetMaxConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid concurrency bound: %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	grew := n > c.max
	c.max = n
	if grew {
		c.dispatchLocked()
	}
	return nil
}

// Clear rejects all queued (not yet started) tasks with ErrTaskCancelled and
// returns how many were rejected. Running tasks are unaffected.
func (c *ConcurrencyController) Clear() int {
	c.mu.Lock()
	cleared := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, qt := range cleared {
		qt.done <- TaskResult{Err: ErrTaskCancelled}
	}
	return len(cleared)
}

// Running returns the number of tasks currently executing.
func (c *ConcurrencyController) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// QueueLength returns the number of tasks waiting to start.
func (c *ConcurrencyController) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// MaxConcurrency returns the current bound.
func (c *ConcurrencyController) MaxConcurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

// Utilization returns running/max as a 0-1 fraction.
func (c *ConcurrencyController) Utilization() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max == 0 {
		return 0
	}
	return float64(c.running) / float64(c.max)
}

// AdaptiveConcurrencyController resizes the bound from observed process
// memory: above the heap threshold it shrinks by 20% (floor 1), below half
// the threshold it grows by 20% (capped at 4x logical CPUs).
type AdaptiveConcurrencyController struct {
	*ConcurrencyController

	memoryThreshold int64
	pollInterval    time.Duration
	proc            *process.Process
	stopCh          chan struct{}
	stopOnce        sync.Once
}

// NewAdaptiveConcurrencyController wraps a controller with memory-based scaling.
func NewAdaptiveConcurrencyController(maxConcurrency int, memoryThresholdBytes int64) (*AdaptiveConcurrencyController, error) {
	base, err := NewConcurrencyController(maxConcurrency)
	if err != nil {
		return nil, err
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open process handle: %w", err)
	}

	ac := &AdaptiveConcurrencyController{
		ConcurrencyController: base,
		memoryThreshold:       memoryThresholdBytes,
		pollInterval:          5 * time.Second,
		proc:                  proc,
		stopCh:                make(chan struct{}),
	}
	go ac.scaleLoop()
	return ac, nil
}

func (ac *AdaptiveConcurrencyController) scaleLoop() {
	ticker := time.NewTicker(ac.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ac.adjust()
		case <-ac.stopCh:
			return
		}
	}
}

func (ac *AdaptiveConcurrencyController) adjust() {
	mem, err := ac.proc.MemoryInfo()
	if err != nil {
		logger.Debug("adaptive controller: memory sample failed: %v", err)
		return
	}

	rss := int64(mem.RSS)
	current := ac.MaxConcurrency()

	switch {
	case rss > ac.memoryThreshold:
		next := current * 4 / 5
		if next < 1 {
			next = 1
		}
		if next != current {
			logger.Debug("adaptive controller: shrinking bound %d -> %d (rss %d)", current, next, rss)
			_ = ac.SetMaxConcurrency(next)
		}
	case rss < ac.memoryThreshold/2:
		next := current * 6 / 5
		if next == current {
			next = current + 1
		}
		limit := runtime.NumCPU() * 4
		if next > limit {
			next = limit
		}
		if next > current {
			logger.Debug("adaptive controller: growing bound %d -> %d (rss %d)", current, next, rss)
			_ = ac.SetMaxConcurrency(next)
		}
	}
}

// Stop ends the scaling loop. The underlying controller keeps working.
func (ac *AdaptiveConcurrencyController) Stop() {
	ac.stopOnce.Do(func() { close(ac.stopCh) })
}
