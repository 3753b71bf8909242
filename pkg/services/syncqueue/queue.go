package syncqueue

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/retry"
)

// RetryConfig configures in-queue retries for transient task failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig keeps in-queue retries short (2s, 4s, 8s capped at 15s):
// a sync that keeps failing is re-attempted on its next scheduled tick anyway.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     15 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Queue runs tasks with per-key serialization. A task enqueued while its key
// is already pending or running is dropped rather than queued, so a slow sync
// never builds a backlog for its configuration. The queue is long-lived:
// finished tasks are folded into counters, only active ones are tracked.
type Queue struct {
	mu        sync.Mutex
	active    map[string]*taskState // by serialization key
	stats     Progress
	firstErr  error
	cancelled bool

	strategy    ConcurrencyStrategy
	retryConfig RetryConfig

	// idle is closed whenever the active set drains; Enqueue replaces it.
	idle chan struct{}
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(config RetryConfig) QueueOption {
	return func(q *Queue) {
		q.retryConfig = config
	}
}

// New creates a queue. The default strategy serializes per key with any
// number of distinct keys in parallel.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		active:      make(map[string]*taskState),
		strategy:    NewPerKeyStrategy(),
		retryConfig: DefaultRetryConfig(),
		idle:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		logger:      logger.Named("syncqueue"),
	}
	close(q.idle)

	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue accepts a task and starts it as soon as the strategy allows.
// Returns false when the queue is cancelled or the task's key is already
// active (skip, not queue).
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		q.logger.Warn("queue cancelled, ignoring enqueue",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return false
	}
	if _, ok := q.active[task.Key()]; ok {
		q.logger.Debug("key already active, skipping task",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()),
			zap.String("key", task.Key()))
		return false
	}

	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}

	q.active[task.Key()] = &taskState{task: task, status: TaskStatusPending}
	q.stats.Total++

	q.logger.Info("task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.String("key", task.Key()))

	q.startEligibleLocked()
	return true
}

// startEligibleLocked starts every pending task the strategy allows.
func (q *Queue) startEligibleLocked() {
	if q.cancelled {
		return
	}
	for key, ts := range q.active {
		if ts.status != TaskStatusPending || !q.strategy.CanStart(key) {
			continue
		}
		q.strategy.OnStart(key)
		ts.status = TaskStatusRunning

		q.logger.Info("starting task",
			zap.String("task_id", ts.task.ID()),
			zap.String("task_name", ts.task.Name()),
			zap.String("key", key))

		q.wg.Add(1)
		go q.runTask(ts)
	}
}

// runTask executes a task, retrying transient errors with backoff.
func (q *Queue) runTask(ts *taskState) {
	defer q.wg.Done()

	var lastErr error
	for attempt := 0; attempt <= q.retryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := q.backoffFor(attempt)
			q.logger.Info("retrying task after backoff",
				zap.String("task_id", ts.task.ID()),
				zap.String("task_name", ts.task.Name()),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff))
			select {
			case <-q.ctx.Done():
				q.finish(ts, q.ctx.Err())
				return
			case <-time.After(backoff):
			}
		}

		err := ts.task.Execute(q.ctx, q)
		if err == nil {
			q.finish(ts, nil)
			return
		}
		lastErr = err

		if errors.Is(err, context.Canceled) {
			break
		}
		if !retry.IsRetryable(err) {
			q.logger.Warn("non-retryable error, failing task",
				zap.String("task_id", ts.task.ID()),
				zap.String("task_name", ts.task.Name()),
				zap.Error(err))
			break
		}
		if attempt < q.retryConfig.MaxRetries {
			q.logger.Warn("retryable task error",
				zap.String("task_id", ts.task.ID()),
				zap.String("task_name", ts.task.Name()),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}
	}

	q.finish(ts, lastErr)
}

func (q *Queue) backoffFor(attempt int) time.Duration {
	backoff := float64(q.retryConfig.InitialBackoff) *
		math.Pow(q.retryConfig.BackoffFactor, float64(attempt-1))
	if backoff > float64(q.retryConfig.MaxBackoff) {
		backoff = float64(q.retryConfig.MaxBackoff)
	}
	jitter := backoff * 0.1 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}

// finish retires a task, records its outcome, and starts whatever became
// eligible.
func (q *Queue) finish(ts *taskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := ts.task.Key()
	q.strategy.OnComplete(key)
	delete(q.active, key)

	switch {
	case err == nil:
		q.stats.Completed++
		q.logger.Info("task completed",
			zap.String("task_id", ts.task.ID()),
			zap.String("task_name", ts.task.Name()))
	case errors.Is(err, context.Canceled):
		q.stats.Cancelled++
		q.logger.Info("task cancelled",
			zap.String("task_id", ts.task.ID()),
			zap.String("task_name", ts.task.Name()))
	default:
		q.stats.Failed++
		if q.firstErr == nil {
			q.firstErr = err
		}
		q.logger.Error("task failed",
			zap.String("task_id", ts.task.ID()),
			zap.String("task_name", ts.task.Name()),
			zap.Error(err))
	}

	if len(q.active) == 0 {
		close(q.idle)
		return
	}
	q.startEligibleLocked()
}

// Wait blocks until the active set drains or the context is cancelled.
// Returns the first task failure recorded since the queue was created, or
// ctx.Err() after cancelling the queue on context expiry.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		q.mu.Lock()
		defer q.mu.Unlock()
		return q.firstErr
	case <-ctx.Done():
		q.Cancel()
		return ctx.Err()
	}
}

// Cancel stops accepting tasks, signals running ones via their context, and
// retires pending ones as cancelled.
func (q *Queue) Cancel() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancelled {
		return
	}
	q.cancelled = true
	q.logger.Info("queue cancelled, signaling running tasks to stop")
	q.cancel()

	for key, ts := range q.active {
		if ts.status == TaskStatusPending {
			delete(q.active, key)
			q.stats.Cancelled++
		}
	}
	if len(q.active) == 0 {
		select {
		case <-q.idle:
		default:
			close(q.idle)
		}
	}
}

// HasFailures reports whether any task has failed since the queue was created.
func (q *Queue) HasFailures() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats.Failed > 0
}

// Progress returns cumulative queue statistics.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := q.stats
	for _, ts := range q.active {
		switch ts.status {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		}
	}
	return p
}

// Progress holds queue statistics. Terminal counts are cumulative over the
// queue's lifetime.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
