package syncqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

// testTask is a simple task for testing.
type testTask struct {
	BaseTask
	executeFunc func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newTestTask(name, key string, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *testTask {
	return &testTask{
		BaseTask:    NewBaseTask(name, key),
		executeFunc: fn,
	}
}

func (t *testTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.executeFunc != nil {
		return t.executeFunc(ctx, enqueuer)
	}
	return nil
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := New(zap.NewNop())

	executed := false
	task := newTestTask("test-task", "key-a", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed = true
		return nil
	})

	if !q.Enqueue(task) {
		t.Fatal("enqueue rejected the task")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := q.Wait(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !executed {
		t.Error("task was not executed")
	}

	if q.Progress().Completed != 1 {
		t.Errorf("expected 1 completed, got %d", q.Progress().Completed)
	}
}

func TestQueue_TaskFailure(t *testing.T) {
	q := New(zap.NewNop())

	expectedErr := errors.New("task failed")
	task := newTestTask("failing-task", "key-a", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		return expectedErr
	})

	q.Enqueue(task)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := q.Wait(ctx)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !errors.Is(err, expectedErr) {
		t.Errorf("expected %v, got %v", expectedErr, err)
	}

	if !q.HasFailures() {
		t.Error("expected HasFailures to return true")
	}
}

func TestQueue_SameKeySkipped(t *testing.T) {
	q := New(zap.NewNop())

	release := make(chan struct{})
	first := newTestTask("sync", "config-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		<-release
		return nil
	})

	if !q.Enqueue(first) {
		t.Fatal("first enqueue rejected")
	}

	// Duplicate key while the first is in flight must be dropped, not queued.
	second := newTestTask("sync", "config-1", nil)
	if q.Enqueue(second) {
		t.Error("expected duplicate key enqueue to be rejected")
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Progress().Total != 1 {
		t.Errorf("expected 1 task total, got %d", q.Progress().Total)
	}
}

func TestQueue_DistinctKeysRunInParallel(t *testing.T) {
	q := New(zap.NewNop())

	var running int32
	var maxConcurrent int32
	var mu sync.Mutex

	for _, key := range []string{"config-1", "config-2", "config-3"} {
		task := newTestTask("sync", key, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		q.Enqueue(task)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	mc := maxConcurrent
	mu.Unlock()

	if mc < 2 {
		t.Errorf("expected distinct keys to run in parallel, max concurrent was %d", mc)
	}
}

func TestQueue_ThrottledStrategy(t *testing.T) {
	q := New(zap.NewNop(), WithStrategy(NewThrottledStrategy(1)))

	var running int32
	var maxConcurrent int32
	var mu sync.Mutex

	for _, key := range []string{"config-1", "config-2", "config-3"} {
		task := newTestTask("sync", key, func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
		q.Enqueue(task)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	mc := maxConcurrent
	mu.Unlock()

	if mc > 1 {
		t.Errorf("throttled tasks ran concurrently: max concurrent was %d", mc)
	}
}

func TestQueue_Cancel(t *testing.T) {
	q := New(zap.NewNop())

	started := make(chan struct{})
	task := newTestTask("long-task", "config-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	q.Enqueue(task)
	<-started
	q.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.Progress().Cancelled != 1 {
		t.Errorf("expected 1 cancelled task, got %d", q.Progress().Cancelled)
	}

	if q.Enqueue(newTestTask("late-task", "config-2", nil)) {
		t.Error("expected enqueue after cancel to be rejected")
	}
}

func TestQueue_RetryOnRetryableError(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(RetryConfig{
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		BackoffFactor:  2.0,
	}))

	var attempts int32
	task := newTestTask("flaky-task", "config-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("connection timeout")
		}
		return nil
	})

	q.Enqueue(task)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := q.Wait(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}
