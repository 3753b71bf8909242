package syncqueue

import (
	"context"

	"github.com/google/uuid"
)

// TaskStatus represents the in-queue state of a task.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
)

// Task is a unit of work executed by the queue.
type Task interface {
	// ID identifies this task instance.
	ID() string

	// Name is a human-readable label for logging.
	Name() string

	// Key is the serialization key. Tasks sharing a key never run
	// concurrently; a task enqueued while its key is active is skipped,
	// not queued.
	Key() string

	// Execute runs the task. The enqueuer lets a task schedule follow-up
	// work without holding a reference to the queue.
	Execute(ctx context.Context, enqueuer TaskEnqueuer) error
}

// TaskEnqueuer allows tasks to enqueue follow-up tasks.
type TaskEnqueuer interface {
	Enqueue(task Task) bool
}

// taskState tracks an active (pending or running) task. Terminal outcomes
// are folded into the queue's counters instead of being retained, so a
// long-lived queue doesn't grow with every completed sync.
type taskState struct {
	task   Task
	status TaskStatus
}

// BaseTask provides ID/Name/Key for concrete task types to embed.
type BaseTask struct {
	id   string
	name string
	key  string
}

// NewBaseTask creates a BaseTask with a generated ID.
func NewBaseTask(name, key string) BaseTask {
	return BaseTask{
		id:   uuid.New().String(),
		name: name,
		key:  key,
	}
}

func (t BaseTask) ID() string   { return t.id }
func (t BaseTask) Name() string { return t.name }

// Key returns the serialization key.
func (t BaseTask) Key() string { return t.key }
