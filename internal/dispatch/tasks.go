package dispatch

import (
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/ipc"
)

// Task tracks one accepted IPC request until its reply is delivered. The
// reply capability is held here, not closed when the request handler
// returns.
type Task struct {
	ID        uint64
	CallerID  string
	HandlerID uint64
	FrameID   uint64
	Method    int
	Reply     ipc.ReplyFunc
	StartedAt time.Time
}

// Tasks owns the task table and issues monotonically increasing ids.
type Tasks struct {
	mu   sync.Mutex
	next uint64
	m    map[uint64]*Task
}

// NewTasks creates an empty task table.
func NewTasks() *Tasks {
	return &Tasks{m: map[uint64]*Task{}}
}

// Create allocates and tracks a task.
func (t *Tasks) Create(callerID string, handlerID, frameID uint64, method int, reply ipc.ReplyFunc) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	task := &Task{
		ID:        t.next,
		CallerID:  callerID,
		HandlerID: handlerID,
		FrameID:   frameID,
		Method:    method,
		Reply:     reply,
		StartedAt: time.Now(),
	}
	t.m[task.ID] = task
	return task
}

// Take removes and returns a task; nil when it is already gone.
func (t *Tasks) Take(id uint64) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := t.m[id]
	delete(t.m, id)
	return task
}

// DropCaller removes every task owned by a disconnected caller and returns
// their ids so waiter lists can be cleaned up.
func (t *Tasks) DropCaller(callerID string) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var ids []uint64
	for id, task := range t.m {
		if task.CallerID == callerID {
			ids = append(ids, id)
			delete(t.m, id)
		}
	}
	return ids
}

// Count returns the number of outstanding tasks.
func (t *Tasks) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
