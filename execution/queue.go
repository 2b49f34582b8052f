package execution

import (
	"container/list"
	"context"
	"sync"
)

// TaskQueue is an unbounded double-ended queue of tasks with a consumer
// gate. Producers on any goroutine Append or Prepend; the single pipeline
// goroutine consumes with TryTake. BlockConsumers closes the gate so a
// producer can prepend a foreground task and fire a cancellation without a
// consumer slipping in between.
type TaskQueue struct {
	mu    sync.Mutex
	items *list.List

	// gate is held briefly by producers that need take-exclusion. TryTake
	// backs off instead of blocking so the pipeline goroutine never waits
	// on a producer.
	gate sync.Mutex

	signal chan struct{}
}

// NewTaskQueue creates an empty queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		items:  list.New(),
		signal: make(chan struct{}, 1),
	}
}

// Append adds a task at the back of the queue.
func (q *TaskQueue) Append(t Task) {
	q.mu.Lock()
	q.items.PushBack(t)
	q.mu.Unlock()
	q.notify()
}

// Prepend adds a task at the front of the queue, ahead of all queued work.
func (q *TaskQueue) Prepend(t Task) {
	q.mu.Lock()
	q.items.PushFront(t)
	q.mu.Unlock()
	q.notify()
}

// TryTake removes and returns the front task. It returns false immediately
// when the queue is empty or consumers are blocked.
func (q *TaskQueue) TryTake() (Task, bool) {
	if !q.gate.TryLock() {
		return nil, false
	}
	defer q.gate.Unlock()

	q.mu.Lock()
	defer q.mu.Unlock()
	front := q.items.Front()
	if front == nil {
		return nil, false
	}
	q.items.Remove(front)
	return front.Value.(Task), true
}

// BlockConsumers closes the consumer gate until the returned release func is
// called. Release is idempotent.
func (q *TaskQueue) BlockConsumers() (release func()) {
	q.gate.Lock()
	return sync.OnceFunc(q.gate.Unlock)
}

// Len returns the number of queued tasks.
func (q *TaskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Wait blocks until a task has been enqueued since the last Wait, or ctx is
// canceled. Intended for a single consumer: a wake does not guarantee the
// queue is still non-empty, so callers follow up with TryTake and loop.
func (q *TaskQueue) Wait(ctx context.Context) error {
	select {
	case <-q.signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain removes and returns every queued task. It bypasses the consumer
// gate and is meant for shutdown, after the consumer loop has stopped.
func (q *TaskQueue) Drain() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, q.items.Len())
	for front := q.items.Front(); front != nil; front = q.items.Front() {
		q.items.Remove(front)
		out = append(out, front.Value.(Task))
	}
	return out
}

func (q *TaskQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
