// Package queue provides the bounded FIFO buffer between admission and dispatch.
package queue

import (
	"context"
	"time"

	"github.com/seantiz/infergate/internal/model"
)

// Queue is a fixed-capacity FIFO of tasks. It is safe for concurrent use by
// any number of producers and consumers; each task is delivered to exactly
// one consumer.
type Queue struct {
	tasks chan model.Task
}

// New creates a queue holding at most capacity tasks. A capacity below one is
// raised to one.
func New(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{tasks: make(chan model.Task, capacity)}
}

// TryEnqueue appends t and reports true, or reports false without blocking
// when the queue is full.
func (q *Queue) TryEnqueue(t model.Task) bool {
	select {
	case q.tasks <- t:
		return true
	default:
		return false
	}
}

// TryDequeue pops the oldest task without blocking. ok is false when the
// queue is empty.
func (q *Queue) TryDequeue() (t model.Task, ok bool) {
	select {
	case t = <-q.tasks:
		return t, true
	default:
		return model.Task{}, false
	}
}

// Dequeue waits for the oldest task. It returns ok=false if maxWait elapses
// or ctx is done before a task arrives; a non-positive maxWait waits only on
// ctx.
func (q *Queue) Dequeue(ctx context.Context, maxWait time.Duration) (t model.Task, ok bool) {
	var idle <-chan time.Time
	if maxWait > 0 {
		timer := time.NewTimer(maxWait)
		defer timer.Stop()
		idle = timer.C
	}

	select {
	case t = <-q.tasks:
		return t, true
	case <-idle:
		return model.Task{}, false
	case <-ctx.Done():
		return model.Task{}, false
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return cap(q.tasks)
}
