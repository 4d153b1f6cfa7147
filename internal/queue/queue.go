// Package queue is the in-process FIFO of pending tasks shared by every worker of a session.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nadmax/scholarq/internal/task"
)

var ErrTimeout = errors.New("queue: no task available before timeout")

type Queue struct {
	mu       sync.Mutex
	items    []*task.Task
	inFlight int
	// ready is closed and replaced on every enqueue to wake blocked consumers.
	ready chan struct{}
}

func NewQueue() *Queue {
	return &Queue{
		ready: make(chan struct{}),
	}
}

func (q *Queue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, t)
	close(q.ready)
	q.ready = make(chan struct{})
}

// Dequeue pops the oldest task, blocking for at most timeout. It returns
// ErrTimeout when nothing arrived in time and ctx.Err() when ctx ends first.
// Every successful Dequeue must be paired with a Done.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*task.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.inFlight++
			q.mu.Unlock()
			return t, nil
		}
		ready := q.ready
		q.mu.Unlock()

		select {
		case <-ready:
		case <-timer.C:
			return nil, ErrTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done marks a previously dequeued task as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
}

func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

func (q *Queue) Empty() bool {
	return q.Size() == 0
}

// Unfinished counts queued tasks plus tasks dequeued but not yet Done.
func (q *Queue) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items) + q.inFlight
}

// Drain discards every queued task and returns their names.
func (q *Queue) Drain() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	names := make([]string, 0, len(q.items))
	for _, t := range q.items {
		names = append(names, t.Name)
	}
	q.items = nil

	return names
}
