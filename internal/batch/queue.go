package batch

import (
	"context"
	"sync"
)

// JoinableQueue is a bounded FIFO whose producer can wait until every item
// it put has been marked done by a consumer.
//
// Put blocks while the queue is full. Every item obtained with Get must be
// acknowledged with TaskDone; Join returns once the count of unacknowledged
// items drops to zero. Close may only be called by the producer after its last Put.
type JoinableQueue[T any] struct {
	items chan T

	mu      sync.Mutex
	pending int
	idle    chan struct{} // closed while pending == 0
}

func NewJoinableQueue[T any](capacity int) *JoinableQueue[T] {
	idle := make(chan struct{})
	close(idle)
	return &JoinableQueue[T]{items: make(chan T, capacity), idle: idle}
}

// Put enqueues v, blocking while the queue is full or until ctx is done.
func (q *JoinableQueue[T]) Put(ctx context.Context, v T) error {
	q.mu.Lock()
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
	q.mu.Unlock()

	select {
	case q.items <- v:
		return nil
	case <-ctx.Done():
		q.TaskDone()
		return ctx.Err()
	}
}

// Get dequeues the next item. ok is false once the queue is closed and empty or ctx is done.
func (q *JoinableQueue[T]) Get(ctx context.Context) (v T, ok bool) {
	select {
	case v, ok = <-q.items:
		return v, ok
	case <-ctx.Done():
		return v, false
	}
}

// TaskDone acknowledges one item returned by Get.
func (q *JoinableQueue[T]) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending == 0 {
		panic("batch: TaskDone called more times than Put")
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// Join blocks until every item put so far has been acknowledged.
func (q *JoinableQueue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of items put but not yet acknowledged.
func (q *JoinableQueue[T]) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *JoinableQueue[T]) Cap() int {
	return cap(q.items)
}

// Close tells consumers no more items will arrive.
func (q *JoinableQueue[T]) Close() {
	close(q.items)
}

// resultQueue collects report records from the workers. It is unbounded;
// the producer drains it after every Put.
type resultQueue struct {
	mu      sync.Mutex
	records [][]string
}

func (r *resultQueue) Push(records ...[]string) {
	if len(records) == 0 {
		return
	}
	r.mu.Lock()
	r.records = append(r.records, records...)
	r.mu.Unlock()
}

// Drain returns and removes everything queued so far without blocking.
func (r *resultQueue) Drain() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.records
	r.records = nil
	return out
}
