// Package randqueue provides a randomized multi-producer/multi-consumer
// work queue with task accounting. Get removes a uniformly random
// element, which spreads consecutive jobs across unrelated subnets
// instead of walking one address block in order.
package randqueue

import (
	"math/rand"
	"sync"
)

type Queue[T any] struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	allDone    *sync.Cond
	items      []T
	unfinished int
	closed     bool
}

func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	q.allDone = sync.NewCond(&q.mu)
	return q
}

// Put enqueues an item and increments the outstanding-work counter.
// Never blocks. Returns false if the queue has been closed.
func (q *Queue[T]) Put(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, item)
	q.unfinished++
	q.notEmpty.Signal()
	return true
}

// Get blocks until an item is available and removes a random one.
// Returns ok=false once the queue is closed; queued items present at
// close time are abandoned, not delivered.
func (q *Queue[T]) Get() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	var zero T
	if q.closed {
		return zero, false
	}
	i := rand.Intn(len(q.items))
	item := q.items[i]
	last := len(q.items) - 1
	q.items[i] = q.items[last]
	q.items[last] = zero
	q.items = q.items[:last]
	return item, true
}

// TaskDone marks one previously dequeued item as finished. Panics if
// called more times than items were dequeued.
func (q *Queue[T]) TaskDone() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unfinished--
	if q.unfinished < 0 {
		panic("randqueue: TaskDone called too many times")
	}
	if q.unfinished == 0 {
		q.allDone.Broadcast()
	}
}

// Join blocks until every enqueued item has been finished or abandoned.
func (q *Queue[T]) Join() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.unfinished > 0 {
		q.allDone.Wait()
	}
}

// Close abandons all queued items, credits them against the
// outstanding-work counter so Join cannot deadlock, and wakes every
// blocked Get. Items already handed to workers still require TaskDone.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.unfinished -= len(q.items)
	q.items = nil
	if q.unfinished <= 0 {
		q.unfinished = 0
		q.allDone.Broadcast()
	}
	q.notEmpty.Broadcast()
}

// Len reports the number of items currently queued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
