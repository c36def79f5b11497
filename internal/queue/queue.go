// Package queue implements the bounded FIFO primitive papaline's engines
// are built on: a fixed-capacity queue with a choice of overflow
// discipline, plus a priority-biased multi-queue select so a reader can
// service several queues without starving the highest-priority one.
package queue

import (
	"reflect"
	"sync"
)

// Discipline controls what happens when Put is called on a full queue.
type Discipline int

const (
	// Block makes producers wait until space is available.
	Block Discipline = iota
	// Sliding drops the oldest item to make room for the new one.
	Sliding
	// Dropping silently discards the new item.
	Dropping
)

// Queue is a bounded FIFO of items of type T. The zero value is not
// usable; construct with New.
type Queue[T any] struct {
	mu         sync.Mutex
	notEmpty   *sync.Cond
	notFull    *sync.Cond
	items      []T
	capacity   int
	discipline Discipline
	closed     bool

	// changed is closed and replaced on every state transition so
	// Select can park on it with a native multi-way select.
	changed chan struct{}
}

// New constructs a queue with the given capacity and overflow discipline.
// Capacity must be >= 1.
func New[T any](capacity int, discipline Discipline) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	q := &Queue[T]{
		capacity:   capacity,
		discipline: discipline,
		items:      make([]T, 0, capacity),
		changed:    make(chan struct{}),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Put enqueues an item per the queue's discipline. Under Block it waits
// for space; under Sliding it evicts the oldest item on overflow; under
// Dropping it silently discards v when full. Put on a closed queue is a
// no-op.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	switch q.discipline {
	case Sliding:
		if len(q.items) == q.capacity {
			q.items = q.items[1:]
		}
		q.items = append(q.items, v)
	case Dropping:
		if len(q.items) == q.capacity {
			return
		}
		q.items = append(q.items, v)
	default: // Block
		for len(q.items) == q.capacity && !q.closed {
			q.notFull.Wait()
		}
		if q.closed {
			return
		}
		q.items = append(q.items, v)
	}

	q.notEmpty.Signal()
	q.bump()
}

// Take removes and returns the head item, blocking until one is
// available. ok is false if the queue was closed and drained.
func (q *Queue[T]) Take() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return v, false
	}
	v, q.items = q.items[0], q.items[1:]
	q.notFull.Signal()
	q.bump()
	return v, true
}

// TryTake removes and returns the head item without blocking.
func (q *Queue[T]) TryTake() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryTakeLocked()
}

func (q *Queue[T]) tryTakeLocked() (v T, ok bool) {
	if len(q.items) == 0 {
		return v, false
	}
	v, q.items = q.items[0], q.items[1:]
	q.notFull.Signal()
	q.bump()
	return v, true
}

// Close marks the queue closed. Pending and future Take/Select calls
// return ok=false once drained. Close is idempotent.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.bump()
}

// Len reports the number of items currently queued.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// bump must be called with q.mu held; it wakes any Select parked on this
// queue by closing and replacing its changed channel.
func (q *Queue[T]) bump() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue[T]) watch() chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Selectable type-erases a Queue[T] so heterogeneously typed queues can
// be polled together by Select.
type Selectable interface {
	tryTakeAny() (any, bool)
	isClosedEmpty() bool
	watch() chan struct{}
}

func (q *Queue[T]) tryTakeAny() (any, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tryTakeLocked()
}

func (q *Queue[T]) isClosedEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

// AsSelectable adapts a *Queue[T] for use with Select.
func AsSelectable[T any](q *Queue[T]) Selectable {
	return q
}

// Select polls queues in priority order (index 0 highest) and returns
// the first one that either has an item ready or is closed and drained,
// so a closed high-priority queue wins over a ready lower-priority one.
// If none qualifies it parks until one changes state, then re-polls — so
// a higher-priority queue that becomes ready after a lower one is still
// preferred. live is false when the returned queue is closed and drained
// rather than holding a value.
func Select(queues ...Selectable) (idx int, val any, live bool) {
	for {
		for i, q := range queues {
			if v, found := q.tryTakeAny(); found {
				return i, v, true
			}
			if q.isClosedEmpty() {
				return i, nil, false
			}
		}

		cases := make([]reflect.SelectCase, len(queues))
		for i, q := range queues {
			cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(q.watch())}
		}
		reflect.Select(cases)
	}
}
