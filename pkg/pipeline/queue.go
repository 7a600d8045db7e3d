package pipeline

import (
	"context"
	"sync"
)

// entry is a queued value or the stop marker. The stop marker never carries
// a value, so it cannot collide with a real record.
type entry[T any] struct {
	value T
	stop  bool
}

// Queue is an unbounded FIFO hand-off between many producers and one consumer.
//
// Every value added with Put must be acknowledged with Done once it has been
// fully handled. Join blocks until all acknowledged. The stop marker added
// with Stop is not counted as work and must not be acknowledged.
type Queue[T any] struct {
	mu         sync.Mutex
	items      []entry[T]
	unfinished int

	// ready holds at most one wake-up token for a waiting Get.
	ready chan struct{}
	// drained is closed whenever unfinished drops to zero.
	drained chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue[T any]() *Queue[T] {
	drained := make(chan struct{})
	close(drained)
	return &Queue[T]{
		ready:   make(chan struct{}, 1),
		drained: drained,
	}
}

// Put appends a value. It never blocks.
func (q *Queue[T]) Put(v T) {
	q.mu.Lock()
	q.items = append(q.items, entry[T]{value: v})
	q.unfinished++
	if q.unfinished == 1 {
		q.drained = make(chan struct{})
	}
	depth := len(q.items)
	q.mu.Unlock()

	queueDepth.Set(float64(depth))
	q.signal()
}

// Stop appends the stop marker behind every value already queued.
func (q *Queue[T]) Stop() {
	q.mu.Lock()
	q.items = append(q.items, entry[T]{stop: true})
	q.mu.Unlock()

	q.signal()
}

// Get removes the oldest entry, blocking until one is available or ctx is
// done. ok is false when the entry is the stop marker.
func (q *Queue[T]) Get(ctx context.Context) (v T, ok bool, err error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			e := q.items[0]
			q.items[0] = entry[T]{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			depth := len(q.items)
			q.mu.Unlock()

			queueDepth.Set(float64(depth))
			if more {
				// Pass the wake-up on so a second waiter is not stranded.
				q.signal()
			}
			return e.value, !e.stop, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Done acknowledges one value returned by Get.
// It panics if called more times than Put.
func (q *Queue[T]) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.unfinished <= 0 {
		panic("pipeline: Queue.Done called more times than Put")
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.drained)
	}
}

// Join blocks until every value added with Put has been acknowledged,
// or ctx is done.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	default:
	}

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued entries, including a pending stop marker.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Unfinished returns the number of values not yet acknowledged.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

func (q *Queue[T]) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
