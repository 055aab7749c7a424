package indexer

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	pderrors "github.com/Aman-CERP/pdindex/internal/errors"
)

// ErrQueueStopped is returned by Submit after Stop.
var ErrQueueStopped = pderrors.New(pderrors.ErrCodeRejected, "work queue is stopped", nil)

// WorkQueue is an unbounded FIFO queue drained by exactly one goroutine.
// Items are handed to the perform function one at a time in submission
// order; the next item is not taken until the previous call returned.
type WorkQueue[T any] struct {
	perform func(T)
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	stopped bool

	doneCh chan struct{}
}

// QueueOption configures a WorkQueue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	logger *slog.Logger
}

// WithQueueLogger sets the logger used to report recovered panics.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = logger
	}
}

// NewWorkQueue creates a queue and starts its worker.
func NewWorkQueue[T any](perform func(T), opts ...QueueOption) *WorkQueue[T] {
	o := queueOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	q := &WorkQueue[T]{
		perform: perform,
		logger:  o.logger,
		doneCh:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	go q.run()
	return q
}

// Submit appends item to the queue without blocking.
// Returns ErrQueueStopped once Stop has been called; the queue is not
// modified in that case.
func (q *WorkQueue[T]) Submit(item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped {
		return ErrQueueStopped
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return nil
}

// Len returns the number of items waiting to be processed.
func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop rejects further submissions, removes the items that have not been
// started yet and waits for the in-flight item to finish. The removed items
// are returned in submission order. Later calls return nil.
func (q *WorkQueue[T]) Stop() []T {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.doneCh
		return nil
	}
	q.stopped = true
	leftovers := q.items
	q.items = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.doneCh
	return leftovers
}

func (q *WorkQueue[T]) run() {
	defer close(q.doneCh)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.safePerform(item)
	}
}

// safePerform keeps the worker alive when perform panics.
func (q *WorkQueue[T]) safePerform(item T) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("work queue performer panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	q.perform(item)
}
