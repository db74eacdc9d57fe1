package comux

import (
	"context"

	"github.com/gammazero/deque"
	"golang.org/x/sync/semaphore"
)

const (
	// ScheduleIOConcurrencyLimit is the default bound on concurrently
	// dispatched I/O batches.
	ScheduleIOConcurrencyLimit = 128
)

// Schedule runs tasks against one completion Chan. Tasks suspend on a
// RecvID; producers answer through Senders bound to that id; the loop
// wakes on the Chan's Waker, drains it and resumes the matching tasks.
type Schedule[I, O any] struct {
	dispatch IODispatch[I, O]
	ch       *Chan
	sem      *semaphore.Weighted
	log      func(string, ...any)
	waiters  map[RecvID]*waiter
	ready    deque.Deque[*waiter]
}

// IO creates a Schedule that hands I/O requests to dispatch. The
// completion Chan is bound to an eventfd Waker where available and
// to an in-process Waker otherwise.
func IO[I, O any](dispatch IODispatch[I, O], opts *Options) *Schedule[I, O] {
	log := opts.logger("[comux.Schedule] ")
	w, err := NewWaker()
	if err != nil {
		log("Falling back to in-process waker: %v", err)
		w = NewMemWaker()
	}
	return &Schedule[I, O]{
		dispatch: dispatch,
		ch:       New(w, opts),
		sem:      semaphore.NewWeighted(opts.concurrency()),
		log:      log,
		waiters:  make(map[RecvID]*waiter),
	}
}

// Chan returns the completion channel. Code outside the schedule, such
// as timers or foreign producers, mints ids and Senders from it.
func (s *Schedule[I, O]) Chan() *Chan {
	return s.ch
}

// Close releases the schedule's reference to its completion Chan.
func (s *Schedule[I, O]) Close() {
	s.ch.Unref()
}

// Resumable represents a function that can be resumed with a
// Schedule.
type Resumable[I, O any] struct {
	fn    func(context.Context, *Task[I, O])
	sched *Schedule[I, O]
}

// Gogo creates a Resumable from a function that takes a context and a
// Task.
func (s *Schedule[I, O]) Gogo(fn func(context.Context, *Task[I, O])) *Resumable[I, O] {
	return &Resumable[I, O]{fn: fn, sched: s}
}

// Go creates a Resumable from a function that only takes a context.
func (s *Schedule[I, O]) Go(fn func(context.Context)) *Resumable[I, O] {
	return s.Gogo(s.Fn(fn))
}

// Resume runs the Resumable to completion on the calling goroutine.
// Cancelling ctx releases every suspended task with the context's
// error.
func (r *Resumable[I, O]) Resume(ctx context.Context) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop(rctx, r.fn, r.sched)
}

// Fn adapts a context-only function to the Task-based signature.
func (s *Schedule[I, O]) Fn(fn func(context.Context)) func(context.Context, *Task[I, O]) {
	return func(ctx context.Context, _ *Task[I, O]) { fn(ctx) }
}

// pending reports whether the loop has anything left to wait for.
func (s *Schedule[I, O]) pending(ioq *ioQueue[I, O]) bool {
	return ioq.len() > 0 || len(s.waiters) > 0 || s.ready.Len() > 0
}
