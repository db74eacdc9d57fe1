package comux

import (
	"context"
	"errors"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
)

// ErrWakerClosed is returned by a Waker used after Close.
var ErrWakerClosed = errors.New("comux: waker closed")

// Waker is the event-loop binding of a Chan. The Chan signals it once
// per enqueue; the scheduler polls EventID, or calls Wait, and drains
// the pending signal count before reading the channel.
type Waker interface {
	// EventID returns the handle a poller registers readiness on. A
	// Waker with no file descriptor returns -1.
	EventID() int

	// Signal marks the waker readable. Signals coalesce.
	Signal() error

	// Drain consumes all pending signals and reports how many there
	// were. It never blocks; zero means nothing was pending.
	Drain() (uint64, error)

	// Wait blocks until the waker is signalled or ctx is done. It does
	// not consume the signal.
	Wait(ctx context.Context) error

	Close() error
}

// memWaker is a Waker without a file descriptor, for embedders that
// drive the loop themselves and for platforms without eventfd or
// pipes.
type memWaker struct {
	pending atomix.Int64
	closed  atomix.Uint32
}

// NewMemWaker returns an in-process Waker. Its EventID is -1.
func NewMemWaker() Waker {
	return new(memWaker)
}

func (w *memWaker) EventID() int { return -1 }

func (w *memWaker) Signal() error {
	if w.closed.Load() != 0 {
		return ErrWakerClosed
	}
	w.pending.Add(1)
	return nil
}

func (w *memWaker) Drain() (uint64, error) {
	if w.closed.Load() != 0 {
		return 0, ErrWakerClosed
	}
	n := w.pending.Load()
	if n > 0 {
		w.pending.Add(-n)
	}
	return uint64(n), nil
}

func (w *memWaker) Wait(ctx context.Context) error {
	var bo iox.Backoff
	for w.pending.Load() == 0 {
		if w.closed.Load() != 0 {
			return ErrWakerClosed
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		bo.Wait()
	}
	return nil
}

func (w *memWaker) Close() error {
	w.closed.Store(1)
	return nil
}
