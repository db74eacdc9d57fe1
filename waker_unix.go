//go:build unix

package comux

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// waitSlice bounds each poll so Wait notices ctx cancellation.
const waitSlice = 50 * time.Millisecond

// fdWaker is a Waker backed by an eventfd or, where eventfd is not
// available, the read end of a non-blocking pipe.
//
// Every descriptor access holds mu for reading and Close holds it for
// writing, so a descriptor number is never used after it is closed
// and possibly reissued.
type fdWaker struct {
	rfd, wfd int
	eventfd  bool

	mu     sync.RWMutex
	closed bool
}

func (w *fdWaker) EventID() int { return w.rfd }

func (w *fdWaker) Signal() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWakerClosed
	}
	var buf [8]byte
	n := 1
	if w.eventfd {
		binary.NativeEndian.PutUint64(buf[:], 1)
		n = len(buf)
	}
	for {
		_, err := unix.Write(w.wfd, buf[:n])
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// Counter or pipe is full; the waker is already readable.
			return nil
		default:
			return err
		}
	}
}

func (w *fdWaker) Drain() (uint64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return 0, ErrWakerClosed
	}
	var (
		buf   [64]byte
		total uint64
	)
	for {
		n, err := unix.Read(w.rfd, buf[:])
		switch {
		case err == nil && w.eventfd:
			return binary.NativeEndian.Uint64(buf[:8]), nil
		case err == nil && n > 0:
			total += uint64(n)
		case err == nil:
			return total, nil
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return total, nil
		default:
			return total, err
		}
	}
}

func (w *fdWaker) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ready, err := w.poll()
		if ready || err != nil {
			return err
		}
	}
}

// poll waits up to waitSlice for the read end to become readable,
// holding the read lock for that one slice.
func (w *fdWaker) poll() (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false, ErrWakerClosed
	}
	fds := []unix.PollFd{{Fd: int32(w.rfd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(waitSlice/time.Millisecond))
	switch {
	case errors.Is(err, unix.EINTR):
		return false, nil
	case err != nil:
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (w *fdWaker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := unix.Close(w.rfd)
	if w.wfd != w.rfd {
		err = errors.Join(err, unix.Close(w.wfd))
	}
	return err
}
