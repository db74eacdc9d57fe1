package comux

import "golang.org/x/sys/unix"

// NewWaker returns a Waker backed by a non-blocking eventfd. Its
// EventID is the eventfd descriptor.
func NewWaker() (Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &fdWaker{rfd: fd, wfd: fd, eventfd: true}, nil
}
