//go:build unix && !linux

package comux

import "golang.org/x/sys/unix"

// NewWaker returns a Waker backed by a non-blocking pipe. Its EventID
// is the read end.
func NewWaker() (Waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &fdWaker{rfd: p[0], wfd: p[1]}, nil
}
