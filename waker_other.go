//go:build !unix

package comux

// NewWaker returns an in-process Waker on platforms without pollable
// descriptors.
func NewWaker() (Waker, error) {
	return NewMemWaker(), nil
}
