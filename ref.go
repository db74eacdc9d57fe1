package comux

import "code.hybscloud.com/atomix"

// refCount is the shared-ownership counter embedded in Chan and
// Sender. Increments and decrements are atomic so a finalizer running
// beside the owning context cannot tear the count.
type refCount struct {
	n atomix.Int64
}

func (r *refCount) init() {
	r.n.Store(1)
}

// acquire adds a reference. Acquiring a dead object is a caller bug.
func (r *refCount) acquire() {
	if r.n.Add(1) <= 1 {
		panic("comux: reference acquired after release")
	}
}

// release drops a reference and reports whether it was the last one.
func (r *refCount) release() bool {
	n := r.n.Add(-1)
	if n < 0 {
		panic("comux: negative reference count")
	}
	return n == 0
}

func (r *refCount) load() int64 {
	return r.n.Load()
}
