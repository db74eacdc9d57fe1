package comux

// WaitGroup waits for a collection of tasks to finish. Every waiting
// task owns a Sender on the schedule's Chan; the Add that brings the
// counter to zero closes them all, so the waiters resume together on
// the loop's next drain.
type WaitGroup struct {
	noCopy noCopy
	v      int32
	sema   sema
}

// Add adds delta to the counter. A negative counter panics.
func (wg *WaitGroup) Add(delta int) {
	wg.v += int32(delta)

	switch {
	case wg.v < 0:
		panic("comux: negative WaitGroup counter")
	case wg.v == 0:
		wg.sema.broadcast()
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() {
	wg.Add(-1)
}

// Wait suspends task until the counter is zero. It returns at once if
// the counter is already zero, and with the cancellation error if the
// schedule is cancelled first.
func (wg *WaitGroup) Wait(task TaskBase) error {
	if wg.v == 0 {
		return nil
	}
	return wg.sema.acquire(task)
}
