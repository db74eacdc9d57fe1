package comux

import "github.com/gammazero/deque"

// sema is a counting semaphore for tasks. A waiting task awaits a
// RecvID on the schedule's Chan; release wakes it by closing the
// Sender for that id, so the task resumes from the loop's next drain.
type sema struct {
	noCopy noCopy               // Prevents copying of the semaphore
	v      uint32               // Value (available resources)
	w      deque.Deque[*Sender] // One Sender per waiting task, FIFO
}

// acquire takes a resource, suspending t until release hands one
// over if none is available. If the wait is abandoned before the
// hand-off, t leaves the queue and acquire returns the error. A
// hand-off that raced the abandonment still counts as acquired.
func (s *sema) acquire(t TaskBase) error {
	if s.v > 0 {
		s.v--
		return nil
	}

	snd, err := t.channel().Open()
	if err != nil {
		return err
	}
	s.w.PushBack(snd)
	if _, err := t.await(snd.RecvID()); err != nil {
		if i := s.w.Index(func(w *Sender) bool { return w == snd }); i >= 0 {
			s.w.Remove(i)
			snd.Close()
			snd.Unref()
			return err
		}
	}
	return nil
}

// release hands a resource to the longest waiting task, or returns it
// to the pool if nobody waits.
func (s *sema) release() {
	if s.w.Len() == 0 {
		s.v++
		return
	}

	snd := s.w.PopFront()
	snd.Close()
	snd.Unref()
}

// broadcast wakes every waiting task without changing the value.
func (s *sema) broadcast() {
	for s.w.Len() > 0 {
		snd := s.w.PopFront()
		snd.Close()
		snd.Unref()
	}
}

// waiting reports the number of suspended tasks.
func (s *sema) waiting() int {
	return s.w.Len()
}
