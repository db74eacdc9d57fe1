package comux

import (
	"context"
	"errors"
)

// ErrNoResponse is returned by IOErr when a request's Sender was
// closed without a value.
var ErrNoResponse = errors.New("comux: request closed without response")

// waiter is a task suspended on one RecvID.
type waiter struct {
	id     RecvID
	task   TaskBase
	nodes  []*Node
	err    error
	done   bool
	inline bool
}

// await suspends task until the EOF for id arrives and returns every
// node received for id, EOF included. Nodes already queued for id
// are picked up without suspending.
func (s *Schedule[I, O]) await(task TaskBase, id RecvID) ([]*Node, error) {
	if _, dup := s.waiters[id]; dup {
		panic("comux: recv id awaited twice")
	}
	w := &waiter{id: id, task: task}
	s.waiters[id] = w
	s.collect()

	if w.done {
		w.inline = true
	} else {
		task.Log("AWAIT " + id.String())
		task.setnorun(true)
		task.suspendz()
	}
	return w.nodes, w.err
}

// collect drains the completion Chan once, hands each node to the
// waiter for its RecvID and requeues the rest in arrival order. A
// waiter whose EOF arrived moves to the ready queue.
func (s *Schedule[I, O]) collect() {
	var unmatched []*Node
	for n := range s.ch.Nodes() {
		w, ok := s.waiters[n.RecvID]
		if !ok {
			unmatched = append(unmatched, n)
			continue
		}
		w.nodes = append(w.nodes, n)
		if n.IsEOF() {
			delete(s.waiters, n.RecvID)
			w.done = true
			s.ready.PushBack(w)
		}
	}
	s.ch.Requeue(unmatched...)
}

// resumeReady runs every task whose stream completed.
func (s *Schedule[I, O]) resumeReady() {
	for s.ready.Len() > 0 {
		w := s.ready.PopFront()
		if w.inline {
			continue
		}
		w.task.Log("RESUME " + w.id.String())
		w.task.setnorun(false)
		w.task.runz()
	}
}

// abandon releases every waiter with err. Later nodes for their ids
// are discarded by the Chan.
func (s *Schedule[I, O]) abandon(err error) {
	for id, w := range s.waiters {
		delete(s.waiters, id)
		s.ch.Discard(id)
		w.err = err
		w.done = true
		s.ready.PushBack(w)
	}
}

// Await suspends t until the stream for id ends and returns its
// nodes, ending with the EOF node. Ownership of owned payloads passes
// to the caller. Await fails without suspending once the task's
// context is done.
func (t *Task[I, O]) Await(id RecvID) ([]*Node, error) {
	if err := t.ctx.Err(); err != nil {
		return nil, context.Cause(t.ctx)
	}
	return t.sched.await(t, id)
}
