package comux

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// IODispatch processes batches of I/O requests. Dispatch is called on
// the loop goroutine and must not block; it typically starts
// goroutines bounded by sem that answer each request through its
// Respond, Fail or Retry method.
type IODispatch[I, O any] interface {
	Dispatch(
		ctx context.Context,
		sem *semaphore.Weighted,
		reqs []*IORequest[I, O],
	)
}

// AppError carries a non-zero application error code delivered with a
// response node.
type AppError struct {
	Code int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("comux: application error %d", e.Code)
}

// IORequest is one pending I/O operation. It owns the Sender that
// delivers its response to the awaiting task.
type IORequest[I, O any] struct {
	in     I
	sender *Sender
}

// GetData returns the request input.
func (ior *IORequest[I, O]) GetData() I {
	return ior.in
}

// RecvID returns the correlation id the awaiting task resolves.
func (ior *IORequest[I, O]) RecvID() RecvID {
	return ior.sender.RecvID()
}

// Respond delivers out to the awaiting task and ends the request.
func (ior *IORequest[I, O]) Respond(out O) error {
	return ior.finish(ior.sender.SendObj(0, out, nil))
}

// Fail ends the request with an application error code. The awaiting
// task receives the zero O and an *AppError.
func (ior *IORequest[I, O]) Fail(code int) error {
	return ior.finish(ior.sender.SendNil(code))
}

// Retry ends this attempt; the awaiting task resubmits the request in
// the next dispatch batch.
func (ior *IORequest[I, O]) Retry() error {
	return ior.finish(ior.sender.SendObj(0, ioRetry{}, nil))
}

func (ior *IORequest[I, O]) finish(err error) error {
	err = errors.Join(err, ior.sender.Close())
	ior.sender.Unref()
	return err
}

// ioRetry marks a response asking for resubmission.
type ioRetry struct{}

// IO submits in to the schedule's dispatcher and suspends until the
// response arrives. Errors are dropped; use IOErr to observe them.
func (t *Task[I, O]) IO(in I) O {
	out, _ := t.IOErr(in)
	return out
}

// IOErr is IO reporting application errors as *AppError, a request
// closed without a value as ErrNoResponse, and loop cancellation as
// the context's error.
func (t *Task[I, O]) IOErr(in I) (O, error) {
	var zero O
	for {
		if err := t.ctx.Err(); err != nil {
			return zero, context.Cause(t.ctx)
		}

		snd, err := t.sched.ch.Open()
		if err != nil {
			return zero, err
		}
		id := snd.RecvID()
		t.Logf("IO %v", id)
		t.ioq.add(&IORequest[I, O]{in: in, sender: snd})

		nodes, err := t.sched.await(t, id)
		if err != nil {
			return zero, err
		}
		out, retry, err := ioResult[O](nodes)
		if retry {
			t.Logf("IO RETRY %v", id)
			continue
		}
		return out, err
	}
}

// ioResult decodes the node stream of one request attempt.
func ioResult[O any](nodes []*Node) (out O, retry bool, err error) {
	for _, n := range nodes {
		if n.Err != 0 && err == nil {
			err = &AppError{Code: n.Err}
		}
		switch p := n.Payload.(type) {
		case Obj:
			n.Take()
			if _, ok := p.Value.(ioRetry); ok {
				return out, true, nil
			}
			if p.Value == nil {
				return out, false, err
			}
			if v, ok := p.Value.(O); ok {
				return v, false, err
			}
			p.release()
			err = fmt.Errorf("comux: response type %T", p.Value)
		case Nil:
			if err != nil {
				return out, false, err
			}
		case EOF:
			if err == nil {
				err = ErrNoResponse
			}
			return out, false, err
		default:
			n.Release()
		}
	}
	return out, false, ErrNoResponse
}

type ioQueue[I, O any] struct {
	requests []*IORequest[I, O]
}

func newIOQueue[I, O any]() *ioQueue[I, O] {
	return new(ioQueue[I, O])
}

func (q *ioQueue[I, O]) add(reqs ...*IORequest[I, O]) {
	q.requests = append(q.requests, reqs...)
}

func (q *ioQueue[I, O]) reset() {
	q.requests = make([]*IORequest[I, O], 0)
}

func (q *ioQueue[I, O]) len() int {
	return len(q.requests)
}
