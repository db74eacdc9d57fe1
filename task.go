package comux

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"

	"github.com/webriots/coro"
)

const (
	taskTraceTaskType   = "comux-task"
	taskTraceRegionType = "comux-region"
	taskTraceCategory   = "comux"
)

// Task is a coroutine scheduled by a Schedule. A task runs until it
// awaits a RecvID, waits for its children, or returns.
type Task[I, O any] struct {
	ctx     context.Context
	yield   func(I) O
	suspend func() O
	resume  func(O) (I, bool)
	cancel  func()
	ioq     *ioQueue[I, O]
	single  *singleFlight
	sched   *Schedule[I, O]
	parent  *Task[I, O]
	childn  int
	norun   bool
}

// TaskBase is the type-erased view of a Task used by the
// synchronization primitives.
type TaskBase interface {
	Do(any, func() (any, error)) (any, error, bool)
	Go(func(context.Context))
	Group() ErrGroup
	Wait()

	Log(string)
	Logf(string, ...any)

	await(RecvID) ([]*Node, error)
	channel() *Chan
	context() context.Context
	goctx(ctx context.Context, fn func(context.Context))
	parenttask() TaskBase
	runz()
	suspendz()
	setnorun(bool)
}

func loop[I, O any](
	ctx context.Context,
	fn func(context.Context, *Task[I, O]),
	sched *Schedule[I, O],
) {
	var tracer *trace.Task

	ctx, tracer = trace.NewTask(ctx, taskTraceTaskType)
	defer tracer.End()

	program := func(ctx context.Context, task *Task[I, O]) {
		fn(ctx, task)
		task.Wait()
	}

	t := newTask(ctx, program, nil)
	t.sched = sched
	defer t.cancel()

	trace.Logf(ctx, taskTraceCategory, "LOOP CHAN %v EVENT %v", sched.ch.ID(), sched.ch.EventID())

	for t.resumez() {
		for sched.pending(t.ioq) {
			trace.Logf(ctx, taskTraceCategory, "LOOP IO_BATCH %v WAITING %v READY %v",
				t.ioq.len(), len(sched.waiters), sched.ready.Len())

			if t.ioq.len() > 0 {
				reqs := t.ioq.requests
				t.ioq.reset()
				sched.dispatch.Dispatch(t.ctx, sched.sem, reqs)
			}

			if sched.ready.Len() == 0 {
				trace.Log(ctx, taskTraceCategory, "IO WAIT")
				if err := sched.ch.Waker().Wait(ctx); err != nil {
					trace.Logf(ctx, taskTraceCategory, "LOOP ABANDON %v", err)
					sched.log("Abandoning %d waiters: %v", len(sched.waiters), err)
					sched.abandon(err)
				} else {
					sched.collect()
				}
			}

			sched.resumeReady()
		}
	}

	if t.childn > 0 {
		panic("comux: task.childn > 0")
	}

	trace.Log(ctx, taskTraceCategory, "LOOP DONE")
}

func newTask[I, O any](
	ctx context.Context,
	fn func(context.Context, *Task[I, O]),
	parent *Task[I, O],
) *Task[I, O] {
	task := &Task[I, O]{
		parent: parent,
	}

	if task.parent == nil {
		task.ioq = newIOQueue[I, O]()
		task.single = newSingleFlight()
	} else {
		task.ioq = task.parent.ioq
		task.single = task.parent.single
		task.sched = task.parent.sched
		task.parent.childn++
	}

	task.ctx = withTaskContext(ctx, task)

	resume, cancel := coro.New(
		func(yield func(I) O, suspend func() O) (z I) {
			region := trace.StartRegion(task.ctx, taskTraceRegionType)

			defer func() {
				if task.parent != nil {
					task.parent.childn--
				}
				region.End()
			}()

			task.yield = yield
			task.suspend = suspend

			fn(task.ctx, task)

			return
		},
	)

	task.resume = resume
	task.cancel = cancel
	return task
}

// Do runs fn once per key among concurrently running tasks; callers
// arriving while fn runs wait for and share its result.
func (t *Task[I, O]) Do(key any, fn func() (any, error)) (any, error, bool) {
	t.Logf("DO %v", key)
	return t.single.do(t, key, fn)
}

func (t *Task[I, O]) gogoctx(ctx context.Context, fn func(context.Context, *Task[I, O])) {
	task := newTask(ctx, fn, t)
	task.Log("GO")
	task.resumez()
}

func (t *Task[I, O]) goctx(ctx context.Context, fn func(context.Context)) {
	t.gogoctx(ctx, t.sched.Fn(fn))
}

// Gogo starts a child task that runs until its first suspension.
func (t *Task[I, O]) Gogo(fn func(context.Context, *Task[I, O])) {
	t.gogoctx(t.ctx, fn)
}

// Go starts a child task from a context-only function.
func (t *Task[I, O]) Go(fn func(context.Context)) {
	t.Gogo(t.sched.Fn(fn))
}

// Chan returns the completion channel of the task's schedule.
func (t *Task[I, O]) Chan() *Chan {
	return t.sched.ch
}

// Group returns an ErrGroup whose tasks are children of t.
func (t *Task[I, O]) Group() ErrGroup {
	return newErrGroup(t)
}

// Wait suspends t until all of its children have finished.
func (t *Task[I, O]) Wait() {
	t.Log("WAIT")

	if t.childn > 0 {
		t.suspend()
	}
}

func (t *Task[I, O]) run(data O) {
	t.Log("RUN")

	if _, ok := t.resume(data); ok {
		return
	}

	if t.parent == nil {
		return
	}

	if t.parent.norun {
		return
	}

	if t.parent.childn == 0 {
		t.parent.runz()
	}
}

func (t *Task[I, O]) await(id RecvID) ([]*Node, error) {
	return t.sched.await(t, id)
}

func (t *Task[I, O]) channel() *Chan {
	return t.sched.ch
}

func (t *Task[I, O]) context() context.Context {
	return t.ctx
}

func (t *Task[I, O]) resumez() bool {
	var z O
	_, ok := t.resume(z)
	return ok
}

func (t *Task[I, O]) runz() {
	var z O
	t.run(z)
}

func (t *Task[I, O]) suspendz() {
	t.suspend()
}

func (t *Task[I, O]) setnorun(b bool) {
	t.norun = b
}

func (t *Task[I, O]) parenttask() TaskBase {
	if t == nil || t.parent == nil {
		return nil
	}
	return t.parent
}

// Log writes msg to the runtime trace, prefixed with the task path.
func (t *Task[I, O]) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

// Logf is Log with fmt.Sprintf formatting.
func (t *Task[I, O]) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		taskpath(&sb, t)
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Log(t.ctx, taskTraceCategory, sb.String())
	}
}

func taskpath(sb *strings.Builder, t TaskBase) {
	if t == nil {
		return
	}
	taskpath(sb, t.parenttask())
	fmt.Fprintf(sb, "%p|", t)
}
