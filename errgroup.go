package comux

import "context"

// ErrGroup manages a group of tasks and collects the first error that
// occurs.
type ErrGroup interface {
	// Go starts a new task with the group's context.
	Go(func(context.Context) error)
	// GoWithContext starts a new task with the specified context.
	GoWithContext(context.Context, func(context.Context) error)
	// Wait suspends until all tasks have completed and returns the
	// first error encountered.
	Wait(TaskBase) error
}

// errGroup joins its members through the schedule's Chan: every
// member owns a Sender whose EOF marks its completion, and Wait
// awaits each member's RecvID in turn.
type errGroup struct {
	task    TaskBase        // The task that created this error group
	ctx     context.Context // Context shared by all tasks in the group
	cancel  func(error)     // Cancels the context with the first error
	members []RecvID        // One id per started member, not yet joined
	err     error           // The first error encountered by any task
}

func newErrGroup(task TaskBase) *errGroup {
	ctx, cancel := context.WithCancelCause(task.context())
	return &errGroup{task: task, ctx: ctx, cancel: cancel}
}

// Go starts a new task running f with the group's context. The first
// non-nil error cancels the context.
func (g *errGroup) Go(f func(context.Context) error) {
	g.goctx(g.ctx, f)
}

// GoWithContext starts a new task with ctx, which must belong to the
// task that created the group.
func (g *errGroup) GoWithContext(ctx context.Context, f func(context.Context) error) {
	if task := MustTaskBaseFromContext(ctx); task != g.task {
		panic("comux: ctx task does not match errgroup task")
	}
	g.goctx(ctx, f)
}

func (g *errGroup) goctx(ctx context.Context, f func(context.Context) error) {
	snd, err := g.task.channel().Open()
	if err != nil {
		g.fail(err)
		return
	}
	g.members = append(g.members, snd.RecvID())
	g.task.goctx(ctx, func(ctx context.Context) {
		defer func() {
			snd.Close()
			snd.Unref()
		}()
		if err := f(ctx); err != nil {
			g.fail(err)
		}
	})
}

func (g *errGroup) fail(err error) {
	if g.err == nil {
		g.err = err
		g.cancel(err)
	}
}

// Wait suspends task until every member has finished and returns the
// first error, or nil. A cancelled schedule ends the wait with the
// cancellation error unless a member failed first.
func (g *errGroup) Wait(task TaskBase) error {
	members := g.members
	g.members = nil
	for _, id := range members {
		nodes, err := task.await(id)
		if err != nil {
			g.fail(err)
		}
		for _, n := range nodes {
			n.Release()
		}
	}
	g.cancel(g.err)
	return g.err
}
