package comux

// flightResult is the shared outcome of one single-flight call,
// delivered to each duplicate caller as an Obj node.
type flightResult struct {
	val any
	err error
}

// flight is an in-flight call and the Senders of the callers waiting
// on it.
type flight struct {
	waiters []*Sender
}

// singleFlight deduplicates calls with the same key among the tasks
// of one schedule.
type singleFlight struct {
	m map[any]*flight
}

func newSingleFlight() *singleFlight {
	return new(singleFlight)
}

// do runs fn for key unless a call for key is in flight, in which case
// task suspends until that call's result arrives on the Chan. shared
// reports whether the result went to more than one caller.
func (g *singleFlight) do(task TaskBase, key any, fn func() (any, error)) (v any, err error, shared bool) {
	if g.m == nil {
		g.m = make(map[any]*flight)
	}

	if f, ok := g.m[key]; ok {
		return g.wait(task, f)
	}

	f := new(flight)
	g.m[key] = f
	v, err = g.doCall(f, key, fn)
	return v, err, len(f.waiters) > 0
}

func (g *singleFlight) wait(task TaskBase, f *flight) (any, error, bool) {
	snd, err := task.channel().Open()
	if err != nil {
		return nil, err, false
	}
	f.waiters = append(f.waiters, snd)

	nodes, err := task.await(snd.RecvID())
	if err != nil {
		return nil, err, true
	}
	for _, n := range nodes {
		if obj, ok := n.Take().(Obj); ok {
			if r, ok := obj.Value.(flightResult); ok {
				return r.val, r.err, true
			}
		}
	}
	return nil, ErrNoResponse, true
}

// doCall runs fn and delivers its result to every waiter, in arrival
// order.
func (g *singleFlight) doCall(f *flight, key any, fn func() (any, error)) (v any, err error) {
	defer func() {
		if g.m[key] == f {
			delete(g.m, key)
		}
		r := flightResult{val: v, err: err}
		for _, snd := range f.waiters {
			snd.SendObj(0, r, nil)
			snd.Close()
			snd.Unref()
		}
	}()

	return fn()
}
