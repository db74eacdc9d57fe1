package comux

import (
	"errors"
	"iter"
	"math"
	"runtime"
	"sync"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/gammazero/deque"

	"github.com/creachadair/jrpc2/metrics"
)

var (
	// ErrChannelClosed is returned by operations on a closed or
	// destroyed Chan, including sends through a Sender bound to one.
	ErrChannelClosed = errors.New("comux: channel closed")

	// ErrInvalidRecvID is returned when a Sender is requested for the
	// zero RecvID.
	ErrInvalidRecvID = errors.New("comux: invalid recv id")
)

// chanIDs issues process-unique channel ids.
var chanIDs atomix.Int64

// Chan is a reference-counted mailbox of correlation-tagged nodes.
// Any number of Senders push into it; exactly one logical consumer
// drains it with Recv or Nodes after being woken through the Waker.
//
// Pushes are safe from any goroutine. Recv, Requeue and Discard belong
// to the consumer and must not be called concurrently with each other.
type Chan struct {
	noCopy noCopy
	refs   refCount
	id     int64
	waker  Waker
	log    func(string, ...any)
	met    *metrics.M

	mu        sync.Mutex
	msgs      deque.Deque[*Node]
	senders   map[*Sender]struct{}
	open      map[RecvID]int // registered Senders per id not yet closed
	discarded map[RecvID]struct{}
	nextID    RecvID
	closed    bool
	dead      bool
}

// New creates a Chan bound to w with a reference count of one. A nil
// w uses NewMemWaker. The Chan owns w and closes it on destruction.
func New(w Waker, opts *Options) *Chan {
	if w == nil {
		w = NewMemWaker()
	}
	c := &Chan{
		id:        chanIDs.Add(1),
		waker:     w,
		log:       opts.logger("[comux.Chan] "),
		met:       opts.metrics(),
		senders:   make(map[*Sender]struct{}),
		open:      make(map[RecvID]int),
		discarded: make(map[RecvID]struct{}),
	}
	c.refs.init()
	// A Chan dropped without its final Unref still returns its
	// descriptor. Close is idempotent on every Waker in this package.
	runtime.AddCleanup(c, func(w Waker) { w.Close() }, w)
	return c
}

// ID returns the process-unique id of c.
func (c *Chan) ID() int64 {
	return c.id
}

// EventID returns the handle of the Waker the scheduler registers
// interest on.
func (c *Chan) EventID() int {
	return c.waker.EventID()
}

// Waker returns the event-loop binding of c.
func (c *Chan) Waker() Waker {
	return c.waker
}

// Ref adds a reference to c and returns it.
func (c *Chan) Ref() *Chan {
	c.refs.acquire()
	return c
}

// Unref drops a reference. The last reference destroys c: the waker
// is closed, every registered Sender is detached and reports
// ErrChannelClosed from then on, and undrained nodes are released.
func (c *Chan) Unref() {
	if c.refs.release() {
		c.destroy()
	}
}

func (c *Chan) destroy() {
	c.mu.Lock()
	c.dead = true
	c.closed = true
	senders := c.senders
	c.senders = nil
	c.open = nil
	dropped := c.popAllLocked()
	c.mu.Unlock()

	for s := range senders {
		s.detach(c)
	}
	c.releaseNodes(dropped)
	if err := c.waker.Close(); err != nil {
		c.log("Closing waker for channel %d: %v", c.id, err)
	}
	c.log("Destroyed channel %d (%d senders, %d undrained)", c.id, len(senders), len(dropped))
}

// Close marks c non-growable. Queued nodes stay available to Recv, no
// new Sender may be created, and value sends fail with
// ErrChannelClosed. Senders may still close, queueing their EOF.
func (c *Chan) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.log("Closed channel %d", c.id)
	}
}

// Closed reports whether c was closed or destroyed.
func (c *Chan) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len reports the number of queued nodes.
func (c *Chan) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgs.Len()
}

// NextRecvID issues a RecvID never before returned by c.
func (c *Chan) NextRecvID() RecvID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mintLocked()
}

func (c *Chan) mintLocked() RecvID {
	if c.nextID == math.MaxInt64 {
		panic("comux: recv id space exhausted")
	}
	c.nextID++
	return c.nextID
}

// NewSender registers a Sender for id. The id is usually fresh from
// NextRecvID; fan-in producers may share an id a consumer already
// awaits.
func (c *Chan) NewSender(id RecvID) (*Sender, error) {
	if !id.Valid() {
		return nil, ErrInvalidRecvID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	s := newSender(c, id)
	c.addLocked(s, id)
	return s, nil
}

// Open registers a Sender under a freshly minted RecvID.
func (c *Chan) Open() (*Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	id := c.mintLocked()
	s := newSender(c, id)
	c.addLocked(s, id)
	return s, nil
}

// register adopts s under a fresh id for Connect.
func (c *Chan) register(s *Sender) (RecvID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return NoRecvID, ErrChannelClosed
	}
	id := c.mintLocked()
	c.addLocked(s, id)
	return id, nil
}

func (c *Chan) addLocked(s *Sender, id RecvID) {
	c.senders[s] = struct{}{}
	c.open[id]++
}

// unregister forgets s, which was bound to id. A Sender leaving
// without its EOF no longer holds id open.
func (c *Chan) unregister(s *Sender, id RecvID, closed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	delete(c.senders, s)
	if !closed {
		c.doneLocked(id)
	}
}

// leave records that a Sender rebound by Connect left id.
func (c *Chan) leave(id RecvID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dead {
		c.doneLocked(id)
	}
}

// doneLocked records that one Sender for id will push nothing more.
func (c *Chan) doneLocked(id RecvID) {
	if c.open[id] > 1 {
		c.open[id]--
		return
	}
	delete(c.open, id)
}

// push appends n and signals the waker. Only EOF nodes are accepted
// once c is closed; nothing is accepted once it is destroyed.
func (c *Chan) push(n *Node) error {
	c.mu.Lock()
	if c.dead || (c.closed && !n.IsEOF()) {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.msgs.PushBack(n)
	if n.IsEOF() {
		c.doneLocked(n.RecvID)
	}
	depth := c.msgs.Len()
	c.mu.Unlock()

	if n.IsEOF() {
		c.met.Count(MetricEOF, 1)
	} else {
		c.met.Count(MetricSent, 1)
	}
	c.met.SetMaxValue(MetricQueueDepth, int64(depth))
	if err := c.waker.Signal(); err != nil {
		c.log("Signal channel %d: %v", c.id, err)
	}
	return nil
}

// Recv detaches every queued node and returns the first; walk the
// rest with Node.Next. It never blocks: an empty queue reports
// iox.ErrWouldBlock. Pending waker signals are consumed so a poller
// does not spin on an empty channel.
//
// Nodes for discarded ids are released and skipped. An id stops being
// discarded once every Sender bound to it has closed and its nodes are
// gone.
func (c *Chan) Recv() (*Node, error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	if _, err := c.waker.Drain(); err != nil {
		c.log("Drain channel %d: %v", c.id, err)
	}

	var head, tail *Node
	var dropped []*Node
	fresh := int64(0)
	for c.msgs.Len() > 0 {
		n := c.msgs.PopFront()
		if _, ok := c.discarded[n.RecvID]; ok {
			dropped = append(dropped, n)
			continue
		}
		if !n.received {
			n.received = true
			fresh++
		}
		n.next = nil
		if head == nil {
			head = n
		} else {
			tail.next = n
		}
		tail = n
	}
	for id := range c.discarded {
		if c.open[id] == 0 {
			delete(c.discarded, id)
		}
	}
	c.mu.Unlock()

	c.releaseNodes(dropped)
	if head == nil {
		return nil, iox.ErrWouldBlock
	}
	c.met.Count(MetricRecv, fresh)
	return head, nil
}

// Nodes returns a single-pass sequence over the nodes queued at the
// time iteration starts. Nodes not yet visited when the loop breaks
// are requeued in order.
func (c *Chan) Nodes() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		n, err := c.Recv()
		if err != nil {
			return
		}
		for n != nil {
			next := n.next
			n.next = nil
			if !yield(n) {
				var rest []*Node
				for ; next != nil; next = next.next {
					rest = append(rest, next)
				}
				c.Requeue(rest...)
				return
			}
			n = next
		}
	}
}

// Requeue puts nodes received but not consumed back at the head of
// the queue, ahead of anything pushed since, keeping their relative
// order. Pass nodes in the order they were received. Requeue does not
// signal the waker.
func (c *Chan) Requeue(nodes ...*Node) {
	if len(nodes) == 0 {
		return
	}
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		c.releaseNodes(nodes)
		return
	}
	for i := len(nodes) - 1; i >= 0; i-- {
		nodes[i].next = nil
		c.msgs.PushFront(nodes[i])
	}
	c.mu.Unlock()
	c.met.Count(MetricRequeued, int64(len(nodes)))
}

// Discard drops, and releases the payloads of, every node for id that
// is queued now or arrives while any Sender bound to id is still open.
// It is how a consumer gives up on a request without leaking what its
// producers still send.
func (c *Chan) Discard(id RecvID) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	var dropped []*Node
	for i := 0; i < c.msgs.Len(); {
		n := c.msgs.At(i)
		if n.RecvID != id {
			i++
			continue
		}
		c.msgs.Remove(i)
		dropped = append(dropped, n)
	}
	if c.open[id] > 0 {
		c.discarded[id] = struct{}{}
	}
	c.mu.Unlock()
	c.releaseNodes(dropped)
}

// Undiscard stops dropping nodes for id.
func (c *Chan) Undiscard(id RecvID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.discarded, id)
}

func (c *Chan) popAllLocked() []*Node {
	nodes := make([]*Node, 0, c.msgs.Len())
	for c.msgs.Len() > 0 {
		nodes = append(nodes, c.msgs.PopFront())
	}
	return nodes
}

// releaseNodes frees payloads outside c.mu, since releasing a nested
// Sender may call back into c.
func (c *Chan) releaseNodes(nodes []*Node) {
	for _, n := range nodes {
		if n.IsEOF() {
			c.met.Count(MetricEOFDropped, 1)
			c.log("Dropped EOF for %v on channel %d", n.RecvID, c.id)
		} else {
			c.met.Count(MetricDiscarded, 1)
		}
		n.Release()
	}
}
