package comux

import (
	"errors"
	"sync"
	"weak"

	"github.com/creachadair/jrpc2/metrics"
)

// ErrSenderClosed is returned by a send through a Sender that has
// already been closed.
var ErrSenderClosed = errors.New("comux: sender closed")

// Sender is the write end of one correlation stream. It pushes zero
// or more values and is closed exactly once, which queues the EOF for
// its RecvID.
//
// A Sender holds only a weak reference to its Chan. Once the Chan is
// destroyed, sends report ErrChannelClosed.
type Sender struct {
	noCopy noCopy
	refs   refCount

	mu  sync.Mutex
	log func(string, ...any) // diagnostics of the bound Chan
	met *metrics.M
	ch  weak.Pointer[Chan]
	id  RecvID
	eof bool
}

func newSender(c *Chan, id RecvID) *Sender {
	s := &Sender{
		log: c.log,
		met: c.met,
		ch:  weak.Make(c),
		id:  id,
	}
	s.refs.init()
	return s
}

// RecvID returns the id this Sender currently pushes under.
func (s *Sender) RecvID() RecvID {
	if s == nil {
		return NoRecvID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Closed reports whether Close has been called.
func (s *Sender) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eof
}

// Ref adds a reference to s and returns it.
func (s *Sender) Ref() *Sender {
	s.refs.acquire()
	return s
}

// Unref drops a reference. The last reference releases the Sender's
// registration on its Chan. It does not send EOF: a Sender released
// without Close is a producer bug, logged and counted as
// MetricLeaked.
func (s *Sender) Unref() {
	if !s.refs.release() {
		return
	}
	s.mu.Lock()
	c := s.ch.Value()
	s.ch = weak.Pointer[Chan]{}
	eof, id := s.eof, s.id
	log, met := s.log, s.met
	s.mu.Unlock()

	if !eof {
		met.Count(MetricLeaked, 1)
		log("Sender for %v released without close", id)
	}
	if c != nil {
		c.unregister(s, id, eof)
	}
}

// detach is called by a destroyed Chan.
func (s *Sender) detach(c *Chan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch.Value() == c {
		s.ch = weak.Pointer[Chan]{}
	}
}

// Close queues the EOF for this Sender's RecvID. Only the first call
// has any effect; later calls return nil. If the Chan is already gone
// the EOF is dropped and counted, and Close still succeeds.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return nil
	}
	s.eof = true
	c := s.ch.Value()
	if c == nil || c.push(newNode(s.id, 0, EOF{})) != nil {
		s.met.Count(MetricEOFDropped, 1)
		s.log("Dropped EOF for %v: channel gone", s.id)
	}
	return nil
}

func (s *Sender) send(err int, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return ErrSenderClosed
	}
	c := s.ch.Value()
	if c == nil {
		return ErrChannelClosed
	}
	return c.push(newNode(s.id, err, p))
}

// sendOwned sends a payload whose ownership moves into the channel.
// If the send fails the payload is released here.
func (s *Sender) sendOwned(err int, p Payload) error {
	if e := s.send(err, p); e != nil {
		p.release()
		return e
	}
	return nil
}

// SendNil pushes an empty value carrying err.
func (s *Sender) SendNil(err int) error {
	return s.send(err, Nil{})
}

// SendPtr pushes data without copying it. The caller must not modify
// data until the node is consumed.
func (s *Sender) SendPtr(err int, data []byte, format Format) error {
	return s.send(err, Ptr{Data: data, Format: format})
}

// SendBuf transfers ownership of buf to the channel.
func (s *Sender) SendBuf(err int, buf Buffer) error {
	return s.sendOwned(err, Buf{Buffer: buf})
}

// SendObj transfers ownership of obj to the channel. free, if not
// nil, is called once if the node is dropped without being taken.
func (s *Sender) SendObj(err int, obj any, free func(any)) error {
	return s.sendOwned(err, Obj{Value: obj, Free: free})
}

func (s *Sender) SendF64(err int, v float64) error { return s.send(err, F64(v)) }
func (s *Sender) SendI64(err int, v int64) error   { return s.send(err, I64(v)) }
func (s *Sender) SendU64(err int, v uint64) error  { return s.send(err, U64(v)) }
func (s *Sender) SendBool(err int, v bool) error   { return s.send(err, Bool(v)) }

// SendSender transfers a reference to other, letting the consumer
// receive a further stream through it.
func (s *Sender) SendSender(err int, other *Sender) error {
	return s.sendOwned(err, Snd{Sender: other})
}

// Connect rebinds s to c under a RecvID freshly minted by c and
// returns that id. Later pushes through s land in c; the previous
// Chan sees nothing more from s.
func (s *Sender) Connect(c *Chan) (RecvID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof {
		return NoRecvID, ErrSenderClosed
	}
	id, err := c.register(s)
	if err != nil {
		return NoRecvID, err
	}
	old, oldID := s.ch.Value(), s.id
	s.ch = weak.Make(c)
	s.id = id
	s.log, s.met = c.log, c.met
	switch {
	case old == c:
		c.leave(oldID)
	case old != nil:
		old.unregister(s, oldID, false)
	}
	return id, nil
}
