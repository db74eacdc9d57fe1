package comux

import (
	"fmt"
	"strconv"
)

// RecvID correlates a request with its stream of response nodes
// within one Chan. The zero value means no correlation was requested;
// minted ids start at 1.
type RecvID int64

// NoRecvID is the zero RecvID. It is never minted by a Chan.
const NoRecvID RecvID = 0

// Valid reports whether id was minted by a Chan or supplied by a
// caller, as opposed to being the zero value.
func (id RecvID) Valid() bool {
	return id > 0
}

func (id RecvID) String() string {
	if !id.Valid() {
		return "recv:none"
	}
	return "recv:" + strconv.FormatInt(int64(id), 10)
}

// Kind identifies the variant carried by a Node.
type Kind uint8

const (
	KindEOF Kind = iota
	KindNil
	KindPtr
	KindObj
	KindBuf
	KindF64
	KindI64
	KindU64
	KindBool
	KindSender
)

var kindNames = [...]string{
	KindEOF:    "eof",
	KindNil:    "nil",
	KindPtr:    "ptr",
	KindObj:    "obj",
	KindBuf:    "buf",
	KindF64:    "f64",
	KindI64:    "i64",
	KindU64:    "u64",
	KindBool:   "bool",
	KindSender: "sender",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Format tags the encoding of the bytes carried by a Ptr payload. The
// channel forwards it untouched for the consumer's decoder.
type Format uint8

const (
	FormatRaw Format = iota
	FormatMsgPack
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatMsgPack:
		return "msgpack"
	}
	return "format(" + strconv.Itoa(int(f)) + ")"
}

// Buffer is an owned byte buffer handed to SendBuf. The channel never
// reads it; an unconsumed buffer is returned through Release.
type Buffer interface {
	Bytes() []byte
	Release()
}

// Payload is the value carried by a Node. The set of implementations
// is closed: EOF, Nil, Ptr, Obj, Buf, F64, I64, U64, Bool and Snd.
type Payload interface {
	Kind() Kind
	release()
}

// EOF marks the end of the stream for a RecvID.
type EOF struct{}

// Nil is an empty value, usually paired with a non-zero error code.
type Nil struct{}

// Ptr references caller memory without copying. The sender must keep
// Data unmodified until the node is consumed.
type Ptr struct {
	Data   []byte
	Format Format
}

// Obj is an owned value with an optional release function. Free is
// called at most once, and only if the node is dropped unconsumed.
type Obj struct {
	Value any
	Free  func(any)
}

// Buf transfers ownership of a Buffer.
type Buf struct {
	Buffer Buffer
}

type (
	F64  float64
	I64  int64
	U64  uint64
	Bool bool
)

// Snd transfers a Sender reference, which lets one request answer with
// a further stream. The consumer owns the reference it takes.
type Snd struct {
	Sender *Sender
}

func (EOF) Kind() Kind  { return KindEOF }
func (Nil) Kind() Kind  { return KindNil }
func (Ptr) Kind() Kind  { return KindPtr }
func (Obj) Kind() Kind  { return KindObj }
func (Buf) Kind() Kind  { return KindBuf }
func (F64) Kind() Kind  { return KindF64 }
func (I64) Kind() Kind  { return KindI64 }
func (U64) Kind() Kind  { return KindU64 }
func (Bool) Kind() Kind { return KindBool }
func (Snd) Kind() Kind  { return KindSender }

func (EOF) release()  {}
func (Nil) release()  {}
func (Ptr) release()  {}
func (F64) release()  {}
func (I64) release()  {}
func (U64) release()  {}
func (Bool) release() {}

func (o Obj) release() {
	if o.Free != nil {
		o.Free(o.Value)
	}
}

func (b Buf) release() {
	if b.Buffer != nil {
		b.Buffer.Release()
	}
}

func (s Snd) release() {
	if s.Sender != nil {
		s.Sender.Unref()
	}
}

// Node is one message queued on a Chan. Its fields are not modified
// after enqueue; ownership of owned payloads passes to whoever calls
// Take.
type Node struct {
	RecvID  RecvID
	Err     int
	Payload Payload

	next     *Node
	taken    bool
	received bool // delivered by Recv at least once
}

func newNode(id RecvID, err int, p Payload) *Node {
	return &Node{RecvID: id, Err: err, Payload: p}
}

// Kind reports the payload variant.
func (n *Node) Kind() Kind {
	return n.Payload.Kind()
}

// IsEOF reports whether n terminates its RecvID's stream.
func (n *Node) IsEOF() bool {
	return n.Payload.Kind() == KindEOF
}

// Next returns the node received after n in the same Recv batch, or
// nil at the end of the batch. The batch can be walked only once.
func (n *Node) Next() *Node {
	if n == nil {
		return nil
	}
	return n.next
}

// Take transfers ownership of the payload to the caller. After Take,
// Release is a no-op and the caller is responsible for freeing any
// owned Obj, Buf or Snd value.
func (n *Node) Take() Payload {
	n.taken = true
	return n.Payload
}

// Release frees an owned payload that was never taken. It is safe to
// call more than once.
func (n *Node) Release() {
	if n.taken {
		return
	}
	n.taken = true
	n.Payload.release()
}

func (n *Node) String() string {
	var v string
	switch p := n.Payload.(type) {
	case EOF, Nil:
		v = p.Kind().String()
	case Ptr:
		v = fmt.Sprintf("ptr(%d bytes, %v)", len(p.Data), p.Format)
	case Obj:
		v = fmt.Sprintf("obj(%T)", p.Value)
	case Buf:
		v = "buf"
	case F64:
		v = strconv.FormatFloat(float64(p), 'g', -1, 64)
	case I64:
		v = strconv.FormatInt(int64(p), 10)
	case U64:
		v = strconv.FormatUint(uint64(p), 10)
	case Bool:
		v = strconv.FormatBool(bool(p))
	case Snd:
		v = "sender(" + p.Sender.RecvID().String() + ")"
	}
	if n.Err != 0 {
		return fmt.Sprintf("%v %s err=%d", n.RecvID, v, n.Err)
	}
	return fmt.Sprintf("%v %s", n.RecvID, v)
}
