package comux

import (
	"bytes"
	"errors"
	"runtime"
	"testing"

	"code.hybscloud.com/iox"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/creachadair/jrpc2/metrics"
)

type testBuffer struct {
	data     []byte
	released int
}

func (b *testBuffer) Bytes() []byte { return b.data }
func (b *testBuffer) Release()      { b.released++ }

// counter reads one counter from m.
func counter(m *metrics.M, name string) int64 {
	counters := map[string]int64{}
	m.Snapshot(counters, map[string]int64{})
	return counters[name]
}

// drain receives everything queued on c and renders it as strings.
func drain(c *Chan) []string {
	var out []string
	for n := range c.Nodes() {
		out = append(out, n.String())
		n.Release()
	}
	return out
}

func TestChanScenarioSingleSender(t *testing.T) {
	r := require.New(t)

	c := New(NewMemWaker(), nil)
	defer c.Unref()

	var id RecvID
	for range 5 {
		id = c.NextRecvID()
	}
	r.Equal(RecvID(5), id)

	s, err := c.NewSender(id)
	r.NoError(err)
	r.NoError(s.SendI64(0, 42))
	r.NoError(s.Close())
	s.Unref()

	head, err := c.Recv()
	r.NoError(err)
	r.Equal(RecvID(5), head.RecvID)
	r.Equal(KindI64, head.Kind())
	r.Equal(I64(42), head.Payload)
	r.Zero(head.Err)

	eof := head.Next()
	r.NotNil(eof)
	r.Equal(RecvID(5), eof.RecvID)
	r.True(eof.IsEOF())
	r.Nil(eof.Next())
}

func TestChanScenarioInterleaved(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	s7, err := c.NewSender(7)
	r.NoError(err)
	s8, err := c.NewSender(8)
	r.NoError(err)

	r.NoError(s7.SendBool(0, true))
	r.NoError(s8.SendF64(0, 3.14))
	r.NoError(s7.SendBool(0, false))
	r.NoError(s7.Close())

	var all, seven []string
	for n := range c.Nodes() {
		all = append(all, n.String())
		if n.RecvID == 7 {
			seven = append(seven, n.String())
		}
	}

	want := []string{"recv:7 true", "recv:8 3.14", "recv:7 false", "recv:7 eof"}
	if diff := cmp.Diff(want, all); diff != "" {
		t.Errorf("drain (-want +got):\n%s", diff)
	}
	want = []string{"recv:7 true", "recv:7 false", "recv:7 eof"}
	if diff := cmp.Diff(want, seven); diff != "" {
		t.Errorf("id 7 (-want +got):\n%s", diff)
	}

	r.NoError(s8.Close())
	s7.Unref()
	s8.Unref()
}

func TestChanPushOrder(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	var want []string
	for i := range 100 {
		r.NoError(s.SendI64(0, int64(i)))
		want = append(want, (&Node{RecvID: s.RecvID(), Payload: I64(i)}).String())
	}
	r.Equal(want, drain(c))
	r.NoError(s.Close())
}

func TestNextRecvIDIncreasing(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	prev := NoRecvID
	seen := make(map[RecvID]bool)
	for range 1000 {
		id := c.NextRecvID()
		r.True(id.Valid())
		r.Greater(id, prev)
		r.False(seen[id])
		seen[id] = true
		prev = id
	}
}

func TestChanIDUnique(t *testing.T) {
	a := New(nil, nil)
	b := New(nil, nil)
	defer a.Unref()
	defer b.Unref()

	require.Less(t, a.ID(), b.ID())
}

func TestSenderCloseIdempotent(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})
	defer c.Unref()

	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	r.NoError(s.Close())
	r.NoError(s.Close())
	r.True(s.Closed())
	r.ErrorIs(s.SendNil(0), ErrSenderClosed)
	r.ErrorIs(s.SendI64(0, 1), ErrSenderClosed)

	r.Equal([]string{s.RecvID().String() + " eof"}, drain(c))
	r.EqualValues(1, counter(m, MetricEOF))
}

func TestChanClose(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()
	r.NoError(s.SendU64(0, 1))

	c.Close()
	r.True(c.Closed())

	_, err = c.Open()
	r.ErrorIs(err, ErrChannelClosed)
	_, err = c.NewSender(99)
	r.ErrorIs(err, ErrChannelClosed)
	r.ErrorIs(s.SendU64(0, 2), ErrChannelClosed)

	other := New(nil, nil)
	defer other.Unref()
	o, err := other.Open()
	r.NoError(err)
	defer o.Unref()
	_, err = o.Connect(c)
	r.ErrorIs(err, ErrChannelClosed)
	r.NoError(o.Close())

	// Queued nodes stay receivable and senders may still end their
	// streams.
	r.NoError(s.Close())
	id := s.RecvID().String()
	r.Equal([]string{id + " 1", id + " eof"}, drain(c))
}

func TestNewSenderInvalidID(t *testing.T) {
	c := New(nil, nil)
	defer c.Unref()

	_, err := c.NewSender(NoRecvID)
	require.ErrorIs(t, err, ErrInvalidRecvID)
}

func TestChanRefCounting(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})
	c.Ref()

	s, err := c.Open()
	r.NoError(err)

	freed := 0
	r.NoError(s.SendObj(0, "owned", func(any) { freed++ }))

	// Another holder remains, so nothing is freed.
	c.Unref()
	r.Equal(1, c.Len())
	r.Zero(freed)
	r.NoError(s.SendBool(0, true))

	c.Unref()
	r.Equal(1, freed)
	r.EqualValues(2, counter(m, MetricDiscarded))

	r.ErrorIs(s.SendBool(0, true), ErrChannelClosed)
	r.ErrorIs(s.SendObj(0, "late", func(any) { freed++ }), ErrChannelClosed)
	r.Equal(2, freed)

	_, err = c.Recv()
	r.ErrorIs(err, ErrChannelClosed)

	r.NoError(s.Close())
	r.EqualValues(1, counter(m, MetricEOFDropped))
	s.Unref()
	r.Zero(counter(m, MetricLeaked))

	r.Panics(func() { c.Unref() })
}

func TestChanRecvEmpty(t *testing.T) {
	c := New(nil, nil)
	defer c.Unref()

	n, err := c.Recv()
	require.Nil(t, n)
	require.True(t, errors.Is(err, iox.ErrWouldBlock))
}

func TestChanSignalsPerPush(t *testing.T) {
	r := require.New(t)

	w := NewMemWaker()
	c := New(w, nil)
	defer c.Unref()
	r.Equal(w.EventID(), c.EventID())

	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	r.NoError(s.SendNil(0))
	r.NoError(s.SendNil(3))
	r.NoError(s.Close())

	n, err := w.Drain()
	r.NoError(err)
	r.EqualValues(3, n)

	head, err := c.Recv()
	r.NoError(err)
	r.Equal(3, head.Next().Err)

	// Recv consumes pending signals.
	n, err = w.Drain()
	r.NoError(err)
	r.Zero(n)
}

func TestSenderConnect(t *testing.T) {
	r := require.New(t)

	a := New(nil, nil)
	b := New(nil, nil)
	defer a.Unref()
	defer b.Unref()

	s, err := a.Open()
	r.NoError(err)
	defer s.Unref()
	r.NoError(s.SendI64(0, 1))

	b.NextRecvID()
	b.NextRecvID()
	id, err := s.Connect(b)
	r.NoError(err)
	r.Equal(RecvID(3), id)
	r.Equal(id, s.RecvID())

	r.NoError(s.SendU64(0, 9))
	r.NoError(s.Close())

	r.Equal([]string{"recv:1 1"}, drain(a))
	r.Equal([]string{"recv:3 9", "recv:3 eof"}, drain(b))

	_, err = s.Connect(a)
	r.ErrorIs(err, ErrSenderClosed)
}

func TestSenderLeakDetection(t *testing.T) {
	r := require.New(t)

	var logs bytes.Buffer
	m := metrics.New()
	c := New(nil, &Options{LogWriter: &logs, Metrics: m})
	defer c.Unref()

	s, err := c.Open()
	r.NoError(err)
	s.Ref()
	s.Unref()
	r.Zero(counter(m, MetricLeaked))

	s.Unref()
	r.EqualValues(1, counter(m, MetricLeaked))
	r.Contains(logs.String(), "released without close")

	// No EOF was queued on its behalf.
	_, err = c.Recv()
	r.ErrorIs(err, iox.ErrWouldBlock)
	r.ErrorIs(s.SendNil(0), ErrChannelClosed)
}

func TestSendPtrNoCopy(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	data := []byte("abc")
	r.NoError(s.SendPtr(0, data, FormatRaw))

	head, err := c.Recv()
	r.NoError(err)
	p, ok := head.Payload.(Ptr)
	r.True(ok)
	r.Equal(FormatRaw, p.Format)
	r.True(&p.Data[0] == &data[0])
	r.NoError(s.Close())
}

func TestSendBufOwnership(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	func() {
		buf := &testBuffer{data: []byte("payload")}
		r.NoError(s.SendBuf(0, buf))
	}()
	runtime.GC()

	head, err := c.Recv()
	r.NoError(err)
	b, ok := head.Take().(Buf)
	r.True(ok)
	tb := b.Buffer.(*testBuffer)
	r.Equal("payload", string(tb.Bytes()))
	r.Zero(tb.released)

	// Taken payloads are the consumer's to free.
	head.Release()
	r.Zero(tb.released)
	b.Buffer.Release()
	r.Equal(1, tb.released)
	r.NoError(s.Close())
}

func TestSendBufReleasedOnFailure(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	queued := &testBuffer{}
	r.NoError(s.SendBuf(0, queued))
	c.Unref()
	r.Equal(1, queued.released)

	late := &testBuffer{}
	r.ErrorIs(s.SendBuf(0, late), ErrChannelClosed)
	r.Equal(1, late.released)
	r.NoError(s.Close())
}

func TestSendSenderNested(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})
	defer c.Unref()

	outer, err := c.Open()
	r.NoError(err)
	defer outer.Unref()
	inner, err := c.Open()
	r.NoError(err)

	r.NoError(outer.SendSender(0, inner))
	r.NoError(outer.Close())

	head, err := c.Recv()
	r.NoError(err)
	snd, ok := head.Take().(Snd)
	r.True(ok)
	r.Same(inner, snd.Sender)

	r.NoError(snd.Sender.SendI64(0, 7))
	r.NoError(snd.Sender.Close())
	snd.Sender.Unref()

	id := inner.RecvID().String()
	r.Equal([]string{id + " 7", id + " eof"}, drain(c))
	r.Zero(counter(m, MetricLeaked))
}

func TestUnconsumedNestedSenderReleased(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})

	outer, err := c.Open()
	r.NoError(err)
	defer outer.Unref()
	inner, err := c.Open()
	r.NoError(err)
	r.NoError(outer.SendSender(0, inner))

	c.Unref()
	r.EqualValues(1, counter(m, MetricLeaked))
	r.NoError(outer.Close())
}

func TestRequeuePreservesOrder(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	s1, err := c.Open()
	r.NoError(err)
	defer s1.Unref()
	s2, err := c.Open()
	r.NoError(err)
	defer s2.Unref()

	r.NoError(s1.SendI64(0, 1))
	r.NoError(s2.SendI64(0, 2))
	r.NoError(s1.SendI64(0, 3))

	var deferred, consumed []*Node
	for n := range c.Nodes() {
		if n.RecvID == s1.RecvID() {
			deferred = append(deferred, n)
		} else {
			consumed = append(consumed, n)
		}
	}
	r.Len(consumed, 1)
	c.Requeue(deferred...)

	r.NoError(s1.SendI64(0, 5))
	r.Equal([]string{"recv:1 1", "recv:1 3", "recv:1 5"}, drain(c))

	r.NoError(s1.Close())
	r.NoError(s2.Close())
}

func TestNodesBreakRequeues(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	for i := range 3 {
		r.NoError(s.SendI64(0, int64(i)))
	}
	for n := range c.Nodes() {
		r.Equal(I64(0), n.Payload)
		break
	}
	r.Equal(2, c.Len())
	r.Equal([]string{"recv:1 1", "recv:1 2"}, drain(c))
	r.NoError(s.Close())
}

func TestDiscard(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})
	defer c.Unref()

	keep, err := c.Open()
	r.NoError(err)
	defer keep.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	freed := 0
	free := func(any) { freed++ }

	r.NoError(s.SendObj(0, 1, free))
	r.NoError(keep.SendI64(0, 10))
	c.Discard(s.RecvID())
	r.Equal(1, freed)
	r.Equal(1, c.Len())

	r.NoError(s.SendObj(0, 2, free))
	r.NoError(s.Close())
	r.Equal([]string{"recv:1 10"}, drain(c))
	r.Equal(2, freed)
	r.EqualValues(1, counter(m, MetricEOFDropped))
	r.Empty(c.discarded)

	r.NoError(keep.Close())
}

func TestUndiscard(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	c.Discard(s.RecvID())
	c.Undiscard(s.RecvID())
	r.NoError(s.SendBool(0, true))
	r.Equal([]string{"recv:1 true"}, drain(c))
	r.NoError(s.Close())
}

func TestDiscardFanIn(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	id := c.NextRecvID()
	a, err := c.NewSender(id)
	r.NoError(err)
	defer a.Unref()
	b, err := c.NewSender(id)
	r.NoError(err)
	defer b.Unref()

	c.Discard(id)
	r.NoError(a.Close())
	r.Empty(drain(c))

	// One producer finishing leaves the id discarded for the other.
	r.NoError(b.SendI64(0, 99))
	r.NoError(b.Close())
	r.Empty(drain(c))
	r.Empty(c.discarded)

	late, err := c.NewSender(id)
	r.NoError(err)
	defer late.Unref()
	r.NoError(late.SendI64(0, 7))
	r.NoError(late.Close())
	r.Equal([]string{"recv:1 7", "recv:1 eof"}, drain(c))
}

func TestDiscardLeakedSender(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	s, err := c.Open()
	r.NoError(err)
	r.NoError(s.SendNil(0))
	c.Discard(s.RecvID())
	r.NotEmpty(c.discarded)

	s.Unref()
	r.Empty(drain(c))
	r.Empty(c.discarded)
}

func TestRecvCountsFirstDelivery(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	r.NoError(s.SendI64(0, 1))
	r.NoError(s.SendI64(0, 2))
	for range 3 {
		head, err := c.Recv()
		r.NoError(err)
		c.Requeue(head, head.Next())
	}
	r.NoError(s.Close())
	r.Len(drain(c), 3)

	r.EqualValues(3, counter(m, MetricRecv))
	r.EqualValues(6, counter(m, MetricRequeued))
}

func TestSenderConnectDiagnostics(t *testing.T) {
	r := require.New(t)

	var logsA, logsB bytes.Buffer
	ma, mb := metrics.New(), metrics.New()
	a := New(nil, &Options{LogWriter: &logsA, Metrics: ma})
	defer a.Unref()
	b := New(nil, &Options{LogWriter: &logsB, Metrics: mb})
	defer b.Unref()

	s, err := a.Open()
	r.NoError(err)
	_, err = s.Connect(b)
	r.NoError(err)
	s.Unref()

	r.Zero(counter(ma, MetricLeaked))
	r.EqualValues(1, counter(mb, MetricLeaked))
	r.NotContains(logsA.String(), "released without close")
	r.Contains(logsB.String(), "released without close")
}

func TestSenderConnectSameChan(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()

	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()
	old := s.RecvID()

	id, err := s.Connect(c)
	r.NoError(err)
	r.NotEqual(old, id)

	// The old id has no open producer left to discard for.
	c.Discard(old)
	r.Empty(c.discarded)
	r.NoError(s.Close())
	r.Equal([]string{id.String() + " eof"}, drain(c))
}

func TestChanMetrics(t *testing.T) {
	r := require.New(t)

	m := metrics.New()
	c := New(nil, &Options{Metrics: m})
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	for range 4 {
		r.NoError(s.SendNil(0))
	}
	r.NoError(s.Close())
	r.Len(drain(c), 5)

	counters := map[string]int64{}
	maxes := map[string]int64{}
	m.Snapshot(counters, maxes)
	want := map[string]int64{MetricSent: 4, MetricEOF: 1, MetricRecv: 5}
	if diff := cmp.Diff(want, counters); diff != "" {
		t.Errorf("counters (-want +got):\n%s", diff)
	}
	r.EqualValues(5, maxes[MetricQueueDepth])
}
