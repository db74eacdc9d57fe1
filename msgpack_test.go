package comux

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type point struct {
	X, Y int
	Tag  string
}

func TestSendValueMsgPack(t *testing.T) {
	r := require.New(t)

	c := New(nil, nil)
	defer c.Unref()
	s, err := c.Open()
	r.NoError(err)
	defer s.Unref()

	r.NoError(s.SendValue(4, point{X: 1, Y: 2, Tag: "a"}))
	r.NoError(s.Close())

	head, err := c.Recv()
	r.NoError(err)
	r.Equal(4, head.Err)
	p, ok := head.Payload.(Ptr)
	r.True(ok)
	r.Equal(FormatMsgPack, p.Format)

	var got point
	r.NoError(p.Decode(&got))
	r.Equal(point{X: 1, Y: 2, Tag: "a"}, got)

	r.ErrorContains(Ptr{Data: []byte{0xc1}, Format: FormatMsgPack}.Decode(&got), "decode msgpack")
}

func TestPtrDecodeRaw(t *testing.T) {
	r := require.New(t)

	data := []byte("raw bytes")
	p := Ptr{Data: data, Format: FormatRaw}

	var b []byte
	r.NoError(p.Decode(&b))
	r.Equal("raw bytes", string(b))
	b[0] = 'R'
	r.Equal("raw bytes", string(data))

	var pt point
	r.ErrorIs(p.Decode(&pt), ErrFormat)
	r.ErrorIs(Ptr{Format: Format(7)}.Decode(&b), ErrFormat)
}

func TestSendValueEncodeError(t *testing.T) {
	c := New(nil, nil)
	defer c.Unref()
	s, err := c.Open()
	require.NoError(t, err)
	defer s.Unref()

	require.ErrorContains(t, s.SendValue(0, make(chan int)), "encode chan int")
	require.NoError(t, s.Close())
}
