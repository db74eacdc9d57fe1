package comux

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrFormat is returned when a Ptr payload cannot be decoded into the
// requested value.
var ErrFormat = errors.New("comux: unsupported payload format")

// SendValue msgpack-encodes v and pushes it as a Ptr tagged
// FormatMsgPack. The encoded bytes belong to the node, so the
// no-copy caveat of SendPtr does not apply.
func (s *Sender) SendValue(err int, v any) error {
	b, e := msgpack.Marshal(v)
	if e != nil {
		return fmt.Errorf("comux: encode %T: %w", v, e)
	}
	return s.SendPtr(err, b, FormatMsgPack)
}

// Decode unpacks p into v according to p.Format. FormatRaw decodes
// only into a *[]byte, which receives a copy of the data.
func (p Ptr) Decode(v any) error {
	switch p.Format {
	case FormatMsgPack:
		if err := msgpack.Unmarshal(p.Data, v); err != nil {
			return fmt.Errorf("comux: decode msgpack: %w", err)
		}
		return nil
	case FormatRaw:
		if dst, ok := v.(*[]byte); ok {
			*dst = append((*dst)[:0], p.Data...)
			return nil
		}
		return fmt.Errorf("%w: raw into %T", ErrFormat, v)
	}
	return fmt.Errorf("%w: %v", ErrFormat, p.Format)
}
