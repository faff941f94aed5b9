package wire

import "fmt"

const maxBooleanBytes = 0xFFFF

// BooleanStream packs the flags of a whole command, nested structures
// included, in the order they are written. It is written in full before
// the field bytes, and read back in the same order.
type BooleanStream struct {
	data    []byte
	written int
	read    int
}

// WriteBoolean appends a flag.
func (bs *BooleanStream) WriteBoolean(v bool) {
	idx := bs.written / 8
	if idx >= len(bs.data) {
		bs.data = append(bs.data, 0)
	}
	if v {
		bs.data[idx] |= 1 << (bs.written % 8)
	}
	bs.written++
}

// ReadBoolean returns the next flag.
func (bs *BooleanStream) ReadBoolean() (bool, error) {
	if bs.read >= len(bs.data)*8 {
		return false, fmt.Errorf("%w: boolean stream exhausted after %d flags", ErrDecode, bs.read)
	}
	v := bs.data[bs.read/8]&(1<<(bs.read%8)) != 0
	bs.read++
	return v, nil
}

// Rewind restarts reading from the first flag.
func (bs *BooleanStream) Rewind() {
	bs.read = 0
}

// Len is the number of bytes holding the flags.
func (bs *BooleanStream) Len() int {
	return len(bs.data)
}

// MarshalledSize is the number of bytes `marshal` writes.
func (bs *BooleanStream) MarshalledSize() int {
	switch n := len(bs.data); {
	case n < 64:
		return 1 + n
	case n < 256:
		return 2 + n
	default:
		return 3 + n
	}
}

// The length header takes one byte under 64, `0xC0` then one byte under
// 256, `0x80` then two bytes otherwise.
func (bs *BooleanStream) marshal(e *Encoder) error {
	n := len(bs.data)
	switch {
	case n < 64:
		e.byte(byte(n))
	case n < 256:
		e.byte(0xC0)
		e.byte(byte(n))
	case n <= maxBooleanBytes:
		e.byte(0x80)
		e.uint16(uint16(n))
	default:
		return fmt.Errorf("%w: %d bytes", ErrBooleanOverflow, n)
	}
	e.raw(bs.data)
	return nil
}

func unmarshalBooleanStream(d *Decoder) (*BooleanStream, error) {
	head, err := d.byte()
	if err != nil {
		return nil, err
	}
	var n int
	switch {
	case head == 0xC0:
		b, err := d.byte()
		if err != nil {
			return nil, err
		}
		n = int(b)
	case head == 0x80:
		v, err := d.uint16()
		if err != nil {
			return nil, err
		}
		n = int(v)
	case head < 64:
		n = int(head)
	default:
		return nil, fmt.Errorf("%w: bad boolean stream header 0x%02x", ErrDecode, head)
	}
	data, err := d.raw(n)
	if err != nil {
		return nil, err
	}
	return &BooleanStream{data: data, written: n * 8}, nil
}
