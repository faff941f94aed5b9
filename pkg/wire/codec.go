package wire

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder appends big-endian values to a buffer.
type Encoder struct {
	buf []byte
}

func (e *Encoder) byte(b byte) {
	e.buf = append(e.buf, b)
}

func (e *Encoder) uint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) uint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) uint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) raw(p []byte) {
	e.buf = append(e.buf, p...)
}

// Decoder reads what `Encoder` wrote. Every failure wraps `ErrDecode`.
type Decoder struct {
	buf []byte
	off int
}

func (d *Decoder) need(n int) error {
	if n < 0 || len(d.buf)-d.off < n {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrDecode, n, d.off, len(d.buf)-d.off)
	}
	return nil
}

func (d *Decoder) byte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *Decoder) uint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v, nil
}

func (d *Decoder) uint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) uint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *Decoder) raw(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	p := make([]byte, n)
	copy(p, d.buf[d.off:d.off+n])
	d.off += n
	return p, nil
}

func (d *Decoder) remaining() int {
	return len(d.buf) - d.off
}

func (e *Encoder) tag(num protowire.Number, typ protowire.Type) {
	e.buf = protowire.AppendTag(e.buf, num, typ)
}

func (e *Encoder) varint(v uint64) {
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *Encoder) bytes(p []byte) {
	e.buf = protowire.AppendBytes(e.buf, p)
}

// null is how loose encoding writes an absent value.
func (e *Encoder) null(num protowire.Number) {
	e.tag(num, protowire.VarintType)
	e.varint(0)
}

func (d *Decoder) tag(want protowire.Number) (protowire.Type, error) {
	num, typ, n := protowire.ConsumeTag(d.buf[d.off:])
	if n < 0 {
		return 0, fmt.Errorf("%w: field %d: %w", ErrDecode, want, protowire.ParseError(n))
	}
	if num != want {
		return 0, fmt.Errorf("%w: expected field %d, got %d", ErrDecode, want, num)
	}
	d.off += n
	return typ, nil
}

func (d *Decoder) varint() (uint64, error) {
	v, n := protowire.ConsumeVarint(d.buf[d.off:])
	if n < 0 {
		return 0, fmt.Errorf("%w: %w", ErrDecode, protowire.ParseError(n))
	}
	d.off += n
	return v, nil
}

func (d *Decoder) bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(d.buf[d.off:])
	if n < 0 {
		return nil, fmt.Errorf("%w: %w", ErrDecode, protowire.ParseError(n))
	}
	d.off += n
	p := make([]byte, len(v))
	copy(p, v)
	return p, nil
}

// nullable reads the tag of a field which may be absent. It returns the
// content of a present value, or nil and false for an absent one.
func (d *Decoder) nullable(num protowire.Number) ([]byte, bool, error) {
	typ, err := d.tag(num)
	if err != nil {
		return nil, false, err
	}
	switch typ {
	case protowire.VarintType:
		v, err := d.varint()
		if err != nil {
			return nil, false, err
		}
		if v != 0 {
			return nil, false, fmt.Errorf("%w: field %d: bad null marker %d", ErrDecode, num, v)
		}
		return nil, false, nil
	case protowire.BytesType:
		p, err := d.bytes()
		return p, true, err
	default:
		return nil, false, fmt.Errorf("%w: field %d: unexpected wire type %d", ErrDecode, num, typ)
	}
}

func (d *Decoder) expect(num protowire.Number, want protowire.Type) error {
	typ, err := d.tag(num)
	if err != nil {
		return err
	}
	if typ != want {
		return fmt.Errorf("%w: field %d: unexpected wire type %d", ErrDecode, num, typ)
	}
	return nil
}
