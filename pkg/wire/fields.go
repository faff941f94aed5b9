package wire

import (
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Bool is a flag, it only takes a bit in tight encoding.
func Bool[T any](name string, since int, get func(*T) *bool) Field[T] {
	return Field[T]{Name: name, Since: since, kind: boolField[T]{get}}
}

type boolField[T any] struct{ get func(*T) *bool }

func (f boolField[T]) tightSize(_ Settings, v *T, bs *BooleanStream) (int, error) {
	bs.WriteBoolean(*f.get(v))
	return 0, nil
}

func (f boolField[T]) tightMarshal(_ Settings, _ *T, _ *Encoder, bs *BooleanStream) error {
	_, err := bs.ReadBoolean()
	return err
}

func (f boolField[T]) tightUnmarshal(_ Settings, v *T, _ *Decoder, bs *BooleanStream) error {
	b, err := bs.ReadBoolean()
	*f.get(v) = b
	return err
}

func (f boolField[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	e.tag(num, protowire.VarintType)
	e.varint(protowire.EncodeBool(*f.get(v)))
	return nil
}

func (f boolField[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	if err := d.expect(num, protowire.VarintType); err != nil {
		return err
	}
	raw, err := d.varint()
	*f.get(v) = raw != 0
	return err
}

// Byte is a single byte.
func Byte[T any](name string, since int, get func(*T) *byte) Field[T] {
	return Field[T]{Name: name, Since: since, kind: byteField[T]{get}}
}

type byteField[T any] struct{ get func(*T) *byte }

func (f byteField[T]) tightSize(Settings, *T, *BooleanStream) (int, error) {
	return 1, nil
}

func (f byteField[T]) tightMarshal(_ Settings, v *T, e *Encoder, _ *BooleanStream) error {
	e.byte(*f.get(v))
	return nil
}

func (f byteField[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, _ *BooleanStream) error {
	b, err := d.byte()
	*f.get(v) = b
	return err
}

func (f byteField[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	e.tag(num, protowire.VarintType)
	e.varint(uint64(*f.get(v)))
	return nil
}

func (f byteField[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	if err := d.expect(num, protowire.VarintType); err != nil {
		return err
	}
	raw, err := d.varint()
	if err != nil {
		return err
	}
	if raw > math.MaxUint8 {
		return fmt.Errorf("%w: byte overflow %d", ErrDecode, raw)
	}
	*f.get(v) = byte(raw)
	return nil
}

// Int32 is a fixed four bytes integer in tight encoding.
func Int32[T any](name string, since int, get func(*T) *int32) Field[T] {
	return Field[T]{Name: name, Since: since, kind: int32Field[T]{get}}
}

type int32Field[T any] struct{ get func(*T) *int32 }

func (f int32Field[T]) tightSize(Settings, *T, *BooleanStream) (int, error) {
	return 4, nil
}

func (f int32Field[T]) tightMarshal(_ Settings, v *T, e *Encoder, _ *BooleanStream) error {
	e.uint32(uint32(*f.get(v)))
	return nil
}

func (f int32Field[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, _ *BooleanStream) error {
	raw, err := d.uint32()
	*f.get(v) = int32(raw)
	return err
}

func (f int32Field[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	e.tag(num, protowire.VarintType)
	e.varint(protowire.EncodeZigZag(int64(*f.get(v))))
	return nil
}

func (f int32Field[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	if err := d.expect(num, protowire.VarintType); err != nil {
		return err
	}
	raw, err := d.varint()
	if err != nil {
		return err
	}
	n := protowire.DecodeZigZag(raw)
	if n < math.MinInt32 || n > math.MaxInt32 {
		return fmt.Errorf("%w: int32 overflow %d", ErrDecode, n)
	}
	*f.get(v) = int32(n)
	return nil
}

// Int64 takes two flags in tight encoding, choosing between 0, 2, 4 and 8
// bytes.
func Int64[T any](name string, since int, get func(*T) *int64) Field[T] {
	return Field[T]{Name: name, Since: since, kind: int64Field[T]{get}}
}

type int64Field[T any] struct{ get func(*T) *int64 }

func int64Flags(v int64) (high, low bool) {
	u := uint64(v)
	switch {
	case u == 0:
		return false, false
	case u&0xFFFFFFFFFFFF0000 == 0:
		return false, true
	case u&0xFFFFFFFF00000000 == 0:
		return true, false
	default:
		return true, true
	}
}

func int64Width(high, low bool) int {
	switch {
	case !high && !low:
		return 0
	case !high && low:
		return 2
	case high && !low:
		return 4
	default:
		return 8
	}
}

func (f int64Field[T]) tightSize(_ Settings, v *T, bs *BooleanStream) (int, error) {
	high, low := int64Flags(*f.get(v))
	bs.WriteBoolean(high)
	bs.WriteBoolean(low)
	return int64Width(high, low), nil
}

func readInt64Flags(bs *BooleanStream) (int, error) {
	high, err := bs.ReadBoolean()
	if err != nil {
		return 0, err
	}
	low, err := bs.ReadBoolean()
	if err != nil {
		return 0, err
	}
	return int64Width(high, low), nil
}

func (f int64Field[T]) tightMarshal(_ Settings, v *T, e *Encoder, bs *BooleanStream) error {
	width, err := readInt64Flags(bs)
	if err != nil {
		return err
	}
	u := uint64(*f.get(v))
	switch width {
	case 2:
		e.uint16(uint16(u))
	case 4:
		e.uint32(uint32(u))
	case 8:
		e.uint64(u)
	}
	return nil
}

func (f int64Field[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, bs *BooleanStream) error {
	width, err := readInt64Flags(bs)
	if err != nil {
		return err
	}
	var u uint64
	switch width {
	case 2:
		var n uint16
		n, err = d.uint16()
		u = uint64(n)
	case 4:
		var n uint32
		n, err = d.uint32()
		u = uint64(n)
	case 8:
		u, err = d.uint64()
	}
	*f.get(v) = int64(u)
	return err
}

func (f int64Field[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	e.tag(num, protowire.VarintType)
	e.varint(protowire.EncodeZigZag(*f.get(v)))
	return nil
}

func (f int64Field[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	if err := d.expect(num, protowire.VarintType); err != nil {
		return err
	}
	raw, err := d.varint()
	*f.get(v) = protowire.DecodeZigZag(raw)
	return err
}

// String is absent when empty. Tight encoding limits it to 65535 bytes.
func String[T any](name string, since int, get func(*T) *string) Field[T] {
	return Field[T]{Name: name, Since: since, kind: stringField[T]{get}}
}

type stringField[T any] struct{ get func(*T) *string }

func (f stringField[T]) tightSize(_ Settings, v *T, bs *BooleanStream) (int, error) {
	s := *f.get(v)
	bs.WriteBoolean(s != "")
	if s == "" {
		return 0, nil
	}
	if len(s) > math.MaxUint16 {
		return 0, fmt.Errorf("%w: string of %d bytes", ErrEncode, len(s))
	}
	return 2 + len(s), nil
}

func (f stringField[T]) tightMarshal(_ Settings, v *T, e *Encoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	writeShortString(e, *f.get(v))
	return nil
}

func (f stringField[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	s, err := readShortString(d)
	*f.get(v) = s
	return err
}

func (f stringField[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	s := *f.get(v)
	if s == "" {
		e.null(num)
		return nil
	}
	e.tag(num, protowire.BytesType)
	e.bytes([]byte(s))
	return nil
}

func (f stringField[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	p, _, err := d.nullable(num)
	*f.get(v) = string(p)
	return err
}

func writeShortString(e *Encoder, s string) {
	e.uint16(uint16(len(s)))
	e.raw([]byte(s))
}

func readShortString(d *Decoder) (string, error) {
	n, err := d.uint16()
	if err != nil {
		return "", err
	}
	p, err := d.raw(int(n))
	return string(p), err
}

// Bytes is absent when nil, an empty non-nil slice is present.
func Bytes[T any](name string, since int, get func(*T) *[]byte) Field[T] {
	return Field[T]{Name: name, Since: since, kind: bytesField[T]{get}}
}

type bytesField[T any] struct{ get func(*T) *[]byte }

func (f bytesField[T]) tightSize(_ Settings, v *T, bs *BooleanStream) (int, error) {
	p := *f.get(v)
	bs.WriteBoolean(p != nil)
	if p == nil {
		return 0, nil
	}
	if len(p) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrEncode, len(p))
	}
	return 4 + len(p), nil
}

func (f bytesField[T]) tightMarshal(_ Settings, v *T, e *Encoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	p := *f.get(v)
	e.uint32(uint32(len(p)))
	e.raw(p)
	return nil
}

func (f bytesField[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	n, err := d.uint32()
	if err != nil {
		return err
	}
	if n > math.MaxInt32 {
		return fmt.Errorf("%w: negative length", ErrDecode)
	}
	p, err := d.raw(int(n))
	*f.get(v) = p
	return err
}

func (f bytesField[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	p := *f.get(v)
	if p == nil {
		e.null(num)
		return nil
	}
	e.tag(num, protowire.BytesType)
	e.bytes(p)
	return nil
}

func (f bytesField[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	p, present, err := d.nullable(num)
	if err != nil || !present {
		return err
	}
	if p == nil {
		p = []byte{}
	}
	*f.get(v) = p
	return nil
}

// Object is a nested data structure of any registered type assignable to
// `O`. In tight encoding it shares the flags of the enclosing command.
func Object[T any, O DataStructure](name string, since int, get func(*T) *O) Field[T] {
	return Field[T]{Name: name, Since: since, kind: objectField[T, O]{get}}
}

type objectField[T any, O DataStructure] struct{ get func(*T) *O }

func (f objectField[T, O]) value(v *T) (DataStructure, bool) {
	o := *f.get(v)
	ds := DataStructure(o)
	return ds, !isNil(ds)
}

func (f objectField[T, O]) tightSize(s Settings, v *T, bs *BooleanStream) (int, error) {
	ds, present := f.value(v)
	bs.WriteBoolean(present)
	if !present {
		return 0, nil
	}
	m, err := s.Registry.Lookup(ds.DataStructureType())
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	n, err := m.TightSize(s, ds, bs)
	return 1 + n, err
}

func (f objectField[T, O]) tightMarshal(s Settings, v *T, e *Encoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	ds, _ := f.value(v)
	m, err := s.Registry.Lookup(ds.DataStructureType())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	e.byte(m.DataStructureType())
	return m.TightMarshal(s, ds, e, bs)
}

func (f objectField[T, O]) assign(v *T, ds DataStructure) error {
	o, ok := ds.(O)
	if !ok {
		return fmt.Errorf("%w: unexpected nested type %T", ErrDecode, ds)
	}
	*f.get(v) = o
	return nil
}

func (f objectField[T, O]) tightUnmarshal(s Settings, v *T, d *Decoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	typ, err := d.byte()
	if err != nil {
		return err
	}
	m, err := s.Registry.Lookup(typ)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	ds := m.CreateObject()
	if err := m.TightUnmarshal(s, ds, d, bs); err != nil {
		return err
	}
	return f.assign(v, ds)
}

func (f objectField[T, O]) looseMarshal(s Settings, v *T, num protowire.Number, e *Encoder) error {
	ds, present := f.value(v)
	if !present {
		e.null(num)
		return nil
	}
	m, err := s.Registry.Lookup(ds.DataStructureType())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	nested := &Encoder{}
	nested.byte(m.DataStructureType())
	if err := m.LooseMarshal(s, ds, nested); err != nil {
		return err
	}
	e.tag(num, protowire.BytesType)
	e.bytes(nested.buf)
	return nil
}

func (f objectField[T, O]) looseUnmarshal(s Settings, v *T, num protowire.Number, d *Decoder) error {
	p, present, err := d.nullable(num)
	if err != nil || !present {
		return err
	}
	nested := &Decoder{buf: p}
	typ, err := nested.byte()
	if err != nil {
		return err
	}
	m, err := s.Registry.Lookup(typ)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	ds := m.CreateObject()
	if err := m.LooseUnmarshal(s, ds, nested); err != nil {
		return err
	}
	if nested.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in nested type %d", ErrDecode, nested.remaining(), typ)
	}
	return f.assign(v, ds)
}

// StringMap is absent when nil. Keys are written sorted.
func StringMap[T any](name string, since int, get func(*T) *map[string]string) Field[T] {
	return Field[T]{Name: name, Since: since, kind: stringMapField[T]{get}}
}

type stringMapField[T any] struct{ get func(*T) *map[string]string }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (f stringMapField[T]) tightSize(_ Settings, v *T, bs *BooleanStream) (int, error) {
	m := *f.get(v)
	bs.WriteBoolean(m != nil)
	if m == nil {
		return 0, nil
	}
	size := 4
	for key, val := range m {
		if len(key) > math.MaxUint16 || len(val) > math.MaxUint16 {
			return 0, fmt.Errorf("%w: map entry %q too long", ErrEncode, key)
		}
		size += 4 + len(key) + len(val)
	}
	return size, nil
}

func (f stringMapField[T]) tightMarshal(_ Settings, v *T, e *Encoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	m := *f.get(v)
	e.uint32(uint32(len(m)))
	for _, key := range sortedKeys(m) {
		writeShortString(e, key)
		writeShortString(e, m[key])
	}
	return nil
}

func (f stringMapField[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	n, err := d.uint32()
	if err != nil {
		return err
	}
	// every entry takes at least 4 bytes.
	if int64(n)*4 > int64(d.remaining()) {
		return fmt.Errorf("%w: map of %d entries in %d bytes", ErrDecode, n, d.remaining())
	}
	m := make(map[string]string, n)
	for i := uint32(0); i < n; i++ {
		key, err := readShortString(d)
		if err != nil {
			return err
		}
		val, err := readShortString(d)
		if err != nil {
			return err
		}
		m[key] = val
	}
	*f.get(v) = m
	return nil
}

func (f stringMapField[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	m := *f.get(v)
	if m == nil {
		e.null(num)
		return nil
	}
	nested := &Encoder{}
	nested.varint(uint64(len(m)))
	for _, key := range sortedKeys(m) {
		nested.bytes([]byte(key))
		nested.bytes([]byte(m[key]))
	}
	e.tag(num, protowire.BytesType)
	e.bytes(nested.buf)
	return nil
}

func (f stringMapField[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	p, present, err := d.nullable(num)
	if err != nil || !present {
		return err
	}
	nested := &Decoder{buf: p}
	n, err := nested.varint()
	if err != nil {
		return err
	}
	if n > uint64(len(p)) {
		return fmt.Errorf("%w: map of %d entries in %d bytes", ErrDecode, n, len(p))
	}
	m := make(map[string]string, n)
	for i := uint64(0); i < n; i++ {
		key, err := nested.bytes()
		if err != nil {
			return err
		}
		val, err := nested.bytes()
		if err != nil {
			return err
		}
		m[string(key)] = string(val)
	}
	if nested.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in map", ErrDecode, nested.remaining())
	}
	*f.get(v) = m
	return nil
}

// StringSlice is absent when nil.
func StringSlice[T any](name string, since int, get func(*T) *[]string) Field[T] {
	return Field[T]{Name: name, Since: since, kind: stringSliceField[T]{get}}
}

type stringSliceField[T any] struct{ get func(*T) *[]string }

func (f stringSliceField[T]) tightSize(_ Settings, v *T, bs *BooleanStream) (int, error) {
	items := *f.get(v)
	bs.WriteBoolean(items != nil)
	if items == nil {
		return 0, nil
	}
	if len(items) > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d items", ErrEncode, len(items))
	}
	size := 2
	for _, item := range items {
		if len(item) > math.MaxUint16 {
			return 0, fmt.Errorf("%w: item of %d bytes", ErrEncode, len(item))
		}
		size += 2 + len(item)
	}
	return size, nil
}

func (f stringSliceField[T]) tightMarshal(_ Settings, v *T, e *Encoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	items := *f.get(v)
	e.uint16(uint16(len(items)))
	for _, item := range items {
		writeShortString(e, item)
	}
	return nil
}

func (f stringSliceField[T]) tightUnmarshal(_ Settings, v *T, d *Decoder, bs *BooleanStream) error {
	present, err := bs.ReadBoolean()
	if err != nil || !present {
		return err
	}
	n, err := d.uint16()
	if err != nil {
		return err
	}
	items := make([]string, 0, n)
	for i := uint16(0); i < n; i++ {
		item, err := readShortString(d)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	*f.get(v) = items
	return nil
}

func (f stringSliceField[T]) looseMarshal(_ Settings, v *T, num protowire.Number, e *Encoder) error {
	items := *f.get(v)
	if items == nil {
		e.null(num)
		return nil
	}
	nested := &Encoder{}
	nested.varint(uint64(len(items)))
	for _, item := range items {
		nested.bytes([]byte(item))
	}
	e.tag(num, protowire.BytesType)
	e.bytes(nested.buf)
	return nil
}

func (f stringSliceField[T]) looseUnmarshal(_ Settings, v *T, num protowire.Number, d *Decoder) error {
	p, present, err := d.nullable(num)
	if err != nil || !present {
		return err
	}
	nested := &Decoder{buf: p}
	n, err := nested.varint()
	if err != nil {
		return err
	}
	if n > uint64(len(p)) {
		return fmt.Errorf("%w: %d items in %d bytes", ErrDecode, n, len(p))
	}
	items := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		item, err := nested.bytes()
		if err != nil {
			return err
		}
		items = append(items, string(item))
	}
	if nested.remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes in list", ErrDecode, nested.remaining())
	}
	*f.get(v) = items
	return nil
}
