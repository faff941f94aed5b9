package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	MinVersion = 1
	MaxVersion = 3

	DefaultMaxFrameSize int64 = 64 << 20
)

// Magic opens every `WireFormatInfo`.
var Magic = []byte("RELAISWF")

// FrameReader is what `Format.Unmarshal` reads frames from, typically a
// `bufio.Reader`.
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// Format encodes and decodes the frames of one connection. Until it is
// negotiated, it uses loose encoding at version 1 so the `WireFormatInfo`
// of both sides can be read whatever they prefer.
type Format struct {
	registry *Registry

	lk           sync.RWMutex
	preferred    WireFormatInfo
	version      int
	tight        bool
	maxFrameSize int64
	negotiated   bool
}

type FormatOption func(*Format) error

// WithVersion sets the highest version we accept.
func WithVersion(version int) FormatOption {
	return func(f *Format) error {
		if version < MinVersion || version > MaxVersion {
			return fmt.Errorf("%w: %d not in [%d, %d]", ErrVersion, version, MinVersion, MaxVersion)
		}
		f.preferred.Version = int32(version)
		return nil
	}
}

// WithTightEncoding asks for tight encoding, used if both sides ask.
func WithTightEncoding(enabled bool) FormatOption {
	return func(f *Format) error {
		f.preferred.TightEncodingEnabled = enabled
		return nil
	}
}

// WithMaxFrameSize bounds the frames we accept and send.
func WithMaxFrameSize(size int64) FormatOption {
	return func(f *Format) error {
		if size <= 0 {
			return fmt.Errorf("max frame size must be positive, got %d", size)
		}
		f.preferred.MaxFrameSize = size
		return nil
	}
}

// WithMaxInactivityDuration advertises the keep-alive period in
// milliseconds.
func WithMaxInactivityDuration(ms int64) FormatOption {
	return func(f *Format) error {
		f.preferred.MaxInactivityDuration = ms
		return nil
	}
}

// WithRegistry replaces `DefaultRegistry`.
func WithRegistry(reg *Registry) FormatOption {
	return func(f *Format) error {
		if reg == nil {
			return errors.New("nil registry")
		}
		f.registry = reg
		return nil
	}
}

// NewFormat returns a format which is not negotiated yet.
func NewFormat(opts ...FormatOption) (*Format, error) {
	f := &Format{
		registry: DefaultRegistry,
		preferred: WireFormatInfo{
			Magic:                append([]byte(nil), Magic...),
			Version:              MaxVersion,
			TightEncodingEnabled: true,
			MaxFrameSize:         DefaultMaxFrameSize,
		},
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	f.version = MinVersion
	f.maxFrameSize = f.preferred.MaxFrameSize
	return f, nil
}

// Info is the `WireFormatInfo` to send to the other side.
func (f *Format) Info() *WireFormatInfo {
	f.lk.RLock()
	defer f.lk.RUnlock()
	info := f.preferred
	info.Magic = append([]byte(nil), f.preferred.Magic...)
	return &info
}

// Negotiate settles the format with the info of the other side: the lowest
// version of both, tight encoding only if both want it. It succeeds once.
func (f *Format) Negotiate(remote *WireFormatInfo) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.negotiated {
		return ErrNegotiated
	}
	if remote == nil || string(remote.Magic) != string(f.preferred.Magic) {
		return ErrBadMagic
	}
	version := int(min(remote.Version, f.preferred.Version))
	if version < MinVersion {
		return fmt.Errorf("%w: remote version %d", ErrVersion, remote.Version)
	}
	f.version = version
	f.tight = remote.TightEncodingEnabled && f.preferred.TightEncodingEnabled
	if remote.MaxFrameSize > 0 && remote.MaxFrameSize < f.maxFrameSize {
		f.maxFrameSize = remote.MaxFrameSize
	}
	f.negotiated = true
	return nil
}

func (f *Format) Negotiated() bool {
	f.lk.RLock()
	defer f.lk.RUnlock()
	return f.negotiated
}

func (f *Format) Version() int {
	f.lk.RLock()
	defer f.lk.RUnlock()
	return f.version
}

func (f *Format) Tight() bool {
	f.lk.RLock()
	defer f.lk.RUnlock()
	return f.tight
}

func (f *Format) MaxFrameSize() int64 {
	f.lk.RLock()
	defer f.lk.RUnlock()
	return f.maxFrameSize
}

func (f *Format) current() (Settings, bool, int64) {
	f.lk.RLock()
	defer f.lk.RUnlock()
	return Settings{Version: f.version, Registry: f.registry}, f.tight, f.maxFrameSize
}

// Encode returns the frame body of `ds`: its type byte, then the flags and
// the bytes in tight encoding, or the tagged fields in loose encoding.
func (f *Format) Encode(ds DataStructure) ([]byte, error) {
	s, tight, maxSize := f.current()
	if isNil(ds) {
		return []byte{NullType}, nil
	}
	m, err := s.Registry.Lookup(ds.DataStructureType())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}

	e := &Encoder{}
	e.byte(m.DataStructureType())
	if !tight {
		if err := m.LooseMarshal(s, ds, e); err != nil {
			return nil, err
		}
	} else {
		bs := &BooleanStream{}
		size, err := m.TightSize(s, ds, bs)
		if err != nil {
			return nil, err
		}
		expected := 1 + bs.MarshalledSize() + size
		e.buf = make([]byte, 0, expected)
		e.byte(m.DataStructureType())
		if err := bs.marshal(e); err != nil {
			return nil, err
		}
		if err := m.TightMarshal(s, ds, e, bs); err != nil {
			return nil, err
		}
		if len(e.buf) != expected {
			return nil, fmt.Errorf("%w: type %d, computed %d, wrote %d", ErrSizeMismatch, m.DataStructureType(), expected, len(e.buf))
		}
	}
	if int64(len(e.buf)) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(e.buf), maxSize)
	}
	return e.buf, nil
}

// Decode is the reverse of `Encode`. Any failure wraps `ErrDecode`, after
// which the connection cannot be trusted anymore.
func (f *Format) Decode(body []byte) (DataStructure, error) {
	ds, err := f.decode(body)
	if err != nil && !errors.Is(err, ErrDecode) {
		err = fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return ds, err
}

func (f *Format) decode(body []byte) (DataStructure, error) {
	s, tight, _ := f.current()
	d := &Decoder{buf: body}
	typ, err := d.byte()
	if err != nil {
		return nil, err
	}
	if typ == NullType {
		return nil, nil
	}
	m, err := s.Registry.Lookup(typ)
	if err != nil {
		return nil, err
	}
	ds := m.CreateObject()
	if tight {
		bs, err := unmarshalBooleanStream(d)
		if err != nil {
			return nil, err
		}
		if err := m.TightUnmarshal(s, ds, d, bs); err != nil {
			return nil, err
		}
	} else if err := m.LooseUnmarshal(s, ds, d); err != nil {
		return nil, err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after type %d", ErrDecode, d.remaining(), typ)
	}
	return ds, nil
}

// Marshal writes `ds` to `w` as a frame prefixed with its varint size.
func (f *Format) Marshal(w io.Writer, ds DataStructure) (int, error) {
	body, err := f.Encode(ds)
	if err != nil {
		return 0, err
	}
	frame := protowire.AppendVarint(make([]byte, 0, len(body)+binary.MaxVarintLen32), uint64(len(body)))
	frame = append(frame, body...)
	return w.Write(frame)
}

// Unmarshal reads one frame from `r`. Transport errors are returned as is,
// everything else wraps `ErrDecode`.
func (f *Format) Unmarshal(r FrameReader) (DataStructure, int, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("%w: frame size: %w", ErrDecode, err)
	}
	if maxSize := f.MaxFrameSize(); size > uint64(maxSize) {
		return nil, 0, fmt.Errorf("%w: %w: %d > %d", ErrDecode, ErrFrameTooLarge, size, maxSize)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, err
	}
	ds, err := f.Decode(body)
	return ds, len(body) + protowire.SizeVarint(size), err
}
