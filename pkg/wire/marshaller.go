package wire

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// NullType is the type byte of an absent data structure.
const NullType byte = 0

// DataStructure is anything which travels on the wire. Its type byte
// selects the marshaller on the receiving side.
type DataStructure interface {
	DataStructureType() byte
}

// Command is a top-level data structure, correlated by its command id.
type Command interface {
	DataStructure
	GetCommandID() int32
	SetCommandID(id int32)
	IsResponseRequired() bool
	SetResponseRequired(required bool)
}

// BaseCommand holds the fields shared by every command.
type BaseCommand struct {
	CommandID        int32
	ResponseRequired bool
}

func (c *BaseCommand) GetCommandID() int32               { return c.CommandID }
func (c *BaseCommand) SetCommandID(id int32)             { c.CommandID = id }
func (c *BaseCommand) IsResponseRequired() bool          { return c.ResponseRequired }
func (c *BaseCommand) SetResponseRequired(required bool) { c.ResponseRequired = required }

// Settings is what a marshaller needs to know about the connection.
type Settings struct {
	Version  int
	Registry *Registry
}

// Marshaller encodes one data structure type. Tight marshalling is
// two-pass: `TightSize` writes the flags and returns the size of the field
// bytes, `TightMarshal` reads the flags back while writing the bytes.
type Marshaller interface {
	DataStructureType() byte
	CreateObject() DataStructure
	TightSize(s Settings, o DataStructure, bs *BooleanStream) (int, error)
	TightMarshal(s Settings, o DataStructure, e *Encoder, bs *BooleanStream) error
	TightUnmarshal(s Settings, o DataStructure, d *Decoder, bs *BooleanStream) error
	LooseMarshal(s Settings, o DataStructure, e *Encoder) error
	LooseUnmarshal(s Settings, o DataStructure, d *Decoder) error
}

// Registry maps type bytes to marshallers.
type Registry struct {
	lk          sync.RWMutex
	marshallers map[byte]Marshaller
}

// NewRegistry returns a registry holding `marshallers`.
func NewRegistry(marshallers ...Marshaller) *Registry {
	reg := &Registry{marshallers: make(map[byte]Marshaller, len(marshallers))}
	for _, m := range marshallers {
		reg.Register(m)
	}
	return reg
}

// Register adds or replaces the marshaller of `m.DataStructureType()`.
func (reg *Registry) Register(m Marshaller) {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	if m.DataStructureType() == NullType {
		panic("wire: type 0 is reserved for null")
	}
	reg.marshallers[m.DataStructureType()] = m
}

// Lookup returns the marshaller of `typ`.
func (reg *Registry) Lookup(typ byte) (Marshaller, error) {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	m, ok := reg.marshallers[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	return m, nil
}

// Types lists the registered type bytes.
func (reg *Registry) Types() []byte {
	reg.lk.RLock()
	defer reg.lk.RUnlock()
	types := make([]byte, 0, len(reg.marshallers))
	for typ := range reg.marshallers {
		types = append(types, typ)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Field is one entry of the declarative table of a data structure. A field
// is skipped, in every pass, when the version in use is lower than `Since`,
// it then decodes to its zero value.
type Field[T any] struct {
	Name  string
	Since int
	kind  fieldKind[T]
}

type fieldKind[T any] interface {
	tightSize(s Settings, v *T, bs *BooleanStream) (int, error)
	tightMarshal(s Settings, v *T, e *Encoder, bs *BooleanStream) error
	tightUnmarshal(s Settings, v *T, d *Decoder, bs *BooleanStream) error
	looseMarshal(s Settings, v *T, num protowire.Number, e *Encoder) error
	looseUnmarshal(s Settings, v *T, num protowire.Number, d *Decoder) error
}

type structPtr[T any] interface {
	*T
	DataStructure
}

// structMarshaller walks the same field table for every pass, so the order
// of flags and bytes is identical whichever way a structure goes.
type structMarshaller[T any, P structPtr[T]] struct {
	typ    byte
	fields []Field[T]
}

// NewStructMarshaller returns the marshaller of the data structure `T`
// described by `fields`. The loose field number of a field is its index in
// the table plus one.
func NewStructMarshaller[T any, P structPtr[T]](typ byte, fields []Field[T]) Marshaller {
	for i, f := range fields {
		if f.Since < 1 {
			panic(fmt.Sprintf("wire: field %d (%s) of type %d has no version", i, f.Name, typ))
		}
	}
	return &structMarshaller[T, P]{typ: typ, fields: fields}
}

func (m *structMarshaller[T, P]) DataStructureType() byte {
	return m.typ
}

func (m *structMarshaller[T, P]) CreateObject() DataStructure {
	return P(new(T))
}

func (m *structMarshaller[T, P]) cast(o DataStructure) (*T, error) {
	p, ok := o.(P)
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %T is not handled by the marshaller of type %d", ErrEncode, o, m.typ)
	}
	return (*T)(p), nil
}

// active yields the fields present at the version in use, with their loose
// field number.
func (m *structMarshaller[T, P]) active(s Settings, fn func(num protowire.Number, f Field[T]) error) error {
	for i, f := range m.fields {
		if f.Since > s.Version {
			continue
		}
		if err := fn(protowire.Number(i+1), f); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func (m *structMarshaller[T, P]) TightSize(s Settings, o DataStructure, bs *BooleanStream) (int, error) {
	v, err := m.cast(o)
	if err != nil {
		return 0, err
	}
	total := 0
	err = m.active(s, func(_ protowire.Number, f Field[T]) error {
		n, err := f.kind.tightSize(s, v, bs)
		total += n
		return err
	})
	return total, err
}

func (m *structMarshaller[T, P]) TightMarshal(s Settings, o DataStructure, e *Encoder, bs *BooleanStream) error {
	v, err := m.cast(o)
	if err != nil {
		return err
	}
	return m.active(s, func(_ protowire.Number, f Field[T]) error {
		return f.kind.tightMarshal(s, v, e, bs)
	})
}

func (m *structMarshaller[T, P]) TightUnmarshal(s Settings, o DataStructure, d *Decoder, bs *BooleanStream) error {
	v, err := m.cast(o)
	if err != nil {
		return err
	}
	return m.active(s, func(_ protowire.Number, f Field[T]) error {
		return f.kind.tightUnmarshal(s, v, d, bs)
	})
}

func (m *structMarshaller[T, P]) LooseMarshal(s Settings, o DataStructure, e *Encoder) error {
	v, err := m.cast(o)
	if err != nil {
		return err
	}
	return m.active(s, func(num protowire.Number, f Field[T]) error {
		return f.kind.looseMarshal(s, v, num, e)
	})
}

func (m *structMarshaller[T, P]) LooseUnmarshal(s Settings, o DataStructure, d *Decoder) error {
	v, err := m.cast(o)
	if err != nil {
		return err
	}
	return m.active(s, func(num protowire.Number, f Field[T]) error {
		return f.kind.looseUnmarshal(s, v, num, d)
	})
}

func isNil(o DataStructure) bool {
	if o == nil {
		return true
	}
	rv := reflect.ValueOf(o)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}
