package schema

import (
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	"go.bytecodealliance.org/wit"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
)

// Record is a Model whose data lives in a flat buffer laid out by a Schema.
// Record is not safe for concurrent mutation; pools serialize access.
type Record struct {
	schema *Schema
	buf    []byte
	id     modrt.ModelID
	typ    modrt.ModelType
}

// NewRecord allocates a zeroed record.
func NewRecord(s *Schema, typ modrt.ModelType, id modrt.ModelID) *Record {
	return &Record{
		schema: s,
		buf:    make([]byte, s.Size()),
		id:     id,
		typ:    typ,
	}
}

// Factory returns a pool factory producing records of s.
func Factory(s *Schema, typ modrt.ModelType) func(modrt.ModelID) modrt.Model {
	return func(id modrt.ModelID) modrt.Model {
		return NewRecord(s, typ, id)
	}
}

func (r *Record) ModelID() modrt.ModelID     { return r.id }
func (r *Record) ModelType() modrt.ModelType { return r.typ }
func (r *Record) Schema() *Schema            { return r.schema }

// Reset zeroes every field.
func (r *Record) Reset() {
	clear(r.buf)
}

// Bytes returns a copy of the underlying buffer.
func (r *Record) Bytes() []byte {
	out := make([]byte, len(r.buf))
	copy(out, r.buf)
	return out
}

// Load replaces the buffer contents; data must be exactly Size bytes.
func (r *Record) Load(data []byte) error {
	if len(data) != len(r.buf) {
		return errors.InvalidData(errors.PhaseSchema, nil,
			fmt.Sprintf("record is %d bytes, got %d", len(r.buf), len(data)))
	}
	copy(r.buf, data)
	return nil
}

// Get returns the field value as its Go counterpart: bool, uint8..uint64,
// int8..int64, float32, float64, or rune for char.
func (r *Record) Get(name string) (any, error) {
	_, t, off, err := r.schema.field(name)
	if err != nil {
		return nil, err
	}
	b := r.buf[off:]
	switch t.(type) {
	case wit.Bool:
		return b[0] != 0, nil
	case wit.U8:
		return b[0], nil
	case wit.S8:
		return int8(b[0]), nil
	case wit.U16:
		return binary.LittleEndian.Uint16(b), nil
	case wit.S16:
		return int16(binary.LittleEndian.Uint16(b)), nil
	case wit.U32:
		return binary.LittleEndian.Uint32(b), nil
	case wit.S32:
		return int32(binary.LittleEndian.Uint32(b)), nil
	case wit.Char:
		return rune(binary.LittleEndian.Uint32(b)), nil
	case wit.U64:
		return binary.LittleEndian.Uint64(b), nil
	case wit.S64:
		return int64(binary.LittleEndian.Uint64(b)), nil
	case wit.F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case wit.F64:
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	}
	return nil, errors.Unsupported(errors.PhaseSchema, typeName(t))
}

// Set stores v into the field. The Go type of v must match the field type
// exactly; no numeric conversion is attempted.
func (r *Record) Set(name string, v any) error {
	_, t, off, err := r.schema.field(name)
	if err != nil {
		return err
	}
	b := r.buf[off:]
	mismatch := func() error {
		return errors.TypeMismatch(errors.PhaseSchema, []string{name}, typeName(t), fmt.Sprintf("%T", v))
	}

	switch t.(type) {
	case wit.Bool:
		x, ok := v.(bool)
		if !ok {
			return mismatch()
		}
		if x {
			b[0] = 1
		} else {
			b[0] = 0
		}
	case wit.U8:
		x, ok := v.(uint8)
		if !ok {
			return mismatch()
		}
		b[0] = x
	case wit.S8:
		x, ok := v.(int8)
		if !ok {
			return mismatch()
		}
		b[0] = byte(x)
	case wit.U16:
		x, ok := v.(uint16)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint16(b, x)
	case wit.S16:
		x, ok := v.(int16)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint16(b, uint16(x))
	case wit.U32:
		x, ok := v.(uint32)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint32(b, x)
	case wit.S32:
		x, ok := v.(int32)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint32(b, uint32(x))
	case wit.Char:
		x, ok := v.(rune)
		if !ok {
			return mismatch()
		}
		if !utf8.ValidRune(x) {
			return errors.New(errors.PhaseSchema, errors.KindInvalidData).
				Path(name).Value(x).Detail("not a unicode scalar value").Build()
		}
		binary.LittleEndian.PutUint32(b, uint32(x))
	case wit.U64:
		x, ok := v.(uint64)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint64(b, x)
	case wit.S64:
		x, ok := v.(int64)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint64(b, uint64(x))
	case wit.F32:
		x, ok := v.(float32)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
	case wit.F64:
		x, ok := v.(float64)
		if !ok {
			return mismatch()
		}
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	default:
		return errors.Unsupported(errors.PhaseSchema, typeName(t))
	}
	return nil
}
