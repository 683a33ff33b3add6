package schema

import (
	"go.bytecodealliance.org/wit"
)

// Layout is the canonical ABI placement of a record in a flat buffer.
type Layout struct {
	Size    uint32
	Align   uint32
	Offsets []uint32
}

// primitiveLayout returns size and alignment for the scalar types a record
// field may use. ok is false for anything with indirection.
func primitiveLayout(t wit.Type) (size, align uint32, ok bool) {
	switch t.(type) {
	case wit.U8, wit.S8, wit.Bool:
		return 1, 1, true
	case wit.U16, wit.S16:
		return 2, 2, true
	case wit.U32, wit.S32, wit.F32, wit.Char:
		return 4, 4, true
	case wit.U64, wit.S64, wit.F64:
		return 8, 8, true
	default:
		return 0, 1, false
	}
}

func calculate(r *wit.Record) Layout {
	if len(r.Fields) == 0 {
		return Layout{Size: 0, Align: 1}
	}

	offsets := make([]uint32, len(r.Fields))
	maxAlign := uint32(1)
	offset := uint32(0)

	for i, field := range r.Fields {
		size, align, _ := primitiveLayout(field.Type)
		offset = alignTo(offset, align)
		offsets[i] = offset
		if align > maxAlign {
			maxAlign = align
		}
		offset += size
	}

	return Layout{
		Size:    alignTo(offset, maxAlign),
		Align:   maxAlign,
		Offsets: offsets,
	}
}

func alignTo(offset, align uint32) uint32 {
	if align == 0 {
		return offset
	}
	return (offset + align - 1) &^ (align - 1)
}

func typeName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	case *wit.TypeDef:
		return "typedef"
	default:
		return "unknown"
	}
}
