// Package schema describes the data layout of model types.
//
// A Core module declares each data-kind as a WIT record field list:
//
//	position: "x: f32, y: f32, z: f32"
//	health:   "current: u32, max: u32, alive: bool"
//
// Fields are restricted to WIT scalars so that a record fits a flat,
// fixed-size buffer laid out by the canonical ABI rules. The canonical text
// of a schema feeds the data-layout tag: any change to a field name, type or
// order yields a different tag.
package schema

import (
	"regexp"
	"strings"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

var fieldName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Field is one named, typed slot of a record.
type Field struct {
	Name string
	Type wit.Type
}

// Schema is a parsed record declaration with its computed layout.
type Schema struct {
	record *wit.Record
	index  map[string]int
	layout Layout
}

// Parse parses a comma-separated WIT field list. An empty list is a valid,
// zero-sized record.
func Parse(src string) (*Schema, error) {
	record := &wit.Record{}
	index := make(map[string]int)

	for _, part := range strings.Split(src, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, typ, ok := strings.Cut(part, ":")
		if !ok {
			return nil, errors.InvalidInput(errors.PhaseSchema, "field without type: "+part)
		}
		name = strings.TrimSpace(name)
		typ = strings.TrimSpace(typ)

		if !fieldName.MatchString(name) {
			return nil, errors.New(errors.PhaseSchema, errors.KindInvalidInput).
				Path(name).Detail("invalid field name").Build()
		}
		if _, dup := index[name]; dup {
			return nil, errors.New(errors.PhaseSchema, errors.KindInvalidInput).
				Path(name).Detail("duplicate field").Build()
		}

		t, err := wit.ParseType(typ)
		if err != nil {
			return nil, errors.New(errors.PhaseSchema, errors.KindInvalidInput).
				Path(name).Cause(err).Detail("parse type %q", typ).Build()
		}
		if _, _, ok := primitiveLayout(t); !ok {
			return nil, errors.New(errors.PhaseSchema, errors.KindUnsupported).
				Path(name).Detail("type %s has no fixed layout", typ).Build()
		}

		index[name] = len(record.Fields)
		record.Fields = append(record.Fields, wit.Field{Name: name, Type: t})
	}

	return &Schema{
		record: record,
		index:  index,
		layout: calculate(record),
	}, nil
}

// MustParse is like Parse but panics on error. For package-level declarations.
func MustParse(src string) *Schema {
	s, err := Parse(src)
	if err != nil {
		panic(err)
	}
	return s
}

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.record.Fields))
	for i, f := range s.record.Fields {
		out[i] = Field{Name: f.Name, Type: f.Type}
	}
	return out
}

// Record returns the schema as a WIT record type definition.
func (s *Schema) Record() *wit.TypeDef {
	return &wit.TypeDef{Kind: s.record}
}

// Layout returns the flat buffer layout.
func (s *Schema) Layout() Layout {
	return s.layout
}

// Size is the record size in bytes.
func (s *Schema) Size() uint32 {
	return s.layout.Size
}

// Canonical renders the schema as "record{name:type,...}".
func (s *Schema) Canonical() string {
	var b strings.Builder
	b.WriteString("record{")
	for i, f := range s.record.Fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(typeName(f.Type))
	}
	b.WriteByte('}')
	return b.String()
}

// Tag hashes the canonical text.
func (s *Schema) Tag() version.Tag {
	return version.HashString(s.Canonical())
}

// LayoutTag hashes a set of named schemas into one data-layout tag.
// Names are sorted by the caller's declaration order, which is part of the layout.
func LayoutTag(names []string, schemas []*Schema) version.Tag {
	parts := make([][]byte, 0, 2*len(names))
	for i, n := range names {
		parts = append(parts, []byte(n), []byte(schemas[i].Canonical()))
	}
	return version.HashBytes(parts...)
}

func (s *Schema) field(name string) (int, wit.Type, uint32, error) {
	i, ok := s.index[name]
	if !ok {
		return 0, nil, 0, errors.NotFound(errors.PhaseSchema, "field", name)
	}
	return i, s.record.Fields[i].Type, s.layout.Offsets[i], nil
}
