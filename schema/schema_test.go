package schema

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	modrt "github.com/wippyai/module-runtime"
	rterrors "github.com/wippyai/module-runtime/errors"
)

func TestParse_Layout(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		size    uint32
		align   uint32
		offsets []uint32
	}{
		{"empty", "", 0, 1, nil},
		{"single u8", "a: u8", 1, 1, []uint32{0}},
		{"padding", "a: u8, b: u32", 8, 4, []uint32{0, 4}},
		{"tail padding", "a: u64, b: u8", 16, 8, []uint32{0, 8}},
		{"mixed", "alive: bool, hp: u16, x: f32, y: f64", 16, 8, []uint32{0, 2, 4, 8}},
		{"char", "c: char", 4, 4, []uint32{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.src)
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.src, err)
			}
			got := s.Layout()
			want := Layout{Size: tt.size, Align: tt.align, Offsets: tt.offsets}
			if len(tt.offsets) == 0 {
				want.Offsets = got.Offsets
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("layout mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		kind rterrors.Kind
	}{
		{"missing type", "x", rterrors.KindInvalidInput},
		{"bad name", "X: u8", rterrors.KindInvalidInput},
		{"duplicate", "x: u8, x: u16", rterrors.KindInvalidInput},
		{"unknown type", "x: quux", rterrors.KindInvalidInput},
		{"string field", "name: string", rterrors.KindUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded", tt.src)
			}
			if got := rterrors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (%v)", got, tt.kind, err)
			}
		})
	}
}

func TestCanonicalAndTag(t *testing.T) {
	a := MustParse("x: f32,  y: f32")
	b := MustParse("x:f32,y:f32")
	c := MustParse("y: f32, x: f32")

	if a.Canonical() != "record{x:f32,y:f32}" {
		t.Errorf("Canonical = %q", a.Canonical())
	}
	if a.Tag() != b.Tag() {
		t.Error("whitespace changed the tag")
	}
	if a.Tag() == c.Tag() {
		t.Error("field order did not change the tag")
	}

	t1 := LayoutTag([]string{"position"}, []*Schema{a})
	t2 := LayoutTag([]string{"velocity"}, []*Schema{a})
	if t1 == t2 {
		t.Error("type name did not change the layout tag")
	}
}

func TestRecord_GetSet(t *testing.T) {
	s := MustParse("alive: bool, hp: u16, dmg: s32, x: f32, total: u64, ratio: f64, glyph: char, tier: s8")
	r := NewRecord(s, modrt.ModelTypeOf("game", "unit"), 7)

	sets := map[string]any{
		"alive": true,
		"hp":    uint16(300),
		"dmg":   int32(-12),
		"x":     float32(1.5),
		"total": uint64(1 << 40),
		"ratio": 0.25,
		"glyph": 'λ',
		"tier":  int8(-3),
	}
	for name, v := range sets {
		if err := r.Set(name, v); err != nil {
			t.Fatalf("Set(%s): %v", name, err)
		}
	}
	for name, want := range sets {
		got, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if got != want {
			t.Errorf("Get(%s) = %v (%T), want %v (%T)", name, got, got, want, want)
		}
	}

	if r.ModelID() != 7 {
		t.Errorf("ModelID = %d", r.ModelID())
	}

	r.Reset()
	for _, b := range r.Bytes() {
		if b != 0 {
			t.Fatal("buffer not zeroed after Reset")
		}
	}
}

func TestRecord_SetErrors(t *testing.T) {
	r := NewRecord(MustParse("hp: u16, c: char"), 1, 1)

	if err := r.Set("hp", 3); !errors.Is(err, &rterrors.Error{Kind: rterrors.KindTypeMismatch}) {
		t.Errorf("int into u16: %v", err)
	}
	if err := r.Set("missing", uint16(1)); !errors.Is(err, rterrors.ErrNotFound) {
		t.Errorf("unknown field: %v", err)
	}
	if err := r.Set("c", rune(0xD800)); rterrors.KindOf(err) != rterrors.KindInvalidData {
		t.Errorf("surrogate char: %v", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, rterrors.ErrNotFound) {
		t.Errorf("Get unknown field: %v", err)
	}
}

func TestRecord_Load(t *testing.T) {
	s := MustParse("a: u32")
	r := NewRecord(s, 1, 1)
	if err := r.Load([]byte{1, 0, 0, 0}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	v, _ := r.Get("a")
	if v != uint32(1) {
		t.Errorf("a = %v", v)
	}
	if err := r.Load([]byte{1}); err == nil {
		t.Error("Load accepted wrong size")
	}
}

func TestFactory(t *testing.T) {
	s := MustParse("a: u8")
	f := Factory(s, 9)
	m := f(3)
	if m.ModelID() != 3 || m.ModelType() != 9 {
		t.Fatalf("factory model = %v/%v", m.ModelID(), m.ModelType())
	}
	if _, ok := m.(*Record); !ok {
		t.Fatalf("factory returned %T", m)
	}
}
