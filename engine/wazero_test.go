package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/vmihailenco/msgpack/v5"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/testbed"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	ctx := context.Background()
	e, err := New(ctx, &Config{MemoryLimitPages: 16})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = e.Close(ctx) })
	return e
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		cfg  *Config
		name string
	}{
		{nil, "nil config"},
		{&Config{}, "default config"},
		{&Config{MemoryLimitPages: 256}, "16MB limit"},
		{&Config{CloseOnContextDone: true}, "close on context done"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e, err := New(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if e.runtime == nil {
				t.Error("engine runtime should not be nil")
			}
			if err := e.Close(ctx); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}

func TestOpenCore(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	m, err := e.Open(ctx, "counter.wasm", testbed.Build(t, testbed.CounterCore()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(ctx)

	if m.Role() != modrt.RoleCore {
		t.Errorf("Role = %v", m.Role())
	}
	v, err := m.View()
	if err != nil {
		t.Fatal(err)
	}
	if v.ViewID() != testbed.CounterViewID || v.APIVersion() != testbed.CounterAPI || v.DataVersion() != testbed.CounterData {
		t.Errorf("view identity = %v %v %v", v.ViewID(), v.APIVersion(), v.DataVersion())
	}
	wantFrags := []modrt.FragmentID{
		modrt.FragmentIDOf(testbed.CounterView, "read"),
		modrt.FragmentIDOf(testbed.CounterView, "write"),
	}
	if diff := cmp.Diff(wantFrags, v.(modrt.Fragmented).Fragments()); diff != "" {
		t.Errorf("fragments (-want +got):\n%s", diff)
	}
	if len(v.(*View).Models()) != 1 {
		t.Error("models not carried")
	}
	if _, err := m.ViewModel(); !errors.Is(err, errors.ErrSymbolInvalid) {
		t.Errorf("ViewModel on core err = %v", err)
	}
	if e.OpenModules() != 1 {
		t.Errorf("OpenModules = %d", e.OpenModules())
	}
}

func TestSystemCallsAndState(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	m, err := e.Open(ctx, "a.wasm", testbed.Build(t, testbed.CounterSystem("counter-a", 1)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(ctx)

	vm, err := m.ViewModel()
	if err != nil {
		t.Fatal(err)
	}
	inv := vm.(modrt.Invoker)
	for _, n := range []uint64{3, 4} {
		if _, err := inv.Call(ctx, "add", n); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	saver, ok := vm.(modrt.StateSaver)
	if !ok {
		t.Fatal("stateful viewmodel is not a StateSaver")
	}
	state, err := saver.SaveState(ctx)
	if err != nil {
		t.Fatal(err)
	}

	m2, err := e.Open(ctx, "b.wasm", testbed.Build(t, testbed.CounterSystem("counter-b", 2)))
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close(ctx)
	vm2, _ := m2.ViewModel()
	restorer := vm2.(modrt.StateRestorer)
	if restorer.DataVersion() != testbed.CounterData {
		t.Errorf("DataVersion = %v", restorer.DataVersion())
	}
	if err := restorer.RestoreState(ctx, state); err != nil {
		t.Fatalf("RestoreState: %v", err)
	}

	out, err := vm2.(modrt.Invoker).Call(ctx, "get")
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != 7 {
		t.Errorf("restored count = %d, want 7", out[0])
	}
	out, _ = vm2.(modrt.Invoker).Call(ctx, "variant")
	if out[0] != 2 {
		t.Errorf("variant = %d, want 2", out[0])
	}
}

func TestStatelessViewModel(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	m, err := e.Open(ctx, "s.wasm", testbed.Build(t, testbed.CounterSystemStateless("counter-s", 9)))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(ctx)
	vm, _ := m.ViewModel()
	if _, ok := vm.(modrt.StateSaver); ok {
		t.Error("stateless viewmodel implements StateSaver")
	}
}

func TestRestoreStateErrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	m, err := e.Open(ctx, "a.wasm", testbed.Build(t, testbed.CounterSystem("counter-a", 1)))
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close(ctx)
	vm, _ := m.ViewModel()
	r := vm.(modrt.StateRestorer)

	if err := r.RestoreState(ctx, []byte{0xc1}); errors.KindOf(err) != errors.KindInvalidData {
		t.Errorf("garbage err = %v", err)
	}
	empty, _ := msgpack.Marshal(&snapshot{Globals: map[string]uint64{}})
	if err := r.RestoreState(ctx, empty); errors.KindOf(err) != errors.KindInvalidData {
		t.Errorf("missing global err = %v", err)
	}
}

func TestMemoryState(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	spec := testbed.CounterSystem("counter-mem", 1)
	spec.MemoryPages = 1
	spec.PersistMemory = true
	spec.Methods = append(spec.Methods,
		artifact.Method{Name: "poke", Params: 1, Body: artifact.MustAssemble("i32.const 16; local.get 0; i64.store")},
		artifact.Method{Name: "peek", Results: 1, Body: artifact.MustAssemble("i32.const 16; i64.load")},
	)
	bin := testbed.Build(t, spec)

	m1, err := e.Open(ctx, "m1.wasm", bin)
	if err != nil {
		t.Fatal(err)
	}
	defer m1.Close(ctx)
	vm1, _ := m1.ViewModel()
	if _, err := vm1.(modrt.Invoker).Call(ctx, "poke", 0xBEEF); err != nil {
		t.Fatal(err)
	}
	state, err := vm1.(modrt.StateSaver).SaveState(ctx)
	if err != nil {
		t.Fatal(err)
	}

	m2, err := e.Open(ctx, "m2.wasm", bin)
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close(ctx)
	vm2, _ := m2.ViewModel()
	if err := vm2.(modrt.StateRestorer).RestoreState(ctx, state); err != nil {
		t.Fatal(err)
	}
	out, err := vm2.(modrt.Invoker).Call(ctx, "peek")
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != 0xBEEF {
		t.Errorf("peek = %#x, want 0xbeef", out[0])
	}
}

func TestCallErrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	m, err := e.Open(ctx, "a.wasm", testbed.Build(t, testbed.CounterSystem("counter-a", 1)))
	if err != nil {
		t.Fatal(err)
	}
	vm, _ := m.ViewModel()
	inv := vm.(modrt.Invoker)

	if _, err := inv.Call(ctx, "nope"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unknown method err = %v", err)
	}
	if _, err := inv.Call(ctx, "add"); errors.KindOf(err) != errors.KindInvalidInput {
		t.Errorf("arity err = %v", err)
	}

	released := 0
	vm.(*StatefulViewModel).OnRelease(func() error { released++; return nil })
	if err := vm.(modrt.Releaser).Release(); err != nil {
		t.Fatal(err)
	}
	_ = vm.(modrt.Releaser).Release()
	if released != 1 {
		t.Errorf("release hook ran %d times", released)
	}
	if _, err := inv.Call(ctx, "get"); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("call after release err = %v", err)
	}

	vm2, _ := m.ViewModel()
	if _, err := vm2.(modrt.Invoker).Call(ctx, "get"); err != nil {
		t.Errorf("fresh handle on open module: %v", err)
	}
	if err := m.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := vm2.(modrt.Invoker).Call(ctx, "get"); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("call after close err = %v", err)
	}
	if e.OpenModules() != 0 {
		t.Errorf("OpenModules = %d after close", e.OpenModules())
	}
}

func TestCloseWaitsForCalls(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	m, err := e.Open(ctx, "a.wasm", testbed.Build(t, testbed.CounterSystem("counter-a", 1)))
	if err != nil {
		t.Fatal(err)
	}
	vm, _ := m.ViewModel()
	inv := vm.(modrt.Invoker)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, err := inv.Call(ctx, "add", 1)
				if err != nil && !errors.Is(err, errors.ErrClosed) {
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}()
	}
	if err := m.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()
}

func TestOpenErrors(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)

	withBadConst := testbed.Build(t, testbed.CounterSystem("x", 1))
	// Patch the descriptor's api tag without touching the exported constant.
	badDesc := testbed.CounterSystem("x", 1)
	badDesc.APIVersion++
	mismatched := spliceDescriptor(t, withBadConst, badDesc)

	missingMethod := testbed.CounterSystem("x", 1)
	missingBin := testbed.Build(t, missingMethod)
	extra := testbed.CounterSystem("x", 1)
	extra.Methods = append(extra.Methods, artifact.Method{Name: "gone", Results: 1, Body: artifact.MustAssemble("i64.const 0")})
	missingBin = spliceDescriptor(t, missingBin, extra)

	tests := []struct {
		name string
		bin  []byte
		kind errors.Kind
	}{
		{"garbage", []byte("not wasm"), errors.KindOpenFailed},
		{"descriptor disagrees with export", mismatched, errors.KindSymbolInvalid},
		{"declared method not exported", missingBin, errors.KindSymbolInvalid},
		{"no descriptor", stripDescriptor(testbed.Build(t, testbed.CounterSystem("x", 1))), errors.KindSymbolInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := e.Open(ctx, tt.name, tt.bin)
			if err == nil {
				m.Close(ctx)
				t.Fatal("expected error")
			}
			if got := errors.KindOf(err); got != tt.kind {
				t.Errorf("kind = %q, want %q (%v)", got, tt.kind, err)
			}
		})
	}
	if e.OpenModules() != 0 {
		t.Errorf("failed opens left %d modules", e.OpenModules())
	}
}

// stripDescriptor drops the trailing custom section Build appends.
func stripDescriptor(bin []byte) []byte {
	pos := 8
	last := -1
	for pos < len(bin) {
		start := pos
		pos++
		size, n := artifact.DecodeULEB128(bin[pos:])
		pos += n + int(size)
		if bin[start] == 0x00 {
			last = start
		}
	}
	if last < 0 {
		return bin
	}
	return append([]byte(nil), bin[:last]...)
}

// spliceDescriptor replaces the descriptor section of bin with the one
// spec would produce.
func spliceDescriptor(t *testing.T, bin []byte, spec *artifact.Spec) []byte {
	t.Helper()
	payload, err := spec.Descriptor().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	name := artifact.SectionDescriptor
	var body []byte
	body = append(body, artifact.EncodeULEB128(uint32(len(name)))...)
	body = append(body, name...)
	body = append(body, payload...)

	out := stripDescriptor(bin)
	out = append(out, 0x00)
	out = append(out, artifact.EncodeULEB128(uint32(len(body)))...)
	return append(out, body...)
}
