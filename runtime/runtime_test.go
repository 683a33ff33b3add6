package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver/v4"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/loader"
	"github.com/wippyai/module-runtime/manifest"
	"github.com/wippyai/module-runtime/reload"
	"github.com/wippyai/module-runtime/schema"
	"github.com/wippyai/module-runtime/testbed"
)

func newRuntime(t *testing.T, dir string, opts ...Option) *Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := New(ctx, append([]Option{WithSearchPaths(dir)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close(ctx) })
	return rt
}

func counterDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	testbed.Write(t, dir, "counter.wasm", testbed.CounterCore())
	testbed.Write(t, dir, "counter-a.wasm", testbed.CounterSystem("counter-a", 1))
	b := testbed.CounterSystem("counter-b", 2)
	b.Version = semver.MustParse("2.0.0")
	testbed.Write(t, dir, "counter-b.wasm", b)
	return dir
}

func call(t *testing.T, rt *Runtime, method string, args ...uint64) uint64 {
	t.Helper()
	inv, err := ViewModelAs[modrt.Invoker](rt, testbed.CounterViewID)
	if err != nil {
		t.Fatalf("ViewModelAs: %v", err)
	}
	out, err := inv.Call(context.Background(), method, args...)
	if err != nil {
		t.Fatalf("Call(%s): %v", method, err)
	}
	return out[0]
}

func load(t *testing.T, rt *Runtime, system string) {
	t.Helper()
	ctx := context.Background()
	if _, err := rt.LoadCore(ctx, "counter"); err != nil {
		t.Fatalf("LoadCore: %v", err)
	}
	if _, err := rt.LoadSystem(ctx, system); err != nil {
		t.Fatalf("LoadSystem: %v", err)
	}
}

func TestLoadAndSwap(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, counterDir(t))

	core, err := rt.LoadCore(ctx, "counter")
	if err != nil {
		t.Fatalf("LoadCore: %v", err)
	}
	if core.State != Loaded || core.ViewID != testbed.CounterViewID {
		t.Errorf("core = %+v", core)
	}

	p, ok := rt.Registry().Pool(testbed.CounterViewID, modrt.ModelTypeOf(testbed.CounterView, "tally"))
	if !ok {
		t.Fatal("tally pool not registered")
	}
	id := p.CreateOrRecycle()
	m, _ := p.Get(id)
	if err := m.(*schema.Record).Set("n", uint64(3)); err != nil {
		t.Errorf("record Set: %v", err)
	}

	sys, err := rt.LoadSystem(ctx, "counter-a")
	if err != nil {
		t.Fatalf("LoadSystem: %v", err)
	}
	if sys.State != Bound {
		t.Errorf("system state = %v", sys.State)
	}
	if got := call(t, rt, "add", 5); got != 5 {
		t.Errorf("add = %d, want 5", got)
	}

	if _, err := rt.LoadSystem(ctx, "counter-b"); err != nil {
		t.Fatalf("LoadSystem b: %v", err)
	}
	if got := call(t, rt, "variant"); got != 2 {
		t.Errorf("variant = %d, want 2", got)
	}
	if got := call(t, rt, "get"); got != 5 {
		t.Errorf("count after swap = %d, want 5", got)
	}

	if _, ok := rt.Module("counter-a"); ok {
		t.Error("replaced system still listed")
	}
	if n := rt.Loader().Engine().OpenModules(); n != 2 {
		t.Errorf("open instances = %d, want 2", n)
	}

	s := rt.Stats()
	if s.Modules != 2 || s.Loaded != 1 || s.Bound != 1 || s.Registry.Pools != 1 || s.Registry.ActiveModels != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestReload(t *testing.T) {
	ctx := context.Background()
	dir := counterDir(t)
	rt := newRuntime(t, dir)
	load(t, rt, "counter-a")
	call(t, rt, "add", 4)

	testbed.Write(t, dir, "counter-a.wasm", testbed.CounterSystem("counter-a", 7))
	info, err := rt.Reload(ctx, "counter-a")
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if info.Reloads != 1 || info.State != Bound {
		t.Errorf("info = %+v", info)
	}
	if got := call(t, rt, "variant"); got != 7 {
		t.Errorf("variant = %d, want 7", got)
	}
	if got := call(t, rt, "get"); got != 4 {
		t.Errorf("count = %d, want 4", got)
	}
	if n := rt.Loader().Engine().OpenModules(); n != 2 {
		t.Errorf("open instances = %d, want 2", n)
	}

	// Loading an already loaded System reloads it.
	info, err = rt.LoadSystem(ctx, "counter-a")
	if err != nil || info.Reloads != 2 {
		t.Errorf("LoadSystem again = %+v, %v", info, err)
	}
}

func TestReloadFailureKeepsOld(t *testing.T) {
	tests := []struct {
		name    string
		rewrite func(t *testing.T, dir string)
		cause   error
	}{
		{
			name: "garbage artifact",
			rewrite: func(t *testing.T, dir string) {
				if err := os.WriteFile(filepath.Join(dir, "counter-a.wasm"), []byte("\x00asm garbage"), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			cause: errors.ErrOpenFailed,
		},
		{
			name: "data layout changed",
			rewrite: func(t *testing.T, dir string) {
				s := testbed.CounterSystem("counter-a", 3)
				s.DataVersion = testbed.CounterDataB
				testbed.Write(t, dir, "counter-a.wasm", s)
			},
			cause: errors.ErrDataVersionMismatch,
		},
		{
			name: "api changed",
			rewrite: func(t *testing.T, dir string) {
				s := testbed.CounterSystem("counter-a", 3)
				s.APIVersion = testbed.CounterData
				testbed.Write(t, dir, "counter-a.wasm", s)
			},
			cause: errors.ErrAPIVersionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := counterDir(t)
			rt := newRuntime(t, dir)
			load(t, rt, "counter-a")
			call(t, rt, "add", 9)

			tt.rewrite(t, dir)
			_, err := rt.Reload(ctx, "counter-a")
			if !errors.Is(err, errors.ErrFailed) || !errors.Is(err, tt.cause) {
				t.Fatalf("err = %v, want failed with %v", err, tt.cause)
			}

			if got := call(t, rt, "get"); got != 9 {
				t.Errorf("count = %d, want 9", got)
			}
			if got := call(t, rt, "add", 1); got != 10 {
				t.Errorf("add = %d, want 10", got)
			}
			info, _ := rt.Module("counter-a")
			if info.State != Bound || info.Err == nil {
				t.Errorf("info = %+v", info)
			}
			if n := rt.Loader().Engine().OpenModules(); n != 2 {
				t.Errorf("open instances = %d, want 2", n)
			}
		})
	}
}

func TestStatePersistsAcrossRuntimes(t *testing.T) {
	ctx := context.Background()
	dir := counterDir(t)
	statePath := filepath.Join(t.TempDir(), "state.db")

	rt, err := New(ctx, WithSearchPaths(dir), WithStatePath(statePath))
	if err != nil {
		t.Fatal(err)
	}
	load(t, rt, "counter-a")
	call(t, rt, "add", 3)
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rt = newRuntime(t, dir, WithStatePath(statePath))
	load(t, rt, "counter-b")
	if got := call(t, rt, "get"); got != 3 {
		t.Errorf("resumed count = %d, want 3", got)
	}

	entry, err := rt.Store().Get(testbed.CounterViewID)
	if err != nil || entry.Module != "counter-a" {
		t.Errorf("stored entry = %+v, %v", entry, err)
	}
}

func TestBoot(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, counterDir(t))

	app, err := manifest.ParseYAML([]byte(`
name: demo
cores:
  - name: counter
    systems: [counter-b, counter-a]
    version: "<2.0.0"
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := rt.Boot(ctx, app); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := call(t, rt, "variant"); got != 1 {
		t.Errorf("variant = %d, want counter-a", got)
	}
	info, ok := rt.Module("counter-a")
	if !ok || info.State != Bound {
		t.Errorf("counter-a = %+v", info)
	}

	bad := &manifest.App{Name: "x", Cores: []manifest.Core{{Name: "counter", Version: ">=5.0.0"}}}
	rt2 := newRuntime(t, counterDir(t))
	if err := rt2.Boot(ctx, bad); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("Boot without fitting system: err = %v", err)
	}
}

func TestUnload(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, counterDir(t))
	load(t, rt, "counter-a")

	if err := rt.Unload(ctx, "counter"); errors.KindOf(err) != errors.KindBusy {
		t.Errorf("unload bound core: err = %v", err)
	}
	if err := rt.Unload(ctx, "counter-a"); err != nil {
		t.Fatalf("Unload system: %v", err)
	}
	if _, ok := rt.Registry().ViewModel(testbed.CounterViewID); ok {
		t.Error("viewmodel still bound")
	}
	if err := rt.Unload(ctx, "counter"); err != nil {
		t.Fatalf("Unload core: %v", err)
	}
	if n := len(rt.Modules()); n != 0 {
		t.Errorf("%d modules left", n)
	}
	if n := rt.Loader().Engine().OpenModules(); n != 0 {
		t.Errorf("open instances = %d, want 0", n)
	}
	if err := rt.Unload(ctx, "counter"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unload twice: err = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t, counterDir(t))

	if _, err := rt.LoadSystem(ctx, "counter-a"); !errors.Is(err, errors.ErrFailed) {
		t.Errorf("system without core: err = %v", err)
	}
	info, _ := rt.Module("counter-a")
	if info.State != Failed {
		t.Errorf("failed system state = %v", info.State)
	}
	if n := rt.Loader().Engine().OpenModules(); n != 0 {
		t.Errorf("open instances after failure = %d", n)
	}

	if _, err := rt.LoadCore(ctx, "missing"); !errors.Is(err, errors.ErrOpenFailed) {
		t.Errorf("missing core: err = %v", err)
	}
	if _, err := rt.LoadCore(ctx, "counter-a"); !errors.Is(err, errors.ErrSymbolInvalid) {
		t.Errorf("system as core: err = %v", err)
	}
	if _, err := rt.LoadCore(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.LoadCore(ctx, "counter"); !errors.Is(err, errors.ErrAlreadyRegistered) {
		t.Errorf("core twice: err = %v", err)
	}
	if _, err := rt.Reload(ctx, "nothing"); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("reload unknown: err = %v", err)
	}
}

func TestViewModelAs(t *testing.T) {
	rt := newRuntime(t, counterDir(t))
	if _, err := ViewModelAs[modrt.Invoker](rt, testbed.CounterViewID); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("unbound: err = %v", err)
	}
	load(t, rt, "counter-a")
	if _, err := ViewModelAs[interface{ Greet() string }](rt, testbed.CounterViewID); errors.KindOf(err) != errors.KindTypeMismatch {
		t.Errorf("wrong type: err = %v", err)
	}
	if _, err := ViewModelAs[modrt.StateSaver](rt, testbed.CounterViewID); err != nil {
		t.Errorf("stateful viewmodel: %v", err)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx, WithSearchPaths(counterDir(t)))
	if err != nil {
		t.Fatal(err)
	}
	load(t, rt, "counter-a")
	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := rt.Close(ctx); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := rt.LoadCore(ctx, "counter"); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("LoadCore after Close: err = %v", err)
	}
}

func TestWatch(t *testing.T) {
	dir := counterDir(t)

	var mu sync.Mutex
	var bound int
	rt := newRuntime(t, dir,
		WithWatchDebounce(20*time.Millisecond),
		WithObserver(func(tr reload.Transition) {
			if tr.To == reload.Bound {
				mu.Lock()
				bound++
				mu.Unlock()
			}
		}))
	load(t, rt, "counter-a")
	call(t, rt, "add", 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Watch(ctx) }()
	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	testbed.Write(t, dir, "counter-a.wasm", testbed.CounterSystem("counter-a", 9))

	deadline := time.Now().Add(5 * time.Second)
	for call(t, rt, "variant") != 9 {
		if time.Now().After(deadline) {
			t.Fatal("artifact change not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := call(t, rt, "get"); got != 2 {
		t.Errorf("count after hot reload = %d, want 2", got)
	}
	mu.Lock()
	if bound < 2 {
		t.Errorf("observed %d bound transitions, want at least 2", bound)
	}
	mu.Unlock()

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestWatchWithoutSearchPath(t *testing.T) {
	rt := newRuntime(t, filepath.Join(t.TempDir(), "absent"))
	if err := rt.Watch(context.Background()); !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestReloadCoreKeepsModels(t *testing.T) {
	ctx := context.Background()
	dir := counterDir(t)
	rt := newRuntime(t, dir)
	load(t, rt, "counter-a")
	call(t, rt, "add", 4)

	tally := modrt.ModelTypeOf(testbed.CounterView, "tally")
	p, _ := rt.Registry().Pool(testbed.CounterViewID, tally)
	id := p.CreateOrRecycle()
	if err := p.With(id, func(m modrt.Model) error { return m.(*schema.Record).Set("n", uint64(7)) }); err != nil {
		t.Fatal(err)
	}

	next := testbed.CounterCore()
	next.Version = semver.MustParse("1.1.0")
	next.Models = append(next.Models, artifact.ModelDecl{Name: "extra", Schema: "n: u8"})
	testbed.Write(t, dir, "counter.wasm", next)

	info, err := rt.Reload(ctx, "counter")
	if err != nil {
		t.Fatalf("Reload core: %v", err)
	}
	if info.State != Loaded || info.Reloads != 1 || info.Version.String() != "1.1.0" || info.Err != nil {
		t.Errorf("info = %+v", info)
	}

	kept, ok := rt.Registry().Pool(testbed.CounterViewID, tally)
	if !ok || kept != p {
		t.Fatal("tally pool replaced by the reload")
	}
	m, ok := kept.Get(id)
	if !ok {
		t.Fatal("model lost across core reload")
	}
	if n, _ := m.(*schema.Record).Get("n"); n != uint64(7) {
		t.Errorf("model n = %v, want 7", n)
	}
	if _, ok := rt.Registry().Pool(testbed.CounterViewID, modrt.ModelTypeOf(testbed.CounterView, "extra")); !ok {
		t.Error("pool of the new data-kind missing")
	}

	if got := call(t, rt, "add", 1); got != 5 {
		t.Errorf("system after core reload: add = %d, want 5", got)
	}
	if n := rt.Loader().Engine().OpenModules(); n != 2 {
		t.Errorf("open instances = %d, want 2", n)
	}
}

func TestReloadCoreRefused(t *testing.T) {
	tests := []struct {
		name   string
		change func(s *artifact.Spec)
		cause  error
	}{
		{"api changed under bound system", func(s *artifact.Spec) { s.APIVersion = testbed.CounterDataB }, errors.ErrAPIVersionMismatch},
		{"layout changed under bound system", func(s *artifact.Spec) { s.DataVersion = testbed.CounterDataB }, errors.ErrDataVersionMismatch},
		{"different view", func(s *artifact.Spec) { s.View = "counter2" }, &errors.Error{Kind: errors.KindInvalidInput}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			dir := counterDir(t)
			rt := newRuntime(t, dir)
			load(t, rt, "counter-a")
			before, _ := rt.Registry().View(testbed.CounterViewID)

			s := testbed.CounterCore()
			tt.change(s)
			testbed.Write(t, dir, "counter.wasm", s)

			info, err := rt.Reload(ctx, "counter")
			if !errors.Is(err, errors.ErrFailed) || !errors.Is(err, tt.cause) {
				t.Fatalf("err = %v, want failed with %v", err, tt.cause)
			}
			if info.State != Loaded || info.Err == nil || info.Reloads != 0 {
				t.Errorf("info = %+v", info)
			}
			if v, _ := rt.Registry().View(testbed.CounterViewID); v != before {
				t.Error("old view not kept")
			}
			if got := call(t, rt, "add", 2); got != 2 {
				t.Errorf("add = %d, want 2", got)
			}
			if n := rt.Loader().Engine().OpenModules(); n != 2 {
				t.Errorf("open instances = %d, want 2", n)
			}
		})
	}
}

func TestReloadGoPluginUnsupported(t *testing.T) {
	rt := newRuntime(t, t.TempDir())
	mod := &loader.Module{Name: "plug", Path: filepath.Join("modules", "libplug.so"), Role: modrt.RoleSystem}
	e := &entry{mod: mod, info: ModuleInfo{Name: "plug", Path: mod.Path, Role: modrt.RoleSystem, State: Bound}}
	rt.mu.Lock()
	rt.modules["plug"] = e
	rt.mu.Unlock()
	t.Cleanup(func() { rt.forget(e) })

	_, err := rt.Reload(context.Background(), "plug")
	if !errors.Is(err, &errors.Error{Kind: errors.KindUnsupported}) {
		t.Fatalf("err = %v, want unsupported", err)
	}
	if info, _ := rt.Module("plug"); info.State != Bound || info.Reloads != 0 {
		t.Errorf("info = %+v", info)
	}
}

func TestDebouncer(t *testing.T) {
	t.Run("burst fires once", func(t *testing.T) {
		d := newDebouncer(30 * time.Millisecond)
		defer d.stop()
		for range 5 {
			d.touch("a.wasm")
		}
		fired := 0
		timeout := time.After(200 * time.Millisecond)
		for done := false; !done; {
			select {
			case f := <-d.fire:
				if d.due(f) {
					fired++
				}
			case <-timeout:
				done = true
			}
		}
		if fired != 1 {
			t.Errorf("fired %d times, want 1", fired)
		}
	})

	t.Run("unconsumed firing is superseded", func(t *testing.T) {
		d := newDebouncer(time.Millisecond)
		defer d.stop()
		d.touch("a.wasm")
		first := <-d.fire
		d.touch("a.wasm")
		second := <-d.fire

		if d.due(first) {
			t.Error("superseded firing reported due")
		}
		if !d.due(second) {
			t.Error("latest firing not due")
		}
		if d.due(second) {
			t.Error("firing due twice")
		}
	})

	t.Run("paths are independent", func(t *testing.T) {
		d := newDebouncer(time.Millisecond)
		defer d.stop()
		got := map[string]bool{}
		for i := range 2 {
			d.touch(fmt.Sprintf("m%d.wasm", i))
		}
		for range 2 {
			f := <-d.fire
			got[f.path] = d.due(f)
		}
		if !got["m0.wasm"] || !got["m1.wasm"] {
			t.Errorf("due = %v", got)
		}
	})
}
