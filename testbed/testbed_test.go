package testbed_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/runtime"
	"github.com/wippyai/module-runtime/testbed"
)

func TestFixturesDescribeThemselves(t *testing.T) {
	tests := []struct {
		name     string
		spec     *artifact.Spec
		role     string
		stateful bool
	}{
		{"core", testbed.CounterCore(), "core", false},
		{"system", testbed.CounterSystem("s", 1), "system", true},
		{"stateless", testbed.CounterSystemStateless("s", 1), "system", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := artifact.ReadDescriptor(testbed.Build(t, tt.spec))
			if err != nil {
				t.Fatal(err)
			}
			if d.Role != tt.role || d.Stateful() != tt.stateful {
				t.Errorf("descriptor = %+v", d)
			}
			if d.ViewIDValue() != testbed.CounterViewID || d.APITag() != testbed.CounterAPI {
				t.Errorf("ids = %s %s", d.ViewIDValue(), d.APITag())
			}
		})
	}
}

// Swapping into a stateless System drops the count; swapping back starts
// from zero.
func TestStatelessSwap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testbed.Write(t, dir, "counter.wasm", testbed.CounterCore())
	testbed.Write(t, dir, "full.wasm", testbed.CounterSystem("full", 1))
	testbed.Write(t, dir, "lite.wasm", testbed.CounterSystemStateless("lite", 2))

	rt, err := runtime.New(ctx, runtime.WithSearchPaths(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)

	if _, err := rt.LoadCore(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.LoadSystem(ctx, "full"); err != nil {
		t.Fatal(err)
	}
	invoke(t, rt, "add", 6)

	if _, err := rt.LoadSystem(ctx, "lite"); err != nil {
		t.Fatalf("swap to stateless: %v", err)
	}
	if _, err := runtime.ViewModelAs[modrt.StateSaver](rt, testbed.CounterViewID); err == nil {
		t.Error("stateless system saves state")
	}
	if _, err := rt.LoadSystem(ctx, "full"); err != nil {
		t.Fatalf("swap back: %v", err)
	}
	if got := invoke(t, rt, "get"); got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func invoke(t *testing.T, rt *runtime.Runtime, method string, args ...uint64) uint64 {
	t.Helper()
	inv, err := runtime.ViewModelAs[modrt.Invoker](rt, testbed.CounterViewID)
	if err != nil {
		t.Fatal(err)
	}
	out, err := inv.Call(context.Background(), method, args...)
	if err != nil {
		t.Fatal(err)
	}
	return out[0]
}

// Callers hold a viewmodel across calls and look it up again only when it
// was released under them. Reloads run concurrently; every call either
// succeeds or reports the released viewmodel as closed.
func TestCallersDuringReloads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	testbed.Write(t, dir, "counter.wasm", testbed.CounterCore())
	testbed.Write(t, dir, "counter-wasm.wasm", testbed.CounterSystem("counter-wasm", 0))

	rt, err := runtime.New(ctx, runtime.WithSearchPaths(dir))
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close(ctx)
	if _, err := rt.LoadCore(ctx, "counter"); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.LoadSystem(ctx, "counter-wasm"); err != nil {
		t.Fatal(err)
	}

	const (
		callers = 8
		reloads = 20
	)
	var stop atomic.Bool
	var calls, stale atomic.Int64
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var inv modrt.Invoker
			for !stop.Load() {
				if inv == nil {
					var err error
					inv, err = runtime.ViewModelAs[modrt.Invoker](rt, testbed.CounterViewID)
					if err != nil {
						t.Errorf("lookup: %v", err)
						return
					}
				}
				_, err := inv.Call(ctx, "add", 1)
				switch {
				case err == nil:
					calls.Add(1)
				case errors.Is(err, errors.ErrClosed):
					stale.Add(1)
					inv = nil
				default:
					t.Errorf("call: %v", err)
					return
				}
			}
		}()
	}

	for i := 1; i <= reloads; i++ {
		testbed.Write(t, dir, "counter-wasm.wasm", testbed.CounterSystem("counter-wasm", int64(i)))
		if _, err := rt.Reload(ctx, "counter-wasm"); err != nil {
			t.Fatalf("reload %d: %v", i, err)
		}
	}
	stop.Store(true)
	wg.Wait()

	if got := invoke(t, rt, "variant"); got != reloads {
		t.Errorf("variant = %d, want %d", got, reloads)
	}
	if calls.Load() == 0 {
		t.Error("no call succeeded")
	}
	if count := invoke(t, rt, "get"); int64(count) > calls.Load() {
		t.Errorf("count = %d with %d successful calls", count, calls.Load())
	}
	if n := rt.Loader().Engine().OpenModules(); n != 2 {
		t.Errorf("open instances = %d, want 2", n)
	}
	info, _ := rt.Module("counter-wasm")
	if info.Reloads != reloads {
		t.Errorf("reloads = %d", info.Reloads)
	}
	t.Logf("%d calls, %d stale lookups", calls.Load(), stale.Load())
}
