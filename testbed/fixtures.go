// Package testbed provides wasm artifact fixtures and end-to-end tests of
// the runtime. The fixtures are a small counter capability: a Core artifact
// declaring the contract and System artifacts implementing it with a
// persistent i64 counter.
package testbed

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/blang/semver/v4"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/version"
)

// Counter capability constants.
const CounterView = "counter"

var (
	CounterAPI   = version.HashString("counter api: add(n) get() variant()")
	CounterData  = version.HashString("counter data: count i64")
	CounterDataB = version.HashString("counter data: count i64, hits i64")
)

// CounterViewID is the ViewID of the counter capability.
var CounterViewID = modrt.ViewIDOf(CounterView)

func counterMethods() []artifact.MethodDecl {
	return []artifact.MethodDecl{
		{Name: "add", Fragment: "write", Params: 1, Results: 1},
		{Name: "get", Fragment: "read", Results: 1},
		{Name: "variant", Fragment: "read", Results: 1},
	}
}

// CounterCore returns the Core artifact of the counter capability.
func CounterCore() *artifact.Spec {
	s := &artifact.Spec{
		Role:        modrt.RoleCore,
		Name:        "counter",
		Version:     semver.MustParse("1.0.0"),
		View:        CounterView,
		APIVersion:  CounterAPI,
		DataVersion: CounterData,
		Models:      []artifact.ModelDecl{{Name: "tally", Schema: "n: u64, open: bool"}},
		Fragments:   []string{"read", "write"},
	}
	for _, m := range counterMethods() {
		s.Methods = append(s.Methods, artifact.Method{Name: m.Name, Fragment: m.Fragment, Params: m.Params, Results: m.Results})
	}
	return s
}

// CounterSystem returns a stateful System artifact whose variant method
// returns variant, so tests can tell implementations apart.
func CounterSystem(name string, variant int64) *artifact.Spec {
	globals := []string{"count"}
	return &artifact.Spec{
		Role:        modrt.RoleSystem,
		Name:        name,
		Version:     semver.MustParse("1.0.0"),
		View:        CounterView,
		APIVersion:  CounterAPI,
		DataVersion: CounterData,
		Fragments:   []string{"read", "write"},
		Methods: []artifact.Method{
			{
				Name: "add", Fragment: "write", Params: 1, Results: 1,
				Body: artifact.MustAssemble(`
					global.get count
					local.get 0
					i64.add
					global.set count
					global.get count
				`, globals...),
			},
			{
				Name: "get", Fragment: "read", Results: 1,
				Body: artifact.MustAssemble("global.get count", globals...),
			},
			{
				Name: "variant", Fragment: "read", Results: 1,
				Body: artifact.MustAssemble("i64.const " + itoa(variant)),
			},
		},
		Globals: []artifact.Global{{Name: "count", State: true}},
	}
}

// CounterSystemStateless returns a System artifact with no state.
func CounterSystemStateless(name string, variant int64) *artifact.Spec {
	s := CounterSystem(name, variant)
	s.DataVersion = 0
	s.Globals[0].State = false
	return s
}

// Build builds spec or fails the test.
func Build(t testing.TB, spec *artifact.Spec) []byte {
	t.Helper()
	bin, err := artifact.Build(spec)
	if err != nil {
		t.Fatalf("build %s: %v", spec.Name, err)
	}
	return bin
}

// Write builds spec into dir/<file> and returns the path.
func Write(t testing.TB, dir, file string, spec *artifact.Spec) string {
	t.Helper()
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, Build(t, spec), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
