package loader

import (
	"slices"
	"strings"
	"sync"

	modrt "github.com/wippyai/module-runtime"
)

// BuiltinPrefix marks a builtin artifact path.
const BuiltinPrefix = "builtin:"

// Constructor builds the export table of a builtin artifact. It is called
// on every load so each load gets fresh objects.
type Constructor func() (*modrt.Export, error)

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]Constructor)
)

// RegisterBuiltin makes a module compiled into the binary loadable as
// "builtin:<name>". It panics if name is empty or already registered,
// like database/sql.Register; call it from init.
func RegisterBuiltin(name string, fn Constructor) {
	if name == "" || fn == nil {
		panic("loader: RegisterBuiltin with empty name or nil constructor")
	}
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	if _, dup := builtins[name]; dup {
		panic("loader: builtin " + name + " registered twice")
	}
	builtins[name] = fn
}

// Builtins lists registered builtin names in order.
func Builtins() []string {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func lookupBuiltin(name string) (Constructor, bool) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	fn, ok := builtins[strings.TrimPrefix(name, BuiltinPrefix)]
	return fn, ok
}
