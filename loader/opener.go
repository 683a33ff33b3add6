package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/engine"
	"github.com/wippyai/module-runtime/errors"
)

// Opener opens one kind of artifact and returns its export table. Close in
// the returned table, if set, is called when the artifact's last holder
// releases it.
type Opener interface {
	Match(path string) bool
	Open(ctx context.Context, path string) (*modrt.Export, error)
}

// WasmOpener opens WebAssembly artifacts with an engine.
type WasmOpener struct {
	Engine *engine.Engine
}

func (o *WasmOpener) Match(path string) bool {
	return filepath.Ext(path) == ".wasm"
}

func (o *WasmOpener) Open(ctx context.Context, path string) (*modrt.Export, error) {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.OpenFailed(path, err)
	}
	m, err := o.Engine.Open(ctx, path, wasm)
	if err != nil {
		return nil, err
	}

	ex := &modrt.Export{
		Role:     m.Role(),
		Name:     m.Name(),
		Version:  m.Version(),
		Features: m.Descriptor().Features,
		Close:    func() error { return m.Close(context.WithoutCancel(ctx)) },
	}
	switch m.Role() {
	case modrt.RoleCore:
		v, err := m.View()
		if err != nil {
			_ = m.Close(ctx)
			return nil, err
		}
		ex.View = v
		ex.Models = m.Descriptor().ModelInfos()
	default:
		vm, err := m.ViewModel()
		if err != nil {
			_ = m.Close(ctx)
			return nil, err
		}
		ex.ViewModel = vm
	}
	return ex, nil
}

// PluginOpener opens Go plugins. A plugin exports its table as
//
//	var Module = modrt.Export{...}
//
// Go plugins cannot be unloaded; closing only runs Export.Close.
type PluginOpener struct{}

// PluginSymbol is the symbol a Go plugin must export.
const PluginSymbol = "Module"

func (PluginOpener) Match(path string) bool {
	return filepath.Ext(path) == ".so"
}

func (PluginOpener) Open(_ context.Context, path string) (ex *modrt.Export, err error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, errors.OpenFailed(path, err)
	}

	defer func() {
		if r := recover(); r != nil {
			ex, err = nil, errors.SymbolInvalid(PluginSymbol, fmt.Sprintf("panic while reading symbol: %v", r))
		}
	}()

	sym, err := p.Lookup(PluginSymbol)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
			Path(PluginSymbol).Cause(err).Detail("symbol not exported").Build()
	}
	switch v := sym.(type) {
	case *modrt.Export:
		return v, nil
	case **modrt.Export:
		if *v == nil {
			return nil, errors.SymbolInvalid(PluginSymbol, "nil export table")
		}
		return *v, nil
	default:
		return nil, errors.SymbolInvalid(PluginSymbol, fmt.Sprintf("want modrt.Export, got %T", sym))
	}
}

// BuiltinOpener opens artifacts registered with RegisterBuiltin.
type BuiltinOpener struct{}

func (BuiltinOpener) Match(path string) bool {
	return strings.HasPrefix(path, BuiltinPrefix)
}

func (BuiltinOpener) Open(_ context.Context, path string) (ex *modrt.Export, err error) {
	fn, ok := lookupBuiltin(path)
	if !ok {
		return nil, errors.OpenFailed(path, errors.NotFound(errors.PhaseLoad, "builtin", path))
	}

	defer func() {
		if r := recover(); r != nil {
			ex, err = nil, errors.SymbolInvalid(path, fmt.Sprintf("constructor panicked: %v", r))
		}
	}()

	ex, err = fn()
	if err != nil {
		return nil, errors.OpenFailed(path, err)
	}
	if ex == nil {
		return nil, errors.SymbolInvalid(path, "constructor returned no export table")
	}
	return ex, nil
}
