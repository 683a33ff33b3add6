package engine

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/blang/semver/v4"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/artifact"
	"github.com/wippyai/module-runtime/errors"
)

// Module is one opened wasm artifact: its compiled code, its single
// instance and its validated descriptor.
type Module struct {
	engine   *Engine
	compiled wazero.CompiledModule
	instance api.Module
	desc     *artifact.Descriptor
	role     modrt.Role
	version  semver.Version
	name     string
	methods  map[string]api.Function
	globals  map[string]api.MutableGlobal
	callMu   sync.Mutex
	closed   atomic.Bool
}

// Open compiles wasm, validates its symbol contract and instantiates it.
// name labels the artifact in errors and logs.
func (e *Engine) Open(ctx context.Context, name string, wasm []byte) (*Module, error) {
	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.OpenFailed(name, err)
	}

	m, err := e.open1(ctx, name, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	e.open.Add(1)
	Logger().Debug("opened wasm artifact",
		zap.String("path", name),
		zap.String("module", m.desc.Name),
		zap.Stringer("role", m.role),
		zap.Stringer("view", m.desc.ViewIDValue()))
	return m, nil
}

func (e *Engine) open1(ctx context.Context, name string, compiled wazero.CompiledModule) (*Module, error) {
	desc, err := descriptorOf(compiled)
	if err != nil {
		return nil, err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	role, _ := desc.ParsedRole()
	ver, _ := desc.ParsedVersion()

	needData := role == modrt.RoleCore || desc.Stateful()
	if err := checkSignatures(compiled.ExportedFunctions(), desc, role, needData); err != nil {
		return nil, err
	}

	inst, err := e.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(e.instanceName(desc.Name)))
	if err != nil {
		return nil, errors.OpenFailed(name, err)
	}

	m := &Module{
		engine:   e,
		compiled: compiled,
		instance: inst,
		desc:     desc,
		role:     role,
		version:  ver,
		name:     name,
		methods:  make(map[string]api.Function, len(desc.Methods)),
		globals:  make(map[string]api.MutableGlobal),
	}
	if err := m.bindExports(ctx, needData); err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	return m, nil
}

func descriptorOf(compiled wazero.CompiledModule) (*artifact.Descriptor, error) {
	for _, s := range compiled.CustomSections() {
		if s.Name() == artifact.SectionDescriptor {
			return artifact.UnmarshalDescriptor(s.Data())
		}
	}
	return nil, errors.SymbolInvalid(artifact.SectionDescriptor, "custom section missing")
}

// checkSignatures verifies the constant exports and, for implementations,
// every declared method. A Core descriptor's methods describe the contract
// and are not exported.
func checkSignatures(exports map[string]api.FunctionDefinition, desc *artifact.Descriptor, role modrt.Role, needData bool) error {
	consts := []string{artifact.ExportViewID, artifact.ExportAPIVersion}
	if needData {
		consts = append(consts, artifact.ExportDataVersion)
	}
	for _, c := range consts {
		if err := checkSignature(exports, c, 0, 1); err != nil {
			return err
		}
	}
	if role == modrt.RoleCore {
		return nil
	}
	for _, m := range desc.Methods {
		if err := checkSignature(exports, m.Name, m.Params, m.Results); err != nil {
			return err
		}
	}
	return nil
}

func checkSignature(exports map[string]api.FunctionDefinition, name string, params, results int) error {
	def, ok := exports[name]
	if !ok {
		return errors.SymbolInvalid(name, "function not exported")
	}
	if !allI64(def.ParamTypes(), params) || !allI64(def.ResultTypes(), results) {
		return errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
			Path(name).
			Detail("want %s, got %s", signature(params, results), signatureOf(def)).
			Build()
	}
	return nil
}

func allI64(types []api.ValueType, n int) bool {
	if len(types) != n {
		return false
	}
	return !slices.ContainsFunc(types, func(t api.ValueType) bool { return t != api.ValueTypeI64 })
}

// bindExports resolves method and global handles and checks the constant
// exports against the descriptor.
func (m *Module) bindExports(ctx context.Context, needData bool) error {
	want := map[string]uint64{
		artifact.ExportViewID:     m.desc.ViewID,
		artifact.ExportAPIVersion: m.desc.APIVersion,
	}
	if needData {
		want[artifact.ExportDataVersion] = m.desc.DataVersion
	}
	for name, expected := range want {
		out, err := m.instance.ExportedFunction(name).Call(ctx)
		if err != nil {
			return errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
				Path(name).Cause(err).Detail("constant export trapped").Build()
		}
		if out[0] != expected {
			return errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
				Path(name).Value(out[0]).
				Detail("export returns %#016x, descriptor says %#016x", out[0], expected).
				Build()
		}
	}

	if m.role != modrt.RoleCore {
		for _, md := range m.desc.Methods {
			m.methods[md.Name] = m.instance.ExportedFunction(md.Name)
		}
	}

	if m.desc.State != nil {
		for _, g := range m.desc.State.Globals {
			exported := m.instance.ExportedGlobal(g)
			if exported == nil {
				return errors.SymbolInvalid(g, "state global not exported")
			}
			mg, ok := exported.(api.MutableGlobal)
			if !ok || exported.Type() != api.ValueTypeI64 {
				return errors.SymbolInvalid(g, "state global must be a mutable i64")
			}
			m.globals[g] = mg
		}
		if m.desc.State.Memory && m.instance.Memory() == nil {
			return errors.SymbolInvalid(artifact.ExportMemory, "state memory not exported")
		}
	}
	return nil
}

// Descriptor returns the artifact's descriptor.
func (m *Module) Descriptor() *artifact.Descriptor { return m.desc }

// Role returns the declared role.
func (m *Module) Role() modrt.Role { return m.role }

// Version returns the declared module version.
func (m *Module) Version() semver.Version { return m.version }

// Name returns the declared module name.
func (m *Module) Name() string { return m.desc.Name }

// View returns the View published by a Core artifact.
func (m *Module) View() (modrt.View, error) {
	if m.role != modrt.RoleCore {
		return nil, errors.SymbolInvalid(artifact.SectionDescriptor, m.role.String()+" artifact has no view")
	}
	return &View{desc: m.desc}, nil
}

// ViewModel returns a new handle to the implementation in a System
// artifact. Stateful artifacts yield a value that also implements
// modrt.StateSaver and modrt.StateRestorer.
func (m *Module) ViewModel() (modrt.ViewModel, error) {
	if m.role != modrt.RoleSystem && m.role != modrt.RolePlugin {
		return nil, errors.SymbolInvalid(artifact.SectionDescriptor, m.role.String()+" artifact has no viewmodel")
	}
	vm := &ViewModel{module: m}
	if m.desc.Stateful() {
		return &StatefulViewModel{ViewModel: vm}, nil
	}
	return vm, nil
}

// call runs one exported method with calls serialized per instance.
func (m *Module) call(ctx context.Context, method string, args []uint64) ([]uint64, error) {
	fn, ok := m.methods[method]
	if !ok {
		return nil, errors.NotFound(errors.PhaseCall, "method", method)
	}
	md := m.methodDecl(method)
	if len(args) != md.Params {
		return nil, errors.New(errors.PhaseCall, errors.KindInvalidInput).
			Path(method).Detail("want %d arguments, got %d", md.Params, len(args)).Build()
	}

	m.callMu.Lock()
	defer m.callMu.Unlock()
	if m.closed.Load() {
		return nil, errors.Closed(errors.PhaseCall, "module "+m.desc.Name)
	}

	out, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, errors.New(errors.PhaseCall, errors.KindFailed).
			Path(method).Cause(err).Detail("guest call").Build()
	}
	return out, nil
}

func (m *Module) methodDecl(name string) artifact.MethodDecl {
	for _, md := range m.desc.Methods {
		if md.Name == name {
			return md
		}
	}
	return artifact.MethodDecl{}
}

// Close tears down the instance and the compiled code once the call in
// progress, if any, has returned. Further calls fail with KindClosed.
func (m *Module) Close(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.callMu.Lock()
	defer m.callMu.Unlock()

	m.engine.open.Add(-1)
	Logger().Debug("closing wasm artifact", zap.String("module", m.desc.Name))

	var firstErr error
	if err := m.instance.Close(ctx); err != nil {
		firstErr = err
	}
	if err := m.compiled.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
