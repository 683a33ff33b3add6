package runtime

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/blang/semver/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/binding"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/loader"
	"github.com/wippyai/module-runtime/reload"
	"github.com/wippyai/module-runtime/version"
)

// ModuleState is the lifecycle state of a module.
type ModuleState int

const (
	Loading ModuleState = iota
	Loaded
	Bound
	Reloading
	Failed
)

func (s ModuleState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Bound:
		return "bound"
	case Reloading:
		return "reloading"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ModuleInfo describes a module known to the runtime. A Core is Loaded once
// its view is registered; a System is Bound while its viewmodel is. A
// System whose reload failed stays Bound with Err set, since the previous
// load keeps serving.
type ModuleInfo struct {
	Name     string
	Path     string
	Role     modrt.Role
	Version  semver.Version
	Features []string
	ViewID   modrt.ViewID
	State    ModuleState
	Err      error
	LoadedAt time.Time
	Reloads  int
}

type entry struct {
	info ModuleInfo
	mod  *loader.Module
}

func (e *entry) live() bool { return e.mod != nil }

// Modules lists every known module by name.
func (r *Runtime) Modules() []ModuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ModuleInfo, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, e.info)
	}
	slices.SortFunc(out, func(a, b ModuleInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Module returns the module named name.
func (r *Runtime) Module(name string) (ModuleInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[name]
	if !ok {
		return ModuleInfo{}, false
	}
	return e.info, true
}

func (r *Runtime) lookup(name string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[name]
	return e, ok
}

func (r *Runtime) snapshot() []*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entry, 0, len(r.modules))
	for _, e := range r.modules {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *entry) int { return strings.Compare(a.info.Name, b.info.Name) })
	return out
}

// pending records a load in progress under the requested name unless a
// live module already holds it.
func (r *Runtime) pending(name string, role modrt.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.modules[name]; ok && e.live() {
		return
	}
	r.modules[name] = &entry{info: ModuleInfo{Name: name, Role: role, State: Loading}}
}

// failed records err against name and returns it. A live module keeps its
// state.
func (r *Runtime) failed(name string, err error) (ModuleInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.modules[name]
	if !ok {
		e = &entry{info: ModuleInfo{Name: name}}
		r.modules[name] = e
	}
	e.info.Err = err
	if !e.live() {
		e.info.State = Failed
	}
	return e.info, err
}

// commit publishes a loaded module under its declared name.
func (r *Runtime) commit(requested string, m *loader.Module, state ModuleState) ModuleInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.modules[requested]; ok && !e.live() {
		delete(r.modules, requested)
	}
	e := &entry{mod: m, info: infoOf(m, state)}
	r.modules[m.Name] = e
	return e.info
}

func infoOf(m *loader.Module, state ModuleState) ModuleInfo {
	return ModuleInfo{
		Name:     m.Name,
		Path:     m.Path,
		Role:     m.Role,
		Version:  m.Version,
		Features: m.Features,
		ViewID:   m.ViewID,
		State:    state,
		LoadedAt: time.Now(),
	}
}

// LoadCore loads a Core artifact, registers its view and creates a pool
// per declared model type.
func (r *Runtime) LoadCore(ctx context.Context, name string) (ModuleInfo, error) {
	if err := r.checkOpen(); err != nil {
		return ModuleInfo{}, err
	}
	if e, ok := r.lookup(name); ok && e.live() {
		return e.info, errors.AlreadyRegistered(errors.PhaseRuntime, "module", stringer(name))
	}
	r.pending(name, modrt.RoleCore)

	m, err := r.loader.Load(ctx, name, modrt.RoleCore)
	if err != nil {
		return r.failed(name, err)
	}
	if err := r.registerCore(m); err != nil {
		_ = m.Discard()
		return r.failed(name, err)
	}
	r.logger.Info("core loaded", zap.String("module", m.Name), zap.Stringer("view", m.ViewID))
	return r.commit(name, m, Loaded), nil
}

func (r *Runtime) registerCore(m *loader.Module) error {
	if err := r.registry.RegisterView(m.View); err != nil {
		return err
	}
	for _, info := range m.Models {
		if _, err := r.registry.RegisterPool(m.ViewID, info); err != nil {
			_ = r.registry.UnregisterView(m.ViewID)
			return err
		}
	}
	return nil
}

// LoadSystem loads a System artifact and binds its viewmodel. If the
// capability already has a bound viewmodel it is replaced through the
// reload sequence and its state carried over; otherwise persisted state,
// when present and of the same layout, seeds the new viewmodel. Loading a
// System that is already loaded reloads it.
func (r *Runtime) LoadSystem(ctx context.Context, name string) (ModuleInfo, error) {
	if err := r.checkOpen(); err != nil {
		return ModuleInfo{}, err
	}
	if e, ok := r.lookup(name); ok && e.live() {
		if e.info.Role == modrt.RoleCore {
			return e.info, errors.InvalidInput(errors.PhaseRuntime, name+" is a core module")
		}
		return r.Reload(ctx, name)
	}
	r.pending(name, modrt.RoleSystem)

	m, err := r.loader.Load(ctx, name, modrt.RoleSystem)
	if err != nil {
		return r.failed(name, err)
	}
	taken := false
	res, err := r.seq.Swap(ctx, m.ViewID, func(context.Context) (*reload.Candidate, error) {
		taken = true
		return r.candidate(m), nil
	})
	if err != nil {
		if !taken {
			_ = m.Discard()
		}
		return r.failed(name, err)
	}
	if res.Old != nil {
		r.retire(res.Old)
	}
	return r.commit(name, m, Bound), nil
}

// Reload replaces the module named name with a fresh load of its
// artifact. A System goes through the reload sequence with its state
// carried over; a Core has its view replaced in place, keeping its pools.
// Go plugins cannot be reloaded.
func (r *Runtime) Reload(ctx context.Context, name string) (ModuleInfo, error) {
	if err := r.checkOpen(); err != nil {
		return ModuleInfo{}, err
	}
	e, ok := r.lookup(name)
	if !ok || !e.live() {
		return ModuleInfo{}, errors.NotFound(errors.PhaseRuntime, "module", name)
	}
	if !r.loader.Reloadable(e.info.Path) {
		return e.info, errors.Unsupported(errors.PhaseRuntime, "reloading "+name+": "+e.info.Path+" cannot be opened afresh")
	}
	if e.info.Role == modrt.RoleCore {
		return r.reloadCore(ctx, e)
	}

	r.mu.Lock()
	e.info.State = Reloading
	view, path, prev := e.info.ViewID, e.info.Path, e.mod
	r.mu.Unlock()

	var next *loader.Module
	_, err := r.seq.Swap(ctx, view, func(ctx context.Context) (*reload.Candidate, error) {
		m, err := r.loader.Load(ctx, path, modrt.RoleSystem)
		if err != nil {
			return nil, err
		}
		next = m
		return r.candidate(m), nil
	})

	r.mu.Lock()
	if err != nil {
		e.info.Err = err
		e.info.State = Bound
		if vm, ok := r.registry.ViewModel(view); !ok || vm != prev.ViewModel {
			e.info.State = Failed
		}
		info := e.info
		r.mu.Unlock()
		return info, err
	}
	info := r.replaced(e, name, next, Bound)
	r.mu.Unlock()

	r.release(name, prev)
	r.logger.Info("system reloaded", zap.String("module", info.Name), zap.Int("reloads", info.Reloads))
	return info, nil
}

// reloadCore loads the Core artifact again and swaps its view in place.
// On failure the previous view stays registered.
func (r *Runtime) reloadCore(ctx context.Context, e *entry) (ModuleInfo, error) {
	r.mu.Lock()
	e.info.State = Reloading
	name, view, path, prev := e.info.Name, e.info.ViewID, e.info.Path, e.mod
	r.mu.Unlock()

	next, err := r.loader.Load(ctx, path, modrt.RoleCore)
	switch {
	case err != nil:
		err = errors.Failed(reload.Loading.String(), err)
	case next.ViewID != view:
		_ = next.Discard()
		err = errors.Failed(reload.Binding.String(), errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Detail("artifact now declares view %s, was %s", next.ViewID, view).Build())
	default:
		if _, rerr := r.registry.ReplaceView(next.View, next.Models); rerr != nil {
			_ = next.Discard()
			err = errors.Failed(reload.Binding.String(), rerr)
		}
	}

	r.mu.Lock()
	if err != nil {
		e.info.Err = err
		e.info.State = Loaded
		info := e.info
		r.mu.Unlock()
		r.logger.Warn("core reload failed", zap.String("module", name), zap.Error(err))
		return info, err
	}
	info := r.replaced(e, name, next, Loaded)
	r.mu.Unlock()

	r.release(name, prev)
	r.logger.Info("core reloaded", zap.String("module", info.Name), zap.Int("reloads", info.Reloads))
	return info, nil
}

// replaced points e at next after a successful reload. r.mu must be held.
func (r *Runtime) replaced(e *entry, name string, next *loader.Module, state ModuleState) ModuleInfo {
	reloads := e.info.Reloads + 1
	e.mod = next
	e.info = infoOf(next, state)
	e.info.Reloads = reloads
	if next.Name != name {
		delete(r.modules, name)
		r.modules[next.Name] = e
	}
	return e.info
}

func (r *Runtime) release(name string, prev *loader.Module) {
	if err := prev.Release(); err != nil {
		r.logger.Warn("release replaced module", zap.String("module", name), zap.Error(err))
	}
}

// candidate wraps a loaded System for the sequencer.
func (r *Runtime) candidate(m *loader.Module) *reload.Candidate {
	return &reload.Candidate{
		ViewModel: m.ViewModel,
		Name:      m.Name,
		Discard:   m.Discard,
		Seed:      r.seed(m.ViewID),
	}
}

func (r *Runtime) seed(view modrt.ViewID) []byte {
	if r.store == nil {
		return nil
	}
	e, err := r.store.Get(view)
	if err != nil {
		if !errors.Is(err, errors.ErrNotFound) {
			r.logger.Warn("read persisted state", zap.Stringer("view", view), zap.Error(err))
		}
		return nil
	}
	return e.Sealed
}

// retire drops the module whose viewmodel the registry just replaced. The
// registry already released the viewmodel's hold.
func (r *Runtime) retire(old modrt.ViewModel) {
	r.mu.Lock()
	var victim *entry
	for name, e := range r.modules {
		if e.live() && e.info.Role != modrt.RoleCore && e.mod.ViewModel == old {
			victim = e
			delete(r.modules, name)
			break
		}
	}
	r.mu.Unlock()
	if victim == nil {
		return
	}
	if err := victim.mod.Release(); err != nil {
		r.logger.Warn("release replaced module", zap.String("module", victim.info.Name), zap.Error(err))
	}
	r.logger.Info("system replaced", zap.String("module", victim.info.Name))
}

// Unload removes a module. A System's state is checkpointed first and its
// viewmodel unbound; a Core can only be unloaded once its capability has
// no bound viewmodel.
func (r *Runtime) Unload(ctx context.Context, name string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	e, ok := r.lookup(name)
	if !ok {
		return errors.NotFound(errors.PhaseRuntime, "module", name)
	}
	if e.live() && e.info.Role != modrt.RoleCore && r.store != nil {
		if err := r.checkpoint(ctx, e); err != nil {
			r.logger.Warn("checkpoint before unload", zap.String("module", name), zap.Error(err))
		}
	}
	return r.drop(e)
}

func (r *Runtime) drop(e *entry) error {
	if !e.live() {
		r.forget(e)
		return nil
	}
	switch e.info.Role {
	case modrt.RoleCore:
		if err := r.registry.UnregisterView(e.info.ViewID); err != nil {
			return err
		}
	default:
		if vm, ok := r.registry.ViewModel(e.info.ViewID); ok && vm == e.mod.ViewModel {
			if err := r.registry.UnbindViewModel(e.info.ViewID); err != nil {
				return err
			}
		}
	}
	r.forget(e)
	r.logger.Info("module unloaded", zap.String("module", e.info.Name))
	return e.mod.Release()
}

func (r *Runtime) forget(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, cur := range r.modules {
		if cur == e {
			delete(r.modules, name)
		}
	}
}

// Checkpoint persists the state of every bound stateful System. It is a
// no-op without a state store.
func (r *Runtime) Checkpoint(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	var err error
	for _, e := range r.snapshot() {
		if e.live() && e.info.Role != modrt.RoleCore {
			err = multierr.Append(err, r.checkpoint(ctx, e))
		}
	}
	return err
}

func (r *Runtime) checkpoint(ctx context.Context, e *entry) error {
	vm, ok := r.registry.ViewModel(e.info.ViewID)
	if !ok || vm != e.mod.ViewModel {
		return nil
	}
	saver, ok := vm.(modrt.StateSaver)
	if !ok {
		return nil
	}
	payload, err := saver.SaveState(ctx)
	if err != nil {
		return errors.Wrap(errors.PhaseState, errors.KindFailed, err, "save "+e.info.Name)
	}
	tag := version.Zero
	switch {
	case e.mod.DataVersion != version.Zero:
		tag = e.mod.DataVersion
	default:
		if v, ok := r.registry.View(e.info.ViewID); ok {
			tag = v.DataVersion()
		}
	}
	return r.store.Put(e.info.ViewID, e.info.Name, version.Seal(tag, payload))
}

// Stats summarizes modules and the registry.
type Stats struct {
	Modules   int
	Loaded    int
	Bound     int
	Reloading int
	Failed    int
	Reloads   int
	Instances int
	Registry  binding.Stats
}

// Stats returns current counts.
func (r *Runtime) Stats() Stats {
	s := Stats{
		Registry:  r.registry.Stats(),
		Instances: r.loader.Engine().OpenModules(),
	}
	for _, m := range r.Modules() {
		s.Modules++
		s.Reloads += m.Reloads
		switch m.State {
		case Loaded:
			s.Loaded++
		case Bound:
			s.Bound++
		case Reloading, Loading:
			s.Reloading++
		case Failed:
			s.Failed++
		}
	}
	return s
}

type stringer string

func (s stringer) String() string { return string(s) }
