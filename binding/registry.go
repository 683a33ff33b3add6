package binding

import (
	"slices"
	"sync"

	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/pool"
	"github.com/wippyai/module-runtime/schema"
)

// Registry is the process-wide directory of views, viewmodels and model
// pools. Reads are lock-free snapshot loads; writes are serialized among
// themselves and copy the one map they change.
type Registry struct {
	views      *cell[modrt.ViewID, modrt.View]
	viewmodels *cell[modrt.ViewID, modrt.ViewModel]
	pools      *cell[modrt.PoolKey, *pool.Pool]
	logger     *zap.Logger
	writeMu    sync.Mutex
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		views:      newCell[modrt.ViewID, modrt.View](),
		viewmodels: newCell[modrt.ViewID, modrt.ViewModel](),
		pools:      newCell[modrt.PoolKey, *pool.Pool](),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterView inserts view under its ViewID. Views are singletons; a
// second registration for the same id fails until UnregisterView.
func (r *Registry) RegisterView(view modrt.View) error {
	if view == nil {
		return errors.InvalidInput(errors.PhaseRegistry, "nil view")
	}
	id := view.ViewID()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, ok := r.views.get(id); ok {
		return errors.AlreadyRegistered(errors.PhaseRegistry, "view", id)
	}
	r.views.put(id, view)

	r.logger.Info("registered view",
		zap.Stringer("view", id),
		zap.String("name", view.Name()),
		zap.Stringer("api", view.APIVersion()))
	return nil
}

// UnregisterView removes a view and its pools. It refuses while a
// viewmodel is still bound to the view.
func (r *Registry) UnregisterView(id modrt.ViewID) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, ok := r.views.get(id); !ok {
		return errors.NotFound(errors.PhaseRegistry, "view", id.String())
	}
	if _, ok := r.viewmodels.get(id); ok {
		return errors.New(errors.PhaseRegistry, errors.KindBusy).
			Detail("view %s still has a bound viewmodel", id).Build()
	}

	dropped := r.pools.remove(func(k modrt.PoolKey) bool { return k.View == id })
	r.views.remove(func(k modrt.ViewID) bool { return k == id })

	r.logger.Info("unregistered view", zap.Stringer("view", id), zap.Int("pools", dropped))
	return nil
}

// RegisterPool creates an empty pool for a data-kind declared by the view.
// A zero info.Type is derived from the view name and info.Name.
// Registering an existing pool is a no-op that returns the existing pool.
func (r *Registry) RegisterPool(viewID modrt.ViewID, info modrt.ModelTypeInfo) (*pool.Pool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	view, ok := r.views.get(viewID)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegistry, "view", viewID.String())
	}
	info.Type = info.TypeIn(view.Name())
	if d, ok := view.(modrt.Declarer); ok && !declares(view.Name(), d, info.Type) {
		return nil, errors.New(errors.PhaseRegistry, errors.KindInvalidInput).
			Value(info.Type).
			Detail("model type %s is not declared by view %s", info.Type, viewID).
			Build()
	}

	p, created, err := r.poolFor(viewID, info)
	if err != nil {
		return nil, err
	}
	if created {
		r.pools.put(p.Key(), p)
		r.logger.Debug("registered pool",
			zap.Stringer("view", viewID),
			zap.Stringer("model_type", info.Type),
			zap.String("name", info.Name))
	}
	return p, nil
}

// poolFor returns the registered pool for info, or a new unpublished one.
func (r *Registry) poolFor(viewID modrt.ViewID, info modrt.ModelTypeInfo) (p *pool.Pool, created bool, err error) {
	key := modrt.PoolKey{View: viewID, Type: info.Type}
	if p, ok := r.pools.get(key); ok {
		return p, false, nil
	}
	factory, err := factoryFor(info)
	if err != nil {
		return nil, false, err
	}
	return pool.New(key, factory), true, nil
}

func declares(view string, d modrt.Declarer, mt modrt.ModelType) bool {
	for _, info := range d.Models() {
		if info.TypeIn(view) == mt {
			return true
		}
	}
	return false
}

// ReplaceView swaps the view of a reloaded Core module in place. Pools of
// the data-kinds listed in models are kept along with their models; pools
// of kinds no longer listed are dropped. When the data layout changes,
// every pool is recreated, so a layout change is refused while the
// capability holds live models or a bound viewmodel. A bound viewmodel
// must satisfy the new view. On refusal the old view stays registered.
func (r *Registry) ReplaceView(view modrt.View, models []modrt.ModelTypeInfo) (modrt.View, error) {
	if view == nil {
		return nil, errors.InvalidInput(errors.PhaseRegistry, "nil view")
	}
	id := view.ViewID()

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old, ok := r.views.get(id)
	if !ok {
		return nil, errors.NotFound(errors.PhaseRegistry, "view", id.String())
	}
	relayout := old.DataVersion() != view.DataVersion()
	if vm, ok := r.viewmodels.get(id); ok {
		if err := checkPair(view, vm); err != nil {
			return nil, err
		}
		if relayout {
			return nil, errors.New(errors.PhaseRegistry, errors.KindDataVersionMismatch).
				Value(view.DataVersion()).
				Detail("data layout %s -> %s under bound viewmodel", old.DataVersion(), view.DataVersion()).
				Build()
		}
	}
	if relayout {
		if n := r.liveModels(id); n > 0 {
			return nil, errors.New(errors.PhaseRegistry, errors.KindDataVersionMismatch).
				Value(view.DataVersion()).
				Detail("data layout %s -> %s with %d live models", old.DataVersion(), view.DataVersion(), n).
				Build()
		}
	}

	keep := make(map[modrt.PoolKey]*pool.Pool, len(models))
	for _, info := range models {
		info.Type = info.TypeIn(view.Name())
		key := modrt.PoolKey{View: id, Type: info.Type}
		if p, ok := r.pools.get(key); ok && !relayout {
			keep[key] = p
			continue
		}
		factory, err := factoryFor(info)
		if err != nil {
			return nil, err
		}
		keep[key] = pool.New(key, factory)
	}

	dropped := 0
	r.pools.update(func(next map[modrt.PoolKey]*pool.Pool) bool {
		dropped = 0
		for k, p := range next {
			if k.View == id && keep[k] != p {
				delete(next, k)
				dropped++
			}
		}
		for k, p := range keep {
			next[k] = p
		}
		return true
	})
	r.views.put(id, view)

	r.logger.Info("replaced view",
		zap.Stringer("view", id),
		zap.Stringer("api", view.APIVersion()),
		zap.Stringer("data", view.DataVersion()),
		zap.Int("pools", len(keep)),
		zap.Int("dropped", dropped))
	return old, nil
}

func (r *Registry) liveModels(id modrt.ViewID) int {
	n := 0
	for k, p := range r.pools.load() {
		if k.View == id {
			n += p.ActiveCount()
		}
	}
	return n
}

func factoryFor(info modrt.ModelTypeInfo) (pool.Factory, error) {
	if info.New != nil {
		return info.New, nil
	}
	s, err := schema.Parse(info.Schema)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseRegistry, errors.KindInvalidInput, err, "schema of model type "+info.Name)
	}
	return schema.Factory(s, info.Type), nil
}

// CheckBinding reports whether vm could be bound now: its view must exist,
// the API tags must match, and the viewmodel must cover the view's
// fragments and published methods.
// It does not change the registry.
func (r *Registry) CheckBinding(vm modrt.ViewModel) error {
	if vm == nil {
		return errors.InvalidInput(errors.PhaseBind, "nil viewmodel")
	}
	id := vm.ViewID()
	view, ok := r.views.get(id)
	if !ok {
		return errors.NotFound(errors.PhaseBind, "view", id.String())
	}
	return checkPair(view, vm)
}

func checkPair(view modrt.View, vm modrt.ViewModel) error {
	if view.APIVersion() != vm.APIVersion() {
		return errors.APIVersionMismatch(view.APIVersion(), vm.APIVersion())
	}
	if err := checkFragments(view, vm); err != nil {
		return err
	}
	return checkMethods(view, vm)
}

func checkFragments(view modrt.View, vm modrt.ViewModel) error {
	fv, ok := view.(modrt.Fragmented)
	if !ok {
		return nil
	}
	var have []modrt.FragmentID
	if fvm, ok := vm.(modrt.Fragmented); ok {
		have = fvm.Fragments()
	}
	for _, f := range fv.Fragments() {
		if !slices.Contains(have, f) {
			return errors.New(errors.PhaseBind, errors.KindIncomplete).
				Value(f).Detail("fragment %s of view %s not implemented", f, view.ViewID()).Build()
		}
	}
	return nil
}

// checkMethods applies when both sides publish a method table, as wasm
// artifacts do: every contract method must be implemented with its arity.
func checkMethods(view modrt.View, vm modrt.ViewModel) error {
	cv, ok := view.(modrt.Contract)
	if !ok {
		return nil
	}
	cvm, ok := vm.(modrt.Contract)
	if !ok {
		return nil
	}
	have := cvm.Methods()
	for _, want := range cv.Methods() {
		i := slices.IndexFunc(have, func(m modrt.Method) bool { return m.Name == want.Name })
		if i < 0 {
			return errors.New(errors.PhaseBind, errors.KindIncomplete).
				Path(want.Name).Detail("method not implemented").Build()
		}
		if have[i].Params != want.Params || have[i].Results != want.Results {
			return errors.New(errors.PhaseBind, errors.KindIncomplete).
				Path(want.Name).
				Detail("arity %d->%d, contract says %d->%d", have[i].Params, have[i].Results, want.Params, want.Results).
				Build()
		}
	}
	return nil
}

// BindViewModel validates vm like CheckBinding and then replaces any
// previous binding for its view in one atomic publish. On any failure the
// existing binding is left untouched. A replaced viewmodel implementing
// modrt.Releaser is released after the swap.
func (r *Registry) BindViewModel(vm modrt.ViewModel) error {
	r.writeMu.Lock()
	if err := r.CheckBinding(vm); err != nil {
		r.writeMu.Unlock()
		r.logger.Warn("bind rejected", zap.Error(err))
		return err
	}
	id := vm.ViewID()
	old, hadOld := r.viewmodels.get(id)
	r.viewmodels.put(id, vm)
	r.writeMu.Unlock()

	r.logger.Info("bound viewmodel", zap.Stringer("view", id), zap.Bool("replaced", hadOld))

	if hadOld && old != vm {
		r.release(id, old)
	}
	return nil
}

// UnbindViewModel removes the binding for id and releases the viewmodel.
func (r *Registry) UnbindViewModel(id modrt.ViewID) error {
	r.writeMu.Lock()
	old, ok := r.viewmodels.get(id)
	if !ok {
		r.writeMu.Unlock()
		return errors.NotFound(errors.PhaseBind, "viewmodel", id.String())
	}
	r.viewmodels.remove(func(k modrt.ViewID) bool { return k == id })
	r.writeMu.Unlock()

	r.logger.Info("unbound viewmodel", zap.Stringer("view", id))
	r.release(id, old)
	return nil
}

func (r *Registry) release(id modrt.ViewID, vm modrt.ViewModel) {
	rel, ok := vm.(modrt.Releaser)
	if !ok {
		return
	}
	if err := rel.Release(); err != nil {
		r.logger.Warn("release viewmodel", zap.Stringer("view", id), zap.Error(err))
	}
}

// View returns the view registered for id.
func (r *Registry) View(id modrt.ViewID) (modrt.View, bool) {
	return r.views.get(id)
}

// ViewModel returns the viewmodel bound for id.
func (r *Registry) ViewModel(id modrt.ViewID) (modrt.ViewModel, bool) {
	return r.viewmodels.get(id)
}

// Pool returns the pool for (id, mt).
func (r *Registry) Pool(id modrt.ViewID, mt modrt.ModelType) (*pool.Pool, bool) {
	return r.pools.get(modrt.PoolKey{View: id, Type: mt})
}

// Views lists registered view ids in ascending order.
func (r *Registry) Views() []modrt.ViewID {
	return sortedKeys(r.views.load(), func(a, b modrt.ViewID) int { return cmpU64(uint64(a), uint64(b)) })
}

// ViewModels lists bound view ids in ascending order.
func (r *Registry) ViewModels() []modrt.ViewID {
	return sortedKeys(r.viewmodels.load(), func(a, b modrt.ViewID) int { return cmpU64(uint64(a), uint64(b)) })
}

// Pools lists pool keys ordered by view then model type.
func (r *Registry) Pools() []modrt.PoolKey {
	return sortedKeys(r.pools.load(), func(a, b modrt.PoolKey) int {
		if c := cmpU64(uint64(a.View), uint64(b.View)); c != 0 {
			return c
		}
		return cmpU64(uint64(a.Type), uint64(b.Type))
	})
}

// Stats summarizes the current snapshot.
type Stats struct {
	Views          int
	Bound          int
	Pools          int
	ActiveModels   int
	RecycledModels int
}

// Stats returns counts across the registry.
func (r *Registry) Stats() Stats {
	s := Stats{
		Views: len(r.views.load()),
		Bound: len(r.viewmodels.load()),
	}
	pools := r.pools.load()
	s.Pools = len(pools)
	for _, p := range pools {
		s.ActiveModels += p.ActiveCount()
		s.RecycledModels += p.RecycledCount()
	}
	return s
}

func sortedKeys[K comparable, V any](m map[K]V, cmp func(a, b K) int) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, cmp)
	return keys
}

func cmpU64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
