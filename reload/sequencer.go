package reload

import (
	"context"
	"sync"

	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

// State is a step of the swap sequence.
type State int

const (
	Bound State = iota
	Saving
	Unbound
	Loading
	Binding
	Restoring
	Failed
)

func (s State) String() string {
	switch s {
	case Bound:
		return "bound"
	case Saving:
		return "saving"
	case Unbound:
		return "unbound"
	case Loading:
		return "loading"
	case Binding:
		return "binding"
	case Restoring:
		return "restoring"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transition reports one state change. Err is set on the move to Failed.
type Transition struct {
	View modrt.ViewID
	From State
	To   State
	Err  error
}

// Observer receives every transition of every swap, synchronously.
type Observer func(Transition)

// Registry is the part of the binding registry a swap needs.
type Registry interface {
	View(id modrt.ViewID) (modrt.View, bool)
	ViewModel(id modrt.ViewID) (modrt.ViewModel, bool)
	CheckBinding(vm modrt.ViewModel) error
	BindViewModel(vm modrt.ViewModel) error
}

// Store persists sealed state as it is saved.
type Store interface {
	Put(view modrt.ViewID, module string, sealed []byte) error
}

// Candidate is a freshly loaded viewmodel waiting to be bound.
type Candidate struct {
	ViewModel modrt.ViewModel
	// Name labels the module in logs and the store.
	Name string
	// Discard undoes the load when the candidate is not committed. If nil,
	// a viewmodel implementing modrt.Releaser is released instead.
	Discard func() error
	// Seed is sealed state, typically persisted by an earlier process, to
	// restore when there is no bound viewmodel to take state from. A seed
	// whose tag does not match is skipped rather than failing the swap.
	Seed []byte
}

// LoadFunc produces the candidate. It runs after the old state was saved.
type LoadFunc func(ctx context.Context) (*Candidate, error)

// Result describes a committed swap.
type Result struct {
	View     modrt.ViewID
	Old      modrt.ViewModel
	New      modrt.ViewModel
	Saved    bool
	Restored bool
	// Sealed is the state saved from the old viewmodel, if any.
	Sealed []byte
}

// Sequencer runs swaps. Swaps of one capability are serialized; swaps of
// different capabilities run independently.
type Sequencer struct {
	registry  Registry
	store     Store
	observers []Observer
	logger    *zap.Logger
	mu        sync.Mutex
	locks     map[modrt.ViewID]*sync.Mutex
}

// Option configures a Sequencer.
type Option func(*Sequencer)

// WithStore persists every saved state to st.
func WithStore(st Store) Option {
	return func(s *Sequencer) { s.store = st }
}

// WithObserver adds a transition observer.
func WithObserver(o Observer) Option {
	return func(s *Sequencer) { s.observers = append(s.observers, o) }
}

// WithLogger sets the sequencer logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sequencer) { s.logger = l }
}

// New creates a sequencer over reg.
func New(reg Registry, opts ...Option) *Sequencer {
	s := &Sequencer{
		registry: reg,
		logger:   zap.NewNop(),
		locks:    make(map[modrt.ViewID]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Sequencer) lock(view modrt.ViewID) func() {
	s.mu.Lock()
	l, ok := s.locks[view]
	if !ok {
		l = &sync.Mutex{}
		s.locks[view] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// swap carries one run of the sequence.
type swap struct {
	s     *Sequencer
	view  modrt.ViewID
	state State
	log   *zap.Logger
}

func (w *swap) to(next State) {
	t := Transition{View: w.view, From: w.state, To: next}
	w.state = next
	w.log.Debug("reload transition", zap.Stringer("from", t.From), zap.Stringer("to", t.To))
	w.s.notify(t)
}

func (w *swap) fail(cause error) error {
	err := errors.Failed(w.state.String(), cause)
	t := Transition{View: w.view, From: w.state, To: Failed, Err: err}
	w.log.Warn("reload failed", zap.Stringer("in", w.state), zap.Error(cause))
	w.state = Failed
	w.s.notify(t)
	return err
}

func (s *Sequencer) notify(t Transition) {
	for _, o := range s.observers {
		o(t)
	}
}

// Swap replaces the viewmodel bound to view with the one load produces.
//
// On success the new viewmodel is published and the old one has been
// released by the registry. On failure the error is a KindFailed error
// wrapping the cause, the old binding is untouched, and the candidate, if
// one was loaded, is discarded.
func (s *Sequencer) Swap(ctx context.Context, view modrt.ViewID, load LoadFunc) (*Result, error) {
	unlock := s.lock(view)
	defer unlock()

	w := &swap{s: s, view: view, state: Unbound, log: s.logger.With(zap.Stringer("view", view))}
	res := &Result{View: view}

	old, hadOld := s.registry.ViewModel(view)
	if hadOld {
		w.state = Bound
		res.Old = old

		w.to(Saving)
		sealed, err := s.save(ctx, view, old)
		if err != nil {
			return nil, w.fail(err)
		}
		res.Sealed = sealed
		res.Saved = sealed != nil

		w.to(Unbound)
	}

	if err := ctx.Err(); err != nil {
		return nil, w.fail(err)
	}

	w.to(Loading)
	cand, err := load(ctx)
	if err == nil && (cand == nil || cand.ViewModel == nil) {
		err = errors.InvalidInput(errors.PhaseReload, "load returned no viewmodel")
	}
	if err != nil {
		return nil, w.fail(err)
	}
	if err := s.commit(ctx, w, cand, res); err != nil {
		discard(cand, w.log)
		return nil, err
	}
	return res, nil
}

// commit runs Binding, Restoring and the publish for a loaded candidate.
func (s *Sequencer) commit(ctx context.Context, w *swap, cand *Candidate, res *Result) error {
	vm := cand.ViewModel
	w.to(Binding)
	if vm.ViewID() != w.view {
		return w.fail(errors.New(errors.PhaseReload, errors.KindInvalidInput).
			Detail("candidate implements view %s, not %s", vm.ViewID(), w.view).Build())
	}
	if err := s.registry.CheckBinding(vm); err != nil {
		return w.fail(err)
	}

	w.to(Restoring)
	switch {
	case res.Sealed != nil:
		restored, err := restore(ctx, vm, res.Sealed)
		if err != nil {
			return w.fail(err)
		}
		res.Restored = restored
		if !restored {
			w.log.Info("new viewmodel takes no state; saved state dropped")
		}
	case cand.Seed != nil:
		restored, err := restore(ctx, vm, cand.Seed)
		switch {
		case errors.Is(err, errors.ErrDataVersionMismatch):
			w.log.Info("persisted state has another layout; starting fresh", zap.Error(err))
		case err != nil:
			return w.fail(err)
		default:
			res.Restored = restored
		}
	}

	if err := ctx.Err(); err != nil {
		return w.fail(err)
	}
	if err := s.registry.BindViewModel(vm); err != nil {
		return w.fail(err)
	}
	res.New = vm
	w.to(Bound)
	w.log.Info("viewmodel swapped",
		zap.String("module", cand.Name),
		zap.Bool("replaced", res.Old != nil),
		zap.Bool("restored", res.Restored))
	return nil
}

// save snapshots old if it keeps state. A nil result means there is no
// state to carry over.
func (s *Sequencer) save(ctx context.Context, view modrt.ViewID, old modrt.ViewModel) ([]byte, error) {
	saver, ok := old.(modrt.StateSaver)
	if !ok {
		return nil, nil
	}
	payload, err := saver.SaveState(ctx)
	if err != nil {
		return nil, err
	}
	sealed := version.Seal(s.dataTag(view, old), payload)
	if s.store != nil {
		if err := s.store.Put(view, nameOf(old), sealed); err != nil {
			return nil, err
		}
	}
	return sealed, nil
}

// dataTag is the layout tag state saved from vm is sealed with: the
// viewmodel's own tag when it reports one, the view's otherwise.
func (s *Sequencer) dataTag(view modrt.ViewID, vm modrt.ViewModel) version.Tag {
	if r, ok := vm.(modrt.StateRestorer); ok {
		return r.DataVersion()
	}
	if v, ok := s.registry.View(view); ok {
		return v.DataVersion()
	}
	return version.Zero
}

// restore feeds sealed into vm. It reports false when vm takes no state.
func restore(ctx context.Context, vm modrt.ViewModel, sealed []byte) (bool, error) {
	r, ok := vm.(modrt.StateRestorer)
	if !ok {
		return false, nil
	}
	payload, err := version.OpenExpect(sealed, r.DataVersion())
	if err != nil {
		return false, err
	}
	if err := r.RestoreState(ctx, payload); err != nil {
		return false, err
	}
	return true, nil
}

func discard(cand *Candidate, log *zap.Logger) {
	var err error
	switch {
	case cand.Discard != nil:
		err = cand.Discard()
	default:
		if r, ok := cand.ViewModel.(modrt.Releaser); ok {
			err = r.Release()
		}
	}
	if err != nil {
		log.Warn("discard candidate", zap.String("module", cand.Name), zap.Error(err))
	}
}

func nameOf(vm modrt.ViewModel) string {
	if n, ok := vm.(interface{ Name() string }); ok {
		return n.Name()
	}
	return ""
}
