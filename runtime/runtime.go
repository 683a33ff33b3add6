package runtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/binding"
	"github.com/wippyai/module-runtime/engine"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/loader"
	"github.com/wippyai/module-runtime/reload"
	"github.com/wippyai/module-runtime/statestore"
)

// Runtime owns the loaded modules of one process.
type Runtime struct {
	loader    *loader.Loader
	registry  *binding.Registry
	seq       *reload.Sequencer
	store     *statestore.Store
	ownsStore bool
	logger    *zap.Logger

	mu      sync.Mutex
	modules map[string]*entry
	closed  bool

	cfg config
}

type config struct {
	searchPaths []string
	statePath   string
	store       *statestore.Store
	engineCfg   *engine.Config
	logger      *zap.Logger
	observers   []reload.Observer
	debounce    time.Duration
}

// Option configures a Runtime.
type Option func(*config)

// WithSearchPaths sets the directories artifacts are resolved in.
func WithSearchPaths(paths ...string) Option {
	return func(c *config) { c.searchPaths = paths }
}

// WithLogger sets the logger of the runtime and every component it creates,
// including the engine package logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithStatePath persists state snapshots in a bbolt database at path. The
// runtime closes it on Close.
func WithStatePath(path string) Option {
	return func(c *config) { c.statePath = path }
}

// WithStore persists state snapshots in s. The caller keeps ownership.
func WithStore(s *statestore.Store) Option {
	return func(c *config) { c.store = s }
}

// WithEngineConfig configures the wasm engine.
func WithEngineConfig(cfg *engine.Config) Option {
	return func(c *config) { c.engineCfg = cfg }
}

// WithObserver receives every reload transition.
func WithObserver(o reload.Observer) Option {
	return func(c *config) { c.observers = append(c.observers, o) }
}

// WithWatchDebounce sets how long Watch waits after the last write to an
// artifact before reloading it.
func WithWatchDebounce(d time.Duration) Option {
	return func(c *config) { c.debounce = d }
}

// New creates a runtime.
func New(ctx context.Context, opts ...Option) (*Runtime, error) {
	cfg := config{debounce: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := cfg.logger
	if log == nil {
		log = zap.NewNop()
	} else {
		engine.SetLogger(log.Named("engine"))
	}

	r := &Runtime{
		logger:  log,
		modules: make(map[string]*entry),
		cfg:     cfg,
	}

	switch {
	case cfg.store != nil:
		r.store = cfg.store
	case cfg.statePath != "":
		st, err := statestore.Open(cfg.statePath)
		if err != nil {
			return nil, err
		}
		r.store, r.ownsStore = st, true
	}

	lopts := []loader.Option{loader.WithLogger(log.Named("loader"))}
	if cfg.searchPaths != nil {
		lopts = append(lopts, loader.WithSearchPaths(cfg.searchPaths...))
	}
	if cfg.engineCfg != nil {
		lopts = append(lopts, loader.WithEngineConfig(cfg.engineCfg))
	}
	l, err := loader.New(ctx, lopts...)
	if err != nil {
		if r.ownsStore {
			_ = r.store.Close()
		}
		return nil, errors.Wrap(errors.PhaseRuntime, errors.KindFailed, err, "create loader")
	}
	r.loader = l

	r.registry = binding.New(binding.WithLogger(log.Named("binding")))

	sopts := []reload.Option{reload.WithLogger(log.Named("reload"))}
	for _, o := range cfg.observers {
		sopts = append(sopts, reload.WithObserver(o))
	}
	if r.store != nil {
		sopts = append(sopts, reload.WithStore(r.store))
	}
	r.seq = reload.New(r.registry, sopts...)
	return r, nil
}

// Registry returns the binding registry.
func (r *Runtime) Registry() *binding.Registry { return r.registry }

// Loader returns the artifact loader.
func (r *Runtime) Loader() *loader.Loader { return r.loader }

// Store returns the state store, or nil.
func (r *Runtime) Store() *statestore.Store { return r.store }

// ViewModelAs returns the viewmodel bound to view as T. Look it up once and
// call it directly; after a reload look it up again.
func ViewModelAs[T any](r *Runtime, view modrt.ViewID) (T, error) {
	var zero T
	vm, ok := r.registry.ViewModel(view)
	if !ok {
		return zero, errors.NotFound(errors.PhaseRuntime, "viewmodel for view", view.String())
	}
	t, ok := vm.(T)
	if !ok {
		return zero, errors.New(errors.PhaseRuntime, errors.KindTypeMismatch).
			Detail("viewmodel of %s is %T", view, vm).Build()
	}
	return t, nil
}

// Close checkpoints state, unbinds and releases every module and closes
// the engine. Errors are collected; Close always runs to the end.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	var err error
	if r.store != nil {
		err = multierr.Append(err, r.Checkpoint(ctx))
	}

	for _, e := range r.snapshot() {
		if e.info.Role != modrt.RoleCore {
			err = multierr.Append(err, r.drop(e))
		}
	}
	for _, e := range r.snapshot() {
		err = multierr.Append(err, r.drop(e))
	}

	err = multierr.Append(err, r.loader.Close(ctx))
	if r.ownsStore {
		err = multierr.Append(err, r.store.Close())
	}
	return err
}

func (r *Runtime) checkOpen() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.Closed(errors.PhaseRuntime, "runtime")
	}
	return nil
}
