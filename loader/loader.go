package loader

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/blang/semver/v4"
	"go.uber.org/zap"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/engine"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

// DefaultSearchPaths is used when no search path is configured.
var DefaultSearchPaths = []string{"modules"}

// Loader resolves and opens artifacts.
type Loader struct {
	engine      *engine.Engine
	ownsEngine  bool
	engineCfg   *engine.Config
	logger      *zap.Logger
	searchPaths []string
	openers     []Opener
}

// Option configures a Loader.
type Option func(*Loader)

// WithSearchPaths sets the directories searched by Resolve, in order.
func WithSearchPaths(paths ...string) Option {
	return func(l *Loader) {
		l.searchPaths = append([]string(nil), paths...)
	}
}

// WithEngine uses e for wasm artifacts instead of creating one. The loader
// does not close a supplied engine.
func WithEngine(e *engine.Engine) Option {
	return func(l *Loader) {
		l.engine = e
	}
}

// WithEngineConfig configures the engine the loader creates.
func WithEngineConfig(cfg *engine.Config) Option {
	return func(l *Loader) {
		l.engineCfg = cfg
	}
}

// WithOpener adds an opener consulted before the built-in ones.
func WithOpener(o Opener) Option {
	return func(l *Loader) {
		l.openers = append(l.openers, o)
	}
}

// WithLogger sets the loader logger.
func WithLogger(log *zap.Logger) Option {
	return func(l *Loader) {
		l.logger = log
	}
}

// New creates a loader.
func New(ctx context.Context, opts ...Option) (*Loader, error) {
	l := &Loader{
		searchPaths: DefaultSearchPaths,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.engine == nil {
		e, err := engine.New(ctx, l.engineCfg)
		if err != nil {
			return nil, err
		}
		l.engine = e
		l.ownsEngine = true
	}
	l.openers = append(l.openers,
		BuiltinOpener{},
		&WasmOpener{Engine: l.engine},
		PluginOpener{},
	)
	return l, nil
}

// Engine returns the engine used for wasm artifacts.
func (l *Loader) Engine() *engine.Engine { return l.engine }

// SearchPaths returns the configured search paths.
func (l *Loader) SearchPaths() []string { return slices.Clone(l.searchPaths) }

// Close closes the engine if the loader created it. Modules opened from it
// stop working.
func (l *Loader) Close(ctx context.Context) error {
	if l.ownsEngine {
		return l.engine.Close(ctx)
	}
	return nil
}

// Resolve maps a module name to an artifact path. Names that already are
// builtin paths or existing files are returned unchanged.
func (l *Loader) Resolve(name string) (string, error) {
	if name == "" {
		return "", errors.InvalidInput(errors.PhaseLoad, "empty module name")
	}
	if strings.HasPrefix(name, BuiltinPrefix) {
		if _, ok := lookupBuiltin(name); !ok {
			return "", errors.OpenFailed(name, errors.NotFound(errors.PhaseLoad, "builtin", name))
		}
		return name, nil
	}
	if l.matches(name) && fileExists(name) {
		return name, nil
	}
	if _, ok := lookupBuiltin(name); ok {
		return BuiltinPrefix + name, nil
	}

	candidates := []string{name + ".wasm", "lib" + name + ".so", name + ".so"}
	for _, dir := range l.searchPaths {
		for _, c := range candidates {
			p := filepath.Join(dir, c)
			if fileExists(p) {
				return p, nil
			}
		}
	}
	return "", errors.OpenFailed(name,
		errors.NotFound(errors.PhaseLoad, "artifact", name+" in "+strings.Join(l.searchPaths, ", ")))
}

// Reloadable reports whether opening path again yields fresh objects. A Go
// plugin stays mapped for the life of the process and every open returns
// the same export table.
func (l *Loader) Reloadable(path string) bool {
	for _, o := range l.openers {
		if o.Match(path) {
			_, pinned := o.(PluginOpener)
			return !pinned
		}
	}
	return true
}

func (l *Loader) matches(path string) bool {
	return slices.ContainsFunc(l.openers, func(o Opener) bool { return o.Match(path) })
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Module is everything extracted from one artifact.
type Module struct {
	Path        string
	Name        string
	Role        modrt.Role
	Version     semver.Version
	Features    []string
	ViewID      modrt.ViewID
	APIVersion  version.Tag
	DataVersion version.Tag
	View        modrt.View
	Models      []modrt.ModelTypeInfo
	ViewModel   modrt.ViewModel
	lib         *Library
}

// Library returns the artifact handle.
func (m *Module) Library() *Library { return m.lib }

// Release drops the Module's own hold on the artifact. Extracted objects
// that took their own hold keep it open.
func (m *Module) Release() error { return m.lib.Release() }

// Discard releases everything Load handed out, for a module that was never
// bound or whose binding has already been dropped without release.
func (m *Module) Discard() error {
	if r, ok := m.ViewModel.(modrt.Releaser); ok {
		if err := r.Release(); err != nil {
			_ = m.lib.Release()
			return err
		}
	}
	return m.lib.Release()
}

// releaseNotifier is implemented by viewmodels that can run a hook when
// the registry releases them.
type releaseNotifier interface {
	OnRelease(fn func() error)
}

// Load resolves name, opens the artifact and extracts the objects its role
// exports. The artifact must declare role. On error nothing stays open.
func (l *Loader) Load(ctx context.Context, name string, role modrt.Role) (*Module, error) {
	path, err := l.Resolve(name)
	if err != nil {
		return nil, err
	}

	var opener Opener
	for _, o := range l.openers {
		if o.Match(path) {
			opener = o
			break
		}
	}
	if opener == nil {
		return nil, errors.OpenFailed(path, errors.Unsupported(errors.PhaseLoad, "artifact kind"))
	}

	l.logger.Info("loading module", zap.String("name", name), zap.String("path", path), zap.Stringer("role", role))

	ex, err := opener.Open(ctx, path)
	if err != nil {
		l.logger.Warn("open failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}

	m, err := extract(path, ex, role)
	if err != nil {
		if ex.Close != nil {
			_ = ex.Close()
		}
		l.logger.Warn("symbol extraction failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	m.lib = newLibrary(path, ex.Close)

	// A viewmodel that reports its release keeps the artifact open for as
	// long as the registry holds it.
	if rn, ok := m.ViewModel.(releaseNotifier); ok {
		if err := m.lib.Acquire(); err != nil {
			return nil, err
		}
		rn.OnRelease(m.lib.Release)
	}

	l.logger.Info("loaded module",
		zap.String("name", m.Name),
		zap.Stringer("role", m.Role),
		zap.Stringer("version", m.Version),
		zap.Stringer("view", m.ViewID),
		zap.Stringer("api", m.APIVersion))
	return m, nil
}

// extract validates the export table against the requested role.
func extract(path string, ex *modrt.Export, role modrt.Role) (*Module, error) {
	if ex.Role != role && !(role == modrt.RoleSystem && ex.Role == modrt.RolePlugin) {
		return nil, errors.SymbolInvalid(PluginSymbol,
			"artifact declares role "+ex.Role.String()+", want "+role.String())
	}
	if ex.Name == "" {
		return nil, errors.SymbolInvalid(PluginSymbol, "empty module name")
	}

	m := &Module{
		Path:     path,
		Name:     ex.Name,
		Role:     ex.Role,
		Version:  ex.Version,
		Features: ex.Features,
	}

	switch ex.Role {
	case modrt.RoleCore:
		if ex.View == nil {
			return nil, errors.SymbolInvalid("View", "core artifact exports no view")
		}
		m.View = ex.View
		m.Models = ex.Models
		m.ViewID = ex.View.ViewID()
		m.APIVersion = ex.View.APIVersion()
		m.DataVersion = ex.View.DataVersion()
		for _, info := range ex.Models {
			if info.New == nil && info.Schema == "" {
				return nil, errors.SymbolInvalid("Models", "model "+info.Name+" has neither schema nor constructor")
			}
		}
	case modrt.RoleSystem, modrt.RolePlugin:
		if ex.ViewModel == nil {
			return nil, errors.SymbolInvalid("ViewModel", "system artifact exports no viewmodel")
		}
		m.ViewModel = ex.ViewModel
		m.ViewID = ex.ViewModel.ViewID()
		m.APIVersion = ex.ViewModel.APIVersion()
		if r, ok := ex.ViewModel.(modrt.StateRestorer); ok {
			m.DataVersion = r.DataVersion()
		}
	default:
		return nil, errors.SymbolInvalid(PluginSymbol, "artifact role "+ex.Role.String()+" cannot be loaded")
	}
	return m, nil
}
