package modrt

import (
	"context"

	"github.com/blang/semver/v4"

	"github.com/wippyai/module-runtime/version"
)

// View is the contract object of a capability. One exists per ViewID for
// the life of its Core module; it never changes after registration.
type View interface {
	ViewID() ViewID
	Name() string
	APIVersion() version.Tag
	DataVersion() version.Tag
}

// ViewModel is the implementation bound to a View. It is the only thing
// allowed to mutate models of its capability.
type ViewModel interface {
	ViewID() ViewID
	APIVersion() version.Tag
}

// Model is one data instance owned by a pool.
type Model interface {
	ModelID() ModelID
	ModelType() ModelType
	// Reset restores the zero state before a recycled instance is handed out again.
	Reset()
}

// Fragmented is implemented by views and viewmodels split into fragments.
// A viewmodel must cover every fragment of its view to be bound.
type Fragmented interface {
	Fragments() []FragmentID
}

// StateSaver is implemented by viewmodels whose state survives a reload.
type StateSaver interface {
	SaveState(ctx context.Context) ([]byte, error)
}

// StateRestorer is implemented by viewmodels that accept saved state.
// DataVersion is the layout tag the viewmodel was compiled against.
type StateRestorer interface {
	RestoreState(ctx context.Context, state []byte) error
	DataVersion() version.Tag
}

// Releaser is implemented by objects extracted from an artifact. Release
// drops their hold on the artifact; it is called once by the owner.
type Releaser interface {
	Release() error
}

// Method describes one contract method of an artifact whose calls go
// through Invoker. Params and Results count i64 values.
type Method struct {
	Name     string
	Params   int
	Results  int
	Fragment string
}

// Contract is implemented by views that publish their method table.
type Contract interface {
	Methods() []Method
}

// Invoker is implemented by viewmodels whose methods are called by name,
// such as those backed by WebAssembly artifacts.
type Invoker interface {
	Call(ctx context.Context, method string, args ...uint64) ([]uint64, error)
}

// ModelTypeInfo declares one data-kind of a capability.
type ModelTypeInfo struct {
	Type ModelType
	Name string
	// Schema is a WIT record field list, e.g. "x: f32, y: f32, alive: bool".
	// It is used when New is nil.
	Schema string
	New    func(id ModelID) Model
}

// Declarer is implemented by views that publish their data-kinds. Pools
// of such a view can only be registered for the types it declares.
type Declarer interface {
	Models() []ModelTypeInfo
}

// TypeIn returns the declared ModelType, or the one derived from the
// data-kind's name under view when none was given.
func (i ModelTypeInfo) TypeIn(view string) ModelType {
	if i.Type != 0 {
		return i.Type
	}
	return ModelTypeOf(view, i.Name)
}

// Role is the part a module plays in the runtime.
type Role int

const (
	RoleCore Role = iota
	RoleSystem
	RolePlugin
	RoleApp
)

func (r Role) String() string {
	switch r {
	case RoleCore:
		return "core"
	case RoleSystem:
		return "system"
	case RolePlugin:
		return "plugin"
	case RoleApp:
		return "app"
	default:
		return "unknown"
	}
}

// ParseRole maps a role name back to its Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "core":
		return RoleCore, true
	case "system":
		return RoleSystem, true
	case "plugin":
		return RolePlugin, true
	case "app":
		return RoleApp, true
	default:
		return 0, false
	}
}

// Export is the symbol table of a Go-built artifact. A Go plugin exports it
// as the package-level variable Module; builtin artifacts return it from
// their constructor.
//
//	var Module = modrt.Export{
//		Role:      modrt.RoleSystem,
//		Name:      "counter-fast",
//		Version:   semver.MustParse("1.2.0"),
//		ViewModel: &counterVM{},
//	}
type Export struct {
	Role      Role
	Name      string
	Version   semver.Version
	Features  []string
	View      View
	Models    []ModelTypeInfo
	ViewModel ViewModel
	// Close, if set, runs when the last reference to the artifact is released.
	Close func() error
}
