package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseLoad     Phase = "load"     // artifact open and symbol extraction
	PhaseBind     Phase = "bind"     // viewmodel binding
	PhaseRegistry Phase = "registry" // view and pool registration
	PhasePool     Phase = "pool"     // model pool operations
	PhaseReload   Phase = "reload"   // hot-reload sequencing
	PhaseState    Phase = "state"    // state save/restore
	PhaseManifest Phase = "manifest" // app manifest parsing and resolution
	PhaseBuild    Phase = "build"    // artifact construction
	PhaseRuntime  Phase = "runtime"  // runtime orchestration
	PhaseCall     Phase = "call"     // calls into loaded modules
	PhaseSchema   Phase = "schema"   // model schema parsing
)

// Kind categorizes the error
type Kind string

const (
	KindOpenFailed          Kind = "open_failed"
	KindSymbolInvalid       Kind = "symbol_invalid"
	KindAlreadyRegistered   Kind = "already_registered"
	KindAPIVersionMismatch  Kind = "api_version_mismatch"
	KindDataVersionMismatch Kind = "data_version_mismatch"
	KindNotFound            Kind = "not_found"
	KindFailed              Kind = "failed"
	KindIncomplete          Kind = "incomplete"
	KindClosed              Kind = "closed"
	KindInvalidInput        Kind = "invalid_input"
	KindInvalidData         Kind = "invalid_data"
	KindTypeMismatch        Kind = "type_mismatch"
	KindUnsupported         Kind = "unsupported"
	KindCycle               Kind = "cycle"
	KindBusy                Kind = "busy"
)

// Sentinels match an *Error of the same kind in any phase:
//
//	if errors.Is(err, errors.ErrAPIVersionMismatch) { ... }
var (
	ErrOpenFailed          = &Error{Kind: KindOpenFailed}
	ErrSymbolInvalid       = &Error{Kind: KindSymbolInvalid}
	ErrAlreadyRegistered   = &Error{Kind: KindAlreadyRegistered}
	ErrAPIVersionMismatch  = &Error{Kind: KindAPIVersionMismatch}
	ErrDataVersionMismatch = &Error{Kind: KindDataVersionMismatch}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrFailed              = &Error{Kind: KindFailed}
	ErrIncomplete          = &Error{Kind: KindIncomplete}
	ErrClosed              = &Error{Kind: KindClosed}
)

// Error is the structured error type used throughout the runtime
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	if e.Phase != "" {
		b.WriteByte('[')
		b.WriteString(string(e.Phase))
		b.WriteString("] ")
	}
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error.
// A target without a phase matches on kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Phase != "" && t.Phase != e.Phase {
		return false
	}
	return e.Kind == t.Kind
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// KindOf returns the kind of the outermost *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the path to the offending element
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// OpenFailed reports an artifact that could not be opened
func OpenFailed(path string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindOpenFailed,
		Path:   []string{path},
		Detail: "open artifact",
		Cause:  cause,
	}
}

// SymbolInvalid reports a required export that is absent or has the wrong shape
func SymbolInvalid(symbol, detail string) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindSymbolInvalid,
		Path:   []string{symbol},
		Detail: detail,
	}
}

// AlreadyRegistered creates an already-registered error
func AlreadyRegistered(phase Phase, what string, id fmt.Stringer) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAlreadyRegistered,
		Detail: fmt.Sprintf("%s %s already registered", what, id),
		Value:  id,
	}
}

// APIVersionMismatch creates a binding version mismatch error
func APIVersionMismatch(expected, found fmt.Stringer) *Error {
	return &Error{
		Phase:  PhaseBind,
		Kind:   KindAPIVersionMismatch,
		Detail: fmt.Sprintf("expected %s, found %s", expected, found),
		Value:  found,
	}
}

// DataVersionMismatch creates a state layout mismatch error
func DataVersionMismatch(expected, found fmt.Stringer) *Error {
	return &Error{
		Phase:  PhaseState,
		Kind:   KindDataVersionMismatch,
		Detail: fmt.Sprintf("expected %s, found %s", expected, found),
		Value:  found,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %s not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// TypeMismatch creates a type mismatch error
func TypeMismatch(phase Phase, path []string, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Path:   path,
		Detail: fmt.Sprintf("want %s, got %s", want, got),
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// Closed reports use of a released artifact or closed component
func Closed(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: what + " closed",
	}
}

// Failed wraps the cause of a terminal reload failure
func Failed(state string, cause error) *Error {
	return &Error{
		Phase:  PhaseReload,
		Kind:   KindFailed,
		Detail: "reload failed in " + state,
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}
