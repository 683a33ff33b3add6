// Package errors provides structured error types for the module runtime.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries a detail message, an optional path to the offending element,
// the offending value and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLoad, errors.KindSymbolInvalid).
//		Path("modrt_api_version").
//		Detail("want () -> i64, got %s", sig).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OpenFailed(path, cause)
//	err := errors.APIVersionMismatch(view.APIVersion(), vm.APIVersion())
//
// Package-level sentinels match by kind regardless of phase:
//
//	if errors.Is(err, errors.ErrNotFound) { ... }
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
