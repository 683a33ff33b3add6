// Package loader is the only place artifacts are opened.
//
// Load resolves a module name to an artifact, opens it with the matching
// Opener and extracts typed values: a View and model declarations from a
// Core artifact, a ViewModel from a System artifact. Nothing outside this
// package handles a raw artifact; callers get a *Module whose Library
// handle counts its holders and closes the artifact when the last one lets
// go.
//
// Three kinds of artifact are understood:
//
//	name.wasm          WebAssembly, run by the engine package; unloadable
//	libname.so         Go plugin exporting "var Module modrt.Export"
//	builtin:name       constructor registered with RegisterBuiltin
//
// Resolve looks a bare name up in the builtin table, then tries
// name.wasm, libname.so and name.so in each search path in order.
package loader
