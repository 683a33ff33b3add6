// Package artifact builds and inspects WebAssembly module artifacts.
//
// An artifact is a plain core wasm module that carries its identity in two
// places: constant exported functions the loader calls at open time, and a
// custom section holding a msgpack descriptor.
//
//	modrt_view_id      () -> i64   ViewID of the capability
//	modrt_api_version  () -> i64   API tag
//	modrt_data_version () -> i64   data tag (Core, stateful System)
//	modrt.descriptor   custom      role, name, version, models, methods, state
//
// Build assembles such a module from a Spec. Method bodies are written in a
// small text form understood by Assemble:
//
//	body, _ := artifact.Assemble(`
//	    global.get counter
//	    local.get 0
//	    i64.add
//	    global.set counter
//	    global.get counter
//	`, "counter")
//
// ReadDescriptor extracts the descriptor from artifact bytes without
// compiling them.
package artifact
