// Package engine runs WebAssembly module artifacts on wazero.
//
// Open compiles an artifact, checks its symbol contract and instantiates it
// once. Everything the rest of the runtime sees comes out of the returned
// Module as typed values:
//
//	Module.View()       Core artifacts: the capability's View
//	Module.ViewModel()  System artifacts: the bound implementation
//
// # Symbol Contract
//
// An artifact must export
//
//	modrt_view_id      () -> i64
//	modrt_api_version  () -> i64
//	modrt_data_version () -> i64   Core and stateful System artifacts
//
// and carry a "modrt.descriptor" custom section whose ids and tags equal the
// values those functions return. Every method in the descriptor must be
// exported with i64 parameters and results of the declared arity, and every
// state global must be an exported mutable i64. Any deviation fails Open
// with KindSymbolInvalid; a binary wazero rejects fails with KindOpenFailed.
//
// # Calls and Release
//
// Calls into one instance are serialized. Releasing a ViewModel makes its
// later calls fail with KindClosed; closing the Module waits for the call in
// progress, if any, before the instance is torn down.
//
// # State
//
// A stateful ViewModel saves its declared globals and, optionally, its
// linear memory as a msgpack snapshot. Restore writes them back into a
// fresh instance; the caller is responsible for checking data tags first.
package engine
