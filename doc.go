// Package modrt is a hot-reloadable module runtime.
//
// Capabilities are split in three roles. A Core module publishes a View (the
// contract of a capability) and the data-kinds its models use. A System
// module publishes a ViewModel implementing that contract. Models are data
// instances held in per-(ViewID, ModelType) pools. Identity crosses artifact
// boundaries as fixed-width integers, never as Go type tokens.
//
// # Architecture Overview
//
//	modrt/             Identifiers and contract interfaces
//	├── version/       Content-hash tags and sealed state envelopes
//	├── schema/        WIT record schemas and the Record model
//	├── pool/          Model pools with recycling
//	├── binding/       RCU registry of views, viewmodels and pools
//	├── engine/        wazero execution of WebAssembly artifacts
//	├── artifact/      Builder for WebAssembly module artifacts
//	├── loader/        Artifact resolution, opening and symbol extraction
//	├── reload/        Hot-reload sequencer
//	├── statestore/    bbolt persistence of state snapshots
//	├── manifest/      App manifests (YAML, HCL) and System resolution
//	├── runtime/       Orchestration, file watching, stats
//	└── errors/        Structured error types
//
// # Quick Start
//
//	rt, err := runtime.New(ctx, runtime.WithSearchPaths("modules"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	if _, err := rt.LoadCore(ctx, "counter"); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := rt.LoadSystem(ctx, "counter-wasm"); err != nil {
//	    log.Fatal(err)
//	}
//
//	vm, _ := runtime.ViewModelAs[modrt.Invoker](rt, modrt.ViewIDOf("counter"))
//	out, err := vm.Call(ctx, "incr")
//
// Consumers look a ViewModel up once and call it directly; the registry is
// not consulted per call. After a hot-reload they look it up again.
package modrt
