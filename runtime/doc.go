// Package runtime ties the loader, binding registry, reload sequencer and
// state store together.
//
// # Quick Start
//
//	ctx := context.Background()
//	rt, err := runtime.New(ctx,
//	    runtime.WithSearchPaths("modules"),
//	    runtime.WithStatePath("state.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	// Load a Core, then a System implementing it
//	if _, err := rt.LoadCore(ctx, "counter"); err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := rt.LoadSystem(ctx, "counter-wasm"); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Call through the bound viewmodel
//	vm, err := runtime.ViewModelAs[modrt.Invoker](rt, modrt.ViewIDOf("counter"))
//	out, err := vm.Call(ctx, "add", 1)
//
// # Booting an Application
//
// Boot loads everything a manifest declares. Cores are loaded level by
// level in requirement order, each level in parallel; every Core is then
// matched to a System from the catalog of available artifacts:
//
//	app, err := manifest.Load("app.yaml")
//	if err := rt.Boot(ctx, app); err != nil {
//	    log.Fatal(err)
//	}
//
// # Hot Reload
//
// Reload swaps a bound System for a fresh load of its artifact, carrying
// state across when the data layout matches. Watch does this whenever an
// artifact in a search path is rewritten:
//
//	go rt.Watch(ctx)
//
// A failed reload leaves the previous System bound and working. Reloading a
// Core replaces its view in place; model pools survive as long as their data
// layout is unchanged.
//
// # State
//
// With a state store configured, saved state is persisted on every reload
// and on Close, and a System loaded into an unbound capability resumes from
// the persisted snapshot when its data layout matches.
package runtime
