// Command modrt boots module artifacts and inspects or drives the running
// set.
//
//	modrt -paths modules -app app.yaml -list
//	modrt -core counter -system counter-wasm -call counter.add -args 5
//	modrt -app app.yaml -state state.db -i
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/engine"
	"github.com/wippyai/module-runtime/manifest"
	"github.com/wippyai/module-runtime/runtime"
)

type options struct {
	paths       string
	app         string
	cores       string
	systems     string
	state       string
	call        string
	args        string
	logLevel    string
	memPages    uint
	list        bool
	watch       bool
	interactive bool
}

func main() {
	var o options
	flag.StringVar(&o.paths, "paths", "modules", "Artifact search paths (comma-separated)")
	flag.StringVar(&o.app, "app", "", "App manifest to boot (.yaml, .yml or .hcl)")
	flag.StringVar(&o.cores, "core", "", "Core modules to load (comma-separated)")
	flag.StringVar(&o.systems, "system", "", "System modules to load (comma-separated)")
	flag.StringVar(&o.state, "state", "", "State store path")
	flag.StringVar(&o.call, "call", "", "Method to call, as view.method")
	flag.StringVar(&o.args, "args", "", "Call arguments (comma-separated integers)")
	flag.StringVar(&o.logLevel, "log", "", "Log level (debug, info, warn); empty disables logging")
	flag.UintVar(&o.memPages, "mem-pages", 0, "Memory limit per instance in 64KiB pages")
	flag.BoolVar(&o.list, "list", false, "List modules, views and pools")
	flag.BoolVar(&o.watch, "watch", false, "Reload Systems when their artifacts change")
	flag.BoolVar(&o.interactive, "i", false, "Interactive dashboard")
	flag.Parse()

	if o.app == "" && o.cores == "" && o.systems == "" {
		fmt.Fprintln(os.Stderr, "Usage: modrt [-paths dirs] -app <manifest> [-list] [-watch] [-i]")
		fmt.Fprintln(os.Stderr, "       modrt [-paths dirs] -core a,b -system x,y [-call view.method -args 1,2]")
		os.Exit(1)
	}

	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "" {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(o options) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log, err := newLogger(o.logLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	opts := []runtime.Option{
		runtime.WithSearchPaths(split(o.paths)...),
		runtime.WithLogger(log),
	}
	if o.state != "" {
		opts = append(opts, runtime.WithStatePath(o.state))
	}
	if o.memPages > 0 {
		opts = append(opts, runtime.WithEngineConfig(&engine.Config{
			MemoryLimitPages:   uint32(o.memPages),
			CloseOnContextDone: true,
		}))
	}

	var events chan string
	if o.interactive {
		events = make(chan string, 64)
		opts = append(opts, runtime.WithObserver(transitionFeed(events)))
	}

	rt, err := runtime.New(ctx, opts...)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	if err := boot(ctx, rt, o); err != nil {
		return err
	}

	if o.call != "" {
		if err := callMethod(ctx, rt, o.call, o.args); err != nil {
			return err
		}
	}
	if o.list {
		printModules(os.Stdout, rt)
	}

	switch {
	case o.interactive:
		return runDashboard(ctx, rt, events, o.watch)
	case o.watch:
		fmt.Println("watching for artifact changes, Ctrl-C to stop")
		return rt.Watch(ctx)
	}
	return nil
}

func boot(ctx context.Context, rt *runtime.Runtime, o options) error {
	if o.app != "" {
		app, err := manifest.Load(o.app)
		if err != nil {
			return err
		}
		if err := rt.Boot(ctx, app); err != nil {
			return err
		}
	}
	for _, name := range split(o.cores) {
		if _, err := rt.LoadCore(ctx, name); err != nil {
			return err
		}
	}
	for _, name := range split(o.systems) {
		if _, err := rt.LoadSystem(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// callMethod calls view.method on the bound viewmodel.
func callMethod(ctx context.Context, rt *runtime.Runtime, target, argList string) error {
	view, method, ok := strings.Cut(target, ".")
	if !ok {
		return fmt.Errorf("call target %q is not view.method", target)
	}
	args, err := parseArgs(argList)
	if err != nil {
		return err
	}
	inv, err := runtime.ViewModelAs[modrt.Invoker](rt, modrt.ViewIDOf(view))
	if err != nil {
		return err
	}
	out, err := inv.Call(ctx, method, args...)
	if err != nil {
		return err
	}
	fmt.Printf("%s(%s) = %s\n", target, argList, formatResults(out))
	return nil
}

func parseArgs(s string) ([]uint64, error) {
	var out []uint64
	for _, f := range split(s) {
		if v, err := strconv.ParseInt(f, 0, 64); err == nil {
			out = append(out, uint64(v))
			continue
		}
		v, err := strconv.ParseUint(f, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", f, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func formatResults(out []uint64) string {
	parts := make([]string, len(out))
	for i, v := range out {
		parts[i] = strconv.FormatInt(int64(v), 10)
	}
	return strings.Join(parts, ", ")
}

func split(s string) []string {
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
