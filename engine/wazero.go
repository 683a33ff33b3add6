package engine

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tetratelabs/wazero"

	"github.com/wippyai/module-runtime/errors"
)

// Engine owns one wazero runtime shared by every artifact it opens.
type Engine struct {
	runtime wazero.Runtime
	seq     atomic.Uint64
	open    atomic.Int64
}

// Config holds configuration for engine creation
type Config struct {
	// MemoryLimitPages sets the maximum memory per instance in pages (64KB each).
	// 0 means default (65536 pages = 4GB).
	// 256 = 16MB, 1024 = 64MB, 4096 = 256MB
	MemoryLimitPages uint32

	// CloseOnContextDone aborts guest calls when their context is done.
	// Without it a runaway method can only be stopped by closing the engine.
	CloseOnContextDone bool
}

// New creates an engine. cfg may be nil.
func New(ctx context.Context, cfg *Config) (*Engine, error) {
	runtimeCfg := wazero.NewRuntimeConfig().WithCustomSections(true)

	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.CloseOnContextDone {
			runtimeCfg = runtimeCfg.WithCloseOnContextDone(true)
		}
	}

	return &Engine{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// Close closes every module opened by the engine.
func (e *Engine) Close(ctx context.Context) error {
	if err := e.runtime.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindFailed, err, "close engine")
	}
	return nil
}

// OpenModules reports how many modules are open.
func (e *Engine) OpenModules() int {
	return int(e.open.Load())
}

// instanceName gives every instantiation a distinct name so the same
// artifact can be instantiated again during a reload.
func (e *Engine) instanceName(name string) string {
	return fmt.Sprintf("%s#%d", name, e.seq.Add(1))
}
