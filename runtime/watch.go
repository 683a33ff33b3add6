package runtime

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wippyai/module-runtime/errors"
)

// Watch reloads loaded modules whose wasm artifact is written in one of the
// search paths. Writes are debounced per file. Watch blocks until ctx is
// done; reload failures are logged and leave the previous load bound.
func (r *Runtime) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(errors.PhaseRuntime, errors.KindFailed, err, "create watcher")
	}
	defer w.Close()

	watched := 0
	for _, dir := range r.loader.SearchPaths() {
		if err := w.Add(dir); err != nil {
			r.logger.Warn("cannot watch search path", zap.String("dir", dir), zap.Error(err))
			continue
		}
		watched++
	}
	if watched == 0 {
		return errors.NotFound(errors.PhaseRuntime, "watchable search path", strings.Join(r.loader.SearchPaths(), ", "))
	}
	r.logger.Info("watching artifacts", zap.Strings("dirs", r.loader.SearchPaths()))

	deb := newDebouncer(r.cfg.debounce)
	defer deb.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if filepath.Ext(ev.Name) != ".wasm" {
				continue
			}
			deb.touch(filepath.Clean(ev.Name))
		case f := <-deb.fire:
			if deb.due(f) {
				r.reloadPath(ctx, f.path)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// reloadPath reloads the module loaded from path, if any.
func (r *Runtime) reloadPath(ctx context.Context, path string) {
	name := ""
	for _, m := range r.Modules() {
		if m.State != Failed && samePath(m.Path, path) {
			name = m.Name
			break
		}
	}
	if name == "" {
		r.logger.Debug("changed artifact is not loaded", zap.String("path", path))
		return
	}
	r.logger.Info("artifact changed", zap.String("module", name), zap.String("path", path))
	if _, err := r.Reload(ctx, name); err != nil {
		r.logger.Error("hot reload failed", zap.String("module", name), zap.Error(err))
	}
}

func samePath(a, b string) bool {
	if filepath.Clean(a) == filepath.Clean(b) {
		return true
	}
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == bb
}

type firing struct {
	path string
	gen  uint64
}

// debouncer coalesces bursts of writes per path into one firing. Every
// touch supersedes the path's previous timer, including one that already
// fired but was not consumed yet.
type debouncer struct {
	delay  time.Duration
	fire   chan firing
	done   chan struct{}
	gen    uint64
	latest map[string]uint64
	timers map[string]*time.Timer
}

func newDebouncer(delay time.Duration) *debouncer {
	return &debouncer{
		delay:  delay,
		fire:   make(chan firing),
		done:   make(chan struct{}),
		latest: make(map[string]uint64),
		timers: make(map[string]*time.Timer),
	}
}

func (d *debouncer) touch(path string) {
	if t, ok := d.timers[path]; ok {
		t.Stop()
	}
	d.gen++
	f := firing{path: path, gen: d.gen}
	d.latest[path] = f.gen
	d.timers[path] = time.AfterFunc(d.delay, func() {
		select {
		case d.fire <- f:
		case <-d.done:
		}
	})
}

// due reports whether f is the latest firing for its path and clears it.
func (d *debouncer) due(f firing) bool {
	if gen, ok := d.latest[f.path]; !ok || gen != f.gen {
		return false
	}
	delete(d.latest, f.path)
	delete(d.timers, f.path)
	return true
}

func (d *debouncer) stop() {
	close(d.done)
	for _, t := range d.timers {
		t.Stop()
	}
}
