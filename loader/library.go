package loader

import (
	"sync"
	"sync/atomic"

	"github.com/wippyai/module-runtime/errors"
)

// Library is a reference-counted handle to an opened artifact. The
// artifact is closed when the count drops to zero.
type Library struct {
	path    string
	closeFn func() error
	refs    atomic.Int32
	mu      sync.Mutex
	err     error
	done    bool
}

func newLibrary(path string, closeFn func() error) *Library {
	l := &Library{path: path, closeFn: closeFn}
	l.refs.Store(1)
	return l
}

// Path returns the artifact path.
func (l *Library) Path() string { return l.path }

// Refs returns the current number of holders.
func (l *Library) Refs() int { return int(l.refs.Load()) }

// Closed reports whether the artifact has been closed.
func (l *Library) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Acquire adds a holder. It fails once the artifact has been closed.
func (l *Library) Acquire() error {
	for {
		n := l.refs.Load()
		if n <= 0 {
			return errors.Closed(errors.PhaseLoad, "library "+l.path)
		}
		if l.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a holder and closes the artifact when none remain.
// Releasing more times than acquired is a no-op.
func (l *Library) Release() error {
	for {
		n := l.refs.Load()
		if n <= 0 {
			return nil
		}
		if l.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				return l.finish()
			}
			return nil
		}
	}
}

func (l *Library) finish() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return l.err
	}
	l.done = true
	if l.closeFn != nil {
		l.err = l.closeFn()
	}
	return l.err
}
