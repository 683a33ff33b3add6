package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/version"
)

// ViewModel is a handle to the implementation inside a System artifact.
// Once released, its calls fail with KindClosed even if the module stays
// open for other holders.
type ViewModel struct {
	module    *Module
	onRelease func() error
	released  atomic.Bool
	once      sync.Once
}

// OnRelease sets the function run by the first Release.
func (vm *ViewModel) OnRelease(fn func() error) {
	vm.onRelease = fn
}

func (vm *ViewModel) ViewID() modrt.ViewID          { return vm.module.desc.ViewIDValue() }
func (vm *ViewModel) APIVersion() version.Tag       { return vm.module.desc.APITag() }
func (vm *ViewModel) Fragments() []modrt.FragmentID { return vm.module.desc.FragmentIDs() }
func (vm *ViewModel) Methods() []modrt.Method       { return vm.module.desc.ContractMethods() }
func (vm *ViewModel) Module() *Module               { return vm.module }
func (vm *ViewModel) Name() string                  { return vm.module.desc.Name }

// Call invokes an exported method with i64 arguments.
func (vm *ViewModel) Call(ctx context.Context, method string, args ...uint64) ([]uint64, error) {
	if vm.released.Load() {
		return nil, errors.Closed(errors.PhaseCall, "viewmodel "+vm.module.desc.Name)
	}
	return vm.module.call(ctx, method, args)
}

// Release marks the handle released and runs the release hook once.
func (vm *ViewModel) Release() error {
	var err error
	vm.once.Do(func() {
		vm.released.Store(true)
		if vm.onRelease != nil {
			err = vm.onRelease()
		}
	})
	return err
}

// Released reports whether Release has been called.
func (vm *ViewModel) Released() bool {
	return vm.released.Load()
}

// StatefulViewModel is a ViewModel whose artifact declares state.
type StatefulViewModel struct {
	*ViewModel
}

// snapshot is the msgpack form of saved state.
type snapshot struct {
	Globals map[string]uint64 `msgpack:"globals"`
	Memory  []byte            `msgpack:"memory,omitempty"`
}

// DataVersion is the data tag the artifact was built against.
func (vm *StatefulViewModel) DataVersion() version.Tag {
	return vm.module.desc.DataTag()
}

// SaveState snapshots the declared globals and memory.
func (vm *StatefulViewModel) SaveState(ctx context.Context) ([]byte, error) {
	m := vm.module
	m.callMu.Lock()
	defer m.callMu.Unlock()
	if m.closed.Load() {
		return nil, errors.Closed(errors.PhaseState, "module "+m.desc.Name)
	}

	snap := snapshot{Globals: make(map[string]uint64, len(m.globals))}
	for name, g := range m.globals {
		snap.Globals[name] = g.Get()
	}
	if m.desc.State.Memory {
		mem := m.instance.Memory()
		buf, ok := mem.Read(0, mem.Size())
		if !ok {
			return nil, errors.InvalidData(errors.PhaseState, []string{"memory"}, "read failed")
		}
		snap.Memory = append([]byte(nil), buf...)
	}

	data, err := msgpack.Marshal(&snap)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseState, errors.KindInvalidData, err, "encode snapshot")
	}
	return data, nil
}

// RestoreState writes a snapshot produced by SaveState back into the
// instance. Every declared global must be present in the snapshot.
func (vm *StatefulViewModel) RestoreState(ctx context.Context, state []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(state, &snap); err != nil {
		return errors.Wrap(errors.PhaseState, errors.KindInvalidData, err, "decode snapshot")
	}

	m := vm.module
	m.callMu.Lock()
	defer m.callMu.Unlock()
	if m.closed.Load() {
		return errors.Closed(errors.PhaseState, "module "+m.desc.Name)
	}

	for name := range m.globals {
		if _, ok := snap.Globals[name]; !ok {
			return errors.InvalidData(errors.PhaseState, []string{name}, "global missing from snapshot")
		}
	}
	if m.desc.State.Memory {
		mem := m.instance.Memory()
		if need := uint32(len(snap.Memory)); need > mem.Size() {
			pages := (need - mem.Size() + 65535) / 65536
			if _, ok := mem.Grow(pages); !ok {
				return errors.InvalidData(errors.PhaseState, []string{"memory"}, "cannot grow memory for snapshot")
			}
		}
		if !mem.Write(0, snap.Memory) {
			return errors.InvalidData(errors.PhaseState, []string{"memory"}, "write failed")
		}
	}
	for name, g := range m.globals {
		g.Set(snap.Globals[name])
	}
	return nil
}
