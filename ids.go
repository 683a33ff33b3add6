package modrt

import (
	"fmt"
	"hash/fnv"
	"reflect"
)

// ViewID identifies a capability. It is derived from a namespaced name so
// that separately compiled artifacts agree on it without sharing Go types.
type ViewID uint64

// ModelType identifies one data-kind declared by a Core module.
type ModelType uint64

// ModelID identifies an instance within one (ViewID, ModelType) pool.
// Zero is never assigned.
type ModelID uint64

// FragmentID identifies a cohesive sub-group of a capability's methods.
type FragmentID uint64

func (id ViewID) String() string     { return fmt.Sprintf("0x%016x", uint64(id)) }
func (t ModelType) String() string   { return fmt.Sprintf("0x%016x", uint64(t)) }
func (id ModelID) String() string    { return fmt.Sprintf("0x%016x", uint64(id)) }
func (id FragmentID) String() string { return fmt.Sprintf("0x%016x", uint64(id)) }

// PoolKey addresses one model pool.
type PoolKey struct {
	View ViewID
	Type ModelType
}

func (k PoolKey) String() string {
	return k.View.String() + "/" + k.Type.String()
}

// ViewIDOf derives the ViewID for a capability name such as "engine/ecs".
func ViewIDOf(name string) ViewID {
	return ViewID(hash64("view", name))
}

// ModelTypeOf derives the ModelType for a data-kind declared under view.
func ModelTypeOf(view, name string) ModelType {
	return ModelType(hash64("model", view, name))
}

// FragmentIDOf derives the FragmentID for a fragment declared under view.
func FragmentIDOf(view, name string) FragmentID {
	return FragmentID(hash64("fragment", view, name))
}

// ModelTypeFor derives a ModelType from a Go type's package path and name.
// The result is stable across builds as long as the type is not moved or
// renamed; anonymous types all collapse onto their kind and should not be used.
func ModelTypeFor[T any]() ModelType {
	t := reflect.TypeFor[T]()
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return ModelType(hash64("gotype", t.PkgPath(), t.Name()))
}

func hash64(parts ...string) uint64 {
	h := fnv.New64a()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte("::"))
		}
		h.Write([]byte(p))
	}
	return h.Sum64()
}
