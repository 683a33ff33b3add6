package binding

import (
	"maps"
	"sync/atomic"
)

// cell holds an immutable map behind an atomic pointer. Readers load the
// current snapshot without locking; writers copy it, modify the copy and
// publish it with compare-and-swap.
type cell[K comparable, V any] struct {
	p atomic.Pointer[map[K]V]
}

func newCell[K comparable, V any]() *cell[K, V] {
	c := &cell[K, V]{}
	m := make(map[K]V)
	c.p.Store(&m)
	return c
}

func (c *cell[K, V]) load() map[K]V {
	return *c.p.Load()
}

func (c *cell[K, V]) get(k K) (V, bool) {
	v, ok := c.load()[k]
	return v, ok
}

// update retries mutate on a fresh copy until the publish wins. mutate
// returns false to leave the cell unchanged.
func (c *cell[K, V]) update(mutate func(next map[K]V) bool) bool {
	for {
		cur := c.p.Load()
		next := maps.Clone(*cur)
		if next == nil {
			next = make(map[K]V)
		}
		if !mutate(next) {
			return false
		}
		if c.p.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

func (c *cell[K, V]) put(k K, v V) {
	c.update(func(next map[K]V) bool {
		next[k] = v
		return true
	})
}

// remove drops every key for which drop returns true and reports how many
// were dropped.
func (c *cell[K, V]) remove(drop func(K) bool) int {
	var n int
	c.update(func(next map[K]V) bool {
		n = 0
		for k := range next {
			if drop(k) {
				delete(next, k)
				n++
			}
		}
		return n > 0
	})
	return n
}
