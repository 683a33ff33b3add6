package pool

import (
	"sort"
	"sync"

	modrt "github.com/wippyai/module-runtime"
	"github.com/wippyai/module-runtime/errors"
)

// EventType identifies a pool lifecycle event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventRecycled
	EventDestroyed
)

func (e EventType) String() string {
	switch e {
	case EventCreated:
		return "created"
	case EventRecycled:
		return "recycled"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event reports one lifecycle transition of a model.
type Event struct {
	Key  modrt.PoolKey
	ID   modrt.ModelID
	Type EventType
}

// Observer receives pool lifecycle events.
type Observer interface {
	OnPoolEvent(Event)
}

// Factory allocates a fresh model with the given id.
type Factory func(id modrt.ModelID) modrt.Model

// Pool holds the models of one (ViewID, ModelType) pair.
type Pool struct {
	factory   Factory
	active    map[modrt.ModelID]modrt.Model
	recycled  map[modrt.ModelID]modrt.Model
	free      []modrt.ModelID
	observers []Observer
	key       modrt.PoolKey
	nextID    modrt.ModelID
	mu        sync.RWMutex
	obsMu     sync.RWMutex
}

// New creates an empty pool.
func New(key modrt.PoolKey, factory Factory) *Pool {
	return &Pool{
		key:      key,
		factory:  factory,
		active:   make(map[modrt.ModelID]modrt.Model),
		recycled: make(map[modrt.ModelID]modrt.Model),
	}
}

// Key returns the pool's (ViewID, ModelType) pair.
func (p *Pool) Key() modrt.PoolKey {
	return p.key
}

// CreateOrRecycle activates a model and returns its id. The most recently
// retired instance is reused first, after Reset; otherwise a new one is
// allocated with an id never handed out by this pool before.
func (p *Pool) CreateOrRecycle() modrt.ModelID {
	p.mu.Lock()
	var (
		id    modrt.ModelID
		event EventType
	)
	if n := len(p.free); n > 0 {
		id = p.free[n-1]
		p.free = p.free[:n-1]
		m := p.recycled[id]
		delete(p.recycled, id)
		m.Reset()
		p.active[id] = m
		event = EventRecycled
	} else {
		p.nextID++
		id = p.nextID
		p.active[id] = p.factory(id)
		event = EventCreated
	}
	p.mu.Unlock()

	p.notify(Event{Key: p.key, ID: id, Type: event})
	return id
}

// Get returns the active model with id. Retired and unknown ids report false.
func (p *Pool) Get(id modrt.ModelID) (modrt.Model, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.active[id]
	return m, ok
}

// With runs fn on the active model with id while holding the write lock.
func (p *Pool) With(id modrt.ModelID, fn func(modrt.Model) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.active[id]
	if !ok {
		return errors.NotFound(errors.PhasePool, "model", id.String())
	}
	return fn(m)
}

// Destroy retires the active model with id to the recycle list.
func (p *Pool) Destroy(id modrt.ModelID) error {
	p.mu.Lock()
	m, ok := p.active[id]
	if !ok {
		p.mu.Unlock()
		return errors.NotFound(errors.PhasePool, "model", id.String())
	}
	delete(p.active, id)
	p.recycled[id] = m
	p.free = append(p.free, id)
	p.mu.Unlock()

	p.notify(Event{Key: p.key, ID: id, Type: EventDestroyed})
	return nil
}

// ActiveCount returns the number of active models.
func (p *Pool) ActiveCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.active)
}

// RecycledCount returns the number of retired models held for reuse.
func (p *Pool) RecycledCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.recycled)
}

// ClearRecycled drops every retired model. Their ids are not reused.
func (p *Pool) ClearRecycled() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.recycled)
	p.free = p.free[:0]
}

// IDs returns the active ids in ascending order.
func (p *Pool) IDs() []modrt.ModelID {
	p.mu.RLock()
	ids := make([]modrt.ModelID, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Each calls fn for every active model under the read lock until fn returns false.
func (p *Pool) Each(fn func(modrt.Model) bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.active {
		if !fn(m) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (p *Pool) Subscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

// Unsubscribe removes an observer.
func (p *Pool) Unsubscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	for i, obs := range p.observers {
		if obs == o {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return
		}
	}
}

func (p *Pool) notify(e Event) {
	p.obsMu.RLock()
	defer p.obsMu.RUnlock()
	for _, o := range p.observers {
		o.OnPoolEvent(e)
	}
}
