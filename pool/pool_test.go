package pool

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	modrt "github.com/wippyai/module-runtime"
	rterrors "github.com/wippyai/module-runtime/errors"
	"github.com/wippyai/module-runtime/schema"
)

var testKey = modrt.PoolKey{View: 0x01, Type: 0x0A}

type counter struct {
	id     modrt.ModelID
	value  int
	resets int
}

func (c *counter) ModelID() modrt.ModelID     { return c.id }
func (c *counter) ModelType() modrt.ModelType { return testKey.Type }
func (c *counter) Reset()                     { c.value = 0; c.resets++ }

func newCounterPool() *Pool {
	return New(testKey, func(id modrt.ModelID) modrt.Model { return &counter{id: id} })
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) OnPoolEvent(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func TestPool_ScenarioB(t *testing.T) {
	p := newCounterPool()

	id := p.CreateOrRecycle()
	if id != 1 {
		t.Fatalf("first id = %d, want 1", id)
	}

	m, ok := p.Get(id)
	if !ok {
		t.Fatal("Get after create failed")
	}
	m.(*counter).value = 42

	if err := p.Destroy(1); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := p.Destroy(1); !errors.Is(err, rterrors.ErrNotFound) {
		t.Fatalf("second Destroy err = %v, want not_found", err)
	}
	if _, ok := p.Get(1); ok {
		t.Fatal("Get on retired id should report absence")
	}

	id = p.CreateOrRecycle()
	if id != 1 {
		t.Fatalf("recycled id = %d, want 1", id)
	}
	m, _ = p.Get(id)
	c := m.(*counter)
	if c.value != 0 {
		t.Fatalf("recycled model kept stale value %d", c.value)
	}
	if c.resets != 1 {
		t.Fatalf("resets = %d, want 1", c.resets)
	}
}

func TestPool_NewIDsNeverReused(t *testing.T) {
	p := newCounterPool()
	a := p.CreateOrRecycle()
	b := p.CreateOrRecycle()
	if err := p.Destroy(a); err != nil {
		t.Fatal(err)
	}
	p.ClearRecycled()
	c := p.CreateOrRecycle()
	if c == a || c == b {
		t.Fatalf("fresh id %d collides with %d or %d", c, a, b)
	}
	if diff := cmp.Diff([]modrt.ModelID{b, c}, p.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestPool_Counts(t *testing.T) {
	p := newCounterPool()
	for i := 0; i < 5; i++ {
		p.CreateOrRecycle()
	}
	for _, id := range []modrt.ModelID{2, 4} {
		if err := p.Destroy(id); err != nil {
			t.Fatal(err)
		}
	}
	if p.ActiveCount() != 3 || p.RecycledCount() != 2 {
		t.Fatalf("active=%d recycled=%d", p.ActiveCount(), p.RecycledCount())
	}

	// Most recently retired first.
	if id := p.CreateOrRecycle(); id != 4 {
		t.Fatalf("recycled id = %d, want 4", id)
	}
	if p.RecycledCount() != 1 {
		t.Fatalf("recycled = %d, want 1", p.RecycledCount())
	}
}

func TestPool_With(t *testing.T) {
	p := newCounterPool()
	id := p.CreateOrRecycle()

	err := p.With(id, func(m modrt.Model) error {
		m.(*counter).value++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	m, _ := p.Get(id)
	if m.(*counter).value != 1 {
		t.Fatalf("value = %d", m.(*counter).value)
	}

	sentinel := errors.New("stop")
	if err := p.With(id, func(modrt.Model) error { return sentinel }); !errors.Is(err, sentinel) {
		t.Fatalf("With err = %v", err)
	}
	if err := p.With(99, func(modrt.Model) error { return nil }); !errors.Is(err, rterrors.ErrNotFound) {
		t.Fatalf("With unknown id err = %v", err)
	}
}

func TestPool_Observer(t *testing.T) {
	p := newCounterPool()
	rec := &recorder{}
	p.Subscribe(rec)

	id := p.CreateOrRecycle()
	_ = p.Destroy(id)
	_ = p.CreateOrRecycle()

	want := []Event{
		{Key: testKey, ID: 1, Type: EventCreated},
		{Key: testKey, ID: 1, Type: EventDestroyed},
		{Key: testKey, ID: 1, Type: EventRecycled},
	}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	p.Unsubscribe(rec)
	p.CreateOrRecycle()
	if len(rec.events) != 3 {
		t.Errorf("observer notified after Unsubscribe")
	}
}

func TestPool_SchemaRecords(t *testing.T) {
	s := schema.MustParse("x: f32, alive: bool")
	p := New(testKey, schema.Factory(s, testKey.Type))

	id := p.CreateOrRecycle()
	err := p.With(id, func(m modrt.Model) error {
		return m.(*schema.Record).Set("x", float32(3))
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = p.Destroy(id)
	id = p.CreateOrRecycle()
	m, _ := p.Get(id)
	if v, _ := m.(*schema.Record).Get("x"); v != float32(0) {
		t.Fatalf("recycled record x = %v", v)
	}
}

// Property P1: no interleaving of create/destroy yields duplicate active ids.
func TestPool_ConcurrentUniqueness(t *testing.T) {
	p := newCounterPool()
	const workers = 16
	const rounds = 200

	var mu sync.Mutex
	held := make(map[modrt.ModelID]bool)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mine []modrt.ModelID
			for i := 0; i < rounds; i++ {
				id := p.CreateOrRecycle()
				mu.Lock()
				if held[id] {
					mu.Unlock()
					t.Errorf("id %d handed out twice", id)
					return
				}
				held[id] = true
				mu.Unlock()
				mine = append(mine, id)

				if i%3 == 0 {
					victim := mine[0]
					mine = mine[1:]
					mu.Lock()
					delete(held, victim)
					mu.Unlock()
					if err := p.Destroy(victim); err != nil {
						t.Errorf("Destroy(%d): %v", victim, err)
						return
					}
				}
			}
		}()
	}
	wg.Wait()

	if p.ActiveCount() != len(held) {
		t.Fatalf("active=%d, held=%d", p.ActiveCount(), len(held))
	}
}
