// Package pool stores the live model instances of one (ViewID, ModelType)
// pair.
//
// A pool owns two collections keyed by ModelID: active instances and
// retired instances kept for reuse. Creation prefers a retired instance,
// resetting it first, so ids of destroyed models come back into use:
//
//	p := pool.New(key, factory)
//
//	id := p.CreateOrRecycle()       // new instance, id 1
//	m, ok := p.Get(id)              // read access; absence is not an error
//	err := p.Destroy(id)            // active -> recycled
//	err = p.Destroy(id)             // not_found
//	id = p.CreateOrRecycle()        // id 1 again, state reset
//
// # Concurrency
//
// One read/write lock guards both collections. It is the unit of
// contention: pools of different (ViewID, ModelType) pairs never contend.
// Model instances are mutated under the write lock through With.
//
// # Observers
//
// Subscribe registers an Observer notified after every create, recycle
// and destroy. Observers run with the pool lock released.
package pool
