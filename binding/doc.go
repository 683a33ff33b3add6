// Package binding holds the process-wide registry that ties views,
// viewmodels and model pools together.
//
// Each of the three maps lives in its own copy-on-write cell. Lookups load
// the current snapshot and never block; a snapshot is never mutated after
// it has been published, so a reader racing a writer sees either the map
// before the write or the map after it.
//
// Binding is fail-safe: BindViewModel validates the candidate completely
// before publishing it, so a rejected viewmodel leaves the previous binding
// in place.
package binding
