// Package reload replaces the viewmodel bound to a capability while the
// program keeps running.
//
// A swap walks a fixed sequence of states:
//
//	Bound -> Saving -> Unbound -> Loading -> Binding -> Restoring -> Bound
//
// with Failed reachable from every step. The old binding stays published
// until the very last step, which is a single atomic publish in the
// registry, so a failed swap leaves the capability exactly as it was:
// still bound to the old viewmodel, which still holds its state.
//
// Saved state is sealed with the old viewmodel's data tag. It is restored
// into the new viewmodel before that viewmodel is published, and only if
// the new data tag is identical; otherwise the swap fails rather than feed
// a layout the new code does not understand.
package reload
