// Package vstate contains the data model of a validation session
// and the pure reducer that drives it.
//
// A [State] holds one [Session] per [Kind].
// Every change to a State goes through [Reduce],
// which maps the current state and an [Action] to the next state
// without performing I/O or reading the clock.
// Callers that need timestamps put them inside the action,
// as [FetchFlipsStarted] does.
//
// Reduce never mutates the State it receives.
// Slices reachable from the returned State may be shared with the input
// only when they were not changed by the transition,
// so callers must treat every State as immutable.
package vstate
