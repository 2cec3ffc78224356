// Package dispatch turns build lifecycle events and pipeline steps into
// Hubot deliveries. The Listener reacts to start and completion events,
// fanning a notification out to every room its matching rules name; the
// step entry points (Send, Approve) serve explicit pipeline calls with an
// env-var parameter cascade.
//
// Failure handling follows one policy: every room is attempted no matter
// what happened before it, and only after the whole fan-out may a
// fail-on-error site mark the build FAILURE.
package dispatch
