// Package build models the slice of the host CI engine's world that cibot
// needs per lifecycle event: the run result, the cause chain that triggered
// it, and a snapshot of the build environment.
//
// Everything here is supplied by the host. cibot never mutates a run except
// through SetResult, and only when a site's fail-on-error policy demands it.
package build
