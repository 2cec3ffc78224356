// Package config holds cibot's site configuration model and the resolution
// cascade that picks the effective site for a build.
//
// Sites live at global scope and at any folder scope of the host's job
// hierarchy. The whole layout is persisted in one YAML (or JSON) file owned
// by operators; Manager watches it and swaps in validated updates.
//
// Resolution walks the job's ancestor folders nearest-first and falls back
// to the global list. Every resolved site is a clone: callers may rewrite
// the room on the result without ever touching stored configuration, which
// concurrent builds may be resolving at the same moment.
package config
