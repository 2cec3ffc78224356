// Package history provides a best-effort audit trail of delivery attempts.
//
// It currently supports:
//   - Append of one entry per room send (success or failure)
//   - Recent-entry queries for operator tooling
//
// A failing store never affects a build's verdict; the dispatcher logs the
// write error and moves on.
package history
