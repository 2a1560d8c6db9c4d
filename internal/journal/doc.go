// Package journal persists task run history on the caller's side.
//
// The engine itself keeps no durable task state; the journal subscribes to
// the event bus and appends one record per lifecycle event. It currently
// supports:
//   - Run record appends (completed / failed / retired / cancelled / rerouted)
//   - Recent(n) lookups for operator snapshots
package journal
