// Package broadcast fans a message out to a list of recipients across the
// pool of live sessions.
//
// Semantics:
//   - The session ordering is fixed at dispatch time; target i goes through
//     session i mod N (deterministic round-robin, not load-aware).
//   - One send attempt per target; failures are swallowed but counted.
//   - A fixed delay follows every attempt, including the last.
//   - Dispatch never blocks the caller; jobs run in the background and are
//     individually cancellable, with a queryable completion summary.
package broadcast
