// Package replication shares observations between substrate nodes.
//
// Each node writes immutable batch files to its own outbox directory and
// reads the outboxes of its configured peers. A Coordinator runs the export,
// import and cleanup cycle on a timer, remembers a per-peer cursor (the last
// imported batch id) and imports idempotently by observation id, so a batch
// may be delivered more than once without changing the result.
//
// Urgent observations (critical, high-severity errors, failed auth) take a
// fast path: the UrgentHandler batches them on a short one-shot timer instead
// of waiting for the next regular cycle.
//
// All timers come from a Clock. Tests use ManualClock to advance virtual time
// and fire timers deterministically.
package replication
