// Package dispatcher implements the task dispatching core: a bounded global
// queue with admission control, pluggable routing policies, per-worker
// executor pools with slot reservation, and outcome-driven health tracking
// with probe-based recovery.
//
// Control flow: Submit -> admission check -> global queue -> dispatcher loop
// -> routing policy selects and reserves a worker slot -> worker queue ->
// executor runs the session call -> outcome resolves the task and updates
// health and metrics.
//
// The design is single-process and in-memory; queued tasks do not survive a
// restart.
package dispatcher
