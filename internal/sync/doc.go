// Package sync implements the incremental synchronization engine.
//
// A run moves through a fixed state machine:
//
//	Idle -> PreflightChecking -> {Aborted | BackingUp} -> ProcessingBatches
//	     -> Validating -> {Committed | RollingBack} -> Idle
//
// The engine fetches changed events from the catalog, diffs them against
// the local store, partitions the change set into fixed-size batches, and
// applies each batch in its own transaction with a per-batch checkpoint.
// A failing batch is rolled back from its checkpoint and the run continues
// with the remaining batches; run-level failures (post-run validation
// issues, cancellation, unhandled panics) restore the whole store from the
// backup taken before the first write.
//
// Batches are processed strictly sequentially and no event ID ever spans
// two batches, which is what makes independent per-batch rollback safe.
package sync
