// Package deltastore is a value-type state container. All mutations to an
// in-memory model go through discrete, cancellable, dependency-orderable
// transactions, serialized by a single-writer executor, and every committed
// transaction can be diffed structurally against the previous model snapshot
// for synchronization purposes.
//
// # Concepts
//
//   - A Store owns the canonical model snapshot. The model is opaque and
//     immutable by convention: every mutation replaces the whole value.
//   - An Action describes an intended mutation. Running an action creates a
//     Transaction with a monotonic lifecycle
//     (Pending -> Running -> Completed | Rejected | Cancelled).
//   - The executor serializes transactions through a single write gate,
//     honors declared dependencies, and coalesces rapid resubmissions that
//     share a throttle key.
//   - After a committed transaction, the store encodes the old and new
//     snapshots into flat path-keyed leaf mappings and publishes the
//     added/changed/removed diff between them.
//
// # Basic usage
//
//	store := deltastore.New(Model{Count: 0})
//	defer store.Close()
//
//	handle := store.Run(ctx, IncrementAction{})
//	if err := handle.Await(ctx); err != nil {
//	    // the action rejected, or the transaction was cancelled
//	}
//
// Child stores scope a parent's model through a Lens; their mutations fold
// back into the parent atomically. Middleware observes every transaction
// state transition, and observers receive each new snapshot.
package deltastore
