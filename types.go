package deltastore

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/deltastore/internal/codec"
	"github.com/vk/deltastore/internal/diff"
	"github.com/vk/deltastore/internal/executor"
	"github.com/vk/deltastore/internal/mapping"
	"github.com/vk/deltastore/internal/txn"
)

// State is the lifecycle state of a transaction.
type State = txn.State

const (
	Pending   = txn.Pending
	Running   = txn.Running
	Completed = txn.Completed
	Rejected  = txn.Rejected
	Cancelled = txn.Cancelled
)

// Handle is an awaitable, cancellable reference to a scheduled transaction.
type Handle = txn.Handle

// ErrCancelled resolves handles of transactions cancelled externally or
// superseded through their throttle key.
var ErrCancelled = txn.ErrCancelled

// DependencyError resolves handles of transactions cancelled because a
// dependency ended Rejected or Cancelled.
type DependencyError = txn.DependencyError

// Strategy selects where a transaction executes and when control returns to
// the caller. All strategies serialize through the store's write gate.
type Strategy = executor.Strategy

const (
	// Synchronous runs the transaction to commit before Run returns.
	Synchronous = executor.Synchronous
	// Background queues the transaction on the store's FIFO worker.
	Background = executor.Background
	// Affinity queues the transaction on the store's designated serial
	// goroutine for affinity-bound work.
	Affinity = executor.Affinity
)

// FailurePolicy controls what a dependent transaction's handle resolves with
// when one of its dependencies is Rejected or Cancelled.
type FailurePolicy = executor.FailurePolicy

const (
	PropagateError = executor.PropagateError
	CancelSilently = executor.CancelSilently
)

// Codec is the injected encode/decode collaborator between model values and
// tree-shaped mappings.
type Codec[M any] = codec.Codec[M]

// FlatMapping is a path-keyed, leaf-only projection of an encoded model.
type FlatMapping = mapping.Flat

// TransactionDiff is the published structural diff of one committed
// transaction.
type TransactionDiff = diff.TransactionDiff

// PropertyDiff classifies how a single leaf path changed.
type PropertyDiff = diff.PropertyDiff

// DiffKind is the change classification of a PropertyDiff.
type DiffKind = diff.Kind

const (
	DiffAdded   = diff.Added
	DiffChanged = diff.Changed
	DiffRemoved = diff.Removed
)

// Flatten projects a nested mapping value onto its flat leaf form.
func Flatten(v cty.Value) FlatMapping { return mapping.Flatten(v) }

// Unflatten rebuilds a nested mapping value from its flat leaf form.
func Unflatten(f FlatMapping) cty.Value { return mapping.Unflatten(f) }

// DiffPolicy selects when (and whether) a store computes structural diffs.
type DiffPolicy int

const (
	// DiffNone disables diff computation entirely. The last-snapshot
	// baseline is still maintained, so enabling diffs later never compares
	// against stale state.
	DiffNone DiffPolicy = iota
	// DiffSync computes the diff on the committing goroutine, blocking the
	// transaction's completion signal until publication is done.
	DiffSync
	// DiffAsync computes diffs on a dedicated single-consumer queue; the
	// mutation path never blocks, and diffs still publish in commit order.
	DiffAsync
)

// TransactionEvent is delivered to middleware on every transaction state
// transition for a store.
type TransactionEvent struct {
	TransactionID string
	ActionID      string
	State         State
	// Err is the terminal error, if any. Nil for the Running transition and
	// for Completed.
	Err error
}

// Middleware observes the state transitions of every transaction run on a
// store it is registered with.
type Middleware interface {
	TransactionDidUpdate(e TransactionEvent)
}
