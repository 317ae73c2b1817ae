package deltastore

import (
	"context"
	"sync/atomic"

	"github.com/vk/deltastore/internal/txn"
)

// Action describes an intended model mutation. ActionID is the action's
// variant tag; it appears in transaction ids, middleware events and published
// diffs. Mutate is invoked on the goroutine selected by the submission
// strategy, inside the store's write gate.
//
// Returning a non-nil error rejects the transaction: the handle resolves with
// that error and no further Apply calls from the action are honored. The
// context passed to Mutate is cancelled when the transaction is cancelled;
// observing it is the action's responsibility (cancellation is cooperative,
// never preemptive).
type Action[M any] interface {
	ActionID() string
	Mutate(ctx context.Context, m *Mutation[M]) error
}

// CancelHandler is an optional Action capability. OnCancel is invoked after
// Mutate yields on a transaction whose cancellation was requested while it
// was running, giving the action a chance to undo partial work.
type CancelHandler interface {
	OnCancel(ctx context.Context)
}

// Mutation is the execution frame handed to an action. It reads the current
// snapshot and commits replacement values; each Apply is immediately visible
// to the store's observers.
type Mutation[M any] struct {
	store   *Store[M]
	t       *txn.Transaction
	applied atomic.Bool
}

// Snapshot returns the store's current model value.
func (m *Mutation[M]) Snapshot() M {
	return m.store.Snapshot()
}

// Apply commits a replacement model value. It reports false, committing
// nothing, once the transaction has left Running — in particular after the
// action rejected.
func (m *Mutation[M]) Apply(next M) bool {
	if m.t.State() != txn.Running {
		return false
	}
	m.store.commit(m.t, next)
	m.applied.Store(true)
	return true
}

// Update is Apply(fn(Snapshot())).
func (m *Mutation[M]) Update(fn func(M) M) bool {
	return m.Apply(fn(m.Snapshot()))
}

// Cancelled reports whether cancellation of this transaction has been
// requested. Long-running actions should check it between steps.
func (m *Mutation[M]) Cancelled() bool {
	return m.t.CancelRequested()
}

// TransactionID returns the id of the transaction executing this mutation.
func (m *Mutation[M]) TransactionID() string {
	return m.t.ID()
}
