package deltastore

import (
	"context"

	"github.com/vk/deltastore/internal/txn"
)

// Lens relates a parent model to one of its sub-values: Get extracts the
// sub-value, Set returns a parent model in which only that sub-value
// differs. Both must be pure.
type Lens[M, S any] struct {
	Get func(M) S
	Set func(M, S) M
}

// Child returns a store scoped to the sub-value the lens selects. The child
// owns no independent model copy: its snapshot always reads through the lens,
// and a mutation committed through the child is folded back into an atomic
// parent-level commit — the parent's observers and diff pipeline see it,
// attributed to the child's transaction — before the child's own publication
// runs and the child transaction completes.
//
// The child's executor shares the root store's write gate, so at most one
// transaction anywhere in the tree mutates the model at a time. A synchronous
// child run made from inside a parent action, with that action's context,
// folds reentrantly without blocking on the gate the action already holds.
func Child[M, S any](parent *Store[M], lens Lens[M, S], opts ...Option[S]) *Store[S] {
	child := newStore(lens.Get(parent.Snapshot()), opts, parent.exec.Gate())

	child.loadFn = func() S {
		return lens.Get(parent.Snapshot())
	}
	child.transformFn = func(t *txn.Transaction, fn func(S) S) S {
		var sub S
		parent.transform(t, func(pm M) M {
			sub = fn(lens.Get(pm))
			return lens.Set(pm, sub)
		})
		return sub
	}
	child.parentPublish = func(ctx context.Context, t *txn.Transaction) {
		parent.publishChain(ctx, t)
	}
	return child
}
