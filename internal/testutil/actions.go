package testutil

import (
	"context"

	"github.com/vk/deltastore"
)

// FuncAction adapts a closure into a deltastore.Action.
type FuncAction[M any] struct {
	ID string
	Fn func(ctx context.Context, m *deltastore.Mutation[M]) error
}

func (a *FuncAction[M]) ActionID() string { return a.ID }

func (a *FuncAction[M]) Mutate(ctx context.Context, m *deltastore.Mutation[M]) error {
	return a.Fn(ctx, m)
}

// UpdateAction applies a pure transform to the model under the given action id.
func UpdateAction[M any](id string, fn func(M) M) *FuncAction[M] {
	return &FuncAction[M]{
		ID: id,
		Fn: func(_ context.Context, m *deltastore.Mutation[M]) error {
			m.Update(fn)
			return nil
		},
	}
}

// BlockedAction returns an action that applies fn only after gate opens,
// keeping its transaction running until the test releases it.
func BlockedAction[M any](id string, gate *Gate, fn func(M) M) *FuncAction[M] {
	return &FuncAction[M]{
		ID: id,
		Fn: func(ctx context.Context, m *deltastore.Mutation[M]) error {
			if !gate.Wait(ctx) {
				return ctx.Err()
			}
			m.Update(fn)
			return nil
		},
	}
}

// CancellableAction is a FuncAction with an OnCancel hook the executor can
// invoke for compensation.
type CancellableAction[M any] struct {
	FuncAction[M]
	OnCancelFn func(ctx context.Context)
}

func (a *CancellableAction[M]) OnCancel(ctx context.Context) {
	if a.OnCancelFn != nil {
		a.OnCancelFn(ctx)
	}
}
