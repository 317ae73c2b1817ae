package app

import (
	"context"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/deltastore"
)

// setPathAction writes a single leaf value at a flat path in the model. One
// instance is built per scenario step.
type setPathAction struct {
	name  string
	path  string
	value cty.Value
}

func (a *setPathAction) ActionID() string { return a.name }

func (a *setPathAction) Mutate(ctx context.Context, m *deltastore.Mutation[cty.Value]) error {
	if m.Cancelled() {
		return nil
	}
	m.Update(func(cur cty.Value) cty.Value {
		flat := deltastore.Flatten(cur)
		flat[a.path] = a.value
		return deltastore.Unflatten(flat)
	})
	return nil
}
