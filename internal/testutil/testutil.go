// Package testutil provides shared helpers for store and executor tests:
// canned actions, a recording middleware, and await utilities.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// AwaitTimeout is the default budget for waiting on asynchronous settlement.
const AwaitTimeout = 5 * time.Second

// Context returns a context that expires with the test's await budget.
func Context(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), AwaitTimeout)
	t.Cleanup(cancel)
	return ctx
}

// Eventually polls cond until it holds or the await budget elapses.
func Eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, AwaitTimeout, 2*time.Millisecond, msgAndArgs...)
}

// Gate is a reusable rendezvous point: actions block on Wait until the test
// calls Open, letting tests hold a transaction in its running state.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Open releases every current and future Wait call.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.ch) })
}

// Wait blocks until the gate opens or ctx expires; it reports whether the
// gate opened.
func (g *Gate) Wait(ctx context.Context) bool {
	select {
	case <-g.ch:
		return true
	case <-ctx.Done():
		return false
	}
}
