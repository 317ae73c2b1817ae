package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/deltastore/internal/txn"
)

const awaitTimeout = 5 * time.Second

func awaitAll(t *testing.T, txns ...*txn.Transaction) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()
	for _, tr := range txns {
		select {
		case <-tr.Done():
		case <-ctx.Done():
			t.Fatalf("transaction %s did not settle in time", tr.ID())
		}
	}
}

func TestSubmit_SynchronousRunsBeforeReturn(t *testing.T) {
	e := New()
	defer e.Close()

	ran := false
	tr := txn.New("sync")
	e.Submit(context.Background(), tr, func(context.Context) error {
		ran = true
		return nil
	}, Submission{Strategy: Synchronous})

	assert.True(t, ran, "synchronous submission must run before Submit returns")
	assert.Equal(t, txn.Completed, tr.State())
}

func TestSubmit_BackgroundPreservesSubmissionOrder(t *testing.T) {
	e := New()
	defer e.Close()

	var mu sync.Mutex
	var order []int

	const n = 20
	txns := make([]*txn.Transaction, 0, n)
	for i := 0; i < n; i++ {
		i := i
		tr := txn.New("ordered")
		txns = append(txns, tr)
		e.Submit(context.Background(), tr, func(context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}, Submission{Strategy: Background})
	}

	awaitAll(t, txns...)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, got := range order {
		assert.Equal(t, i, got, "background lane must run in submission order")
	}
}

func TestSubmit_WriteGateIsExclusive(t *testing.T) {
	e := New()
	defer e.Close()

	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	run := func(context.Context) error {
		cur := inFlight.Add(1)
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return nil
	}

	var txns []*txn.Transaction
	strategies := []Strategy{Background, Affinity, Background, Affinity, Background}
	for _, s := range strategies {
		tr := txn.New("exclusive")
		txns = append(txns, tr)
		e.Submit(context.Background(), tr, run, Submission{Strategy: s})
	}

	awaitAll(t, txns...)
	assert.Equal(t, int32(1), maxInFlight.Load(), "write gate must admit one transaction at a time")
}

func TestSubmit_RejectionCarriesActionError(t *testing.T) {
	e := New()
	defer e.Close()

	boom := errors.New("boom")
	tr := txn.New("failing")
	e.Submit(context.Background(), tr, func(context.Context) error {
		return boom
	}, Submission{Strategy: Background})

	awaitAll(t, tr)
	assert.Equal(t, txn.Rejected, tr.State())
	assert.ErrorIs(t, tr.Err(), boom)
}

func TestSubmit_DependencyOrdering(t *testing.T) {
	e := New()
	defer e.Close()

	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	dep := txn.New("upstream")
	e.Submit(context.Background(), dep, func(context.Context) error {
		<-release
		mu.Lock()
		order = append(order, "upstream")
		mu.Unlock()
		return nil
	}, Submission{Strategy: Background})

	dependent := txn.New("downstream", txn.WithDependencies(dep))
	e.Submit(context.Background(), dependent, func(context.Context) error {
		mu.Lock()
		order = append(order, "downstream")
		mu.Unlock()
		return nil
	}, Submission{Strategy: Affinity})

	// The dependent sits on a different lane, so only the dependency edge
	// can be holding it back.
	close(release)
	awaitAll(t, dep, dependent)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"upstream", "downstream"}, order)
}

func TestSubmit_FailedDependencyCancelsDependent(t *testing.T) {
	t.Run("propagate error policy", func(t *testing.T) {
		e := New()
		defer e.Close()

		boom := errors.New("boom")
		dep := txn.New("upstream")
		e.Submit(context.Background(), dep, func(context.Context) error {
			return boom
		}, Submission{Strategy: Background})

		ran := false
		dependent := txn.New("downstream", txn.WithDependencies(dep))
		e.Submit(context.Background(), dependent, func(context.Context) error {
			ran = true
			return nil
		}, Submission{Strategy: Background})

		awaitAll(t, dep, dependent)

		assert.False(t, ran, "dependent must never enter Running")
		assert.Equal(t, txn.Cancelled, dependent.State())

		var depErr *txn.DependencyError
		require.ErrorAs(t, dependent.Err(), &depErr)
		assert.Equal(t, dep.ID(), depErr.DependencyID)
		assert.ErrorIs(t, depErr, boom)
	})

	t.Run("cancel silently policy", func(t *testing.T) {
		e := New(WithFailurePolicy(CancelSilently))
		defer e.Close()

		dep := txn.New("upstream")
		e.Submit(context.Background(), dep, func(context.Context) error {
			return errors.New("boom")
		}, Submission{Strategy: Background})

		dependent := txn.New("downstream", txn.WithDependencies(dep))
		e.Submit(context.Background(), dependent, func(context.Context) error {
			return nil
		}, Submission{Strategy: Background})

		awaitAll(t, dep, dependent)

		assert.Equal(t, txn.Cancelled, dependent.State())
		assert.ErrorIs(t, dependent.Err(), txn.ErrCancelled)

		var depErr *txn.DependencyError
		assert.False(t, errors.As(dependent.Err(), &depErr), "silent policy must not surface the cause")
	})
}

func TestSubmit_ThrottleCoalescing(t *testing.T) {
	e := New()
	defer e.Close()

	var runs atomic.Int32
	run := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	const window = 40 * time.Millisecond
	first := txn.New("save", txn.WithThrottleKey("editor"))
	e.Submit(context.Background(), first, run, Submission{Strategy: Background, ThrottleWindow: window})

	second := txn.New("save", txn.WithThrottleKey("editor"))
	e.Submit(context.Background(), second, run, Submission{Strategy: Background, ThrottleWindow: window})

	awaitAll(t, first, second)

	assert.Equal(t, txn.Cancelled, first.State(), "superseded submission must be cancelled")
	assert.ErrorIs(t, first.Err(), txn.ErrCancelled)
	assert.Equal(t, txn.Completed, second.State())
	assert.Equal(t, int32(1), runs.Load(), "exactly one coalesced run")
}

func TestSubmit_ThrottleKeysAreIndependent(t *testing.T) {
	e := New()
	defer e.Close()

	var runs atomic.Int32
	run := func(context.Context) error {
		runs.Add(1)
		return nil
	}

	a := txn.New("save", txn.WithThrottleKey("a"))
	b := txn.New("save", txn.WithThrottleKey("b"))
	e.Submit(context.Background(), a, run, Submission{Strategy: Background, ThrottleWindow: 10 * time.Millisecond})
	e.Submit(context.Background(), b, run, Submission{Strategy: Background, ThrottleWindow: 10 * time.Millisecond})

	awaitAll(t, a, b)
	assert.Equal(t, int32(2), runs.Load())
}

func TestSubmit_CancelDuringThrottleWindow(t *testing.T) {
	e := New()
	defer e.Close()

	ran := false
	tr := txn.New("save", txn.WithThrottleKey("editor"))
	e.Submit(context.Background(), tr, func(context.Context) error {
		ran = true
		return nil
	}, Submission{Strategy: Background, ThrottleWindow: time.Minute})

	tr.Cancel()
	awaitAll(t, tr)

	assert.False(t, ran)
	assert.Equal(t, txn.Cancelled, tr.State())
}

func TestSubmit_RunContextCancelledOnTransactionCancel(t *testing.T) {
	e := New()
	defer e.Close()

	started := make(chan struct{})
	tr := txn.New("long")
	e.Submit(context.Background(), tr, func(ctx context.Context) error {
		close(started)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(awaitTimeout):
			return errors.New("run context never cancelled")
		}
	}, Submission{Strategy: Background})

	<-started
	tr.Cancel()
	awaitAll(t, tr)

	assert.Equal(t, txn.Cancelled, tr.State())
	assert.ErrorIs(t, tr.Err(), txn.ErrCancelled)
}

func TestClose_CancelsLaterSubmissions(t *testing.T) {
	e := New()
	e.Close()

	tr := txn.New("late")
	e.Submit(context.Background(), tr, func(context.Context) error {
		return nil
	}, Submission{Strategy: Background})

	assert.Equal(t, txn.Cancelled, tr.State())
}

func TestSerialQueue(t *testing.T) {
	t.Run("runs tasks in order", func(t *testing.T) {
		q := NewSerialQueue("test")

		var mu sync.Mutex
		var got []int
		for i := 0; i < 10; i++ {
			i := i
			require.True(t, q.Enqueue(func() {
				mu.Lock()
				got = append(got, i)
				mu.Unlock()
			}))
		}
		q.Close()

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
	})

	t.Run("close drains queued tasks", func(t *testing.T) {
		q := NewSerialQueue("test")

		var ran atomic.Int32
		for i := 0; i < 5; i++ {
			require.True(t, q.Enqueue(func() { ran.Add(1) }))
		}
		q.Close()

		assert.Equal(t, int32(5), ran.Load())
		assert.False(t, q.Enqueue(func() {}), "enqueue after close must be refused")
	})
}
