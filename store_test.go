package deltastore_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/deltastore"
	"github.com/vk/deltastore/internal/testutil"
)

// appModel is the model used across the store tests. Field tags declare the
// mapping keys the diff engine sees.
type appModel struct {
	Counter int      `cty:"counter"`
	Name    string   `cty:"name"`
	Todos   []string `cty:"todos"`
}

func newTestStore(t *testing.T, opts ...deltastore.Option[appModel]) *deltastore.Store[appModel] {
	t.Helper()
	s := deltastore.New(appModel{Name: "initial", Todos: []string{"first"}}, opts...)
	t.Cleanup(s.Close)
	return s
}

func increment(id string) deltastore.Action[appModel] {
	return testutil.UpdateAction(id, func(m appModel) appModel {
		m.Counter++
		return m
	})
}

func TestStore_Mutate(t *testing.T) {
	s := newTestStore(t)

	err := s.Mutate(func(m appModel) appModel {
		m.Name = "renamed"
		return m
	})

	require.NoError(t, err)
	assert.Equal(t, "renamed", s.Snapshot().Name)
}

func TestStore_RunSynchronous(t *testing.T) {
	s := newTestStore(t)

	h := s.Run(testutil.Context(t), increment("inc"), deltastore.WithStrategy(deltastore.Synchronous))

	// Synchronous submissions are settled by the time Run returns.
	assert.Equal(t, deltastore.Completed, h.State())
	assert.Equal(t, 1, s.Snapshot().Counter)
}

func TestStore_RunBackground(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	h := s.Run(ctx, increment("inc"))
	require.NoError(t, h.Await(ctx))

	assert.Equal(t, deltastore.Completed, h.State())
	assert.Equal(t, 1, s.Snapshot().Counter)
}

func TestStore_RunRejection(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)
	boom := errors.New("boom")

	h := s.Run(ctx, &testutil.FuncAction[appModel]{
		ID: "failing",
		Fn: func(context.Context, *deltastore.Mutation[appModel]) error {
			return boom
		},
	})

	assert.ErrorIs(t, h.Await(ctx), boom)
	assert.Equal(t, deltastore.Rejected, h.State())
	assert.Equal(t, 0, s.Snapshot().Counter, "rejected action applied nothing")
}

func TestStore_ApplyRefusedAfterRejection(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	// The action first rejects by returning an error; a later Apply through
	// a leaked mutation frame must be refused.
	var leaked *deltastore.Mutation[appModel]
	h := s.Run(ctx, &testutil.FuncAction[appModel]{
		ID: "leaky",
		Fn: func(_ context.Context, m *deltastore.Mutation[appModel]) error {
			leaked = m
			return errors.New("rejected")
		},
	})
	require.Error(t, h.Await(ctx))

	applied := leaked.Apply(appModel{Name: "smuggled"})
	assert.False(t, applied)
	assert.Equal(t, "initial", s.Snapshot().Name)
}

func TestStore_SequentialComposition(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	// Chain three increments with explicit dependencies; the final counter
	// must reflect all of them exactly once.
	a := s.Run(ctx, increment("incA"))
	b := s.Run(ctx, increment("incB"), deltastore.After(a))
	c := s.Run(ctx, increment("incC"), deltastore.After(b))

	require.NoError(t, c.Await(ctx))
	assert.Equal(t, 3, s.Snapshot().Counter)
	assert.Equal(t, deltastore.Completed, a.State())
	assert.Equal(t, deltastore.Completed, b.State())
}

func TestStore_DependencyFailureCancelsDependent(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)
	boom := errors.New("boom")

	a := s.Run(ctx, &testutil.FuncAction[appModel]{
		ID: "failing",
		Fn: func(context.Context, *deltastore.Mutation[appModel]) error {
			return boom
		},
	})
	b := s.Run(ctx, increment("dependent"), deltastore.After(a))

	err := b.Await(ctx)
	assert.Equal(t, deltastore.Cancelled, b.State())

	var depErr *deltastore.DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.ErrorIs(t, depErr, boom)
	assert.Equal(t, 0, s.Snapshot().Counter, "dependent must never run")
}

func TestStore_DependencyFailureCascadesTransitively(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	a := s.Run(ctx, &testutil.FuncAction[appModel]{
		ID: "failing",
		Fn: func(context.Context, *deltastore.Mutation[appModel]) error {
			return errors.New("boom")
		},
	})
	b := s.Run(ctx, increment("incB"), deltastore.After(a))
	c := s.Run(ctx, increment("incC"), deltastore.After(b))

	require.Error(t, c.Await(ctx))
	assert.Equal(t, deltastore.Cancelled, b.State())
	assert.Equal(t, deltastore.Cancelled, c.State())
	assert.Equal(t, 0, s.Snapshot().Counter, "no transitive dependent may run")
}

func TestStore_DependencyFailureSilentPolicy(t *testing.T) {
	s := newTestStore(t, deltastore.WithDependencyFailurePolicy[appModel](deltastore.CancelSilently))
	ctx := testutil.Context(t)

	a := s.Run(ctx, &testutil.FuncAction[appModel]{
		ID: "failing",
		Fn: func(context.Context, *deltastore.Mutation[appModel]) error {
			return errors.New("boom")
		},
	})
	b := s.Run(ctx, increment("dependent"), deltastore.After(a))

	err := b.Await(ctx)
	assert.ErrorIs(t, err, deltastore.ErrCancelled)

	var depErr *deltastore.DependencyError
	assert.False(t, errors.As(err, &depErr))
}

func TestStore_ThrottleCoalescing(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	throttle := deltastore.WithThrottle("editor", 30*time.Millisecond)
	first := s.Run(ctx, testutil.UpdateAction("save", func(m appModel) appModel {
		m.Name = "draft-1"
		return m
	}), throttle)
	second := s.Run(ctx, testutil.UpdateAction("save", func(m appModel) appModel {
		m.Name = "draft-2"
		return m
	}), throttle)

	require.NoError(t, second.Await(ctx))
	assert.ErrorIs(t, first.Await(ctx), deltastore.ErrCancelled)
	assert.Equal(t, deltastore.Cancelled, first.State())
	assert.Equal(t, "draft-2", s.Snapshot().Name, "only the latest submission commits")
}

func TestStore_CancelRunningIsCooperative(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	gate := testutil.NewGate()
	started := make(chan struct{})
	var once sync.Once
	compensated := false

	action := &testutil.CancellableAction[appModel]{
		FuncAction: testutil.FuncAction[appModel]{
			ID: "long",
			Fn: func(ctx context.Context, m *deltastore.Mutation[appModel]) error {
				once.Do(func() { close(started) })
				gate.Wait(ctx)
				return nil
			},
		},
		OnCancelFn: func(context.Context) { compensated = true },
	}

	h := s.Run(ctx, action)
	<-started
	h.Cancel()
	gate.Open()

	err := h.Await(ctx)
	assert.ErrorIs(t, err, deltastore.ErrCancelled)
	assert.Equal(t, deltastore.Cancelled, h.State())
	assert.True(t, compensated, "cancel hook must run after the action yields")
}

func TestStore_MiddlewareObservesLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	rec := testutil.NewEventRecorder()
	s.RegisterMiddleware(rec)

	h := s.Run(ctx, increment("inc"))
	require.NoError(t, h.Await(ctx))

	testutil.Eventually(t, func() bool {
		return len(rec.StatesFor(h.ID())) == 2
	})
	assert.Equal(t, []deltastore.State{deltastore.Running, deltastore.Completed}, rec.StatesFor(h.ID()))
}

func TestStore_UnregisterMiddleware(t *testing.T) {
	s := newTestStore(t)
	ctx := testutil.Context(t)

	rec := testutil.NewEventRecorder()
	s.RegisterMiddleware(rec)
	s.UnregisterMiddleware(rec)

	h := s.Run(ctx, increment("inc"))
	require.NoError(t, h.Await(ctx))
	assert.Empty(t, rec.Events())
}

func TestStore_DiffPublication(t *testing.T) {
	t.Run("sync policy publishes per transaction", func(t *testing.T) {
		s := newTestStore(t, deltastore.WithDiffPolicy[appModel](deltastore.DiffSync))
		ctx := testutil.Context(t)

		rec := testutil.NewDiffRecorder()
		s.OnDiff(rec.Sink)

		h := s.Run(ctx, testutil.UpdateAction("rename", func(m appModel) appModel {
			m.Name = "renamed"
			m.Counter = 1
			return m
		}))
		require.NoError(t, h.Await(ctx))

		diffs := rec.Diffs()
		require.Len(t, diffs, 1)
		d := diffs[0]
		assert.Equal(t, h.ID(), d.TransactionID)
		assert.Equal(t, "rename", d.ActionID)
		require.Contains(t, d.Diffs, "name")
		assert.Equal(t, deltastore.DiffChanged, d.Diffs["name"].Kind)
		require.Contains(t, d.Diffs, "counter")
		assert.Equal(t, deltastore.DiffChanged, d.Diffs["counter"].Kind)
	})

	t.Run("none policy publishes nothing", func(t *testing.T) {
		s := newTestStore(t, deltastore.WithDiffPolicy[appModel](deltastore.DiffNone))
		ctx := testutil.Context(t)

		rec := testutil.NewDiffRecorder()
		s.OnDiff(rec.Sink)

		h := s.Run(ctx, increment("inc"))
		require.NoError(t, h.Await(ctx))
		assert.Zero(t, rec.Len())
	})

	t.Run("async policy publishes in commit order", func(t *testing.T) {
		s := deltastore.New(appModel{}, deltastore.WithDiffPolicy[appModel](deltastore.DiffAsync))
		ctx := testutil.Context(t)

		rec := testutil.NewDiffRecorder()
		s.OnDiff(rec.Sink)

		var handles []deltastore.Handle
		for i := 0; i < 5; i++ {
			handles = append(handles, s.Run(ctx, increment("inc")))
		}
		require.NoError(t, handles[len(handles)-1].Await(ctx))

		// Close drains the async diff queue.
		s.Close()

		diffs := rec.Diffs()
		require.Len(t, diffs, 5)
		for i, d := range diffs {
			assert.Equal(t, handles[i].ID(), d.TransactionID, "diff order must follow commit order")
		}
	})

	t.Run("identical commit publishes no diff", func(t *testing.T) {
		s := newTestStore(t, deltastore.WithDiffPolicy[appModel](deltastore.DiffSync))
		ctx := testutil.Context(t)

		rec := testutil.NewDiffRecorder()
		s.OnDiff(rec.Sink)

		h := s.Run(ctx, testutil.UpdateAction("noop", func(m appModel) appModel {
			return m
		}))
		require.NoError(t, h.Await(ctx))
		assert.Zero(t, rec.Len(), "an equal snapshot yields an empty diff, which is not published")
	})

	t.Run("unsubscribed sink stops receiving", func(t *testing.T) {
		s := newTestStore(t, deltastore.WithDiffPolicy[appModel](deltastore.DiffSync))
		ctx := testutil.Context(t)

		rec := testutil.NewDiffRecorder()
		unsubscribe := s.OnDiff(rec.Sink)
		unsubscribe()

		h := s.Run(ctx, increment("inc"))
		require.NoError(t, h.Await(ctx))
		assert.Zero(t, rec.Len())
	})
}

// safeBuffer is a minimal thread-safe writer for capturing log output.
type safeBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

func TestStore_DiffLogLine(t *testing.T) {
	buf := &safeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, nil))

	s := newTestStore(t,
		deltastore.WithLogger[appModel](logger),
		deltastore.WithDiffPolicy[appModel](deltastore.DiffSync),
	)
	ctx := testutil.Context(t)

	h := s.Run(ctx, testutil.UpdateAction("rename", func(m appModel) appModel {
		m.Name = "renamed"
		return m
	}))
	require.NoError(t, h.Await(ctx))

	out := buf.String()
	assert.Contains(t, out, "DIFF ("+h.ID()+") rename")
	assert.Contains(t, out, "name: changed")
}

func TestStore_EncodeFlat(t *testing.T) {
	s := newTestStore(t)

	flat := s.EncodeFlat(context.Background())
	assert.Equal(t, []string{"counter", "name", "todos/0"}, flat.Paths())
}
