package deltastore

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/vk/deltastore/internal/codec"
	"github.com/vk/deltastore/internal/ctxlog"
	"github.com/vk/deltastore/internal/diff"
	"github.com/vk/deltastore/internal/executor"
	"github.com/vk/deltastore/internal/txn"
)

// Store owns a canonical model snapshot and serializes every mutation to it
// through transactions. Stores are safe for concurrent use; Close releases
// the worker goroutines.
type Store[M any] struct {
	id            string
	logger        *slog.Logger
	codec         Codec[M]
	exec          *executor.Executor
	policy        DiffPolicy
	failurePolicy FailurePolicy

	// commitMu makes each model swap atomic with its diff capture. The
	// executor's write gate already serializes transactions tree-wide;
	// commitMu additionally covers lock-free readers calling Snapshot.
	commitMu sync.Mutex
	model    M

	// Child-store wiring; nil on root stores. loadFn reads the sub-value
	// through the lens, transformFn folds a local transform into an atomic
	// parent-level one, parentPublish runs the parent's publication chain.
	loadFn        func() M
	transformFn   func(t *txn.Transaction, fn func(M) M) M
	parentPublish func(ctx context.Context, t *txn.Transaction)

	// lastMu guards the diff baseline and the per-transaction captures. The
	// baseline is the snapshot as of the previous committed mutation; it
	// advances at every commit, whatever the diff policy, together with the
	// committing transaction's capture. Keeping both under the commit lock
	// pins each published change to exactly one transaction even when a
	// child transaction folds in while the owning one is still running.
	lastMu    sync.Mutex
	lastModel M
	pending   map[string]*diffCapture[M]

	obsMu     sync.Mutex
	observers map[int]func(M)
	nextObsID int
	suppress  int

	mwMu       sync.Mutex
	middleware []Middleware

	sinkMu     sync.Mutex
	sinks      map[int]func(TransactionDiff)
	nextSinkID int

	diffQueue *executor.SerialQueue

	closeOnce sync.Once
}

// New creates a root store owning the given initial model snapshot.
func New[M any](initial M, opts ...Option[M]) *Store[M] {
	return newStore(initial, opts, nil)
}

// newStore builds a store. gate is non-nil only for child stores, which share
// their root's write gate so the whole tree has a single writer.
func newStore[M any](initial M, opts []Option[M], gate *sync.Mutex) *Store[M] {
	s := &Store[M]{
		id:        "store-" + uuid.NewString()[:8],
		logger:    slog.New(slog.NewJSONHandler(io.Discard, nil)),
		codec:     codec.Reflect[M]{},
		model:     initial,
		lastModel: initial,
		pending:   make(map[string]*diffCapture[M]),
		observers: make(map[int]func(M)),
		sinks:     make(map[int]func(TransactionDiff)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("store", s.id)
	s.exec = executor.New(executor.WithFailurePolicy(s.failurePolicy), executor.WithWriteGate(gate))
	if s.policy == DiffAsync {
		s.diffQueue = executor.NewSerialQueue("diff")
	}
	return s
}

// ID returns the store's unique identifier, used in log attributes.
func (s *Store[M]) ID() string { return s.id }

// Snapshot returns the current model value. For child stores this reads
// through the lens, so it always equals the corresponding sub-value of the
// parent's snapshot.
func (s *Store[M]) Snapshot() M {
	if s.loadFn != nil {
		return s.loadFn()
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.model
}

// Run builds a transaction for the action and submits it. The returned
// handle resolves when the transaction is terminal: nil for Completed, the
// action's error for Rejected, ErrCancelled or a DependencyError for
// Cancelled. The default strategy is Background.
func (s *Store[M]) Run(ctx context.Context, action Action[M], opts ...RunOption) Handle {
	cfg := runConfig{strategy: Background}
	for _, opt := range opts {
		opt(&cfg)
	}

	var topts []txn.Option
	if cfg.throttleKey != "" {
		topts = append(topts, txn.WithThrottleKey(cfg.throttleKey))
	}
	if len(cfg.deps) > 0 {
		topts = append(topts, txn.WithDependencies(cfg.deps...))
	}
	t := txn.New(action.ActionID(), topts...)
	t.AddListener(s.broadcast)

	ctx = ctxlog.WithLogger(ctx, s.logger)
	s.exec.Submit(ctx, t, s.buildRun(action, t), executor.Submission{
		Strategy:       cfg.strategy,
		ThrottleWindow: cfg.window,
	})
	return t
}

// Mutate performs an implicit synchronous one-shot transaction applying fn
// to the current snapshot. No cancellation, no dependencies; the error is
// the rejection of the underlying transaction, if any.
func (s *Store[M]) Mutate(fn func(M) M) error {
	h := s.Run(context.Background(), mutateAction[M]{fn: fn}, WithStrategy(Synchronous))
	return h.Err()
}

// mutateAction adapts a bare closure to the Action interface for Store.Mutate.
type mutateAction[M any] struct {
	fn func(M) M
}

func (mutateAction[M]) ActionID() string { return "mutate" }

func (a mutateAction[M]) Mutate(_ context.Context, m *Mutation[M]) error {
	m.Update(a.fn)
	return nil
}

// buildRun wraps the action into the closure the executor invokes inside the
// write gate.
func (s *Store[M]) buildRun(action Action[M], t *txn.Transaction) func(context.Context) error {
	return func(ctx context.Context) error {
		m := &Mutation[M]{store: s, t: t}
		err := action.Mutate(ctx, m)
		if t.CancelRequested() {
			if h, ok := action.(CancelHandler); ok {
				h.OnCancel(ctx)
			}
		}
		if m.applied.Load() {
			s.publishChain(ctx, t)
		}
		return err
	}
}

// commit replaces the model with next on behalf of transaction t, folding
// through to the root store when this store is a child, and notifies
// observers at every level along the fold.
func (s *Store[M]) commit(t *txn.Transaction, next M) {
	s.transform(t, func(M) M { return next })
}

func (s *Store[M]) transform(t *txn.Transaction, fn func(M) M) M {
	var next M
	if s.transformFn != nil {
		next = s.transformFn(t, fn)
		s.capture(t, next)
	} else {
		s.commitMu.Lock()
		next = fn(s.model)
		s.model = next
		s.capture(t, next)
		s.commitMu.Unlock()
	}
	s.notify(next)
	return next
}

// diffCapture records the snapshots a transaction's diff will be computed
// between: the baseline at its first commit and its latest committed value.
type diffCapture[M any] struct {
	prev, cur M
}

// capture advances the diff baseline to cur and credits the change to t. A
// transaction that commits several times keeps its original baseline, so its
// eventual diff spans all of them and none of another transaction's.
func (s *Store[M]) capture(t *txn.Transaction, cur M) {
	s.lastMu.Lock()
	rec, ok := s.pending[t.ID()]
	if !ok {
		rec = &diffCapture[M]{prev: s.lastModel}
		s.pending[t.ID()] = rec
	}
	rec.cur = cur
	s.lastModel = cur
	s.lastMu.Unlock()
}

// publishChain runs the post-transaction publication pipeline: ancestors
// first (a child commit is a parent-level commit too), then this store's own
// diff step. Called once per transaction that applied at least one mutation,
// before the transaction's completion signal resolves.
func (s *Store[M]) publishChain(ctx context.Context, t *txn.Transaction) {
	if s.parentPublish != nil {
		s.parentPublish(ctx, t)
	}
	s.diffStep(ctx, t)
}

// diffStep publishes the transaction's structural diff from the snapshots
// captured at its commits. Capture already advanced the baseline, so a no-op
// transaction or a disabled policy just discards its record.
func (s *Store[M]) diffStep(ctx context.Context, t *txn.Transaction) {
	s.lastMu.Lock()
	rec, ok := s.pending[t.ID()]
	delete(s.pending, t.ID())
	s.lastMu.Unlock()
	if !ok {
		return
	}
	prev, cur := rec.prev, rec.cur

	switch s.policy {
	case DiffNone:
	case DiffSync:
		s.publishDiff(ctx, t.ID(), t.ActionID(), prev, cur)
	case DiffAsync:
		txID, actionID := t.ID(), t.ActionID()
		if !s.diffQueue.Enqueue(func() { s.publishDiff(ctx, txID, actionID, prev, cur) }) {
			ctxlog.FromContext(ctx).Debug("Diff queue closed, dropping diff.", "txn", txID)
		}
	}
}

// publishDiff flattens both snapshots, computes the per-path changes and, if
// anything changed, logs the DIFF line and fans the diff out to sinks.
func (s *Store[M]) publishDiff(ctx context.Context, txID, actionID string, prev, cur M) {
	oldFlat := codec.EncodeFlat(ctx, s.codec, prev)
	newFlat := codec.EncodeFlat(ctx, s.codec, cur)
	changes := diff.Compute(oldFlat, newFlat)
	if len(changes) == 0 {
		return
	}
	td := TransactionDiff{TransactionID: txID, ActionID: actionID, Diffs: changes}
	s.logger.Info(td.String())

	s.sinkMu.Lock()
	sinks := make([]func(TransactionDiff), 0, len(s.sinks))
	for _, sink := range s.sinks {
		sinks = append(sinks, sink)
	}
	s.sinkMu.Unlock()
	for _, sink := range sinks {
		sink(td)
	}
}

// broadcast fans a transaction state transition out to the registered
// middleware. It is attached as a listener to every transaction the store
// creates.
func (s *Store[M]) broadcast(t *txn.Transaction, st txn.State) {
	s.mwMu.Lock()
	mws := slices.Clone(s.middleware)
	s.mwMu.Unlock()
	if len(mws) == 0 {
		return
	}
	e := TransactionEvent{
		TransactionID: t.ID(),
		ActionID:      t.ActionID(),
		State:         st,
		Err:           t.Err(),
	}
	for _, mw := range mws {
		mw.TransactionDidUpdate(e)
	}
}

// RegisterMiddleware adds a transaction state-transition listener.
func (s *Store[M]) RegisterMiddleware(mw Middleware) {
	s.mwMu.Lock()
	s.middleware = append(s.middleware, mw)
	s.mwMu.Unlock()
}

// UnregisterMiddleware removes a previously registered middleware (compared
// by identity).
func (s *Store[M]) UnregisterMiddleware(mw Middleware) {
	s.mwMu.Lock()
	s.middleware = slices.DeleteFunc(s.middleware, func(existing Middleware) bool {
		return existing == mw
	})
	s.mwMu.Unlock()
}

// OnDiff registers a sink receiving every published TransactionDiff, in
// commit order. The returned function unregisters it.
func (s *Store[M]) OnDiff(sink func(TransactionDiff)) func() {
	s.sinkMu.Lock()
	id := s.nextSinkID
	s.nextSinkID++
	s.sinks[id] = sink
	s.sinkMu.Unlock()
	return func() {
		s.sinkMu.Lock()
		delete(s.sinks, id)
		s.sinkMu.Unlock()
	}
}

// EncodeFlat encodes the current snapshot and flattens it. Encoding failures
// degrade to an empty mapping.
func (s *Store[M]) EncodeFlat(ctx context.Context) FlatMapping {
	return codec.EncodeFlat(ctx, s.codec, s.Snapshot())
}

// Close drains the store's executor lanes and, when diffing asynchronously,
// the diff queue. Submissions after Close are cancelled. A child store's
// Close does not touch its parent.
func (s *Store[M]) Close() {
	s.closeOnce.Do(func() {
		s.exec.Close()
		if s.diffQueue != nil {
			s.diffQueue.Close()
		}
	})
}
