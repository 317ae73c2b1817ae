// Package executor schedules transactions for a store. It enforces the
// single-writer rule (at most one transaction mutating the model at a time),
// dependency ordering (a transaction never starts before all of its
// dependencies are terminal), per-key throttle coalescing, and one of three
// dispatch strategies per submission.
//
// The three strategies differ only in where the caller's control returns and
// which goroutine performs the mutation; all of them serialize through the
// same write gate:
//   - Synchronous runs the transaction to commit before Submit returns.
//   - Background queues it on a dedicated FIFO worker goroutine.
//   - Affinity queues it on a second designated serial goroutine, kept apart
//     from Background so affinity-bound work is never stuck behind bulk jobs.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/vk/deltastore/internal/ctxlog"
	"github.com/vk/deltastore/internal/txn"
)

// Strategy selects where a transaction executes and when control returns.
type Strategy int

const (
	// Synchronous runs the transaction to commit before Submit returns.
	Synchronous Strategy = iota
	// Background queues the transaction on the FIFO background worker.
	Background
	// Affinity queues the transaction on the designated affinity worker.
	Affinity
)

// String returns the lower-case name of the strategy.
func (s Strategy) String() string {
	switch s {
	case Synchronous:
		return "synchronous"
	case Background:
		return "background"
	case Affinity:
		return "affinity"
	default:
		return "unknown"
	}
}

// FailurePolicy decides what a dependent transaction's handle resolves with
// when a dependency ends Rejected or Cancelled. The dependent is cancelled
// either way; the policy only controls whether the cause is surfaced.
type FailurePolicy int

const (
	// PropagateError resolves the dependent with a DependencyError wrapping
	// the dependency's own error.
	PropagateError FailurePolicy = iota
	// CancelSilently resolves the dependent with the plain ErrCancelled.
	CancelSilently
)

// throttleEntry tracks the still-Pending transaction currently holding a
// throttle key, together with its window timer.
type throttleEntry struct {
	t     *txn.Transaction
	timer *time.Timer
}

// Executor schedules transactions for one store.
type Executor struct {
	// gate is the single-writer boundary. Stores in one parent/child tree
	// share the root's gate so at most one transaction mutates the tree's
	// canonical model at any instant.
	gate   *sync.Mutex
	policy FailurePolicy

	background *SerialQueue
	affinity   *SerialQueue

	thmu      sync.Mutex
	throttled map[string]*throttleEntry

	wg        sync.WaitGroup
	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

// Option configures an executor.
type Option func(*Executor)

// WithFailurePolicy overrides the dependency failure policy. The default is
// PropagateError.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(e *Executor) { e.policy = p }
}

// WithWriteGate makes the executor serialize through an existing write gate
// instead of its own. A child store's executor is built with its root's gate.
// A nil gate is ignored.
func WithWriteGate(gate *sync.Mutex) Option {
	return func(e *Executor) {
		if gate != nil {
			e.gate = gate
		}
	}
}

// New creates an executor with both worker lanes running.
func New(opts ...Option) *Executor {
	e := &Executor{
		gate:       &sync.Mutex{},
		policy:     PropagateError,
		background: NewSerialQueue("background"),
		affinity:   NewSerialQueue("affinity"),
		throttled:  make(map[string]*throttleEntry),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Gate returns the executor's write gate, for sharing with child executors.
func (e *Executor) Gate() *sync.Mutex { return e.gate }

// gateKey marks a context as running inside a specific write gate.
type gateKey struct{}

// withGate stamps ctx as holding the gate; runOne sets it before invoking
// the action so reentrant synchronous submissions can recognize it.
func withGate(ctx context.Context, gate *sync.Mutex) context.Context {
	return context.WithValue(ctx, gateKey{}, gate)
}

func clearGate(ctx context.Context) context.Context {
	return context.WithValue(ctx, gateKey{}, (*sync.Mutex)(nil))
}

// gateHeld reports whether ctx was stamped as already holding this gate.
func gateHeld(ctx context.Context, gate *sync.Mutex) bool {
	held, _ := ctx.Value(gateKey{}).(*sync.Mutex)
	return held == gate
}

// Submission carries the per-submission scheduling parameters.
type Submission struct {
	Strategy Strategy
	// ThrottleWindow is the delay before a throttled transaction becomes
	// eligible to run. Only consulted when the transaction carries a
	// throttle key.
	ThrottleWindow time.Duration
}

// Submit schedules the transaction. run is invoked inside the write gate on
// the goroutine chosen by the strategy; its error becomes the transaction's
// rejection. Submit does not block for Background and Affinity strategies.
func (e *Executor) Submit(ctx context.Context, t *txn.Transaction, run func(context.Context) error, sub Submission) {
	logger := ctxlog.FromContext(ctx).With("txn", t.ID(), "action", t.ActionID(), "strategy", sub.Strategy.String())
	ctx = ctxlog.WithLogger(ctx, logger)

	e.closedMu.Lock()
	if e.closed {
		e.closedMu.Unlock()
		logger.Warn("Submission after executor close, cancelling transaction.")
		t.Cancel()
		return
	}
	if sub.Strategy != Synchronous {
		// Gate goroutines and lane workers outlive the caller; their
		// lifetime is bounded by the executor, not the submitting context.
		// They also take the write gate themselves, so a marker inherited
		// from an in-gate submitter must not travel with them.
		ctx = clearGate(context.WithoutCancel(ctx))
		e.wg.Add(1)
	}
	e.closedMu.Unlock()

	var window <-chan time.Time
	if t.ThrottleKey() != "" && sub.ThrottleWindow > 0 {
		window = e.claimThrottleKey(ctx, t, sub.ThrottleWindow)
	}

	if sub.Strategy == Synchronous {
		if e.eligible(ctx, t, window) {
			e.runOne(ctx, t, run)
		}
		return
	}

	target := e.laneFor(sub.Strategy)
	if window == nil && len(t.Dependencies()) == 0 {
		// Nothing gates this transaction, so enqueue inline to keep lane
		// order identical to submission order.
		e.enqueue(ctx, target, t, run)
		e.wg.Done()
		return
	}
	go func() {
		defer e.wg.Done()
		if e.eligible(ctx, t, window) {
			e.enqueue(ctx, target, t, run)
		}
	}()
}

func (e *Executor) laneFor(s Strategy) *SerialQueue {
	if s == Affinity {
		return e.affinity
	}
	return e.background
}

func (e *Executor) enqueue(ctx context.Context, target *SerialQueue, t *txn.Transaction, run func(context.Context) error) {
	if !target.Enqueue(func() { e.runOne(ctx, t, run) }) {
		ctxlog.FromContext(ctx).Warn("Worker lane closed, cancelling transaction.", "lane", target.name)
		t.Cancel()
	}
}

/// eligible blocks until the transaction may run: the throttle window has
// elapsed and every dependency is terminal. It returns false when the
// transaction was cancelled while waiting or a dependency failed.
func (e *Executor) eligible(ctx context.Context, t *txn.Transaction, window <-chan time.Time) bool {
	logger := ctxlog.FromContext(ctx)

	if window != nil {
		select {
		case <-window:
		case <-t.Done():
			logger.Debug("Transaction cancelled inside its throttle window.")
			return false
		}
	}

	for _, dep := range t.Dependencies() {
		select {
		case <-dep.Done():
		case <-t.Done():
			logger.Debug("Transaction cancelled while waiting on a dependency.", "dependency", dep.ID())
			return false
		}
		if dep.State() != txn.Completed {
			logger.Warn("Cancelling transaction due to failed dependency.",
				"dependency", dep.ID(), "dependencyState", dep.State().String())
			t.CancelWithCause(e.dependencyCause(dep))
			return false
		}
	}
	return true
}

// dependencyCause builds the terminal error for a dependency-forced
// cancellation according to the failure policy.
func (e *Executor) dependencyCause(dep *txn.Transaction) error {
	if e.policy == CancelSilently {
		return txn.ErrCancelled
	}
	return &txn.DependencyError{DependencyID: dep.ID(), Cause: dep.Err()}
}

// runOne executes one eligible transaction inside the write gate.
func (e *Executor) runOne(ctx context.Context, t *txn.Transaction, run func(context.Context) error) {
	logger := ctxlog.FromContext(ctx)
	if !t.Begin() {
		logger.Debug("Skipping transaction, no longer pending.", "state", t.State().String())
		return
	}

	// A synchronous submission made from inside a gated action already holds
	// the gate; taking it again would deadlock, so it runs reentrantly.
	if !gateHeld(ctx, e.gate) {
		e.gate.Lock()
		defer e.gate.Unlock()
		ctx = withGate(ctx, e.gate)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	t.OnCancel(cancel)

	err := run(runCtx)
	t.Settle(err)
	logger.Debug("Transaction settled.", "state", t.State().String())
}

// claimThrottleKey registers t as the current holder of its throttle key,
// cancelling and replacing a previous still-Pending holder, and returns the
// channel that fires when the window elapses. The window timer is stopped as
// soon as the transaction leaves Pending so a stale timer never fires.
func (e *Executor) claimThrottleKey(ctx context.Context, t *txn.Transaction, window time.Duration) <-chan time.Time {
	key := t.ThrottleKey()
	timer := time.NewTimer(window)

	e.thmu.Lock()
	prev := e.throttled[key]
	e.throttled[key] = &throttleEntry{t: t, timer: timer}
	e.thmu.Unlock()

	if prev != nil {
		prev.timer.Stop()
		if prev.t.State() == txn.Pending {
			ctxlog.FromContext(ctx).Debug("Superseding throttled transaction.",
				"throttleKey", key, "superseded", prev.t.ID())
			prev.t.Cancel()
		}
	}

	t.AddListener(func(tt *txn.Transaction, _ txn.State) {
		// First transition out of Pending; the key is no longer coalescable.
		timer.Stop()
		e.thmu.Lock()
		if cur, ok := e.throttled[key]; ok && cur.t == tt {
			delete(e.throttled, key)
		}
		e.thmu.Unlock()
	})
	return timer.C
}

// Close waits for in-flight gating to finish and drains both worker lanes.
// Submissions after Close are cancelled.
func (e *Executor) Close() {
	e.closeOnce.Do(func() {
		e.closedMu.Lock()
		e.closed = true
		e.closedMu.Unlock()
		e.wg.Wait()
		e.background.Close()
		e.affinity.Close()
	})
}
