// Package txn implements the per-action unit of work: a transaction with a
// monotonic lifecycle state machine, a dependency set, a cooperative
// cancellation flag and a completion signal that resolves exactly once.
package txn

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// sequence orders transaction ids by creation across every store in the
// process.
var sequence atomic.Uint64

// Listener observes a transaction's state transitions. Middleware fanout is
// implemented as a listener registered before submission.
type Listener func(t *Transaction, s State)

// Handle is the caller-facing surface of a scheduled transaction: awaitable,
// cancellable, inspectable.
type Handle interface {
	// ID returns the transaction's unique identifier.
	ID() string
	// State returns the current lifecycle state.
	State() State
	// Done is closed when the transaction reaches a terminal state.
	Done() <-chan struct{}
	// Err returns the terminal error: nil for Completed, the action's error
	// for Rejected, ErrCancelled or a DependencyError for Cancelled. Only
	// meaningful after Done is closed.
	Err() error
	// Await blocks until the transaction is terminal or the context expires.
	Await(ctx context.Context) error
	// Cancel requests cancellation. Pending transactions terminate
	// immediately; Running ones are cancelled cooperatively.
	Cancel()
}

// Transaction is one scheduled execution instance of an action.
type Transaction struct {
	id          string
	actionID    string
	throttleKey string
	seq         uint64
	deps        []*Transaction

	// state transitions are guarded by mu; reads go through the atomic so
	// hot paths never contend with listener bookkeeping.
	state           atomic.Int32
	cancelRequested atomic.Bool

	finishOnce sync.Once
	done       chan struct{}

	mu          sync.Mutex
	err         error
	listeners   []Listener
	cancelHooks []func()
}

// Option configures a transaction at creation time.
type Option func(*Transaction)

// WithThrottleKey marks the transaction as coalescable under the given key.
func WithThrottleKey(key string) Option {
	return func(t *Transaction) { t.throttleKey = key }
}

// WithDependencies declares the transactions that must complete before this
// one may enter Running.
func WithDependencies(deps ...*Transaction) Option {
	return func(t *Transaction) { t.deps = append(t.deps, deps...) }
}

// New creates a Pending transaction for the given action id. Ids are pairwise
// distinct and creation-ordered: a monotonic sequence number joined with a
// random suffix.
func New(actionID string, opts ...Option) *Transaction {
	seq := sequence.Add(1)
	t := &Transaction{
		id:       fmt.Sprintf("txn-%d-%s", seq, uuid.NewString()[:8]),
		actionID: actionID,
		seq:      seq,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ID returns the transaction's unique identifier.
func (t *Transaction) ID() string { return t.id }

// ActionID returns the variant tag of the action being executed.
func (t *Transaction) ActionID() string { return t.actionID }

// Seq returns the creation-order sequence number embedded in the id.
func (t *Transaction) Seq() uint64 { return t.seq }

// ThrottleKey returns the coalescing key, or "" when the transaction is not
// throttled.
func (t *Transaction) ThrottleKey() string { return t.throttleKey }

// Dependencies returns the declared upstream transactions.
func (t *Transaction) Dependencies() []*Transaction { return t.deps }

// State returns the current lifecycle state.
func (t *Transaction) State() State { return State(t.state.Load()) }

// Done is closed once the transaction reaches a terminal state.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Err returns the terminal error. Only meaningful after Done is closed.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Await blocks until the transaction is terminal or ctx expires.
func (t *Transaction) Await(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddListener registers a state-transition observer. Listeners registered
// after a transition has happened do not see it retroactively.
func (t *Transaction) AddListener(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// OnCancel registers a hook fired when cancellation is requested. If
// cancellation was already requested the hook runs immediately. The executor
// uses this to cancel the action's context.
func (t *Transaction) OnCancel(hook func()) {
	t.mu.Lock()
	already := t.cancelRequested.Load()
	if !already {
		t.cancelHooks = append(t.cancelHooks, hook)
	}
	t.mu.Unlock()
	if already {
		hook()
	}
}

// CancelRequested reports whether cancellation has been requested. Actions
// observe this cooperatively; a Running transaction is never interrupted
// preemptively.
func (t *Transaction) CancelRequested() bool { return t.cancelRequested.Load() }

// Begin transitions Pending -> Running. It returns false when the transaction
// was already cancelled or is otherwise no longer Pending, in which case the
// executor must not run the action.
func (t *Transaction) Begin() bool {
	t.mu.Lock()
	if State(t.state.Load()) != Pending || t.cancelRequested.Load() {
		t.mu.Unlock()
		return false
	}
	t.state.Store(int32(Running))
	listeners := slices.Clone(t.listeners)
	t.mu.Unlock()
	for _, l := range listeners {
		l(t, Running)
	}
	return true
}

// Settle resolves a Running transaction once its action has yielded. The
// cooperative cancellation flag wins over the action's own result, then a
// non-nil error rejects, otherwise the transaction completes.
func (t *Transaction) Settle(err error) {
	switch {
	case t.cancelRequested.Load():
		t.finish(Cancelled, ErrCancelled)
	case err != nil:
		t.finish(Rejected, err)
	default:
		t.finish(Completed, nil)
	}
}

// Cancel requests cancellation with the generic ErrCancelled cause.
func (t *Transaction) Cancel() { t.CancelWithCause(ErrCancelled) }

// CancelWithCause requests cancellation carrying a specific cause, e.g. a
// DependencyError when an upstream transaction failed. A Pending transaction
// terminates immediately; a Running one only has its flag set and hooks fired.
func (t *Transaction) CancelWithCause(cause error) {
	t.mu.Lock()
	t.cancelRequested.Store(true)
	hooks := t.cancelHooks
	t.cancelHooks = nil
	current := State(t.state.Load())
	t.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}
	if current == Pending {
		t.finish(Cancelled, cause)
	}
}

// finish moves the transaction to its terminal state exactly once, resolves
// the completion signal and notifies listeners.
func (t *Transaction) finish(final State, err error) {
	t.finishOnce.Do(func() {
		t.mu.Lock()
		t.err = err
		t.state.Store(int32(final))
		listeners := slices.Clone(t.listeners)
		t.mu.Unlock()
		close(t.done)
		for _, l := range listeners {
			l(t, final)
		}
	})
}
