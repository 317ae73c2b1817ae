package deltastore

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vk/deltastore/internal/txn"
)

// RunSequence runs the actions strictly sequentially: actions[i+1] is only
// submitted once actions[i] has reached a terminal state. A rejection or
// cancellation stops the sequence and the remaining actions are never
// submitted; the returned handle resolves with that terminal error.
// The RunOptions apply to every submission in the sequence.
func (s *Store[M]) RunSequence(ctx context.Context, actions []Action[M], opts ...RunOption) Handle {
	seq := &sequenceHandle{
		id:   "seq-" + uuid.NewString()[:8],
		done: make(chan struct{}),
	}
	go func() {
		seq.state.Store(int32(txn.Running))
		for _, action := range actions {
			if seq.cancelled.Load() {
				seq.finish(txn.Cancelled, txn.ErrCancelled)
				return
			}
			h := s.Run(ctx, action, opts...)
			seq.setCurrent(h)
			<-h.Done()
			if err := h.Err(); err != nil {
				seq.finish(h.State(), err)
				return
			}
		}
		seq.finish(txn.Completed, nil)
	}()
	return seq
}

// sequenceHandle aggregates a chain of per-action transactions behind the
// Handle interface. Its state is coarse: Running while any action of the
// chain is outstanding, then the terminal state of the first failing action
// (or Completed).
type sequenceHandle struct {
	id        string
	state     atomic.Int32
	cancelled atomic.Bool

	finishOnce sync.Once
	done       chan struct{}

	mu      sync.Mutex
	err     error
	current Handle
}

func (h *sequenceHandle) ID() string            { return h.id }
func (h *sequenceHandle) State() State          { return State(h.state.Load()) }
func (h *sequenceHandle) Done() <-chan struct{} { return h.done }

func (h *sequenceHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *sequenceHandle) Await(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the sequence: the in-flight action's transaction is cancelled
// and no further actions are submitted.
func (h *sequenceHandle) Cancel() {
	h.cancelled.Store(true)
	h.mu.Lock()
	current := h.current
	h.mu.Unlock()
	if current != nil {
		current.Cancel()
	}
}

func (h *sequenceHandle) setCurrent(current Handle) {
	h.mu.Lock()
	h.current = current
	h.mu.Unlock()
}

func (h *sequenceHandle) finish(final State, err error) {
	h.finishOnce.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		h.state.Store(int32(final))
		close(h.done)
	})
}
