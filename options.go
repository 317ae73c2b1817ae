package deltastore

import (
	"log/slog"
	"time"

	"github.com/vk/deltastore/internal/txn"
)

// Option configures a store at construction time.
type Option[M any] func(*Store[M])

// WithLogger sets the structured logger the store publishes DIFF lines and
// scheduling events through. The default logger discards everything.
func WithLogger[M any](logger *slog.Logger) Option[M] {
	return func(s *Store[M]) { s.logger = logger }
}

// WithCodec replaces the default reflection-based codec.
func WithCodec[M any](c Codec[M]) Option[M] {
	return func(s *Store[M]) { s.codec = c }
}

// WithDiffPolicy selects when the store computes structural diffs. The
// default is DiffNone.
func WithDiffPolicy[M any](p DiffPolicy) Option[M] {
	return func(s *Store[M]) { s.policy = p }
}

// WithDependencyFailurePolicy controls whether a failed dependency's error is
// surfaced to its dependents' handles (PropagateError, the default) or
// swallowed (CancelSilently).
func WithDependencyFailurePolicy[M any](p FailurePolicy) Option[M] {
	return func(s *Store[M]) { s.failurePolicy = p }
}

// runConfig collects the per-submission parameters.
type runConfig struct {
	strategy    Strategy
	throttleKey string
	window      time.Duration
	deps        []*txn.Transaction
}

// RunOption configures a single Run submission.
type RunOption func(*runConfig)

// WithStrategy selects the scheduling strategy for this submission.
func WithStrategy(st Strategy) RunOption {
	return func(c *runConfig) { c.strategy = st }
}

// WithThrottle coalesces rapid resubmissions: while a transaction holding
// the same key is still Pending, a new submission cancels and replaces it,
// restarting the window. The window is the delay before the transaction
// becomes eligible to run.
func WithThrottle(key string, window time.Duration) RunOption {
	return func(c *runConfig) {
		c.throttleKey = key
		c.window = window
	}
}

// After declares dependencies: the transaction enters Running only once
// every given handle is terminal, and is cancelled if any of them ends
// Rejected or Cancelled. Only handles returned by Run are accepted; sequence
// handles are ignored.
func After(handles ...Handle) RunOption {
	return func(c *runConfig) {
		for _, h := range handles {
			if t, ok := h.(*txn.Transaction); ok {
				c.deps = append(c.deps, t)
			}
		}
	}
}
