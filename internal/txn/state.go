package txn

// State is the lifecycle state of a transaction. Transitions are monotonic
// and one-directional: Pending -> Running -> {Completed, Rejected, Cancelled},
// with Pending -> Cancelled allowed for transactions that never start.
type State int32

const (
	// Pending means the transaction is waiting on its throttle window and
	// dependencies.
	Pending State = iota
	// Running means a worker is currently executing the action.
	Running
	// Completed means the action signalled fulfillment.
	Completed
	// Rejected means the action signalled a business error.
	Rejected
	// Cancelled means the transaction was cancelled externally, superseded by
	// a throttled resubmission, or dragged down by a failed dependency.
	Cancelled
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == Completed || s == Rejected || s == Cancelled
}

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Rejected:
		return "rejected"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
