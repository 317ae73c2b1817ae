package testutil

import (
	"sync"

	"github.com/vk/deltastore"
)

// EventRecorder is a middleware capturing every transaction event in order.
type EventRecorder struct {
	mu     sync.Mutex
	events []deltastore.TransactionEvent
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) TransactionDidUpdate(e deltastore.TransactionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *EventRecorder) Events() []deltastore.TransactionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]deltastore.TransactionEvent, len(r.events))
	copy(out, r.events)
	return out
}

// StatesFor returns the recorded state sequence of one transaction.
func (r *EventRecorder) StatesFor(txID string) []deltastore.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []deltastore.State
	for _, e := range r.events {
		if e.TransactionID == txID {
			out = append(out, e.State)
		}
	}
	return out
}

// DiffRecorder collects published diffs; register it with Store.OnDiff.
type DiffRecorder struct {
	mu    sync.Mutex
	diffs []deltastore.TransactionDiff
}

func NewDiffRecorder() *DiffRecorder {
	return &DiffRecorder{}
}

func (r *DiffRecorder) Sink(d deltastore.TransactionDiff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diffs = append(r.diffs, d)
}

func (r *DiffRecorder) Diffs() []deltastore.TransactionDiff {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]deltastore.TransactionDiff, len(r.diffs))
	copy(out, r.diffs)
	return out
}

func (r *DiffRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}
