package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/deltastore"
)

func TestTransactionCollector_CountsTransitions(t *testing.T) {
	c := NewTransactionCollector(nil)

	c.TransactionDidUpdate(deltastore.TransactionEvent{
		TransactionID: "txn-1-a", ActionID: "save", State: deltastore.Running,
	})
	c.TransactionDidUpdate(deltastore.TransactionEvent{
		TransactionID: "txn-1-a", ActionID: "save", State: deltastore.Completed,
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(c.transitions.WithLabelValues("save", "running")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.transitions.WithLabelValues("save", "completed")))
}

func TestTransactionCollector_InflightGauge(t *testing.T) {
	c := NewTransactionCollector(nil)

	c.TransactionDidUpdate(deltastore.TransactionEvent{
		TransactionID: "txn-1-a", ActionID: "save", State: deltastore.Running,
	})
	assert.Equal(t, float64(1), testutil.ToFloat64(c.inflight))

	c.TransactionDidUpdate(deltastore.TransactionEvent{
		TransactionID: "txn-1-a", ActionID: "save", State: deltastore.Completed,
	})
	assert.Equal(t, float64(0), testutil.ToFloat64(c.inflight))
}

func TestTransactionCollector_CancelledFromPendingSkipsGauge(t *testing.T) {
	c := NewTransactionCollector(nil)

	// A transaction cancelled before ever running never incremented the
	// gauge, so its terminal event must not decrement it.
	c.TransactionDidUpdate(deltastore.TransactionEvent{
		TransactionID: "txn-2-b", ActionID: "save", State: deltastore.Cancelled,
	})
	assert.Equal(t, float64(0), testutil.ToFloat64(c.inflight))
}

func TestTransactionCollector_DiffPublished(t *testing.T) {
	c := NewTransactionCollector(nil)

	c.DiffPublished(deltastore.TransactionDiff{})
	c.DiffPublished(deltastore.TransactionDiff{})

	assert.Equal(t, float64(2), testutil.ToFloat64(c.diffs))
}

func TestNewTransactionCollector_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewTransactionCollector(reg)

	families, err := reg.Gather()
	require.NoError(t, err)
	// Counters with no observations gather empty, but the registration
	// itself must not collide or panic.
	assert.NotNil(t, families)

	assert.Panics(t, func() { NewTransactionCollector(reg) }, "double registration must panic")
}
