// Package metrics exposes store activity as Prometheus metrics. The
// collector implements deltastore.Middleware, so it is registered on a store
// like any other transaction listener, and doubles as a diff sink.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vk/deltastore"
)

// TransactionCollector counts transaction state transitions and published
// diffs, and tracks the number of running transactions.
type TransactionCollector struct {
	transitions *prometheus.CounterVec
	inflight    prometheus.Gauge
	diffs       prometheus.Counter

	// running remembers which transactions were observed entering Running,
	// so the in-flight gauge is not decremented for transactions cancelled
	// straight out of Pending.
	running sync.Map
}

// NewTransactionCollector builds the collector and registers its metrics
// with reg. A nil registerer skips registration, which the tests use.
func NewTransactionCollector(reg prometheus.Registerer) *TransactionCollector {
	c := &TransactionCollector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "deltastore_transaction_transitions_total",
			Help: "Transaction state transitions, labelled by action id and resulting state.",
		}, []string{"action", "state"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "deltastore_transactions_inflight",
			Help: "Transactions currently in the Running state.",
		}),
		diffs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "deltastore_diffs_published_total",
			Help: "Structural diffs published after committed transactions.",
		}),
	}
	if reg != nil {
		reg.MustRegister(c.transitions, c.inflight, c.diffs)
	}
	return c
}

// TransactionDidUpdate implements deltastore.Middleware.
func (c *TransactionCollector) TransactionDidUpdate(e deltastore.TransactionEvent) {
	c.transitions.WithLabelValues(e.ActionID, e.State.String()).Inc()

	switch e.State {
	case deltastore.Running:
		c.running.Store(e.TransactionID, struct{}{})
		c.inflight.Inc()
	case deltastore.Completed, deltastore.Rejected, deltastore.Cancelled:
		if _, wasRunning := c.running.LoadAndDelete(e.TransactionID); wasRunning {
			c.inflight.Dec()
		}
	}
}

// DiffPublished counts a published diff; register it with Store.OnDiff.
func (c *TransactionCollector) DiffPublished(deltastore.TransactionDiff) {
	c.diffs.Inc()
}
