package deltastore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ObserverSeesEachCommit(t *testing.T) {
	s := newTestStore(t)

	var seen []int
	s.Subscribe(func(m appModel) {
		seen = append(seen, m.Counter)
	})

	require.NoError(t, s.Mutate(func(m appModel) appModel {
		m.Counter = 1
		return m
	}))
	require.NoError(t, s.Mutate(func(m appModel) appModel {
		m.Counter = 2
		return m
	}))

	assert.Equal(t, []int{1, 2}, seen)
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	unsubscribe := s.Subscribe(func(appModel) { calls++ })
	unsubscribe()

	require.NoError(t, s.Mutate(func(m appModel) appModel {
		m.Counter = 1
		return m
	}))
	assert.Zero(t, calls)
}

func TestNotifyObservers_FiresWithoutMutation(t *testing.T) {
	s := newTestStore(t)

	var seen []appModel
	s.Subscribe(func(m appModel) { seen = append(seen, m) })

	s.NotifyObservers()

	require.Len(t, seen, 1)
	assert.Equal(t, "initial", seen[0].Name)
}

func TestPerformWithoutNotifyingObservers(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	s.Subscribe(func(appModel) { calls++ })

	s.PerformWithoutNotifyingObservers(func() {
		require.NoError(t, s.Mutate(func(m appModel) appModel {
			m.Counter = 5
			return m
		}))
	})

	// The mutation committed, only the notification was suppressed.
	assert.Zero(t, calls)
	assert.Equal(t, 5, s.Snapshot().Counter)

	// Suppression is scoped: later commits notify again.
	require.NoError(t, s.Mutate(func(m appModel) appModel {
		m.Counter = 6
		return m
	}))
	assert.Equal(t, 1, calls)
}

func TestPerformWithoutNotifyingObservers_RestoredOnPanic(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	s.Subscribe(func(appModel) { calls++ })

	assert.Panics(t, func() {
		s.PerformWithoutNotifyingObservers(func() {
			panic("boom")
		})
	})

	require.NoError(t, s.Mutate(func(m appModel) appModel {
		m.Counter = 1
		return m
	}))
	assert.Equal(t, 1, calls, "suppression must be lifted after a panic")
}

func TestPerformWithoutNotifyingObservers_Nested(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	s.Subscribe(func(appModel) { calls++ })

	s.PerformWithoutNotifyingObservers(func() {
		s.PerformWithoutNotifyingObservers(func() {})
		// Still inside the outer scope.
		require.NoError(t, s.Mutate(func(m appModel) appModel {
			m.Counter = 1
			return m
		}))
	})

	assert.Zero(t, calls)
}
