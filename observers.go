package deltastore

// Subscribe registers an observer invoked with each new snapshot after every
// committed mutation at this store's level. The returned function removes
// the observer.
func (s *Store[M]) Subscribe(fn func(M)) func() {
	s.obsMu.Lock()
	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// NotifyObservers invokes every observer with the current snapshot,
// regardless of whether anything changed. Suppression still applies.
func (s *Store[M]) NotifyObservers() {
	s.notify(s.Snapshot())
}

// PerformWithoutNotifyingObservers runs fn with observer notification
// suppressed. Mutations performed inside the scope still commit to the
// model; only the observation callbacks are skipped. Suppression nests and
// is restored on every exit path, panics included.
func (s *Store[M]) PerformWithoutNotifyingObservers(fn func()) {
	s.obsMu.Lock()
	s.suppress++
	s.obsMu.Unlock()
	defer func() {
		s.obsMu.Lock()
		s.suppress--
		s.obsMu.Unlock()
	}()
	fn()
}

func (s *Store[M]) notify(m M) {
	s.obsMu.Lock()
	if s.suppress > 0 {
		s.obsMu.Unlock()
		return
	}
	fns := make([]func(M), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}
