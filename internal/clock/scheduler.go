package clock

import (
	"sync"
	"time"
)

// Scheduler owns a set of named timers that can be released as a unit.
// Resetting a name replaces its pending timer instead of stacking a second one.
type Scheduler struct {
	clock Clock

	mu     sync.Mutex
	timers map[string]*entry
	closed bool
}

type entry struct {
	timer Timer
}

// NewScheduler creates a scheduler on the given clock.
func NewScheduler(c Clock) *Scheduler {
	if c == nil {
		c = Real()
	}
	return &Scheduler{clock: c, timers: make(map[string]*entry)}
}

// Reset arms name to run f after d, cancelling any earlier arming of name.
// It is a no-op after StopAll.
func (s *Scheduler) Reset(name string, d time.Duration, f func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[name]; ok {
		old.timer.Stop()
	}
	e := &entry{}
	e.timer = s.clock.AfterFunc(d, func() {
		s.mu.Lock()
		// A later Reset may have replaced this entry while it was firing.
		if s.timers[name] != e {
			s.mu.Unlock()
			return
		}
		delete(s.timers, name)
		s.mu.Unlock()
		f()
	})
	s.timers[name] = e
}

// Stop cancels name. It reports whether a pending timer was cancelled.
func (s *Scheduler) Stop(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[name]
	if !ok {
		return false
	}
	delete(s.timers, name)
	return e.timer.Stop()
}

// Active reports whether name has a pending timer.
func (s *Scheduler) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// StopAll cancels every pending timer and rejects further Reset calls.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, name)
	}
	s.closed = true
}
