package transport

import (
	"encoding/json"
	"slices"
	"sync"
)

// Handler receives the data of one inbound event.
type Handler func(data json.RawMessage)

// Subscription is a handler registration returned by Session.On.
type Subscription struct {
	session *Session
	event   string
	fn      Handler
	once    sync.Once
}

// On registers fn for event. Handlers survive reconnects; release them with
// Subscription.Close.
func (s *Session) On(event string, fn Handler) *Subscription {
	sub := &Subscription{session: s, event: event, fn: fn}
	s.mu.Lock()
	s.handlers[event] = append(s.handlers[event], sub)
	s.mu.Unlock()
	return sub
}

// Close unregisters the handler. It is safe to call more than once.
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		s := sub.session
		s.mu.Lock()
		defer s.mu.Unlock()
		hs := s.handlers[sub.event]
		if i := slices.Index(hs, sub); i >= 0 {
			s.handlers[sub.event] = slices.Delete(hs, i, i+1)
		}
		if len(s.handlers[sub.event]) == 0 {
			delete(s.handlers, sub.event)
		}
	})
}

func (s *Session) dispatch(f Frame) {
	s.mu.Lock()
	hs := slices.Clone(s.handlers[f.Event])
	s.mu.Unlock()
	for _, h := range hs {
		h.fn(f.Data)
	}
}

// Group collects subscriptions so they can be released together.
type Group struct {
	mu   sync.Mutex
	subs []*Subscription
}

// Add appends subscriptions to the group.
func (g *Group) Add(subs ...*Subscription) {
	g.mu.Lock()
	g.subs = append(g.subs, subs...)
	g.mu.Unlock()
}

// Close releases every subscription in the group.
func (g *Group) Close() {
	g.mu.Lock()
	subs := g.subs
	g.subs = nil
	g.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
}
