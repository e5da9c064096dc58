// Package transporttest provides an in-memory chat server for tests of code
// built on transport.Session.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"sync"

	"github.com/matheus3301/chatsync/internal/transport"
)

// Emitted is one event a client sent to the server.
type Emitted struct {
	Event string
	Data  json.RawMessage
}

// Server is a scripted fake of the chat server. The zero value accepts every
// dial and every credential.
type Server struct {
	mu sync.Mutex

	// DialErrs are returned by successive dials before any dial succeeds.
	DialErrs []error
	// Reject makes the handshake fail for the given credential.
	Reject func(h transport.Handshake) (reject bool, message string)
	// RotatedAccess and RotatedRefresh are returned by a successful reauthenticate.
	RotatedAccess  string
	RotatedRefresh string
	// Ack answers requests. Nil acknowledges with {"messageId": "srv_<n>"}.
	Ack func(event string, data json.RawMessage) (json.RawMessage, error)
	// Silent suppresses handshake replies, for timeout tests.
	Silent bool

	dials    []transport.Handshake
	emitted  []Emitted
	conns    []*Conn
	requests int
}

// Dial implements transport.Dialer.
func (s *Server) Dial(_ context.Context, h transport.Handshake) (transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials = append(s.dials, h)
	if len(s.DialErrs) > 0 {
		err := s.DialErrs[0]
		s.DialErrs = s.DialErrs[1:]
		return nil, err
	}
	c := &Conn{server: s, frames: make(chan transport.Frame, 128), hs: h}
	s.conns = append(s.conns, c)
	return c, nil
}

// Dials returns every handshake attempted so far.
func (s *Server) Dials() []transport.Handshake {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Handshake(nil), s.dials...)
}

// Live returns the number of connections not yet closed.
func (s *Server) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

// Emitted returns the events sent by clients, optionally filtered by name.
func (s *Server) Emitted(events ...string) []Emitted {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Emitted
	for _, e := range s.emitted {
		if len(events) == 0 || slices.Contains(events, e.Event) {
			out = append(out, e)
		}
	}
	return out
}

// Push delivers an event to the most recent live connection.
func (s *Server) Push(event string, data any) {
	raw, _ := json.Marshal(data)
	s.mu.Lock()
	c := s.liveLocked()
	s.mu.Unlock()
	if c != nil {
		c.deliver(transport.Frame{Event: event, Data: raw})
	}
}

// Drop ends the most recent live connection from the server side with reason.
func (s *Server) Drop(reason string) {
	s.mu.Lock()
	c := s.liveLocked()
	s.mu.Unlock()
	if c == nil {
		return
	}
	raw, _ := json.Marshal(reason)
	c.deliver(transport.Frame{Event: transport.EventDisconnect, Data: raw})
	_ = c.Close()
}

func (s *Server) liveLocked() *Conn {
	for i := len(s.conns) - 1; i >= 0; i-- {
		if !s.conns[i].isClosed() {
			return s.conns[i]
		}
	}
	return nil
}

// Conn is a fake connection.
type Conn struct {
	server *Server
	hs     transport.Handshake

	mu     sync.Mutex
	frames chan transport.Frame
	closed bool
}

func (c *Conn) Frames() <-chan transport.Frame { return c.frames }

func (c *Conn) Emit(_ context.Context, event string, data any) error {
	if c.isClosed() {
		return transport.ErrClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	s := c.server
	s.mu.Lock()
	s.emitted = append(s.emitted, Emitted{Event: event, Data: raw})
	reject, silent := s.Reject, s.Silent
	rotA, rotR := s.RotatedAccess, s.RotatedRefresh
	s.mu.Unlock()

	if silent {
		return nil
	}
	switch event {
	case transport.EventAuthenticate, transport.EventReauthenticate:
		reply := transport.EventAuthenticated
		if event == transport.EventReauthenticate {
			reply = transport.EventReauthenticated
		}
		if reject != nil {
			if no, msg := reject(c.hs); no {
				c.deliverJSON(reply, map[string]any{"status": false, "message": msg})
				return nil
			}
		}
		body := map[string]any{"sessionId": "sess-1"}
		if event == transport.EventReauthenticate {
			body["accessToken"] = rotA
			body["refreshTokenHash"] = rotR
		}
		c.deliverJSON(reply, map[string]any{"status": true, "message": "ok", "data": body})
	}
	return nil
}

func (c *Conn) Request(ctx context.Context, event string, data any) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, transport.ErrClosed
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	s := c.server
	s.mu.Lock()
	s.emitted = append(s.emitted, Emitted{Event: event, Data: raw})
	s.requests++
	n := s.requests
	ack := s.Ack
	s.mu.Unlock()

	if ack != nil {
		resp, err := ack(event, raw)
		if errors.Is(err, ErrNoAck) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return resp, err
	}
	return json.Marshal(map[string]any{"messageId": "srv_" + strconv.Itoa(n)})
}

// ErrNoAck makes an Ack func withhold the acknowledgement until the caller's
// context expires.
var ErrNoAck = errors.New("transporttest: no ack")

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) deliver(f transport.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.frames <- f
}

func (c *Conn) deliverJSON(event string, v any) {
	raw, _ := json.Marshal(v)
	c.deliver(transport.Frame{Event: event, Data: raw})
}
