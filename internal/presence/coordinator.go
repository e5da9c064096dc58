// Package presence coordinates typing indicators and the peer's online state
// for one open conversation.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

// TypingTimeout is both the local inactivity window and the remote expiry.
const TypingTimeout = 3 * time.Second

// Peer online states.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

const (
	timerLocal  = "local-typing"
	timerRemote = "remote-typing"
)

// Transport is the part of transport.Session the coordinator needs.
type Transport interface {
	Emit(ctx context.Context, event string, data any) error
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
	On(event string, fn transport.Handler) *transport.Subscription
}

// Config identifies the conversation.
type Config struct {
	ConversationID string
	SelfID         string
	PeerID         string
	Timeout        time.Duration
}

// State is a snapshot of typing and presence.
type State struct {
	LocalTyping  bool
	RemoteTyping bool
	PeerStatus   string
	LastSeen     int64
}

// Coordinator owns the typing timers of one conversation.
type Coordinator struct {
	cfg    Config
	t      Transport
	clock  clock.Clock
	sched  *clock.Scheduler
	bus    *bus.Bus
	logger *zap.Logger
	subs   transport.Group

	mu     sync.Mutex
	state  State
	closed bool
}

// New creates a coordinator and subscribes it to the peer's typing and
// presence events.
func New(cfg Config, t Transport, clk clock.Clock, b *bus.Bus, logger *zap.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = TypingTimeout
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:    cfg,
		t:      t,
		clock:  clk,
		sched:  clock.NewScheduler(clk),
		bus:    b,
		logger: logger.With(zap.String("conversation_id", cfg.ConversationID)),
		state:  State{PeerStatus: StatusOffline},
	}
	for _, ev := range []string{transport.EventTypingStart, transport.EventRecording, transport.EventRecordingUpdate} {
		c.subs.Add(t.On(ev, c.onRemoteTyping))
	}
	c.subs.Add(
		t.On(transport.EventTypingStop, c.onRemoteStop),
		t.On(transport.EventPresenceUpdate, func(raw json.RawMessage) { c.onPresence(raw, "") }),
		t.On(transport.EventUserOnline, func(raw json.RawMessage) { c.onPresence(raw, StatusOnline) }),
		t.On(transport.EventUserOffline, func(raw json.RawMessage) { c.onPresence(raw, StatusOffline) }),
		t.On(transport.EventDisconnect, func(json.RawMessage) { c.onDisconnect() }),
	)
	return c
}

// State returns the current typing and presence snapshot.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// InputChanged reacts to the composer text. The first keystroke of a burst
// emits typing:start; each keystroke re-arms the inactivity timer; empty
// input or inactivity emits typing:stop.
func (c *Coordinator) InputChanged(ctx context.Context, text string) {
	if text == "" {
		c.StopTyping(ctx)
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	// The first caller of a burst claims it; a failed emit gives it back.
	start := !c.state.LocalTyping
	c.state.LocalTyping = true
	c.mu.Unlock()

	if start {
		if err := c.t.Emit(ctx, transport.EventTypingStart, c.typingPayload(true)); err != nil {
			c.logger.Debug("typing start not sent", zap.Error(err))
			c.mu.Lock()
			c.state.LocalTyping = false
			c.mu.Unlock()
			return
		}
	}
	c.sched.Reset(timerLocal, c.cfg.Timeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		c.StopTyping(ctx)
	})
}

// StopTyping ends the local typing burst, if any. Sending a message and
// backgrounding the app call it.
func (c *Coordinator) StopTyping(ctx context.Context) {
	c.sched.Stop(timerLocal)
	c.mu.Lock()
	was := c.state.LocalTyping
	c.state.LocalTyping = false
	c.mu.Unlock()
	if !was {
		return
	}
	if err := c.t.Emit(ctx, transport.EventTypingStop, c.typingPayload(false)); err != nil {
		c.logger.Debug("typing stop not sent", zap.Error(err))
	}
}

func (c *Coordinator) typingPayload(typing bool) map[string]any {
	return map[string]any{
		"chatId":     c.cfg.ConversationID,
		"senderId":   c.cfg.SelfID,
		"receiverId": c.cfg.PeerID,
		"isTyping":   typing,
	}
}

// fromPeer reports whether a typing signal is for this conversation's peer.
func (c *Coordinator) fromPeer(raw json.RawMessage) bool {
	t, err := wire.ParseTyping(raw)
	if err != nil {
		c.logger.Debug("bad typing payload", zap.Error(err))
		return false
	}
	if t.UserID != c.cfg.PeerID {
		return false
	}
	return t.ConversationID == "" || t.ConversationID == c.cfg.ConversationID
}

func (c *Coordinator) onRemoteTyping(raw json.RawMessage) {
	if !c.fromPeer(raw) {
		return
	}
	c.setRemote(true)
	c.sched.Reset(timerRemote, c.cfg.Timeout, func() { c.setRemote(false) })
}

func (c *Coordinator) onRemoteStop(raw json.RawMessage) {
	if !c.fromPeer(raw) {
		return
	}
	c.sched.Stop(timerRemote)
	c.setRemote(false)
}

func (c *Coordinator) setRemote(typing bool) {
	c.mu.Lock()
	if c.closed || c.state.RemoteTyping == typing {
		c.mu.Unlock()
		return
	}
	c.state.RemoteTyping = typing
	c.mu.Unlock()
	c.bus.Emit(bus.KindTypingChanged, bus.TypingChanged{
		ConversationID: c.cfg.ConversationID,
		UserID:         c.cfg.PeerID,
		Typing:         typing,
	})
}

func (c *Coordinator) onPresence(raw json.RawMessage, implied string) {
	p, err := wire.ParsePresence(raw, implied)
	if err != nil {
		c.logger.Debug("bad presence payload", zap.Error(err))
		return
	}
	if p.UserID != c.cfg.PeerID {
		return
	}
	if p.Status == "" {
		p.Status = StatusOffline
	}
	switch {
	case p.Status == StatusOnline:
		p.LastSeen = 0
	case p.LastSeen == 0:
		p.LastSeen = c.clock.Now().UnixMilli()
	}
	c.setPresence(p.Status, p.LastSeen)
}

// onDisconnect clears what can no longer be observed once the live
// connection is gone.
func (c *Coordinator) onDisconnect() {
	c.sched.Stop(timerRemote)
	c.setRemote(false)
	c.mu.Lock()
	lastSeen := c.state.LastSeen
	c.mu.Unlock()
	c.setPresence(StatusOffline, lastSeen)
}

func (c *Coordinator) setPresence(status string, lastSeen int64) {
	c.mu.Lock()
	if c.closed || (c.state.PeerStatus == status && c.state.LastSeen == lastSeen) {
		c.mu.Unlock()
		return
	}
	c.state.PeerStatus = status
	c.state.LastSeen = lastSeen
	c.mu.Unlock()
	c.bus.Emit(bus.KindPresenceChanged, bus.PresenceChanged{UserID: c.cfg.PeerID, Status: status, LastSeen: lastSeen})
}

// RequestPresence asks the server for the peer's presence. Without a live
// connection the peer is shown offline.
func (c *Coordinator) RequestPresence(ctx context.Context) error {
	raw, err := c.t.Request(ctx, transport.EventPresenceManual, map[string]string{"userId": c.cfg.PeerID})
	if err != nil {
		if errors.Is(err, transport.ErrNotConnected) {
			c.mu.Lock()
			lastSeen := c.state.LastSeen
			c.mu.Unlock()
			c.setPresence(StatusOffline, lastSeen)
		}
		return err
	}
	p, err := wire.ParsePresenceReply(raw, c.cfg.PeerID)
	if err != nil {
		return err
	}
	if p.Status == StatusOnline {
		p.LastSeen = 0
	}
	c.setPresence(p.Status, p.LastSeen)
	return nil
}

// Close stops the local typing burst, cancels all timers and releases the
// event subscriptions.
func (c *Coordinator) Close(ctx context.Context) {
	c.StopTyping(ctx)
	c.sched.StopAll()
	c.subs.Close()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
