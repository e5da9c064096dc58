// Package conversation mounts one chat with a peer: it owns the timeline,
// the outbound pipeline and the typing/presence coordinator of that chat
// and feeds them from the shared transport session.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

var (
	// ErrNoAccount is returned when no signed-in user is stored.
	ErrNoAccount = errors.New("conversation: no signed-in account")
	// ErrClosed is returned by Open once the registry has shut down.
	ErrClosed = errors.New("conversation: closed")
	// ErrNotFound is returned for an unknown message id.
	ErrNotFound = errors.New("conversation: message not found")
	// ErrNotOpen is returned for a conversation id that is not mounted.
	ErrNotOpen = errors.New("conversation: not open")
)

// Session is the part of transport.Session a conversation uses.
type Session interface {
	Connected() bool
	Emit(ctx context.Context, event string, data any) error
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
	On(event string, fn transport.Handler) *transport.Subscription
	Join(ctx context.Context, chatID, userID string) error
	Leave(ctx context.Context, chatID string) error
	SetForeground(fg bool)
}

// Credentials reads the stored account.
type Credentials interface {
	GetCredential(ctx context.Context, key string) (string, error)
}

// Media transfers attachments.
type Media interface {
	outbound.Media
	Download(ctx context.Context, msg message.Message, progress func(float64)) (string, error)
}

// PendingStore lists uploads interrupted by a previous run.
type PendingStore interface {
	PendingUploads(ctx context.Context, conversationID string) ([]store.PendingUpload, error)
	RemovePendingUpload(ctx context.Context, tempID string) error
}

// Deps are shared by every conversation of a daemon.
type Deps struct {
	Session     Session
	Credentials Credentials
	Cache       store.Cache
	Fetcher     timeline.Fetcher
	Media       Media
	Pending     PendingStore
	Bus         *bus.Bus
	Clock       clock.Clock
	Logger      *zap.Logger
	PageSize    int
	CacheLimit  int
}

// ID derives the conversation id of a direct chat.
func ID(selfID, peerID string) string {
	return "u_" + selfID + "_" + peerID
}

// SelfID returns the signed-in account id.
func SelfID(ctx context.Context, creds Credentials) (string, error) {
	raw, err := creds.GetCredential(ctx, store.KeyUserInfo)
	if err != nil {
		return "", fmt.Errorf("read user info: %w", err)
	}
	id := wire.UserID([]byte(raw))
	if id == "" {
		return "", ErrNoAccount
	}
	return id, nil
}

// Conversation is one mounted chat.
type Conversation struct {
	id     string
	selfID string
	peerID string
	d      Deps
	logger *zap.Logger

	tl       *timeline.Controller
	out      *outbound.Pipeline
	presence *presence.Coordinator
	subs     transport.Group
}

// Open mounts the chat with peerID. An empty conversationID is derived
// from the two account ids. Cached messages are painted first, sends left
// over from a previous run are marked failed and, when connected, the
// first history page and the peer's presence are requested.
func Open(ctx context.Context, d Deps, peerID, conversationID string) (*Conversation, error) {
	if peerID == "" {
		return nil, errors.New("conversation: peer id is required")
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	self, err := SelfID(ctx, d.Credentials)
	if err != nil {
		return nil, err
	}
	if conversationID == "" {
		conversationID = ID(self, peerID)
	}
	logger := d.Logger.With(zap.String("conversation_id", conversationID))

	c := &Conversation{id: conversationID, selfID: self, peerID: peerID, d: d, logger: logger}
	c.tl = timeline.New(timeline.Config{
		ConversationID: conversationID,
		SelfID:         self,
		PageSize:       d.PageSize,
		CacheLimit:     d.CacheLimit,
	}, d.Cache, d.Fetcher, d.Bus, d.Clock, d.Logger)
	c.presence = presence.New(presence.Config{
		ConversationID: conversationID,
		SelfID:         self,
		PeerID:         peerID,
	}, d.Session, d.Clock, d.Bus, d.Logger)
	c.out = outbound.New(outbound.Options{
		Timeline:  c.tl,
		Transport: d.Session,
		Media:     d.Media,
		Typing:    c.presence,
		PeerID:    peerID,
		Bus:       d.Bus,
		Clock:     d.Clock,
		Logger:    d.Logger,
	})
	c.subs.Add(
		d.Session.On(transport.EventMessageNew, c.onLive),
		d.Session.On(transport.EventMessageReceived, c.onLive),
	)

	if _, err := c.tl.LoadLocal(ctx); err != nil {
		logger.Warn("cached timeline unavailable", zap.Error(err))
	}
	c.recover(ctx)

	if err := d.Session.Join(ctx, conversationID, self); err != nil {
		logger.Warn("join conversation room", zap.Error(err))
	}
	if d.Session.Connected() {
		c.CatchUp(ctx)
	}
	logger.Info("conversation opened", zap.String("peer_id", peerID), zap.Int("cached", c.tl.Len()))
	return c, nil
}

// recover fails sends interrupted by a previous run so they can be retried.
func (c *Conversation) recover(ctx context.Context) {
	n := c.out.RecoverInterrupted(ctx)
	if c.d.Pending == nil {
		return
	}
	pending, err := c.d.Pending.PendingUploads(ctx, c.id)
	if err != nil {
		c.logger.Warn("list pending uploads", zap.Error(err))
		return
	}
	for _, p := range pending {
		if c.out.MarkFailed(ctx, p.TempID) {
			n++
		}
		if err := c.d.Pending.RemovePendingUpload(ctx, p.TempID); err != nil {
			c.logger.Warn("clear pending upload", zap.String("temp_id", p.TempID), zap.Error(err))
		}
	}
	if n > 0 {
		c.d.Bus.Emit(bus.KindNotice, bus.Notice{Level: "warn", Text: fmt.Sprintf("%d unsent message(s) need a retry", n)})
	}
}

// CatchUp refetches the newest history page and the peer's presence, as
// after opening or reconnecting.
func (c *Conversation) CatchUp(ctx context.Context) {
	if _, err := c.tl.Refresh(ctx); err != nil {
		c.logger.Warn("refresh history", zap.Error(err))
	}
	if err := c.presence.RequestPresence(ctx); err != nil {
		c.logger.Debug("request presence", zap.Error(err))
	}
}

func (c *Conversation) onLive(raw json.RawMessage) {
	m, ok, err := c.tl.IngestLive(context.Background(), raw)
	if err != nil {
		c.logger.Debug("dropping malformed live message", zap.Error(err))
		return
	}
	if ok {
		c.logger.Debug("live message merged", zap.String("message_id", m.Key()))
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string { return c.id }

// PeerID returns the other participant.
func (c *Conversation) PeerID() string { return c.peerID }

// SelfID returns the account messages are sent as.
func (c *Conversation) SelfID() string { return c.selfID }

// Messages returns the merged timeline, newest first.
func (c *Conversation) Messages() []message.Message { return c.tl.Messages() }

// Search filters loaded text messages.
func (c *Conversation) Search(q string) []message.Message { return c.tl.Search(q) }

// Cursor returns the history pagination state.
func (c *Conversation) Cursor() timeline.Cursor { return c.tl.Cursor() }

// LoadMore fetches the next older history page.
func (c *Conversation) LoadMore(ctx context.Context) (timeline.IngestResult, error) {
	return c.tl.LoadMore(ctx)
}

// Refresh refetches the newest history page.
func (c *Conversation) Refresh(ctx context.Context) (timeline.IngestResult, error) {
	return c.tl.Refresh(ctx)
}

// SendText sends a text message.
func (c *Conversation) SendText(ctx context.Context, text string) (message.Message, error) {
	return c.out.SendText(ctx, text)
}

// SendMedia sends the file at src.
func (c *Conversation) SendMedia(ctx context.Context, src string) (message.Message, error) {
	return c.out.SendMedia(ctx, src)
}

// Retry resends a failed message.
func (c *Conversation) Retry(ctx context.Context, id string) (message.Message, error) {
	return c.out.Retry(ctx, id)
}

// Delete removes messages for this account, or for everyone where allowed.
func (c *Conversation) Delete(ctx context.Context, ids []string, forEveryone bool) (int, error) {
	return c.out.Delete(ctx, ids, forEveryone)
}

// Download fetches the attachment of message id and records where it was
// stored. A copy already on the device is returned without a transfer.
func (c *Conversation) Download(ctx context.Context, id string, progress func(float64)) (string, error) {
	m, ok := c.tl.Find(id)
	if !ok {
		return "", ErrNotFound
	}
	if c.d.Media == nil {
		return "", errors.New("conversation: media is not configured")
	}
	path, err := c.d.Media.Download(ctx, m, progress)
	if err != nil {
		return "", err
	}
	if path != m.LocalURI() {
		c.tl.Update(ctx, id, func(m *message.Message) {
			*m = m.WithMedia(func(ref *message.MediaRef) { ref.LocalURI = path })
		})
	}
	return path, nil
}

// InputChanged reports the composer text for typing indication.
func (c *Conversation) InputChanged(ctx context.Context, text string) {
	c.presence.InputChanged(ctx, text)
}

// StopTyping ends the local typing burst, if any.
func (c *Conversation) StopTyping(ctx context.Context) {
	c.presence.StopTyping(ctx)
}

// Presence returns the typing and presence state.
func (c *Conversation) Presence() presence.State { return c.presence.State() }

// Close unmounts the conversation: timers stop, subscriptions are released
// and the room is left.
func (c *Conversation) Close(ctx context.Context) error {
	c.presence.Close(ctx)
	c.out.Close()
	c.subs.Close()
	err := c.d.Session.Leave(ctx, c.id)
	c.logger.Info("conversation closed")
	return err
}
