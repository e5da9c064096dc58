// Package timeline keeps the merged, deduplicated message list of one
// conversation. Local cache, history pages, live events and optimistic
// sends all flow through a single serialized apply step, and every applied
// change is written back to the cache before the next one is accepted.
package timeline

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
)

// Defaults.
const (
	DefaultPageSize    = 20
	DefaultCacheLimit  = 300
	DefaultFuzzyWindow = 5 * time.Second
)

// Reasons carried by timeline.updated events.
const (
	ReasonLocal  = "local"
	ReasonPage   = "page"
	ReasonLive   = "live"
	ReasonInsert = "insert"
	ReasonUpdate = "update"
	ReasonRemove = "remove"
)

// Fetcher loads history pages.
type Fetcher interface {
	FetchMessages(ctx context.Context, q rest.Query) (*rest.Page, error)
}

// Config identifies the conversation and sizes the controller.
type Config struct {
	ConversationID string
	SelfID         string
	PageSize       int
	CacheLimit     int
	// FuzzyWindow is how far apart a page record and a local-only message
	// of ours may be and still be taken for the same send.
	FuzzyWindow time.Duration
}

// Cursor is the history pagination state.
type Cursor struct {
	Page    int
	HasMore bool
	Loading bool
}

// Controller owns one conversation's timeline. It is safe for concurrent use.
type Controller struct {
	cfg     Config
	cache   store.Cache
	fetcher Fetcher
	bus     *bus.Bus
	clock   clock.Clock
	logger  *zap.Logger

	mu     sync.Mutex
	msgs   []message.Message
	cursor Cursor
}

// New creates an empty controller.
func New(cfg Config, cache store.Cache, fetcher Fetcher, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.CacheLimit <= 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}
	if cfg.FuzzyWindow <= 0 {
		cfg.FuzzyWindow = DefaultFuzzyWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		cache:   cache,
		fetcher: fetcher,
		bus:     b,
		clock:   clk,
		logger:  logger.With(zap.String("conversation_id", cfg.ConversationID)),
		cursor:  Cursor{HasMore: true},
	}
}

// ConversationID returns the conversation this controller serves.
func (c *Controller) ConversationID() string { return c.cfg.ConversationID }

// SelfID returns the account id messages are sent as.
func (c *Controller) SelfID() string { return c.cfg.SelfID }

// commitLocked makes next the visible timeline, persists it and announces
// the change. The caller holds c.mu.
func (c *Controller) commitLocked(ctx context.Context, reason string, next []message.Message) {
	c.msgs = message.Dedup(next)
	c.persistLocked(ctx)
	c.bus.Emit(bus.KindTimelineUpdated, bus.TimelineUpdated{
		ConversationID: c.cfg.ConversationID,
		Count:          len(c.msgs),
		Reason:         reason,
	})
}

// persistLocked writes the newest CacheLimit messages. A failure is logged
// and leaves the in-memory timeline as it is.
func (c *Controller) persistLocked(ctx context.Context) {
	if c.cache == nil {
		return
	}
	n := min(len(c.msgs), c.cfg.CacheLimit)
	if err := c.cache.SaveConversation(context.WithoutCancel(ctx), c.cfg.ConversationID, c.msgs[:n]); err != nil {
		c.logger.Error("persist timeline", zap.Error(err))
	}
}

// LoadLocal paints the cached messages. Only records whose identity is not
// already in memory are added; it returns how many were.
func (c *Controller) LoadLocal(ctx context.Context) (int, error) {
	if c.cache == nil {
		return 0, nil
	}
	cached, err := c.cache.LoadConversation(ctx, c.cfg.ConversationID)
	if err != nil {
		c.logger.Error("load cached timeline", zap.Error(err))
		return 0, err
	}
	cached = message.Dedup(cached)

	c.mu.Lock()
	defer c.mu.Unlock()
	next := clone(c.msgs)
	added := 0
	for _, m := range cached {
		if indexOf(next, m) >= 0 {
			continue
		}
		next = append(next, m)
		added++
	}
	if added > 0 {
		c.commitLocked(ctx, ReasonLocal, next)
	}
	c.logger.Debug("local cache loaded", zap.Int("cached", len(cached)), zap.Int("added", added))
	return added, nil
}

// Insert adds a message, merging it with an existing representation of the
// same identity.
func (c *Controller) Insert(ctx context.Context, m message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := clone(c.msgs)
	if i := indexOf(next, m); i >= 0 {
		next[i] = message.Merge(next[i], m)
	} else {
		next = append(next, m.Clone())
	}
	c.commitLocked(ctx, ReasonInsert, next)
}

// Update applies fn to the message carrying id and returns the result.
// It reports false when no message has that id.
func (c *Controller) Update(ctx context.Context, id string, fn func(*message.Message)) (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := indexByID(c.msgs, id)
	if i < 0 {
		return message.Message{}, false
	}
	next := clone(c.msgs)
	m := next[i].Clone()
	fn(&m)
	next[i] = m
	c.commitLocked(ctx, ReasonUpdate, next)
	// The update may have united m with another representation.
	if j := indexByID(c.msgs, id); j >= 0 {
		return c.msgs[j].Clone(), true
	}
	return m, true
}

// Remove deletes every message carrying one of ids and returns how many
// were removed.
func (c *Controller) Remove(ctx context.Context, ids ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make([]message.Message, 0, len(c.msgs))
	removed := 0
	for _, m := range c.msgs {
		if hasAny(m, ids) {
			removed++
			continue
		}
		next = append(next, m)
	}
	if removed > 0 {
		c.commitLocked(ctx, ReasonRemove, next)
	}
	return removed
}

// Find returns the message carrying id.
func (c *Controller) Find(id string) (message.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i := indexByID(c.msgs, id); i >= 0 {
		return c.msgs[i].Clone(), true
	}
	return message.Message{}, false
}

// Messages returns the timeline, newest first.
func (c *Controller) Messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clone(c.msgs)
}

// Len returns the number of visible messages.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// Search returns text messages whose body contains q, ignoring case,
// newest first.
func (c *Controller) Search(q string) []message.Message {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []message.Message
	for _, m := range c.msgs {
		if m.Kind == message.KindText && strings.Contains(strings.ToLower(m.Body), q) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// Cursor returns the pagination state.
func (c *Controller) Cursor() Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func clone(msgs []message.Message) []message.Message {
	out := make([]message.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

func indexOf(msgs []message.Message, m message.Message) int {
	for i := range msgs {
		if message.SameMessage(msgs[i], m) {
			return i
		}
	}
	return -1
}

func indexByID(msgs []message.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range msgs {
		if msgs[i].HasID(id) {
			return i
		}
	}
	return -1
}

func hasAny(m message.Message, ids []string) bool {
	for _, id := range ids {
		if id != "" && m.HasID(id) {
			return true
		}
	}
	return false
}
