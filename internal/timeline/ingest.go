package timeline

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/wire"
)

// Meta is the pagination state reported with a history page.
type Meta struct {
	Page    int
	HasMore bool
}

// IngestResult counts what a page did to the timeline.
type IngestResult struct {
	Added   int
	Merged  int
	Dropped int
}

// IngestPage merges one page of history. Malformed records are dropped and
// counted. A record matching an in-memory message by id, or one of ours
// matching a local-only message within the fuzzy window, is merged into it.
func (c *Controller) IngestPage(ctx context.Context, records []json.RawMessage, meta Meta) IngestResult {
	now := c.clock.Now()
	parsed := make([]message.Message, 0, len(records))
	var res IngestResult
	for _, raw := range records {
		m, err := wire.ParseMessage(raw, c.cfg.SelfID, c.cfg.ConversationID, now)
		if err != nil {
			c.logger.Debug("dropping malformed history record", zap.Error(err))
			res.Dropped++
			continue
		}
		if m.ConversationID != c.cfg.ConversationID {
			res.Dropped++
			continue
		}
		parsed = append(parsed, m)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := clone(c.msgs)
	for _, m := range parsed {
		i := indexOf(next, m)
		if i < 0 && m.SenderID == c.cfg.SelfID {
			i = c.fuzzyMatch(next, m)
		}
		if i < 0 {
			next = append(next, m)
			res.Added++
			continue
		}
		next[i] = c.promote(message.Merge(next[i], m))
		res.Merged++
	}
	if meta.Page >= c.cursor.Page {
		c.cursor.Page = meta.Page
		c.cursor.HasMore = meta.HasMore
	}
	c.commitLocked(ctx, ReasonPage, next)

	if res.Dropped > 0 {
		c.bus.Emit(bus.KindTimelineDropped, bus.TimelineDropped{ConversationID: c.cfg.ConversationID, Dropped: res.Dropped})
	}
	return res
}

// fuzzyMatch finds a local-only message of ours sent within the fuzzy window
// of m. The closest one wins.
func (c *Controller) fuzzyMatch(msgs []message.Message, m message.Message) int {
	best, bestDelta := -1, int64(-1)
	window := c.cfg.FuzzyWindow.Milliseconds()
	for i, local := range msgs {
		if local.ServerID != "" || local.SenderID != m.SenderID {
			continue
		}
		delta := local.CreatedAt - m.CreatedAt
		if delta < 0 {
			delta = -delta
		}
		if delta >= window {
			continue
		}
		if best < 0 || delta < bestDelta {
			best, bestDelta = i, delta
		}
	}
	return best
}

// promote marks a server-confirmed message of ours as at least sent.
func (c *Controller) promote(m message.Message) message.Message {
	m.Synced = true
	if m.SenderID == c.cfg.SelfID && m.Status.Rank() < message.StatusSent.Rank() {
		m.Status = message.StatusSent
	}
	return m
}

// IngestLive merges one live message payload. Payloads for another
// conversation are ignored. It returns the visible message and whether the
// payload was applied.
func (c *Controller) IngestLive(ctx context.Context, raw json.RawMessage) (message.Message, bool, error) {
	m, err := wire.ParseMessage(raw, c.cfg.SelfID, "", c.clock.Now())
	if err != nil {
		c.bus.Emit(bus.KindTimelineDropped, bus.TimelineDropped{ConversationID: c.cfg.ConversationID, Dropped: 1})
		return message.Message{}, false, err
	}
	if m.ConversationID != c.cfg.ConversationID {
		return message.Message{}, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	next := clone(c.msgs)
	if i := indexOf(next, m); i >= 0 {
		next[i] = message.Merge(next[i], m)
		if m.SenderID == c.cfg.SelfID {
			next[i] = c.promote(next[i])
		}
	} else {
		next = append(next, m)
	}
	c.commitLocked(ctx, ReasonLive, next)
	if i := indexOf(c.msgs, m); i >= 0 {
		return c.msgs[i].Clone(), true, nil
	}
	return m, true, nil
}

// LoadMore fetches the next history page. It is a no-op while a load is in
// flight or when the server reported no more pages.
func (c *Controller) LoadMore(ctx context.Context) (IngestResult, error) {
	c.mu.Lock()
	if c.cursor.Loading || !c.cursor.HasMore {
		c.mu.Unlock()
		return IngestResult{}, nil
	}
	page := c.cursor.Page + 1
	c.mu.Unlock()
	return c.fetch(ctx, page)
}

// Refresh refetches the first history page.
func (c *Controller) Refresh(ctx context.Context) (IngestResult, error) {
	c.mu.Lock()
	if c.cursor.Loading {
		c.mu.Unlock()
		return IngestResult{}, nil
	}
	c.mu.Unlock()
	return c.fetch(ctx, 1)
}

func (c *Controller) fetch(ctx context.Context, page int) (IngestResult, error) {
	if c.fetcher == nil {
		return IngestResult{}, nil
	}
	c.mu.Lock()
	if c.cursor.Loading {
		c.mu.Unlock()
		return IngestResult{}, nil
	}
	c.cursor.Loading = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.cursor.Loading = false
		c.mu.Unlock()
	}()

	p, err := c.fetcher.FetchMessages(ctx, rest.Query{
		ConversationID: c.cfg.ConversationID,
		Page:           page,
		Limit:          c.cfg.PageSize,
	})
	if err != nil {
		c.logger.Warn("fetch history page", zap.Int("page", page), zap.Error(err))
		return IngestResult{}, err
	}
	res := c.IngestPage(ctx, p.Docs, Meta{Page: page, HasMore: p.HasNextPage})
	c.logger.Debug("history page merged",
		zap.Int("page", page),
		zap.Int("added", res.Added),
		zap.Int("merged", res.Merged),
		zap.Int("dropped", res.Dropped))
	return res, nil
}
