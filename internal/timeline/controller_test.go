package timeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
)

const base = int64(1_700_000_000_000)

func testCache(t *testing.T) *store.BoltCache {
	t.Helper()
	c, err := store.OpenBolt(filepath.Join(t.TempDir(), "cache.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newController(t *testing.T, cache store.Cache, fetcher Fetcher, b *bus.Bus) *Controller {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	return New(Config{ConversationID: "c1", SelfID: "me"}, cache, fetcher, b,
		clock.NewFake(time.UnixMilli(base)), logger)
}

func doc(fields map[string]any) json.RawMessage {
	out := map[string]any{"chatId": "c1", "messageType": "text"}
	for k, v := range fields {
		out[k] = v
	}
	raw, _ := json.Marshal(out)
	return raw
}

func ids(msgs []message.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func TestLoadLocalAddsOnlyNewIdentities(t *testing.T) {
	ctx := context.Background()
	cache := testCache(t)
	if err := cache.SaveConversation(ctx, "c1", []message.Message{
		{ServerID: "s1", ConversationID: "c1", SenderID: "peer", CreatedAt: base},
		{ServerID: "s2", ConversationID: "c1", SenderID: "peer", CreatedAt: base + 1},
	}); err != nil {
		t.Fatal(err)
	}
	// Writes are discarded so the insert below does not overwrite the cache.
	c := newController(t, readOnlyCache{cache}, nil, nil)
	c.Insert(ctx, message.Message{ServerID: "s2", ConversationID: "c1", SenderID: "peer", CreatedAt: base + 1, Body: "live"})

	added, err := c.LoadLocal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1", added)
	}
	got := c.Messages()
	if len(got) != 2 || got[0].Body != "live" {
		t.Errorf("messages = %+v", got)
	}
}

func TestOptimisticSendUnitesWithServerEcho(t *testing.T) {
	ctx := context.Background()
	c := newController(t, testCache(t), nil, nil)
	c.Insert(ctx, message.Message{
		LocalID: "t1", TempID: "t1", ConversationID: "c1", SenderID: "me", Kind: message.KindImage,
		CreatedAt: base, Status: message.StatusSending,
		Media: &message.MediaRef{LocalURI: "/sent/a.jpg"},
	})

	got, ok, err := c.IngestLive(ctx, doc(map[string]any{
		"_id": "s1", "tempId": "t1", "senderId": "me", "messageType": "image",
		"mediaUrl": "https://cdn/a.jpg", "createdAt": base + 20,
	}))
	if err != nil || !ok {
		t.Fatalf("IngestLive() = %v, %v", ok, err)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1: %v", c.Len(), ids(c.Messages()))
	}
	if got.ServerID != "s1" || got.LocalURI() != "/sent/a.jpg" || got.RemoteURL() != "https://cdn/a.jpg" {
		t.Errorf("merged = %+v media=%+v", got, got.Media)
	}
	if got.Status != message.StatusSent || !got.Synced {
		t.Errorf("status = %q synced = %v", got.Status, got.Synced)
	}
	if f, ok := c.Find("t1"); !ok || f.ServerID != "s1" {
		t.Error("message no longer found by its temp id")
	}
}

func TestIngestPageFuzzyMatchesOwnLocalOnly(t *testing.T) {
	ctx := context.Background()
	c := newController(t, testCache(t), nil, nil)
	c.Insert(ctx, message.Message{LocalID: "t1", TempID: "t1", ConversationID: "c1", SenderID: "me",
		Body: "hi", CreatedAt: base, Status: message.StatusFailed,
		Media: &message.MediaRef{LocalURI: "/sent/x.png"}})
	c.Insert(ctx, message.Message{LocalID: "t2", TempID: "t2", ConversationID: "c1", SenderID: "me",
		Body: "later", CreatedAt: base + 60_000, Status: message.StatusSending})

	res := c.IngestPage(ctx, []json.RawMessage{
		doc(map[string]any{"_id": "s1", "senderId": "me", "text": "hi", "createdAt": base + 3000}),
		doc(map[string]any{"_id": "s9", "senderId": "me", "text": "other", "createdAt": base + 30_000}),
		doc(map[string]any{"_id": "p1", "senderId": "peer", "text": "yo", "createdAt": base + 1000}),
	}, Meta{Page: 1, HasMore: true})

	if res.Merged != 1 || res.Added != 2 || res.Dropped != 0 {
		t.Errorf("result = %+v", res)
	}
	m, ok := c.Find("s1")
	if !ok || m.LocalID != "t1" || m.LocalURI() != "/sent/x.png" {
		t.Fatalf("fuzzy merge lost local fields: %+v", m)
	}
	if m.Status != message.StatusSent || !m.Synced {
		t.Errorf("promotion: status=%q synced=%v", m.Status, m.Synced)
	}
	if later, _ := c.Find("t2"); later.ServerID != "" {
		t.Error("message outside the window was merged")
	}
	if cur := c.Cursor(); cur.Page != 1 || !cur.HasMore {
		t.Errorf("cursor = %+v", cur)
	}
}

func TestIngestPageDropsMalformed(t *testing.T) {
	b := bus.New()
	dropped, unsub := b.Subscribe(bus.KindTimelineDropped, 1)
	defer unsub()
	c := newController(t, testCache(t), nil, b)

	res := c.IngestPage(context.Background(), []json.RawMessage{
		json.RawMessage(`not json`),
		doc(map[string]any{"_id": "s1"}),
		doc(map[string]any{"_id": "s2", "senderId": "peer", "createdAt": "yesterday"}),
		doc(map[string]any{"_id": "s3", "senderId": "peer", "createdAt": base}),
	}, Meta{Page: 1})

	if res.Dropped != 3 || res.Added != 1 {
		t.Errorf("result = %+v", res)
	}
	select {
	case evt := <-dropped:
		if evt.Payload.(bus.TimelineDropped).Dropped != 3 {
			t.Errorf("dropped event = %+v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no dropped event")
	}
}

func TestIngestLiveIgnoresOtherConversation(t *testing.T) {
	c := newController(t, testCache(t), nil, nil)
	_, ok, err := c.IngestLive(context.Background(), json.RawMessage(
		`{"_id":"s1","chatId":"c2","senderId":"peer","text":"hi","createdAt":1}`))
	if err != nil || ok {
		t.Errorf("IngestLive() = %v, %v; want ignored", ok, err)
	}
	if c.Len() != 0 {
		t.Error("foreign message entered the timeline")
	}
}

func TestOrderingNewestFirstStable(t *testing.T) {
	ctx := context.Background()
	c := newController(t, testCache(t), nil, nil)
	c.IngestPage(ctx, []json.RawMessage{
		doc(map[string]any{"_id": "a", "senderId": "peer", "createdAt": base}),
		doc(map[string]any{"_id": "b", "senderId": "peer", "createdAt": base + 10}),
		doc(map[string]any{"_id": "c", "senderId": "peer", "createdAt": base}),
		doc(map[string]any{"_id": "d", "senderId": "peer", "createdAt": base + 10}),
	}, Meta{Page: 1})

	got := ids(c.Messages())
	want := []string{"b", "d", "a", "c"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestPersistsNewestWithinLimit(t *testing.T) {
	ctx := context.Background()
	cache := testCache(t)
	c := New(Config{ConversationID: "c1", SelfID: "me", CacheLimit: 3}, cache, nil, nil, nil, nil)
	for i := 0; i < 5; i++ {
		c.Insert(ctx, message.Message{ServerID: fmt.Sprintf("s%d", i), ConversationID: "c1", SenderID: "peer", CreatedAt: base + int64(i)})
	}

	saved, err := cache.LoadConversation(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(saved); fmt.Sprint(got) != "[s4 s3 s2]" {
		t.Errorf("persisted = %v, want newest three", got)
	}
}

type readOnlyCache struct{ store.Cache }

func (readOnlyCache) SaveConversation(context.Context, string, []message.Message) error { return nil }

type failingCache struct{ store.Cache }

func (failingCache) SaveConversation(context.Context, string, []message.Message) error {
	return &store.PersistenceError{Op: "save", Err: errors.New("disk full")}
}

func TestPersistFailureKeepsMemoryState(t *testing.T) {
	c := newController(t, failingCache{}, nil, nil)
	c.Insert(context.Background(), message.Message{ServerID: "s1", ConversationID: "c1", SenderID: "peer", CreatedAt: base})
	if c.Len() != 1 {
		t.Error("in-memory insert undone by persistence failure")
	}
}

func TestUpdateRemoveSearch(t *testing.T) {
	ctx := context.Background()
	c := newController(t, testCache(t), nil, nil)
	c.Insert(ctx, message.Message{ServerID: "s1", ConversationID: "c1", SenderID: "peer", Kind: message.KindText, Body: "Hello there", CreatedAt: base})
	c.Insert(ctx, message.Message{ServerID: "s2", ConversationID: "c1", SenderID: "me", Kind: message.KindText, Body: "hello back", CreatedAt: base + 1})
	c.Insert(ctx, message.Message{ServerID: "s3", ConversationID: "c1", SenderID: "me", Kind: message.KindImage, Body: "hello.png", CreatedAt: base + 2})

	if got := ids(c.Search("HELLO")); fmt.Sprint(got) != "[s2 s1]" {
		t.Errorf("Search() = %v", got)
	}
	if c.Search("  ") != nil {
		t.Error("blank search returned results")
	}

	m, ok := c.Update(ctx, "s2", func(m *message.Message) { m.Status = message.StatusSeen })
	if !ok || m.Status != message.StatusSeen {
		t.Errorf("Update() = %+v, %v", m, ok)
	}
	if _, ok := c.Update(ctx, "nope", func(*message.Message) {}); ok {
		t.Error("Update() of unknown id reported ok")
	}

	if n := c.Remove(ctx, "s1", "s3", "missing"); n != 2 {
		t.Errorf("Remove() = %d, want 2", n)
	}
	if got := ids(c.Messages()); fmt.Sprint(got) != "[s2]" {
		t.Errorf("after remove = %v", got)
	}
}

type pageFetcher struct {
	mu      sync.Mutex
	queries []rest.Query
	pages   map[int]*rest.Page
	gate    chan struct{}
}

func (f *pageFetcher) FetchMessages(_ context.Context, q rest.Query) (*rest.Page, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.gate != nil {
		<-f.gate
	}
	p, ok := f.pages[q.Page]
	if !ok {
		return nil, errors.New("no such page")
	}
	return p, nil
}

func (f *pageFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func TestLoadMorePaginates(t *testing.T) {
	ctx := context.Background()
	f := &pageFetcher{pages: map[int]*rest.Page{
		1: {Docs: []json.RawMessage{doc(map[string]any{"_id": "s2", "senderId": "peer", "createdAt": base + 2})}, Page: 1, HasNextPage: true},
		2: {Docs: []json.RawMessage{doc(map[string]any{"_id": "s1", "senderId": "peer", "createdAt": base + 1})}, Page: 2, HasNextPage: false},
	}}
	c := newController(t, testCache(t), f, nil)

	for i := 0; i < 3; i++ {
		if _, err := c.LoadMore(ctx); err != nil {
			t.Fatalf("LoadMore() #%d error = %v", i, err)
		}
	}
	if f.calls() != 2 {
		t.Errorf("fetches = %d, want 2 (third is a no-op)", f.calls())
	}
	if got := ids(c.Messages()); fmt.Sprint(got) != "[s2 s1]" {
		t.Errorf("messages = %v", got)
	}
	if cur := c.Cursor(); cur.Page != 2 || cur.HasMore || cur.Loading {
		t.Errorf("cursor = %+v", cur)
	}

	// Refresh refetches page 1 without rewinding the cursor.
	if _, err := c.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if f.queries[2].Page != 1 || c.Cursor().Page != 2 {
		t.Errorf("refresh query = %+v cursor = %+v", f.queries[2], c.Cursor())
	}
}

func TestLoadMoreWhileLoadingIsNoop(t *testing.T) {
	f := &pageFetcher{
		pages: map[int]*rest.Page{1: {Page: 1, HasNextPage: true}},
		gate:  make(chan struct{}),
	}
	c := newController(t, testCache(t), f, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = c.LoadMore(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Cursor().Loading {
		if time.Now().After(deadline) {
			t.Fatal("first load never started")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := c.LoadMore(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(f.gate)
	<-done
	if f.calls() != 1 {
		t.Errorf("fetches = %d, want 1", f.calls())
	}
}
