package conversation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
)

// Registry holds the conversations mounted in the daemon and catches them
// up whenever the session rejoins its rooms.
type Registry struct {
	d      Deps
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	opening singleflight.Group

	mu     sync.Mutex
	convs  map[string]*Conversation
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(d Deps) *Registry {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Registry{d: d, logger: d.Logger, convs: make(map[string]*Conversation)}
}

// Start follows session state changes on the bus. Each time the session
// reaches JOINED after a reconnect, every open conversation refetches its
// newest page and the peer's presence.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	ch, unsub := r.d.Bus.Subscribe(bus.KindStatusChanged, 64)

	go func() {
		defer close(r.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if !ok || change.To != status.Joined || change.From == status.Joined {
					continue
				}
				for _, c := range r.List() {
					c.CatchUp(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the state follower started by Start.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}

// Open mounts a conversation, or returns it when already open.
func (r *Registry) Open(ctx context.Context, peerID, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		self, err := SelfID(ctx, r.d.Credentials)
		if err != nil {
			return nil, err
		}
		conversationID = ID(self, peerID)
	}
	if c, ok, err := r.lookup(conversationID); ok || err != nil {
		return c, err
	}

	// Concurrent opens of one chat share a single mount.
	v, err, _ := r.opening.Do(conversationID, func() (any, error) {
		if c, ok, err := r.lookup(conversationID); ok || err != nil {
			return c, err
		}
		c, err := Open(ctx, r.d, peerID, conversationID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			_ = c.Close(ctx)
			return nil, ErrClosed
		}
		r.convs[conversationID] = c
		r.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Conversation), nil
}

func (r *Registry) lookup(id string) (*Conversation, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false, ErrClosed
	}
	c, ok := r.convs[id]
	return c, ok, nil
}

// Get returns an open conversation.
func (r *Registry) Get(id string) (*Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	return c, ok
}

// List returns the open conversations ordered by id.
func (r *Registry) List() []*Conversation {
	r.mu.Lock()
	out := make([]*Conversation, 0, len(r.convs))
	for _, c := range r.convs {
		out = append(out, c)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Close unmounts one conversation.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	c, ok := r.convs[id]
	delete(r.convs, id)
	r.mu.Unlock()
	if !ok {
		return ErrNotOpen
	}
	return c.Close(ctx)
}

// CloseAll unmounts every conversation and refuses further opens.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	convs := r.convs
	r.convs = make(map[string]*Conversation)
	r.mu.Unlock()

	var errs []error
	for _, c := range convs {
		errs = append(errs, c.Close(ctx))
	}
	return errors.Join(errs...)
}

// Background moves the client to or from the background. In the
// background the liveness poll stops and local typing bursts end.
func (r *Registry) Background(ctx context.Context, background bool) {
	r.d.Session.SetForeground(!background)
	if !background {
		return
	}
	for _, c := range r.List() {
		c.StopTyping(ctx)
	}
}
