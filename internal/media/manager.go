// Package media moves attachments between the device and the server: durable
// local copies of picked files, uploads with progress, and on-demand
// downloads into the session's Received directory.
package media

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
)

// Transfer directions, as published on the bus.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// DefaultTimeout bounds a single transfer.
const DefaultTimeout = 30 * time.Second

// Uploader sends a file to the server.
type Uploader interface {
	UploadMedia(ctx context.Context, r rest.UploadRequest, progress func(float64)) (*rest.Upload, error)
}

// Fetcher resolves and streams server media.
type Fetcher interface {
	ResolveDownload(ctx context.Context, mediaID string) (string, error)
	Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error)
}

// PendingStore persists in-flight uploads so they survive a restart.
type PendingStore interface {
	AddPendingUpload(ctx context.Context, p store.PendingUpload) error
	RemovePendingUpload(ctx context.Context, tempID string) error
}

// Dirs are the filesystem locations the manager writes to.
type Dirs struct {
	Sent     string
	Received string
	// Library is the shared media library downloads are copied into.
	// Empty disables the copy.
	Library string
}

// TransferError is an upload, download or copy failure.
type TransferError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("media %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Pending is an upload in flight.
type Pending struct {
	TempID         string
	ConversationID string
	LocalPath      string
	Progress       float64
}

// Manager runs media transfers for one session.
type Manager struct {
	dirs     Dirs
	timeout  time.Duration
	uploader Uploader
	fetcher  Fetcher
	pending  PendingStore
	bus      *bus.Bus
	clock    clock.Clock
	logger   *zap.Logger

	downloads singleflight.Group

	mu       sync.Mutex
	inflight map[string]*Pending
}

// Options configures a Manager. Zero values take defaults.
type Options struct {
	Dirs     Dirs
	Timeout  time.Duration
	Uploader Uploader
	Fetcher  Fetcher
	Pending  PendingStore
	Bus      *bus.Bus
	Clock    clock.Clock
	Logger   *zap.Logger
}

// NewManager creates a media manager.
func NewManager(o Options) *Manager {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Manager{
		dirs:     o.Dirs,
		timeout:  o.Timeout,
		uploader: o.Uploader,
		fetcher:  o.Fetcher,
		pending:  o.Pending,
		bus:      o.Bus,
		clock:    o.Clock,
		logger:   o.Logger,
		inflight: make(map[string]*Pending),
	}
}

// Pending lists uploads in flight, ordered by temp id.
func (m *Manager) Pending() []Pending {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pending, 0, len(m.inflight))
	for _, p := range m.inflight {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TempID < out[j].TempID })
	return out
}

func (m *Manager) progress(id, direction string, p float64, fn func(float64)) {
	if direction == DirectionUpload {
		m.mu.Lock()
		if rec, ok := m.inflight[id]; ok {
			rec.Progress = p
		}
		m.mu.Unlock()
	}
	if fn != nil {
		fn(p)
	}
	m.bus.Emit(bus.KindMediaProgress, bus.MediaProgress{ID: id, Direction: direction, Progress: p})
}

func (m *Manager) finished(id, direction string, err error) {
	evt := bus.MediaTransfer{ID: id, Direction: direction}
	if err != nil {
		evt.Err = err.Error()
		m.bus.Emit(bus.KindNotice, bus.Notice{Level: "error", Text: err.Error()})
	}
	m.bus.Emit(bus.KindMediaTransfer, evt)
}
