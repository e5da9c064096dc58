package media

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/store"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = "\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00"

type fakeUploader struct {
	mu    sync.Mutex
	calls []rest.UploadRequest
	err   error
}

func (f *fakeUploader) UploadMedia(_ context.Context, r rest.UploadRequest, progress func(float64)) (*rest.Upload, error) {
	f.mu.Lock()
	f.calls = append(f.calls, r)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	progress(0.5)
	progress(1)
	return &rest.Upload{URL: "https://cdn/u.png", PreviewURL: "https://cdn/u_t.png", MessageID: "srv_media"}, nil
}

type fakeFetcher struct {
	opens    atomic.Int32
	resolved string
	body     string
	gate     chan struct{}
}

func (f *fakeFetcher) ResolveDownload(_ context.Context, id string) (string, error) {
	if f.resolved == "" {
		return "", errors.New("not found")
	}
	return f.resolved, nil
}

func (f *fakeFetcher) Open(_ context.Context, _ string) (io.ReadCloser, int64, error) {
	f.opens.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return io.NopCloser(strings.NewReader(f.body)), int64(len(f.body)), nil
}

type fakePending struct {
	mu      sync.Mutex
	added   []string
	removed []string
}

func (f *fakePending) AddPendingUpload(_ context.Context, p store.PendingUpload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, p.TempID)
	return nil
}

func (f *fakePending) RemovePendingUpload(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func newTestManager(t *testing.T, o Options) *Manager {
	t.Helper()
	root := t.TempDir()
	if o.Dirs.Sent == "" {
		o.Dirs.Sent = filepath.Join(root, "Sent")
	}
	if o.Dirs.Received == "" {
		o.Dirs.Received = filepath.Join(root, "Received")
	}
	for _, d := range []string{o.Dirs.Sent, o.Dirs.Received} {
		if err := os.MkdirAll(d, 0700); err != nil {
			t.Fatal(err)
		}
	}
	if o.Clock == nil {
		o.Clock = clock.NewFake(time.UnixMilli(1_700_000_000_000))
	}
	o.Logger = zap.NewNop()
	return NewManager(o)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPersistCopiesIntoSent(t *testing.T) {
	m := newTestManager(t, Options{})
	src := writeFile(t, t.TempDir(), "my photo.png", pngHeader)

	got, err := m.Persist(context.Background(), "file://"+src, "c1")
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	want := filepath.Join(m.dirs.Sent, "sent_c1_1700000000000_my_photo.png")
	if got != want {
		t.Errorf("Persist() = %q, want %q", got, want)
	}
	data, _ := os.ReadFile(got)
	if string(data) != pngHeader {
		t.Error("copied content differs")
	}

	// Persisting the durable copy again is a no-op.
	again, err := m.Persist(context.Background(), got, "c1")
	if err != nil || again != got {
		t.Errorf("second Persist() = %q, %v", again, err)
	}
	entries, _ := os.ReadDir(m.dirs.Sent)
	if len(entries) != 1 {
		t.Errorf("Sent holds %d files, want 1", len(entries))
	}
}

func TestPersistMissingSource(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Persist(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"), "c1")
	var terr *TransferError
	if !errors.As(err, &terr) || terr.Op != "persist" {
		t.Fatalf("error = %v, want persist TransferError", err)
	}
}

func TestUploadReportsProgressAndResult(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("media.", 16)
	defer unsub()
	up := &fakeUploader{}
	pend := &fakePending{}
	m := newTestManager(t, Options{Uploader: up, Pending: pend, Bus: b})
	local := writeFile(t, m.dirs.Sent, "sent_c1_1_a.png", pngHeader)

	msg := message.Message{TempID: "temp_1", ConversationID: "c1", Kind: message.KindText}.
		WithMedia(func(r *message.MediaRef) { r.LocalURI = local })

	var seen []float64
	res, err := m.Upload(context.Background(), msg, func(p float64) { seen = append(seen, p) })
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if res.ServerID != "srv_media" || res.RemoteURL != "https://cdn/u.png" || res.LocalURI != local {
		t.Errorf("result = %+v", res)
	}
	if len(seen) == 0 || seen[len(seen)-1] != 1 {
		t.Errorf("progress = %v", seen)
	}
	if got := up.calls[0]; got.ContentType != "image/png" || got.Category != "image" || got.TempID != "temp_1" {
		t.Errorf("upload request = %+v", got)
	}
	if len(pend.added) != 1 || len(pend.removed) != 1 {
		t.Errorf("pending store add=%v remove=%v", pend.added, pend.removed)
	}
	if len(m.Pending()) != 0 {
		t.Error("Pending() not empty after upload")
	}

	var transfer *bus.MediaTransfer
	for len(events) > 0 {
		evt := <-events
		if tr, ok := evt.Payload.(bus.MediaTransfer); ok {
			transfer = &tr
		}
	}
	if transfer == nil || transfer.Err != "" || transfer.Direction != DirectionUpload {
		t.Errorf("transfer event = %+v", transfer)
	}
}

func TestUploadFailure(t *testing.T) {
	up := &fakeUploader{err: errors.New("boom")}
	m := newTestManager(t, Options{Uploader: up})
	local := writeFile(t, m.dirs.Sent, "a.bin", "data")
	msg := message.Message{TempID: "temp_1", Kind: message.KindFile}.
		WithMedia(func(r *message.MediaRef) { r.LocalURI = local })

	_, err := m.Upload(context.Background(), msg, nil)
	var terr *TransferError
	if !errors.As(err, &terr) || terr.ID != "temp_1" {
		t.Fatalf("error = %v, want TransferError", err)
	}
}

func TestDownloadOnceThenCached(t *testing.T) {
	f := &fakeFetcher{resolved: "https://cdn/x/photo.jpg?sig=1", body: "jpegdata"}
	library := t.TempDir()
	m := newTestManager(t, Options{Fetcher: f, Dirs: Dirs{Library: library}})
	msg := message.Message{ServerID: "s1", Kind: message.KindImage}.
		WithMedia(func(r *message.MediaRef) { r.RemoteURL = "https://cdn/old.jpg" })

	first, err := m.Download(context.Background(), msg, nil)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if first != filepath.Join(m.dirs.Received, "s1.jpg") {
		t.Errorf("path = %q", first)
	}
	if _, err := os.Stat(filepath.Join(library, "s1.jpg")); err != nil {
		t.Errorf("library copy missing: %v", err)
	}

	second, err := m.Download(context.Background(), msg, nil)
	if err != nil || second != first {
		t.Errorf("second Download() = %q, %v", second, err)
	}
	if n := f.opens.Load(); n != 1 {
		t.Errorf("network transfers = %d, want 1", n)
	}
}

func TestDownloadUsesLocalURI(t *testing.T) {
	f := &fakeFetcher{}
	m := newTestManager(t, Options{Fetcher: f})
	local := writeFile(t, t.TempDir(), "mine.png", pngHeader)
	msg := message.Message{ServerID: "s1"}.WithMedia(func(r *message.MediaRef) { r.LocalURI = local })

	got, err := m.Download(context.Background(), msg, nil)
	if err != nil || got != local {
		t.Errorf("Download() = %q, %v", got, err)
	}
	if f.opens.Load() != 0 {
		t.Error("network used for a local copy")
	}
}

func TestDownloadSniffsExtension(t *testing.T) {
	f := &fakeFetcher{body: pngHeader}
	m := newTestManager(t, Options{Fetcher: f})
	msg := message.Message{ServerID: "s2"}.WithMedia(func(r *message.MediaRef) { r.RemoteURL = "https://cdn/blob" })

	got, err := m.Download(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(got) != "s2.png" {
		t.Errorf("file = %q, want s2.png", filepath.Base(got))
	}
}

func TestConcurrentDownloadsCollapse(t *testing.T) {
	f := &fakeFetcher{resolved: "https://cdn/a.mp4", body: "video", gate: make(chan struct{})}
	m := newTestManager(t, Options{Fetcher: f})
	msg := message.Message{ServerID: "s3", Kind: message.KindVideo}

	var wg sync.WaitGroup
	paths := make([]string, 4)
	for i := range paths {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], _ = m.Download(context.Background(), msg, nil)
		}(i)
	}
	// Let every caller reach the shared transfer before it completes.
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	if n := f.opens.Load(); n != 1 {
		t.Errorf("network transfers = %d, want 1", n)
	}
	for _, p := range paths {
		if p != filepath.Join(m.dirs.Received, "s3.mp4") {
			t.Errorf("path = %q", p)
		}
	}
}

func TestDownloadWithoutURL(t *testing.T) {
	m := newTestManager(t, Options{Fetcher: &fakeFetcher{}})
	_, err := m.Download(context.Background(), message.Message{ServerID: "s4"}, nil)
	var terr *TransferError
	if !errors.As(err, &terr) || terr.Op != "download" {
		t.Fatalf("error = %v, want download TransferError", err)
	}
}
