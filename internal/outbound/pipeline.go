// Package outbound sends messages optimistically: a message is shown as
// sending at once, then moved to sent, delivered and seen by server
// acknowledgements and receipts, or to failed until the user retries.
package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/media"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

// TempPrefix starts every client-generated message id.
const TempPrefix = "temp_"

var (
	// ErrSendInFlight is returned when a send for the same temp id is already running.
	ErrSendInFlight = errors.New("outbound: send already in flight")
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("outbound: only failed messages can be retried")
	// ErrNotFound is returned for an id that is not in the timeline.
	ErrNotFound = errors.New("outbound: message not found")
	// ErrEmpty is returned when sending blank text.
	ErrEmpty = errors.New("outbound: empty message")
)

// SendError is a send that reached the failed state.
type SendError struct {
	TempID string
	Reason string
	Err    error
}

func (e *SendError) Error() string {
	if e.Reason != "" {
		return "send " + e.TempID + ": " + e.Reason
	}
	return "send " + e.TempID + ": " + e.Err.Error()
}

func (e *SendError) Unwrap() error { return e.Err }

// Transport is the part of transport.Session the pipeline needs.
type Transport interface {
	Connected() bool
	Emit(ctx context.Context, event string, data any) error
	Request(ctx context.Context, event string, data any) (json.RawMessage, error)
	On(event string, fn transport.Handler) *transport.Subscription
}

// Media persists and uploads attachments.
type Media interface {
	Persist(ctx context.Context, src, conversationID string) (string, error)
	Upload(ctx context.Context, msg message.Message, progress func(float64)) (media.Result, error)
}

// Typing is told to end the local typing burst when a message is sent.
type Typing interface {
	StopTyping(ctx context.Context)
}

// Options wires a pipeline.
type Options struct {
	Timeline  *timeline.Controller
	Transport Transport
	Media     Media
	Typing    Typing
	PeerID    string
	Bus       *bus.Bus
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Pipeline sends the messages of one conversation.
type Pipeline struct {
	tl     *timeline.Controller
	t      Transport
	media  Media
	typing Typing
	peerID string
	bus    *bus.Bus
	clock  clock.Clock
	logger *zap.Logger
	subs   transport.Group

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a pipeline and subscribes it to acknowledgement, receipt and
// deletion events.
func New(o Options) *Pipeline {
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	p := &Pipeline{
		tl:       o.Timeline,
		t:        o.Transport,
		media:    o.Media,
		typing:   o.Typing,
		peerID:   o.PeerID,
		bus:      o.Bus,
		clock:    o.Clock,
		logger:   o.Logger.With(zap.String("conversation_id", o.Timeline.ConversationID())),
		inflight: make(map[string]struct{}),
	}
	p.subs.Add(
		p.t.On(transport.EventMessageAck, p.onAck),
		p.t.On(transport.EventDelivered, func(raw json.RawMessage) { p.onReceipt(raw, message.StatusDelivered) }),
		p.t.On(transport.EventRead, func(raw json.RawMessage) { p.onReceipt(raw, message.StatusSeen) }),
		p.t.On(transport.EventDeleteMe, func(raw json.RawMessage) { p.onDeleted(raw, false) }),
		p.t.On(transport.EventDeleteEveryone, func(raw json.RawMessage) { p.onDeleted(raw, true) }),
	)
	return p
}

// Close releases the event subscriptions.
func (p *Pipeline) Close() {
	p.subs.Close()
}

// NewTempID allocates a client message id.
func NewTempID() string {
	return TempPrefix + uuid.NewString()
}

func (p *Pipeline) draft(kind message.Kind, body string) message.Message {
	id := NewTempID()
	return message.Message{
		LocalID:        id,
		TempID:         id,
		ConversationID: p.tl.ConversationID(),
		SenderID:       p.tl.SelfID(),
		ReceiverID:     p.peerID,
		Kind:           kind,
		Body:           body,
		CreatedAt:      p.clock.Now().UnixMilli(),
		Status:         message.StatusSending,
	}
}

// SendText shows text as sending and emits it. The returned message carries
// the outcome; err is non-nil when it ended up failed.
func (p *Pipeline) SendText(ctx context.Context, text string) (message.Message, error) {
	if strings.TrimSpace(text) == "" {
		return message.Message{}, ErrEmpty
	}
	m := p.draft(message.KindText, text)
	p.tl.Insert(ctx, m)
	p.stopTyping(ctx)
	p.emitStatus(m.TempID, m.Status)
	return p.deliver(ctx, m.TempID)
}

// SendMedia copies src into durable storage, shows it as sending, uploads it
// and emits the message.
func (p *Pipeline) SendMedia(ctx context.Context, src string) (message.Message, error) {
	if p.media == nil {
		return message.Message{}, errors.New("outbound: media is not configured")
	}
	local, err := p.media.Persist(ctx, src, p.tl.ConversationID())
	if err != nil {
		return message.Message{}, err
	}
	name := src
	if i := strings.LastIndexAny(src, `/\`); i >= 0 {
		name = src[i+1:]
	}
	m := p.draft(media.KindOf(local), name)
	m.Media = &message.MediaRef{LocalURI: local}
	p.tl.Insert(ctx, m)
	p.stopTyping(ctx)
	p.emitStatus(m.TempID, m.Status)
	return p.deliver(ctx, m.TempID)
}

// Retry resends a failed message under its original temp id. Attachments
// that never reached the server are uploaded again from the local copy.
func (p *Pipeline) Retry(ctx context.Context, id string) (message.Message, error) {
	m, ok := p.tl.Find(id)
	if !ok {
		return message.Message{}, ErrNotFound
	}
	if m.Status != message.StatusFailed {
		return m, ErrNotRetryable
	}
	if m.TempID == "" {
		m, _ = p.tl.Update(ctx, id, func(m *message.Message) { m.TempID = m.Key() })
	}
	if p.busy(m.TempID) {
		return m, ErrSendInFlight
	}
	p.tl.Update(ctx, m.TempID, func(m *message.Message) { m.Status = m.Status.Advance(message.StatusSending) })
	p.emitStatus(m.TempID, message.StatusSending)
	p.logger.Info("retrying send", zap.String("temp_id", m.TempID))
	return p.deliver(ctx, m.TempID)
}

func (p *Pipeline) stopTyping(ctx context.Context) {
	if p.typing != nil {
		p.typing.StopTyping(ctx)
	}
}

func (p *Pipeline) busy(tempID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[tempID]
	return ok
}

func (p *Pipeline) claim(tempID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[tempID]; ok {
		return false
	}
	p.inflight[tempID] = struct{}{}
	return true
}

func (p *Pipeline) release(tempID string) {
	p.mu.Lock()
	delete(p.inflight, tempID)
	p.mu.Unlock()
}

// deliver runs one send attempt for the message known by tempID.
func (p *Pipeline) deliver(ctx context.Context, tempID string) (message.Message, error) {
	if !p.claim(tempID) {
		m, _ := p.tl.Find(tempID)
		return m, ErrSendInFlight
	}
	defer p.release(tempID)

	m, ok := p.tl.Find(tempID)
	if !ok {
		return message.Message{}, ErrNotFound
	}
	if !p.t.Connected() {
		return p.fail(ctx, tempID, "", transport.ErrNotConnected)
	}

	if m.Kind.IsMedia() && m.RemoteURL() == "" {
		res, err := p.media.Upload(ctx, m, nil)
		if err != nil {
			return p.fail(ctx, tempID, "", err)
		}
		m, _ = p.tl.Update(ctx, tempID, func(m *message.Message) {
			if m.ServerID == "" {
				m.ServerID = res.ServerID
			}
			*m = m.WithMedia(func(ref *message.MediaRef) {
				ref.RemoteURL = res.RemoteURL
				ref.PreviewURL = res.PreviewURL
			})
		})
	}

	resp, err := p.t.Request(ctx, transport.EventMessageSend, wire.OutgoingMessage(m))
	if err != nil {
		return p.fail(ctx, tempID, "", err)
	}
	ack, err := wire.ParseAck(resp)
	if err != nil {
		return p.fail(ctx, tempID, "", err)
	}
	if !ack.OK {
		return p.fail(ctx, tempID, ack.Reason, errors.New("rejected by server"))
	}
	return p.acknowledge(ctx, tempID, ack.ServerID), nil
}

// acknowledge records the server's acceptance of a message. A late
// acknowledgement also rescues a message already marked failed.
func (p *Pipeline) acknowledge(ctx context.Context, id, serverID string) message.Message {
	m, ok := p.tl.Update(ctx, id, func(m *message.Message) {
		if m.ServerID == "" {
			m.ServerID = serverID
		}
		m.Status = m.Status.Advance(message.StatusSent)
		m.Synced = true
	})
	if ok {
		p.emitStatus(m.Key(), m.Status)
	}
	return m
}

func (p *Pipeline) fail(ctx context.Context, tempID, reason string, cause error) (message.Message, error) {
	m, _ := p.tl.Update(ctx, tempID, func(m *message.Message) {
		m.Status = m.Status.Advance(message.StatusFailed)
	})
	serr := &SendError{TempID: tempID, Reason: reason, Err: cause}
	p.logger.Warn("send failed", zap.String("temp_id", tempID), zap.Error(serr))
	p.emitStatus(tempID, m.Status)
	p.bus.Emit(bus.KindNotice, bus.Notice{Level: "error", Text: "Message not sent. Tap to retry."})
	return m, serr
}

func (p *Pipeline) emitStatus(id string, s message.Status) {
	p.bus.Emit(bus.KindMessageStatus, bus.MessageStatus{
		ConversationID: p.tl.ConversationID(),
		ID:             id,
		Status:         string(s),
	})
}

// RecoverInterrupted marks messages left sending by a previous run as
// failed so they can be retried. It returns how many were changed.
func (p *Pipeline) RecoverInterrupted(ctx context.Context) int {
	n := 0
	for _, m := range p.tl.Messages() {
		if m.Status != message.StatusSending || m.SenderID != p.tl.SelfID() || p.busy(m.TempID) {
			continue
		}
		if _, ok := p.tl.Update(ctx, m.Key(), func(m *message.Message) {
			m.Status = m.Status.Advance(message.StatusFailed)
		}); ok {
			p.emitStatus(m.Key(), message.StatusFailed)
			n++
		}
	}
	if n > 0 {
		p.logger.Info("interrupted sends marked failed", zap.Int("count", n))
	}
	return n
}

// MarkFailed fails one interrupted send by id, if it is still sending.
func (p *Pipeline) MarkFailed(ctx context.Context, id string) bool {
	if p.busy(id) {
		return false
	}
	changed := false
	p.tl.Update(ctx, id, func(m *message.Message) {
		if m.Status == message.StatusSending {
			m.Status = message.StatusFailed
			changed = true
		}
	})
	if changed {
		p.emitStatus(id, message.StatusFailed)
	}
	return changed
}
