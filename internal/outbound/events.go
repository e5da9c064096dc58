package outbound

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

// onAck handles message:sent:ack, which may arrive instead of or after the
// request acknowledgement.
func (p *Pipeline) onAck(raw json.RawMessage) {
	ack, err := wire.ParseAck(raw)
	if err != nil {
		p.logger.Debug("bad ack payload", zap.Error(err))
		return
	}
	id := ack.TempID
	if id == "" {
		id = ack.ServerID
	}
	if id == "" {
		return
	}
	if _, ok := p.tl.Find(id); !ok {
		return
	}
	ctx := context.Background()
	if ack.OK {
		p.acknowledge(ctx, id, ack.ServerID)
		return
	}
	if !p.busy(id) {
		p.MarkFailed(ctx, id)
	}
}

func (p *Pipeline) onReceipt(raw json.RawMessage, to message.Status) {
	rc, err := wire.ParseReceipt(raw)
	if err != nil {
		p.logger.Debug("bad receipt payload", zap.Error(err))
		return
	}
	if rc.ConversationID != "" && rc.ConversationID != p.tl.ConversationID() {
		return
	}
	// Receipts only move messages this account sent, and never backwards.
	cur, ok := p.tl.Find(rc.MessageID)
	if !ok || cur.SenderID != p.tl.SelfID() || !message.CanTransition(cur.Status, to) {
		return
	}
	m, ok := p.tl.Update(context.Background(), rc.MessageID, func(m *message.Message) {
		m.Status = m.Status.Advance(to)
		m.Synced = true
	})
	if ok {
		p.emitStatus(m.Key(), m.Status)
	}
}

func (p *Pipeline) onDeleted(raw json.RawMessage, forEveryone bool) {
	d, err := wire.ParseDeletion(raw)
	if err != nil {
		p.logger.Debug("bad deletion payload", zap.Error(err))
		return
	}
	if d.ConversationID != p.tl.ConversationID() {
		return
	}
	// A delete-for-me only concerns this account's own view.
	if !forEveryone && d.DeletedBy != "" && d.DeletedBy != p.tl.SelfID() {
		return
	}
	if n := p.tl.Remove(context.Background(), d.MessageIDs...); n > 0 {
		p.bus.Emit(bus.KindMessageDeleted, bus.MessageDeleted{
			ConversationID: p.tl.ConversationID(),
			IDs:            d.MessageIDs,
			ForEveryone:    forEveryone,
		})
	}
}

// Delete removes messages locally and tells the server. Delete for everyone
// applies only to messages this account sent; others are deleted for me.
// Messages the server never saw are removed locally only.
func (p *Pipeline) Delete(ctx context.Context, ids []string, forEveryone bool) (int, error) {
	type target struct {
		id       string
		everyone bool
	}
	var targets []target
	var local []string
	for _, id := range ids {
		m, ok := p.tl.Find(id)
		if !ok {
			continue
		}
		local = append(local, m.Aliases()...)
		if m.ServerID == "" {
			continue
		}
		targets = append(targets, target{id: m.ServerID, everyone: forEveryone && m.SenderID == p.tl.SelfID()})
	}
	n := p.tl.Remove(ctx, local...)
	if n == 0 {
		return 0, nil
	}
	p.bus.Emit(bus.KindMessageDeleted, bus.MessageDeleted{ConversationID: p.tl.ConversationID(), IDs: ids, ForEveryone: forEveryone})

	var errs []error
	for _, t := range targets {
		event := transport.EventDeleteMe
		if t.everyone {
			event = transport.EventDeleteEveryone
		}
		err := p.t.Emit(ctx, event, map[string]string{"messageId": t.id, "chatId": p.tl.ConversationID()})
		if err != nil && !errors.Is(err, transport.ErrNotConnected) {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
