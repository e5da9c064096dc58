package api

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/transport"
)

// Session is the part of transport.Session the API reports on and drives.
type Session interface {
	Snapshot() transport.Snapshot
	Retry(ctx context.Context) error
}

// Service implements ChatSyncServer over the conversation registry.
type Service struct {
	sessionName string
	startedAt   time.Time
	session     Session
	registry    *conversation.Registry
	bus         *bus.Bus
	logger      *zap.Logger
}

// NewService creates the ChatSync service.
func NewService(sessionName string, sess Session, registry *conversation.Registry, b *bus.Bus, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		sessionName: sessionName,
		startedAt:   time.Now(),
		session:     sess,
		registry:    registry,
		bus:         b,
		logger:      logger,
	}
}

func (s *Service) conversation(in *structpb.Struct) (*conversation.Conversation, error) {
	id, err := required(in, "conversation_id")
	if err != nil {
		return nil, err
	}
	c, ok := s.registry.Get(id)
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "conversation %s is not open", id)
	}
	return c, nil
}

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	snap := s.session.Snapshot()
	var convs []any
	for _, c := range s.registry.List() {
		convs = append(convs, map[string]any{
			"conversation_id": c.ID(),
			"peer_id":         c.PeerID(),
			"messages":        len(c.Messages()),
		})
	}
	return reply(map[string]any{
		"session":       s.sessionName,
		"state":         string(snap.State),
		"connected":     snap.Connected,
		"authenticated": snap.Authenticated,
		"attempt":       snap.Attempt,
		"exhausted":     snap.Exhausted,
		"rooms":         snap.Rooms,
		"uptime_ms":     time.Since(s.startedAt).Milliseconds(),
		"conversations": convs,
	})
}

func (s *Service) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	peer, err := required(in, "peer_id")
	if err != nil {
		return nil, err
	}
	c, err := s.registry.Open(ctx, peer, stringField(in, "conversation_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"conversation_id": c.ID(),
		"self_id":         c.SelfID(),
		"peer_id":         c.PeerID(),
		"messages":        len(c.Messages()),
		"cursor":          cursorFields(c.Cursor()),
	})
}

func (s *Service) CloseConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := required(in, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := s.registry.Close(ctx, id); err != nil && errors.Is(err, conversation.ErrNotOpen) {
		return nil, toStatus(err)
	} else if err != nil {
		s.logger.Warn("close conversation", zap.String("conversation_id", id), zap.Error(err))
	}
	return reply(map[string]any{"conversation_id": id})
}

func (s *Service) ListMessages(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	msgs := c.Messages()
	if q := stringField(in, "query"); q != "" {
		msgs = c.Search(q)
	}
	return reply(map[string]any{
		"conversation_id": c.ID(),
		"messages":        messagesFields(msgs, c.SelfID()),
		"cursor":          cursorFields(c.Cursor()),
		"presence":        presenceFields(c.Presence()),
	})
}

func (s *Service) LoadMore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	res, err := c.LoadMore(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "load more: %v", err)
	}
	return reply(ingestFields(res, c.Cursor()))
}

func (s *Service) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	res, err := c.Refresh(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "refresh: %v", err)
	}
	return reply(ingestFields(res, c.Cursor()))
}

// sent reports the outcome of a send. A send that ended up failed is not an
// RPC error: the message exists locally and can be retried.
func sent(c *conversation.Conversation, m message.Message, err error) (*structpb.Struct, error) {
	var serr *outbound.SendError
	if err != nil && !errors.As(err, &serr) {
		return nil, toStatus(err)
	}
	out := map[string]any{"message": messageFields(m, c.SelfID())}
	if serr != nil {
		out["error"] = serr.Error()
	}
	return reply(out)
}

func (s *Service) SendText(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	m, err := c.SendText(ctx, stringField(in, "text"))
	return sent(c, m, err)
}

func (s *Service) SendMedia(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	path, err := required(in, "path")
	if err != nil {
		return nil, err
	}
	m, err := c.SendMedia(ctx, path)
	return sent(c, m, err)
}

func (s *Service) Retry(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	id, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	m, err := c.Retry(ctx, id)
	return sent(c, m, err)
}

func (s *Service) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	ids := stringsField(in, "message_ids")
	if len(ids) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_ids is required")
	}
	n, err := c.Delete(ctx, ids, boolField(in, "for_everyone"))
	if err != nil {
		s.logger.Warn("delete not delivered to server", zap.Error(err))
	}
	return reply(map[string]any{"deleted": n})
}

func (s *Service) Download(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	id, err := required(in, "message_id")
	if err != nil {
		return nil, err
	}
	path, err := c.Download(ctx, id, nil)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			return nil, toStatus(err)
		}
		return nil, grpcstatus.Errorf(codes.Unavailable, "download: %v", err)
	}
	return reply(map[string]any{"path": path})
}

func (s *Service) InputChanged(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := s.conversation(in)
	if err != nil {
		return nil, err
	}
	c.InputChanged(ctx, stringField(in, "text"))
	return reply(map[string]any{"presence": presenceFields(c.Presence())})
}

func (s *Service) Background(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	bg := boolField(in, "background")
	s.registry.Background(ctx, bg)
	return reply(map[string]any{"background": bg})
}

func (s *Service) Reconnect(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if err := s.session.Retry(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "reconnect: %v", err)
	}
	return s.GetStatus(ctx, nil)
}

// WatchEvents streams bus events whose kind starts with the requested prefix.
// An empty prefix streams everything.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStream) error {
	prefix := stringField(in, "prefix")
	ch, unsub := s.bus.Subscribe(prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			payload, err := payloadFields(evt.Payload)
			if err != nil {
				s.logger.Debug("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			env, err := structpb.NewStruct(map[string]any{
				"event_id":       uuid.New().String(),
				"session":        s.sessionName,
				"occurred_at_ms": evt.Timestamp.UnixMilli(),
				"kind":           evt.Kind,
				"payload":        payload,
			})
			if err != nil {
				s.logger.Debug("skipping unencodable event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.SendMsg(env); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

