package api

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/message"
	"github.com/matheus3301/chatsync/internal/outbound"
	"github.com/matheus3301/chatsync/internal/presence"
	"github.com/matheus3301/chatsync/internal/timeline"
	"github.com/matheus3301/chatsync/internal/transport"
)

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func boolField(in *structpb.Struct, key string) bool {
	if in == nil {
		return false
	}
	return in.GetFields()[key].GetBoolValue()
}

func stringsField(in *structpb.Struct, key string) []string {
	if in == nil {
		return nil
	}
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := v.GetStringValue(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func required(in *structpb.Struct, key string) (string, error) {
	v := stringField(in, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func messageFields(m message.Message, selfID string) map[string]any {
	out := map[string]any{
		"id":              m.Key(),
		"server_id":       m.ServerID,
		"temp_id":         m.TempID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"receiver_id":     m.ReceiverID,
		"kind":            string(m.Kind),
		"body":            m.Body,
		"created_at":      m.CreatedAt,
		"status":          string(m.Status),
		"synced":          m.Synced,
		"mine":            m.SenderID == selfID,
	}
	if m.Media != nil {
		out["media"] = map[string]any{
			"remote_url":  m.Media.RemoteURL,
			"preview_url": m.Media.PreviewURL,
			"local_uri":   m.Media.LocalURI,
		}
	}
	return out
}

func messagesFields(msgs []message.Message, selfID string) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = messageFields(m, selfID)
	}
	return out
}

func cursorFields(c timeline.Cursor) map[string]any {
	return map[string]any{"page": c.Page, "has_more": c.HasMore, "loading": c.Loading}
}

func presenceFields(s presence.State) map[string]any {
	return map[string]any{
		"local_typing":  s.LocalTyping,
		"remote_typing": s.RemoteTyping,
		"peer_status":   s.PeerStatus,
		"last_seen":     s.LastSeen,
	}
}

func ingestFields(r timeline.IngestResult, c timeline.Cursor) map[string]any {
	return map[string]any{
		"added":   r.Added,
		"merged":  r.Merged,
		"dropped": r.Dropped,
		"cursor":  cursorFields(c),
	}
}

// payloadFields turns a bus payload into a Struct-compatible map by way of
// its JSON encoding.
func payloadFields(payload any) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{"value": string(raw)}, nil
	}
	return out, nil
}

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, conversation.ErrNotOpen),
		errors.Is(err, conversation.ErrNotFound),
		errors.Is(err, outbound.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, outbound.ErrEmpty):
		code = codes.InvalidArgument
	case errors.Is(err, outbound.ErrNotRetryable),
		errors.Is(err, outbound.ErrSendInFlight),
		errors.Is(err, conversation.ErrNoAccount),
		errors.Is(err, conversation.ErrClosed):
		code = codes.FailedPrecondition
	case errors.Is(err, transport.ErrNotConnected):
		code = codes.Unavailable
	}
	return grpcstatus.Error(code, fmt.Sprint(err))
}
