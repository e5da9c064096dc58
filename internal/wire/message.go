package wire

import (
	"time"

	"github.com/matheus3301/chatsync/internal/message"
)

// ParseMessage normalizes one message document from a REST page or a live
// event. fallbackConversation is used when the payload omits its chat id.
// Messages authored by selfID keep their server status; others carry none.
func ParseMessage(raw []byte, selfID, fallbackConversation string, now time.Time) (message.Message, error) {
	root, err := parseObject(raw)
	if err != nil {
		return message.Message{}, err
	}
	r := unwrap(root, "senderId")

	m := message.Message{
		ServerID:       str(r, "_id", "messageId", "id"),
		TempID:         str(r, "tempId"),
		ConversationID: str(r, "chatId", "conversationId"),
		SenderID:       str(r, "senderId", "sender"),
		ReceiverID:     str(r, "receiverId", "receiver"),
		Kind:           message.ParseKind(str(r, "messageType", "fileCategory", "type")),
		Body:           str(r, "text", "content", "body"),
		Synced:         true,
	}
	if m.ConversationID == "" {
		m.ConversationID = fallbackConversation
	}
	if m.SenderID == "" {
		return message.Message{}, &ValidationError{Field: "senderId", Reason: "missing"}
	}
	if m.ConversationID == "" {
		return message.Message{}, &ValidationError{Field: "chatId", Reason: "missing"}
	}
	if m.ServerID == "" && m.TempID == "" && !r.Get("createdAt").Exists() && !r.Get("timestamp").Exists() {
		return message.Message{}, &ValidationError{Reason: "no id and no timestamp"}
	}

	ts, ok, err := parseTime(r.Get("createdAt"))
	if !ok && err == nil {
		ts, ok, err = parseTime(r.Get("timestamp"))
	}
	if err != nil {
		return message.Message{}, &ValidationError{Field: "createdAt", Reason: err.Error()}
	}
	if !ok {
		ts = now.UnixMilli()
	}
	m.CreatedAt = ts

	remote := str(r, "mediaUrl", "url", "fileUrl")
	preview := str(r, "previewUrl", "thumbnailUrl")
	if remote != "" || preview != "" {
		m.Media = &message.MediaRef{RemoteURL: remote, PreviewURL: preview}
		if m.Kind == message.KindText {
			m.Kind = message.KindFile
		}
	}
	if m.Body == "" && m.Kind.IsMedia() {
		m.Body = str(r, "fileName", "name")
	}

	if selfID != "" && m.SenderID == selfID {
		m.Status = parseStatus(str(r, "status"))
	}
	return m, nil
}

func parseStatus(s string) message.Status {
	switch s {
	case "delivered":
		return message.StatusDelivered
	case "read", "seen":
		return message.StatusSeen
	default:
		return message.StatusSent
	}
}

// OutgoingMessage builds the message:send payload for m.
func OutgoingMessage(m message.Message) map[string]any {
	out := map[string]any{
		"tempId":      m.TempID,
		"chatId":      m.ConversationID,
		"senderId":    m.SenderID,
		"receiverId":  m.ReceiverID,
		"messageType": string(m.Kind),
		"createdAt":   FormatTime(m.CreatedAt),
	}
	if m.Kind == message.KindText {
		out["text"] = m.Body
		return out
	}
	out["fileName"] = m.Body
	out["fileCategory"] = string(m.Kind)
	if m.ServerID != "" {
		out["messageId"] = m.ServerID
	}
	if m.Media != nil {
		if m.Media.RemoteURL != "" {
			out["mediaUrl"] = m.Media.RemoteURL
		}
		if m.Media.PreviewURL != "" {
			out["previewUrl"] = m.Media.PreviewURL
		}
	}
	return out
}
