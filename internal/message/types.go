package message

import "strings"

// Kind is the content category of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// ParseKind maps a wire message type onto a Kind. Unknown values are text.
func ParseKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "image", "photo":
		return KindImage
	case "video":
		return KindVideo
	case "file", "document", "audio", "pdf":
		return KindFile
	default:
		return KindText
	}
}

// IsMedia reports whether the kind carries an attachment.
func (k Kind) IsMedia() bool {
	return k == KindImage || k == KindVideo || k == KindFile
}

// MediaRef locates the attachment of a media message. Each field is set
// independently: a sent message has LocalURI before RemoteURL, a received
// one has RemoteURL until it is downloaded.
type MediaRef struct {
	RemoteURL  string `json:"remote_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
	LocalURI   string `json:"local_uri,omitempty"`
}

// Message is one chat message as seen by this device.
type Message struct {
	LocalID        string    `json:"local_id,omitempty"`
	TempID         string    `json:"temp_id,omitempty"`
	ServerID       string    `json:"server_id,omitempty"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id,omitempty"`
	Kind           Kind      `json:"kind"`
	Body           string    `json:"body,omitempty"`
	Media          *MediaRef `json:"media,omitempty"`
	CreatedAt      int64     `json:"created_at"`
	Status         Status    `json:"status,omitempty"`
	Synced         bool      `json:"synced"`
}

// LocalURI returns the on-device copy of the attachment, if any.
func (m Message) LocalURI() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.LocalURI
}

// RemoteURL returns the server copy of the attachment, if any.
func (m Message) RemoteURL() string {
	if m.Media == nil {
		return ""
	}
	return m.Media.RemoteURL
}

// WithMedia returns a copy of m whose media reference has been modified by fn.
// The original MediaRef is never mutated.
func (m Message) WithMedia(fn func(*MediaRef)) Message {
	var ref MediaRef
	if m.Media != nil {
		ref = *m.Media
	}
	fn(&ref)
	m.Media = &ref
	return m
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	if m.Media != nil {
		ref := *m.Media
		m.Media = &ref
	}
	return m
}
