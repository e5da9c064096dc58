package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the prefix up to and including the dot.
const (
	KindStatusChanged   = "session.status_changed"
	KindReconnecting    = "session.reconnecting"
	KindReconnectFailed = "session.reconnect_exhausted"
	KindLoggedOut       = "session.logged_out"
	KindTimelineUpdated = "timeline.updated"
	KindTimelineDropped = "timeline.dropped"
	KindMessageStatus   = "message.status"
	KindMessageDeleted  = "message.deleted"
	KindMediaProgress   = "media.progress"
	KindMediaTransfer   = "media.transfer"
	KindTypingChanged   = "typing.changed"
	KindPresenceChanged = "presence.changed"
	KindNotice          = "notice"
)

// LoggedOut is the payload of KindLoggedOut.
type LoggedOut struct {
	Reason string `json:"reason"`
}

// Reconnecting is the payload of KindReconnecting.
type Reconnecting struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

// TimelineUpdated is the payload of KindTimelineUpdated.
type TimelineUpdated struct {
	ConversationID string `json:"conversation_id"`
	Count          int    `json:"count"`
	Reason         string `json:"reason"`
}

// TimelineDropped is the payload of KindTimelineDropped.
type TimelineDropped struct {
	ConversationID string `json:"conversation_id"`
	Dropped        int    `json:"dropped"`
}

// MessageStatus is the payload of KindMessageStatus.
type MessageStatus struct {
	ConversationID string `json:"conversation_id"`
	ID             string `json:"id"`
	Status         string `json:"status"`
}

// MessageDeleted is the payload of KindMessageDeleted.
type MessageDeleted struct {
	ConversationID string   `json:"conversation_id"`
	IDs            []string `json:"ids"`
	ForEveryone    bool     `json:"for_everyone"`
}

// MediaProgress is the payload of KindMediaProgress.
type MediaProgress struct {
	ID        string  `json:"id"`
	Direction string  `json:"direction"`
	Progress  float64 `json:"progress"`
}

// MediaTransfer is the payload of KindMediaTransfer, published once per finished transfer.
type MediaTransfer struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Err       string `json:"error,omitempty"`
}

// TypingChanged is the payload of KindTypingChanged.
type TypingChanged struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// PresenceChanged is the payload of KindPresenceChanged.
type PresenceChanged struct {
	UserID   string `json:"user_id"`
	Status   string `json:"status"`
	LastSeen int64  `json:"last_seen"`
}

// Notice is a user-facing message such as a send or transfer failure.
type Notice struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}
