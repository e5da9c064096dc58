package wire

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/message"
)

var now = time.UnixMilli(1_700_000_000_000)

func TestParseMessageRESTDocument(t *testing.T) {
	raw := []byte(`{
		"_id": "s1",
		"tempId": "temp_1",
		"chatId": "c1",
		"senderId": {"_id": "me", "name": "Me"},
		"receiverId": "peer",
		"messageType": "image",
		"mediaUrl": "https://cdn/a.jpg",
		"thumbnailUrl": "https://cdn/a_t.jpg",
		"fileName": "a.jpg",
		"status": "read",
		"createdAt": "2023-11-14T22:13:20.000Z"
	}`)
	m, err := ParseMessage(raw, "me", "", now)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if m.ServerID != "s1" || m.TempID != "temp_1" || m.ConversationID != "c1" {
		t.Errorf("ids = %q/%q/%q", m.ServerID, m.TempID, m.ConversationID)
	}
	if m.SenderID != "me" {
		t.Errorf("SenderID = %q, want me", m.SenderID)
	}
	if m.Kind != message.KindImage {
		t.Errorf("Kind = %q, want image", m.Kind)
	}
	if m.Body != "a.jpg" {
		t.Errorf("Body = %q, want a.jpg", m.Body)
	}
	if m.RemoteURL() != "https://cdn/a.jpg" || m.Media.PreviewURL != "https://cdn/a_t.jpg" {
		t.Errorf("Media = %+v", m.Media)
	}
	if m.CreatedAt != 1_700_000_000_000 {
		t.Errorf("CreatedAt = %d", m.CreatedAt)
	}
	if m.Status != message.StatusSeen {
		t.Errorf("Status = %q, want seen", m.Status)
	}
	if !m.Synced {
		t.Error("Synced = false")
	}
}

func TestParseMessageWrappedLiveEvent(t *testing.T) {
	raw := []byte(`{"data": {"messageId": "s9", "senderId": "peer", "text": "hi", "createdAt": 1700000000123}}`)
	m, err := ParseMessage(raw, "me", "c1", now)
	if err != nil {
		t.Fatalf("ParseMessage() error = %v", err)
	}
	if m.ServerID != "s9" || m.ConversationID != "c1" || m.Body != "hi" {
		t.Errorf("got %+v", m)
	}
	if m.Status != message.StatusNone {
		t.Errorf("Status = %q, want none for peer message", m.Status)
	}
	if m.CreatedAt != 1700000000123 {
		t.Errorf("CreatedAt = %d", m.CreatedAt)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"_id":`},
		{"array", `[1,2]`},
		{"no sender", `{"_id":"x","chatId":"c"}`},
		{"no chat", `{"_id":"x","senderId":"u"}`},
		{"bad timestamp", `{"_id":"x","chatId":"c","senderId":"u","createdAt":"yesterday"}`},
		{"no identity", `{"chatId":"c","senderId":"u"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMessage([]byte(tt.raw), "me", "", now)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("error = %v, want *ValidationError", err)
			}
		})
	}
}

func TestParseAck(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		server string
		temp   string
		ok     bool
	}{
		{"plain", `{"messageId":"s1","tempId":"t1"}`, "s1", "t1", true},
		{"nested", `{"status":"success","data":{"_id":"s2","tempId":"t2"}}`, "s2", "t2", true},
		{"negative", `{"status":false,"message":"blocked","tempId":"t3"}`, "", "t3", false},
		{"error field", `{"error":"boom","tempId":"t4"}`, "", "t4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := ParseAck([]byte(tt.raw))
			if err != nil {
				t.Fatal(err)
			}
			if a.ServerID != tt.server || a.TempID != tt.temp || a.OK != tt.ok {
				t.Errorf("got %+v", a)
			}
		})
	}
}

func TestParseAuthResult(t *testing.T) {
	a, err := ParseAuthResult([]byte(`{"status":true,"data":{"sessionId":"sess","accessToken":"a2","refreshTokenHash":"r2"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if !a.OK || a.SessionID != "sess" || a.AccessToken != "a2" || a.RefreshTokenHash != "r2" {
		t.Errorf("got %+v", a)
	}

	a, _ = ParseAuthResult([]byte(`{"status":false,"message":"Token expired"}`))
	if a.OK || a.Message != "Token expired" {
		t.Errorf("got %+v", a)
	}
}

func TestParsePresenceImplied(t *testing.T) {
	p, err := ParsePresence([]byte(`{"userId":"peer"}`), "online")
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != "online" {
		t.Errorf("Status = %q, want online", p.Status)
	}
	p, _ = ParsePresence([]byte(`{"userId":"peer","status":"offline","lastSeen":"2023-11-14T22:13:20Z"}`), "")
	if p.Status != "offline" || p.LastSeen != 1_700_000_000_000 {
		t.Errorf("got %+v", p)
	}
}

func TestParseDeletion(t *testing.T) {
	d, err := ParseDeletion([]byte(`{"messageIds":["a","b"],"chatId":"c1","deletedBy":"peer"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(d.MessageIDs) != 2 || d.ConversationID != "c1" || d.DeletedBy != "peer" {
		t.Errorf("got %+v", d)
	}
	if _, err := ParseDeletion([]byte(`{"chatId":"c1"}`)); err == nil {
		t.Error("expected error for missing message id")
	}
}

func TestDisconnectReason(t *testing.T) {
	if got := DisconnectReason([]byte(`"io server disconnect"`)); got != "io server disconnect" {
		t.Errorf("got %q", got)
	}
	if got := DisconnectReason([]byte(`{"reason":"transport close"}`)); got != "transport close" {
		t.Errorf("got %q", got)
	}
}

func TestOutgoingMessage(t *testing.T) {
	m := message.Message{
		TempID: "t1", ConversationID: "c1", SenderID: "me", ReceiverID: "peer",
		Kind: message.KindText, Body: "hello", CreatedAt: 1_700_000_000_000,
	}
	out := OutgoingMessage(m)
	if out["text"] != "hello" || out["tempId"] != "t1" {
		t.Errorf("got %+v", out)
	}
	if out["createdAt"] != "2023-11-14T22:13:20.000Z" {
		t.Errorf("createdAt = %v", out["createdAt"])
	}
}
