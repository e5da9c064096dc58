package message

import (
	"reflect"
	"testing"
)

func TestKeyPrecedence(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"server id wins", Message{ServerID: "s1", LocalID: "l1", TempID: "t1"}, "s1"},
		{"local id", Message{LocalID: "l1", TempID: "t1"}, "l1"},
		{"temp id", Message{TempID: "t1"}, "t1"},
		{"composite", Message{SenderID: "u1", CreatedAt: 1700}, "u1_1700"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.msg.Key(); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseKind(t *testing.T) {
	tests := map[string]Kind{
		"text":     KindText,
		"image":    KindImage,
		"Video":    KindVideo,
		"document": KindFile,
		"audio":    KindFile,
		"":         KindText,
		"sticker":  KindText,
	}
	for in, want := range tests {
		if got := ParseKind(in); got != want {
			t.Errorf("ParseKind(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMergeOptimisticWithServerEcho(t *testing.T) {
	local := Message{
		LocalID: "t1", TempID: "t1", Kind: KindImage, CreatedAt: 1000,
		Media:  &MediaRef{LocalURI: "file:///a.jpg"},
		Status: StatusSending,
	}
	server := Message{
		ServerID: "s1", TempID: "t1", Kind: KindImage, CreatedAt: 1001,
		Media:  &MediaRef{RemoteURL: "https://cdn/a.jpg"},
		Status: StatusSent, Synced: true,
	}

	got := Dedup([]Message{local, server})
	if len(got) != 1 {
		t.Fatalf("Dedup() returned %d messages, want 1", len(got))
	}
	m := got[0]
	if m.ServerID != "s1" {
		t.Errorf("ServerID = %q, want s1", m.ServerID)
	}
	if m.LocalURI() != "file:///a.jpg" {
		t.Errorf("LocalURI = %q, want file:///a.jpg", m.LocalURI())
	}
	if m.RemoteURL() != "https://cdn/a.jpg" {
		t.Errorf("RemoteURL = %q, want https://cdn/a.jpg", m.RemoteURL())
	}
	if m.Status != StatusSent {
		t.Errorf("Status = %q, want sent", m.Status)
	}
	if !m.Synced {
		t.Error("Synced = false, want true")
	}
	if m.LocalID != "t1" {
		t.Errorf("LocalID = %q, want t1", m.LocalID)
	}
}

func TestMergePriority(t *testing.T) {
	t.Run("local media beats newer timestamp", func(t *testing.T) {
		a := Message{TempID: "x", CreatedAt: 10, Media: &MediaRef{LocalURI: "file:///x"}}
		b := Message{TempID: "x", CreatedAt: 20, Body: "newer"}
		got := Merge(b, a)
		if got.CreatedAt != 10 {
			t.Errorf("CreatedAt = %d, want 10 (copy with local media)", got.CreatedAt)
		}
		if got.Body != "newer" {
			t.Errorf("Body = %q, want filled from loser", got.Body)
		}
	})
	t.Run("newer timestamp wins", func(t *testing.T) {
		a := Message{TempID: "x", CreatedAt: 10, Body: "old"}
		b := Message{TempID: "x", CreatedAt: 20, Body: "new"}
		if got := Merge(a, b); got.Body != "new" {
			t.Errorf("Body = %q, want new", got.Body)
		}
	})
	t.Run("tie keeps existing", func(t *testing.T) {
		a := Message{TempID: "x", CreatedAt: 10, Body: "existing"}
		b := Message{TempID: "x", CreatedAt: 10, Body: "incoming"}
		if got := Merge(a, b); got.Body != "existing" {
			t.Errorf("Body = %q, want existing", got.Body)
		}
	})
}

func TestMergeNeverDropsLocalURI(t *testing.T) {
	existing := Message{ServerID: "s1", Media: &MediaRef{LocalURI: "file:///keep.jpg"}}
	incoming := Message{ServerID: "s1", CreatedAt: 99, Media: &MediaRef{RemoteURL: "https://cdn/x"}}

	got := Merge(existing, incoming)
	if got.LocalURI() != "file:///keep.jpg" {
		t.Errorf("LocalURI = %q, want file:///keep.jpg", got.LocalURI())
	}
	if existing.Media.RemoteURL != "" {
		t.Error("Merge mutated its input")
	}
}

func TestDedupIdempotent(t *testing.T) {
	input := []Message{
		{ServerID: "s1", CreatedAt: 30},
		{TempID: "t2", CreatedAt: 20, Status: StatusSending},
		{ServerID: "s2", TempID: "t2", CreatedAt: 21, Status: StatusSent},
		{ServerID: "s1", CreatedAt: 30, Body: "dup"},
		{SenderID: "u", CreatedAt: 5},
		{SenderID: "u", CreatedAt: 5},
	}
	once := Dedup(input)
	twice := Dedup(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Dedup not idempotent:\n once=%+v\ntwice=%+v", once, twice)
	}
	if len(once) != 3 {
		t.Errorf("len = %d, want 3", len(once))
	}
}

func TestDedupBridgesGroups(t *testing.T) {
	// The third copy links the first two through its ids.
	input := []Message{
		{ServerID: "s1", CreatedAt: 10},
		{LocalID: "l1", CreatedAt: 10},
		{ServerID: "s1", LocalID: "l1", CreatedAt: 10},
	}
	if got := Dedup(input); len(got) != 1 {
		t.Errorf("len = %d, want 1", len(got))
	}
}

func TestDedupOrderingStable(t *testing.T) {
	input := []Message{
		{ServerID: "a", CreatedAt: 10},
		{ServerID: "b", CreatedAt: 30},
		{ServerID: "c", CreatedAt: 10},
		{ServerID: "d", CreatedAt: 20},
	}
	got := Dedup(input)
	var keys []string
	for _, m := range got {
		keys = append(keys, m.Key())
	}
	want := []string{"b", "d", "a", "c"}
	if !reflect.DeepEqual(keys, want) {
		t.Errorf("order = %v, want %v", keys, want)
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt > got[i-1].CreatedAt {
			t.Fatalf("ordering not non-increasing at %d", i)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusNone, StatusSending, true},
		{StatusSending, StatusSent, true},
		{StatusSending, StatusFailed, true},
		{StatusSent, StatusDelivered, true},
		{StatusDelivered, StatusSeen, true},
		{StatusSending, StatusSeen, true},
		{StatusFailed, StatusSending, true},
		{StatusFailed, StatusSent, true},
		{StatusSeen, StatusDelivered, false},
		{StatusDelivered, StatusSent, false},
		{StatusSent, StatusFailed, false},
		{StatusSent, StatusSending, false},
		{StatusSeen, StatusSeen, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestStatusMonotonicUnderMerge(t *testing.T) {
	seen := Message{ServerID: "s1", Status: StatusSeen, CreatedAt: 10}
	stale := Message{ServerID: "s1", Status: StatusDelivered, CreatedAt: 11}
	if got := Merge(seen, stale); got.Status != StatusSeen {
		t.Errorf("Status = %q, want seen", got.Status)
	}
}
