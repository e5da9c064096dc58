package message

import (
	"slices"
	"sort"
	"strconv"
)

// Key returns the identity key of m: the server id once assigned, then the
// local id, then the temp id, then a sender/timestamp composite.
func (m Message) Key() string {
	switch {
	case m.ServerID != "":
		return m.ServerID
	case m.LocalID != "":
		return m.LocalID
	case m.TempID != "":
		return m.TempID
	default:
		return m.compositeKey()
	}
}

func (m Message) compositeKey() string {
	return m.SenderID + "_" + strconv.FormatInt(m.CreatedAt, 10)
}

// Aliases returns every id under which m may be known. Two representations
// sharing any alias denote the same logical message.
func (m Message) Aliases() []string {
	aliases := make([]string, 0, 3)
	for _, id := range []string{m.ServerID, m.LocalID, m.TempID} {
		if id != "" && !slices.Contains(aliases, id) {
			aliases = append(aliases, id)
		}
	}
	if len(aliases) == 0 {
		aliases = append(aliases, m.compositeKey())
	}
	return aliases
}

// HasID reports whether id is one of m's aliases.
func (m Message) HasID(id string) bool {
	return id != "" && slices.Contains(m.Aliases(), id)
}

// SameMessage reports whether a and b share an alias.
func SameMessage(a, b Message) bool {
	for _, id := range a.Aliases() {
		if b.HasID(id) {
			return true
		}
	}
	return false
}

// Merge combines two representations of the same message.
//
// The winner is the copy carrying a server id, else the copy carrying a
// local media file, else the newer one; a full tie keeps existing. Fields the
// winner lacks are then taken from the loser, so a local file path or a
// client id is never lost to a server echo.
func Merge(existing, incoming Message) Message {
	winner, loser := existing, incoming
	if prefers(incoming, existing) {
		winner, loser = incoming, existing
	}
	return complete(winner.Clone(), loser)
}

func prefers(candidate, other Message) bool {
	if (candidate.ServerID != "") != (other.ServerID != "") {
		return candidate.ServerID != ""
	}
	if (candidate.LocalURI() != "") != (other.LocalURI() != "") {
		return candidate.LocalURI() != ""
	}
	return candidate.CreatedAt > other.CreatedAt
}

func complete(w, l Message) Message {
	fill(&w.ServerID, l.ServerID)
	fill(&w.LocalID, l.LocalID)
	fill(&w.TempID, l.TempID)
	fill(&w.ConversationID, l.ConversationID)
	fill(&w.SenderID, l.SenderID)
	fill(&w.ReceiverID, l.ReceiverID)
	fill(&w.Body, l.Body)
	if w.Kind == "" {
		w.Kind = l.Kind
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = l.CreatedAt
	}
	if l.Media != nil {
		w = w.WithMedia(func(ref *MediaRef) {
			fill(&ref.RemoteURL, l.Media.RemoteURL)
			fill(&ref.PreviewURL, l.Media.PreviewURL)
			fill(&ref.LocalURI, l.Media.LocalURI)
		})
	}
	w.Status = furthest(w.Status, l.Status)
	w.Synced = w.Synced || l.Synced
	return w
}

func fill(dst *string, src string) {
	if *dst == "" {
		*dst = src
	}
}

// Dedup reduces msgs to one representative per logical message and orders the
// result newest first. Representations are grouped transitively through their
// aliases, so an optimistic copy and a server copy that echoes its temp id end
// up in the same group. Ties on CreatedAt keep first-seen order.
func Dedup(msgs []Message) []Message {
	if len(msgs) == 0 {
		return nil
	}
	parent := make([]int, len(msgs))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}

	owner := make(map[string]int, len(msgs))
	for i, m := range msgs {
		for _, alias := range m.Aliases() {
			if j, ok := owner[alias]; ok {
				if ri, rj := find(i), find(j); ri != rj {
					parent[ri] = rj
				}
				continue
			}
			owner[alias] = i
		}
	}

	slot := make(map[int]int, len(msgs))
	out := make([]Message, 0, len(msgs))
	for i, m := range msgs {
		root := find(i)
		if k, ok := slot[root]; ok {
			out[k] = Merge(out[k], m)
			continue
		}
		slot[root] = len(out)
		out = append(out, m.Clone())
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders msgs by CreatedAt descending, keeping the relative
// order of equal timestamps.
func SortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt > msgs[j].CreatedAt
	})
}
