// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"cmp"
	"slices"

	"go.mau.fi/util/variationselector"
)

// Reaction is one sender's reaction with one emoji. A removal is a reaction with
// Remove set, and must carry a timestamp greater than the reaction it removes.
type Reaction struct {
	Emoji     string `json:"emoji"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Remove    bool   `json:"remove,omitempty"`
}

// NormalizeEmoji returns the fully-qualified form of the emoji so that variants with
// and without variation selectors are merged.
func NormalizeEmoji(emoji string) string {
	return variationselector.FullyQualify(emoji)
}

// MergeReaction decides between the stored reaction for a (message, emoji, sender)
// triple and an incoming one. The incoming reaction wins only with a strictly greater
// timestamp. It has no side effects.
func MergeReaction(existing *Reaction, incoming Reaction) (winner Reaction, replaced bool) {
	if existing == nil || incoming.Timestamp > existing.Timestamp {
		return incoming, true
	}
	return *existing, false
}

// ApplyReaction merges a reaction into the message and reports whether the visible
// reaction set changed.
func (m *Message) ApplyReaction(r Reaction) bool {
	r.Emoji = NormalizeEmoji(r.Emoji)
	if r.Emoji == "" || r.Sender == "" || m.HasBeenRecalled {
		return false
	}
	bySender := m.Reactions[r.Emoji]
	var existing *Reaction
	if prev, ok := bySender[r.Sender]; ok {
		existing = &prev
	}
	winner, replaced := MergeReaction(existing, r)
	if !replaced {
		return false
	}
	wasVisible := existing != nil && !existing.Remove
	if m.Reactions == nil {
		m.Reactions = make(map[string]map[string]Reaction)
	}
	if bySender == nil {
		bySender = make(map[string]Reaction)
		m.Reactions[r.Emoji] = bySender
	}
	bySender[r.Sender] = winner
	return wasVisible != !winner.Remove
}

// VisibleReactions returns the reactions that aren't removed, ordered by time.
func (m *Message) VisibleReactions() []Reaction {
	var out []Reaction
	for _, bySender := range m.Reactions {
		for _, r := range bySender {
			if !r.Remove {
				out = append(out, r)
			}
		}
	}
	slices.SortFunc(out, func(a, b Reaction) int {
		return cmp.Or(
			cmp.Compare(a.Timestamp, b.Timestamp),
			cmp.Compare(a.Emoji, b.Emoji),
			cmp.Compare(a.Sender, b.Sender),
		)
	})
	return out
}

// TapbackEmoji maps the classic numbered tapback kinds to emojis. Kind 6 is a custom
// emoji tapback and uses the given emoji.
func TapbackEmoji(kind int, custom string) string {
	switch kind {
	case 0:
		return "❤️"
	case 1:
		return "👍"
	case 2:
		return "👎"
	case 3:
		return "😂"
	case 4:
		return "❗"
	case 5:
		return "❓"
	case 6:
		if custom != "" {
			return custom
		}
		return "👍"
	default:
		return "❤️"
	}
}
