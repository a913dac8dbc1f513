// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"fmt"
)

// Recall describes the retraction of an earlier message.
type Recall struct {
	// Target is the message being retracted.
	Target Ref `json:"target"`
	// RealSource is the sender, device and time of the recall action itself.
	RealSource    Ref   `json:"real_source"`
	Finished      bool  `json:"finished,omitempty"`
	EditableUntil int64 `json:"editable_until,omitempty"`

	TargetSnapshot *TargetSnapshot `json:"target_snapshot,omitempty"`
}

// TargetSnapshot is what a recall notice remembers about the message it retracted.
type TargetSnapshot struct {
	ID              string `json:"id,omitempty"`
	ServerTimestamp int64  `json:"server_timestamp,omitempty"`
	SentAt          int64  `json:"sent_at"`
}

func (r *Recall) Validate() error {
	if r.Target.Source == "" || r.Target.SentAt <= 0 {
		return fmt.Errorf("%w: missing target", ErrInvalidRecall)
	} else if !r.Target.SameAuthor(r.RealSource) {
		return fmt.Errorf("%w: %s can't recall a message by %s.%d", ErrInvalidRecall,
			r.RealSource, r.Target.Source, r.Target.SourceDevice)
	} else if r.EditableUntil > 0 && r.RealSource.SentAt > r.EditableUntil {
		return fmt.Errorf("%w: recall window closed at %d", ErrInvalidRecall, r.EditableUntil)
	}
	return nil
}

// ApplyRecall applies a recall descriptor to the message. If the message is the
// recall's target it's stamped as recalled and its content is dropped, otherwise
// the message becomes a recall notice for the target.
func (m *Message) ApplyRecall(r Recall) (Delta, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	if m.Key() == r.Target {
		return m.markRecalled(), nil
	}
	if m.Recall != nil {
		if m.Recall.Target == r.Target {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s already recalls %s", ErrInvalidRecall, m.Key(), m.Recall.Target)
	}
	recall := r
	recall.Finished = false
	recall.TargetSnapshot = nil
	m.Recall = &recall
	m.Kind = KindRecall
	delta := ChangedRecall
	if m.Unread {
		m.Unread = false
		delta |= ChangedUnread
	}
	return delta, nil
}

func (m *Message) markRecalled() Delta {
	if m.HasBeenRecalled {
		return 0
	}
	m.HasBeenRecalled = true
	delta := ChangedRecall
	if m.Body != "" || len(m.Attachments) > 0 || m.Quote != nil || m.Forward != nil || len(m.Contacts) > 0 {
		m.Body = ""
		m.Attachments = nil
		m.Quote = nil
		m.Forward = nil
		m.Contacts = nil
		delta |= ChangedContent
	}
	if len(m.Reactions) > 0 {
		m.Reactions = nil
		delta |= ChangedReactions
	}
	if m.Unread {
		m.Unread = false
		delta |= ChangedUnread
	}
	return delta
}

// ResolveRecallTarget records the located target in a recall notice, which moves
// the notice to the target's position.
func (m *Message) ResolveRecallTarget(target *Message) Delta {
	if !m.IsRecallNotice() || target.Key() != m.Recall.Target {
		return 0
	}
	snap := TargetSnapshot{ID: target.ID, ServerTimestamp: target.ServerTimestamp, SentAt: target.SentAt}
	if m.Recall.Finished && m.Recall.TargetSnapshot != nil && *m.Recall.TargetSnapshot == snap {
		return 0
	}
	m.Recall.TargetSnapshot = &snap
	m.Recall.Finished = true
	return ChangedRecall
}

// ResolveQuote fills in the quote from the located original message. Passing nil marks
// the quote as permanently unresolved.
func (m *Message) ResolveQuote(target *Message) Delta {
	if m.Quote == nil {
		return 0
	}
	if target == nil {
		if m.Quote.ReferencedMessageNotFound {
			return 0
		}
		m.Quote.ReferencedMessageNotFound = true
		return ChangedQuote
	}
	if target.Source != m.Quote.Author || target.SentAt != m.Quote.SentAt {
		return 0
	}
	if target.ID == "" || m.Quote.ReferencedMessageID == target.ID {
		return 0
	}
	m.Quote.ReferencedMessageID = target.ID
	m.Quote.ReferencedMessageNotFound = false
	if m.Quote.Text == "" && !target.HasBeenRecalled {
		m.Quote.Text = target.Body
	}
	return ChangedQuote
}
