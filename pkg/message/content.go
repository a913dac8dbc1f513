// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// Content is the decoded payload of a received or synced message.
type Content struct {
	Kind        NotificationKind `json:"kind,omitempty"`
	Body        string           `json:"body,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Quote       *Quote           `json:"quote,omitempty"`
	Forward     *Forward         `json:"forward,omitempty"`
	Contacts    []Contact        `json:"contacts,omitempty"`
	ExpireTimer uint32           `json:"expire_timer,omitempty"`
	ThreadID    string           `json:"thread_id,omitempty"`
	TimerUpdate *TimerUpdate     `json:"timer_update,omitempty"`
	GroupUpdate *GroupUpdate     `json:"group_update,omitempty"`
	Subject     string           `json:"subject,omitempty"`
	Verified    bool             `json:"verified,omitempty"`
}

func (c *Content) kind() NotificationKind {
	if c.Kind == "" {
		return KindStandard
	}
	return c.Kind
}

// Validate checks the structure of the payload without touching any message.
func (c *Content) Validate() error {
	kind := c.kind()
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidContent, c.Kind)
	}
	switch kind {
	case KindStandard:
		if c.Body == "" && len(c.Attachments) == 0 && len(c.Contacts) == 0 && c.Forward == nil {
			return fmt.Errorf("%w: empty message", ErrInvalidContent)
		}
	case KindRecall:
		return fmt.Errorf("%w: recalls must be applied with ApplyRecall", ErrInvalidContent)
	case KindTimerUpdate:
		if c.TimerUpdate == nil {
			return fmt.Errorf("%w: timer update without timer", ErrInvalidContent)
		}
	case KindGroupUpdate:
		if c.GroupUpdate == nil {
			return fmt.Errorf("%w: group update without changes", ErrInvalidContent)
		}
	case KindKeyChange, KindVerifiedChange:
		if c.Subject == "" {
			return fmt.Errorf("%w: %s notice without subject", ErrInvalidContent, kind)
		}
	}
	for i, att := range c.Attachments {
		if att.Ref == "" {
			return fmt.Errorf("%w: attachment %d has no pointer", ErrInvalidContent, i)
		}
	}
	if c.Quote != nil && (c.Quote.Author == "" || c.Quote.SentAt <= 0) {
		return fmt.Errorf("%w: quote without author or timestamp", ErrInvalidContent)
	}
	for i, contact := range c.Contacts {
		if contact.Name == "" && len(contact.Numbers) == 0 {
			return fmt.Errorf("%w: contact %d is empty", ErrInvalidContent, i)
		}
	}
	if c.Forward != nil {
		if err := c.Forward.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Hash returns a stable digest of the payload used to detect replays.
func (c *Content) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		// Content only holds plain data, so this can't happen.
		panic(fmt.Errorf("failed to marshal content: %w", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ApplyIncomingContent materializes the payload of a message. The payload is validated
// first and nothing is applied if it is invalid. Replaying the same payload is a no-op,
// a different payload for an already materialized message is rejected.
func (m *Message) ApplyIncomingContent(c Content) (Delta, error) {
	if err := c.Validate(); err != nil {
		return 0, err
	}
	hash := c.Hash()
	if m.ContentHash != "" {
		if m.ContentHash == hash {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %s", ErrContentConflict, m.Key())
	}
	if m.IsRecallNotice() || m.HasBeenRecalled {
		// The recall won the race against the content, keep only the hash so
		// the content can't resurrect the message.
		m.ContentHash = hash
		return ChangedContent, nil
	}
	m.ContentHash = hash
	m.Kind = c.kind()
	m.Body = c.Body
	m.Attachments = slices.Clone(c.Attachments)
	for i := range m.Attachments {
		m.Attachments[i].resetTransferState()
	}
	m.Quote = c.Quote.clone()
	if m.Quote != nil {
		for i := range m.Quote.Attachments {
			if thumb := m.Quote.Attachments[i].Thumbnail; thumb != nil {
				thumb.resetTransferState()
			}
		}
	}
	m.Forward = c.Forward.clone()
	m.Forward.walk(func(att *Attachment) { att.resetTransferState() })
	m.Contacts = cloneContacts(c.Contacts)
	for i := range m.Contacts {
		if avatar := m.Contacts[i].Avatar; avatar != nil {
			avatar.resetTransferState()
		}
	}
	if c.TimerUpdate != nil {
		tu := *c.TimerUpdate
		m.TimerUpdate = &tu
	}
	if c.GroupUpdate != nil {
		gu := *c.GroupUpdate
		gu.Joined = slices.Clone(gu.Joined)
		gu.Left = slices.Clone(gu.Left)
		m.GroupUpdate = &gu
	}
	m.Subject = c.Subject
	m.Verified = c.Verified
	delta := ChangedContent
	if c.ExpireTimer > 0 && m.ExpireTimer == 0 {
		m.ExpireTimer = c.ExpireTimer
		delta |= ChangedExpiration
	}
	if c.ThreadID != "" {
		delta |= m.SetThread(c.ThreadID)
	}
	if m.IsIncoming() && m.Kind.CountsAsUnread() && !m.Unread {
		m.Unread = true
		delta |= ChangedUnread
	}
	return delta, nil
}
