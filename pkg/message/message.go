// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package message holds the per-message state machine: typed facets that evolve
// through idempotent transitions, the ordering resolver and the reaction merge rules.
//
// All timestamps are unix milliseconds.
package message

import (
	"fmt"
	"maps"
	"slices"

	"go.mau.fi/util/ptr"
)

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Ref identifies a message before it has a stable ID. SentAt is chosen by the
// sending client and is unique per source and device.
type Ref struct {
	Source       string `json:"source"`
	SourceDevice uint32 `json:"source_device"`
	SentAt       int64  `json:"sent_at"`
}

func (r Ref) String() string {
	return fmt.Sprintf("%s.%d@%d", r.Source, r.SourceDevice, r.SentAt)
}

func (r Ref) IsZero() bool {
	return r.Source == "" && r.SentAt == 0
}

// SameAuthor reports whether both refs were produced by the same sender and device.
func (r Ref) SameAuthor(other Ref) bool {
	return r.Source == other.Source && r.SourceDevice == other.SourceDevice
}

type TimerUpdate struct {
	ExpireTimer uint32 `json:"expire_timer"`
}

type GroupUpdate struct {
	Name   string   `json:"name,omitempty"`
	Joined []string `json:"joined,omitempty"`
	Left   []string `json:"left,omitempty"`
}

type Message struct {
	// ID is empty until the message has been persisted once.
	ID             string `json:"id,omitempty"`
	ConversationID string `json:"conversation_id"`

	Source          string    `json:"source"`
	SourceDevice    uint32    `json:"source_device"`
	SentAt          int64     `json:"sent_at"`
	ServerTimestamp int64     `json:"server_timestamp,omitempty"`
	ReceivedAt      int64     `json:"received_at"`
	Direction       Direction `json:"direction"`

	Kind        NotificationKind `json:"kind"`
	ContentHash string           `json:"content_hash,omitempty"`
	Body        string           `json:"body,omitempty"`
	Attachments []Attachment     `json:"attachments,omitempty"`
	Quote       *Quote           `json:"quote,omitempty"`
	Forward     *Forward         `json:"forward,omitempty"`
	Contacts    []Contact        `json:"contacts,omitempty"`
	TimerUpdate *TimerUpdate     `json:"timer_update,omitempty"`
	GroupUpdate *GroupUpdate     `json:"group_update,omitempty"`
	// Subject is the identity a key change or verification notice refers to.
	Subject  string `json:"subject,omitempty"`
	Verified bool   `json:"verified,omitempty"`

	Unread bool `json:"unread,omitempty"`

	Recipients  []string         `json:"recipients,omitempty"`
	SentTo      map[string]int64 `json:"sent_to,omitempty"`
	DeliveredTo map[string]int64 `json:"delivered_to,omitempty"`
	ReadBy      map[string]int64 `json:"read_by,omitempty"`
	Errors      []SendError      `json:"errors,omitempty"`
	Sent        bool             `json:"sent,omitempty"`

	ExpireTimer              uint32 `json:"expire_timer,omitempty"`
	ExpirationStartTimestamp int64  `json:"expiration_start_timestamp,omitempty"`
	ExpiresAt                int64  `json:"expires_at,omitempty"`

	Recall          *Recall `json:"recall,omitempty"`
	HasBeenRecalled bool    `json:"has_been_recalled,omitempty"`

	// Reactions is emoji -> sender -> reaction. Removed reactions stay as
	// tombstones so stale replays can be rejected.
	Reactions map[string]map[string]Reaction `json:"reactions,omitempty"`

	ThreadID string `json:"thread_id,omitempty"`
	PinID    string `json:"pin_id,omitempty"`
}

// NewIncoming creates the speculative in-memory message for a received envelope.
func NewIncoming(conversationID string, ref Ref, serverTimestamp, receivedAt int64) *Message {
	return &Message{
		ConversationID:  conversationID,
		Source:          ref.Source,
		SourceDevice:    ref.SourceDevice,
		SentAt:          ref.SentAt,
		ServerTimestamp: serverTimestamp,
		ReceivedAt:      receivedAt,
		Direction:       DirectionIncoming,
		Kind:            KindStandard,
	}
}

// NewOutgoing creates a message sent by the local account.
func NewOutgoing(conversationID string, ref Ref, recipients []string, receivedAt int64) *Message {
	return &Message{
		ConversationID: conversationID,
		Source:         ref.Source,
		SourceDevice:   ref.SourceDevice,
		SentAt:         ref.SentAt,
		ReceivedAt:     receivedAt,
		Direction:      DirectionOutgoing,
		Kind:           KindStandard,
		Recipients:     slices.Clone(recipients),
	}
}

func (m *Message) Key() Ref {
	return Ref{Source: m.Source, SourceDevice: m.SourceDevice, SentAt: m.SentAt}
}

func (m *Message) IsIncoming() bool {
	return m.Direction == DirectionIncoming
}

func (m *Message) IsRecallNotice() bool {
	return m.Kind == KindRecall && m.Recall != nil
}

// AwaitsTarget reports whether the message refers to another message that hasn't
// been located yet, either as an unfinished recall notice or an unresolved quote.
func (m *Message) AwaitsTarget() bool {
	return (m.IsRecallNotice() && !m.Recall.Finished) || (m.Quote != nil && !m.Quote.IsResolved())
}

// IsMaterialized reports whether content has been applied to the message.
func (m *Message) IsMaterialized() bool {
	return m.ContentHash != ""
}

// CountsAsUnread reports whether the message participates in the unread counter
// when its sort key is above the conversation's last-read position.
func (m *Message) CountsAsUnread() bool {
	return m.IsIncoming() &&
		m.IsMaterialized() &&
		m.Kind.CountsAsUnread() &&
		!m.HasBeenRecalled
}

func (m *Message) SetServerTimestamp(ts int64) Delta {
	if ts <= 0 || m.ServerTimestamp != 0 {
		return 0
	}
	m.ServerTimestamp = ts
	return ChangedServerTimestamp
}

func (m *Message) SetPin(pinID string) Delta {
	if m.PinID == pinID {
		return 0
	}
	m.PinID = pinID
	return ChangedPin
}

func (m *Message) SetThread(threadID string) Delta {
	if m.ThreadID == threadID {
		return 0
	}
	m.ThreadID = threadID
	return ChangedThread
}

// Clone returns a deep copy that can be handed to readers outside the
// conversation job queue.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	c.Contacts = cloneContacts(m.Contacts)
	c.Quote = m.Quote.clone()
	c.Forward = m.Forward.clone()
	c.TimerUpdate = ptr.Clone(m.TimerUpdate)
	if m.GroupUpdate != nil {
		gu := *m.GroupUpdate
		gu.Joined = slices.Clone(gu.Joined)
		gu.Left = slices.Clone(gu.Left)
		c.GroupUpdate = &gu
	}
	c.Recipients = slices.Clone(m.Recipients)
	c.SentTo = maps.Clone(m.SentTo)
	c.DeliveredTo = maps.Clone(m.DeliveredTo)
	c.ReadBy = maps.Clone(m.ReadBy)
	c.Errors = slices.Clone(m.Errors)
	if m.Recall != nil {
		rc := *m.Recall
		rc.TargetSnapshot = ptr.Clone(rc.TargetSnapshot)
		c.Recall = &rc
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]map[string]Reaction, len(m.Reactions))
		for emoji, bySender := range m.Reactions {
			c.Reactions[emoji] = maps.Clone(bySender)
		}
	}
	return &c
}
