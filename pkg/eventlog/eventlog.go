// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package eventlog reads inbound events from a JSON lines file and feeds them to the
// engine. Each line is one object with a "type" field, for example
//
//	{"type":"incoming","conversation_id":"alice","source":"alice","source_device":1,"sent_at":100,"server_timestamp":110,"content":{"body":"hi"}}
//
// Blank lines and lines starting with # are ignored.
package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lrhodin/convsync/pkg/engine"
	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
)

var ErrUnknownType = errors.New("unknown event type")

// Handler is the part of the engine events are applied to.
type Handler interface {
	UpsertConversation(ctx context.Context, info engine.ConversationInfo) error
	HandleIncoming(ctx context.Context, evt engine.Incoming) error
	HandleSyncSent(ctx context.Context, evt engine.SyncSent) error
	HandleDeliveryReceipt(ctx context.Context, r engine.Receipt) error
	HandleReadReceipt(ctx context.Context, r engine.Receipt) error
	HandleReaction(ctx context.Context, evt engine.ReactionEvent) error
	HandleRecall(ctx context.Context, evt engine.RecallEvent) error
	HandleReadPosition(ctx context.Context, conversationID string, pos ledger.ReadPosition) error
	HandleRecipientReadPosition(ctx context.Context, conversationID, recipient string, position int64) error
	HandlePin(ctx context.Context, conversationID string, target message.Ref, pinID string) error
	HandleThreadAssignment(ctx context.Context, conversationID string, target message.Ref, threadID string) error
	DeleteMessage(ctx context.Context, conversationID string, ref message.Ref) error
}

var _ Handler = (*engine.Engine)(nil)

type Event interface {
	EventType() string
	apply(ctx context.Context, h Handler) error
}

type Conversation struct {
	ID          string   `json:"id"`
	IsGroup     bool     `json:"is_group,omitempty"`
	Name        string   `json:"name,omitempty"`
	Members     []string `json:"members,omitempty"`
	ExpireTimer uint32   `json:"expire_timer,omitempty"`
}

type Incoming struct {
	ConversationID string `json:"conversation_id"`
	message.Ref
	ServerTimestamp int64           `json:"server_timestamp,omitempty"`
	ReceivedAt      int64           `json:"received_at,omitempty"`
	Content         message.Content `json:"content"`
}

type SyncSent struct {
	Incoming
	Recipients []string `json:"recipients,omitempty"`
	SentTo     []string `json:"sent_to,omitempty"`
}

type Receipt struct {
	Read   bool    `json:"-"`
	From   string  `json:"from"`
	SentAt []int64 `json:"sent_at"`
	At     int64   `json:"at,omitempty"`
}

type Reaction struct {
	ConversationID string           `json:"conversation_id"`
	Target         message.Ref      `json:"target"`
	Reaction       message.Reaction `json:"reaction"`
	// Tapback is the numbered reaction kind used by older clients. When set, the
	// reaction's emoji is only used for custom emoji tapbacks.
	Tapback *int `json:"tapback,omitempty"`
}

type Recall struct {
	ConversationID  string         `json:"conversation_id"`
	ServerTimestamp int64          `json:"server_timestamp,omitempty"`
	Recall          message.Recall `json:"recall"`
}

type ReadPosition struct {
	ConversationID string `json:"conversation_id"`
	ledger.ReadPosition
}

type RecipientRead struct {
	ConversationID string `json:"conversation_id"`
	Recipient      string `json:"recipient"`
	Position       int64  `json:"position"`
}

type Pin struct {
	ConversationID string      `json:"conversation_id"`
	Target         message.Ref `json:"target"`
	PinID          string      `json:"pin_id"`
}

type Thread struct {
	ConversationID string      `json:"conversation_id"`
	Target         message.Ref `json:"target"`
	ThreadID       string      `json:"thread_id"`
}

type Delete struct {
	ConversationID string      `json:"conversation_id"`
	Target         message.Ref `json:"target"`
}

func (*Conversation) EventType() string  { return "conversation" }
func (*Incoming) EventType() string      { return "incoming" }
func (*SyncSent) EventType() string      { return "sync_sent" }
func (*Reaction) EventType() string      { return "reaction" }
func (*Recall) EventType() string        { return "recall" }
func (*ReadPosition) EventType() string  { return "read_position" }
func (*RecipientRead) EventType() string { return "recipient_read" }
func (*Pin) EventType() string           { return "pin" }
func (*Thread) EventType() string        { return "thread" }
func (*Delete) EventType() string        { return "delete" }

func (r *Receipt) EventType() string {
	if r.Read {
		return "read_receipt"
	}
	return "delivery_receipt"
}

func (evt *Conversation) apply(ctx context.Context, h Handler) error {
	return h.UpsertConversation(ctx, engine.ConversationInfo{
		ID:          evt.ID,
		IsGroup:     evt.IsGroup,
		Name:        evt.Name,
		Members:     evt.Members,
		ExpireTimer: evt.ExpireTimer,
	})
}

func (evt *Incoming) apply(ctx context.Context, h Handler) error {
	return h.HandleIncoming(ctx, engine.Incoming{
		ConversationID:  evt.ConversationID,
		Ref:             evt.Ref,
		ServerTimestamp: evt.ServerTimestamp,
		ReceivedAt:      evt.ReceivedAt,
		Content:         evt.Content,
	})
}

func (evt *SyncSent) apply(ctx context.Context, h Handler) error {
	return h.HandleSyncSent(ctx, engine.SyncSent{
		ConversationID:  evt.ConversationID,
		Ref:             evt.Ref,
		ServerTimestamp: evt.ServerTimestamp,
		ReceivedAt:      evt.ReceivedAt,
		Recipients:      evt.Recipients,
		SentTo:          evt.SentTo,
		Content:         evt.Content,
	})
}

func (evt *Receipt) apply(ctx context.Context, h Handler) error {
	r := engine.Receipt{From: evt.From, SentAt: evt.SentAt, At: evt.At}
	if evt.Read {
		return h.HandleReadReceipt(ctx, r)
	}
	return h.HandleDeliveryReceipt(ctx, r)
}

func (evt *Reaction) apply(ctx context.Context, h Handler) error {
	r := evt.Reaction
	if evt.Tapback != nil {
		r.Emoji = message.TapbackEmoji(*evt.Tapback, r.Emoji)
	}
	return h.HandleReaction(ctx, engine.ReactionEvent{
		ConversationID: evt.ConversationID,
		Target:         evt.Target,
		Reaction:       r,
	})
}

func (evt *Recall) apply(ctx context.Context, h Handler) error {
	return h.HandleRecall(ctx, engine.RecallEvent{
		ConversationID:  evt.ConversationID,
		ServerTimestamp: evt.ServerTimestamp,
		Recall:          evt.Recall,
	})
}

func (evt *ReadPosition) apply(ctx context.Context, h Handler) error {
	return h.HandleReadPosition(ctx, evt.ConversationID, evt.ReadPosition)
}

func (evt *RecipientRead) apply(ctx context.Context, h Handler) error {
	return h.HandleRecipientReadPosition(ctx, evt.ConversationID, evt.Recipient, evt.Position)
}

func (evt *Pin) apply(ctx context.Context, h Handler) error {
	return h.HandlePin(ctx, evt.ConversationID, evt.Target, evt.PinID)
}

func (evt *Thread) apply(ctx context.Context, h Handler) error {
	return h.HandleThreadAssignment(ctx, evt.ConversationID, evt.Target, evt.ThreadID)
}

func (evt *Delete) apply(ctx context.Context, h Handler) error {
	return h.DeleteMessage(ctx, evt.ConversationID, evt.Target)
}

func newEvent(eventType string) (Event, error) {
	switch eventType {
	case "conversation":
		return &Conversation{}, nil
	case "incoming":
		return &Incoming{}, nil
	case "sync_sent":
		return &SyncSent{}, nil
	case "delivery_receipt":
		return &Receipt{}, nil
	case "read_receipt":
		return &Receipt{Read: true}, nil
	case "reaction":
		return &Reaction{}, nil
	case "recall":
		return &Recall{}, nil
	case "read_position":
		return &ReadPosition{}, nil
	case "recipient_read":
		return &RecipientRead{}, nil
	case "pin":
		return &Pin{}, nil
	case "thread":
		return &Thread{}, nil
	case "delete":
		return &Delete{}, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, eventType)
	}
}

// Decode parses one line of an event file.
func Decode(line []byte) (Event, error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &header); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	evt, err := newEvent(header.Type)
	if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(line, evt); err != nil {
		return nil, fmt.Errorf("failed to parse %s event: %w", header.Type, err)
	}
	return evt, nil
}

// Encode serializes an event into a single line without the trailing newline.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	typeField, _ := json.Marshal(evt.EventType())
	if bytes.Equal(data, []byte("{}")) {
		return fmt.Appendf(nil, `{"type":%s}`, typeField), nil
	}
	return fmt.Appendf(nil, `{"type":%s,%s`, typeField, data[1:]), nil
}

// Apply hands a decoded event to the engine.
func Apply(ctx context.Context, h Handler, evt Event) error {
	return evt.apply(ctx, h)
}

func skipLine(line []byte) bool {
	line = bytes.TrimSpace(line)
	return len(line) == 0 || line[0] == '#'
}
