// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"context"

	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/store"
	"github.com/lrhodin/convsync/pkg/window"
)

// Storage is the persistence backend the engine runs on. *store.Store implements it.
type Storage interface {
	window.Fetcher

	SaveMessage(ctx context.Context, m *message.Message) error
	RemoveMessage(ctx context.Context, id string) error
	GetMessageByRef(ctx context.Context, conversationID string, ref message.Ref) (*message.Message, error)
	GetMessagesBySentAt(ctx context.Context, sentAt int64) ([]*message.Message, error)
	GetExpiredMessages(ctx context.Context, now int64, limit int) ([]*message.Message, error)
	GetLatestMessage(ctx context.Context, conversationID string) (*message.Message, error)
	GetUnreadCandidates(ctx context.Context, conversationID string, after int64) ([]*message.Message, error)
	GetUnreadInRange(ctx context.Context, conversationID string, after, upTo int64) ([]*message.Message, error)
	GetAwaitingMessages(ctx context.Context, conversationID string) ([]*message.Message, error)

	SavePendingReaction(ctx context.Context, conversationID string, target message.Ref, r message.Reaction) error
	GetPendingReactions(ctx context.Context, conversationID string) ([]store.PendingReaction, error)
	DeletePendingReactions(ctx context.Context, conversationID string, target message.Ref) error

	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	SaveConversation(ctx context.Context, conv *store.Conversation) error
	SaveLedger(ctx context.Context, snap ledger.Snapshot) error
}

var _ Storage = (*store.Store)(nil)

// Envelope is one send attempt handed to the transport.
type Envelope struct {
	ConversationID string
	Message        *message.Message
	// Recipients is the subset of the message's recipients this attempt targets.
	Recipients []string
	Attempt    int
}

type Transport interface {
	Send(ctx context.Context, env Envelope) (message.SendResult, error)
}

// ConnectivityChecker can optionally be implemented by a Transport. Sends fail
// immediately with ErrNetworkUnavailable while it reports being offline.
type ConnectivityChecker interface {
	IsOnline() bool
}

type Profile struct {
	ID        string
	FirstName string
	LastName  string
	Nickname  string
	Phone     string
	Email     string
}

type ProfileFetcher interface {
	FetchProfile(ctx context.Context, id string) (*Profile, error)
}
