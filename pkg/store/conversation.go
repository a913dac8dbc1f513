// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"

	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
)

type ConversationMetadata struct {
	Name        string   `json:"name,omitempty"`
	Members     []string `json:"members,omitempty"`
	ExpireTimer uint32   `json:"expire_timer,omitempty"`

	LastReconciled jsontime.UnixMilli `json:"last_reconciled,omitempty"`
	LastActivity   jsontime.UnixMilli `json:"last_activity,omitempty"`
}

type Conversation struct {
	ID       string
	IsGroup  bool
	Metadata ConversationMetadata
	Ledger   *ledger.Snapshot
}

func (s *Store) SaveConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (id, is_group, metadata, ledger, updated_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			is_group=excluded.is_group,
			metadata=excluded.metadata,
			ledger=COALESCE(excluded.ledger, conversation.ledger),
			updated_ts=excluded.updated_ts
	`, conv.ID, conv.IsGroup, dbutil.JSON{Data: &conv.Metadata}, dbutil.JSONPtr(conv.Ledger), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save conversation %s: %w", conv.ID, err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{ID: id}
	var rawLedger sql.NullString
	err := s.db.QueryRow(ctx, `SELECT is_group, metadata, ledger FROM conversation WHERE id=$1`, id).
		Scan(&conv.IsGroup, &dbutil.JSON{Data: &conv.Metadata}, &rawLedger)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	if rawLedger.Valid {
		conv.Ledger = &ledger.Snapshot{}
		if err = (dbutil.JSON{Data: conv.Ledger}).Scan(rawLedger.String); err != nil {
			return nil, fmt.Errorf("failed to parse ledger of %s: %w", id, err)
		}
	}
	return conv, nil
}

func (s *Store) ListConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id FROM conversation
		UNION
		SELECT DISTINCT conversation_id FROM message
		ORDER BY 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveLedger persists only the ledger snapshot of a conversation, creating the row if needed.
func (s *Store) SaveLedger(ctx context.Context, snap ledger.Snapshot) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversation (id, ledger, updated_ts) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET ledger=excluded.ledger, updated_ts=excluded.updated_ts
	`, snap.ConversationID, dbutil.JSON{Data: &snap}, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save ledger of %s: %w", snap.ConversationID, err)
	}
	return nil
}

func (s *Store) LoadLedger(ctx context.Context, conversationID string) (*ledger.Snapshot, error) {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		return nil, err
	}
	return conv.Ledger, nil
}

// EncodeCursor turns an order key into an opaque pagination token.
func EncodeCursor(key message.OrderKey) string {
	data, _ := json.Marshal(&key)
	return base64.RawURLEncoding.EncodeToString(data)
}

func DecodeCursor(token string) (*message.OrderKey, error) {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	var key message.OrderKey
	if err = json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("invalid cursor: %w", err)
	}
	return &key, nil
}
