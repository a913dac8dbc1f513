// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package store persists messages and conversation aggregates in a SQL database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/convsync/pkg/message"
)

type Store struct {
	db  *dbutil.Database
	log zerolog.Logger
	now func() time.Time
}

func New(db *dbutil.Database, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger(), now: time.Now}
}

// Open connects to a database using the given config and makes sure the schema exists.
func Open(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewFromConfig("convsync", cfg, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := New(db, log)
	if err = s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *dbutil.Database {
	return s.db
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			id TEXT NOT NULL PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			source TEXT NOT NULL,
			source_device INTEGER NOT NULL,
			sent_at BIGINT NOT NULL,
			received_at BIGINT NOT NULL,
			server_ts BIGINT NOT NULL DEFAULT 0,
			sort_ts BIGINT,
			direction TEXT NOT NULL,
			kind TEXT NOT NULL,
			thread_id TEXT NOT NULL DEFAULT '',
			expires_at BIGINT NOT NULL DEFAULT 0,
			counts_unread BOOLEAN NOT NULL DEFAULT FALSE,
			data TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_ref_idx
			ON message (conversation_id, source, source_device, sent_at)`,
		`CREATE INDEX IF NOT EXISTS message_order_idx
			ON message (conversation_id, sort_ts, sent_at, received_at, source, source_device)`,
		`CREATE INDEX IF NOT EXISTS message_sent_at_idx
			ON message (sent_at)`,
		`CREATE INDEX IF NOT EXISTS message_expires_idx
			ON message (expires_at) WHERE expires_at > 0`,
		`CREATE TABLE IF NOT EXISTS conversation (
			id TEXT NOT NULL PRIMARY KEY,
			is_group BOOLEAN NOT NULL DEFAULT FALSE,
			metadata TEXT NOT NULL DEFAULT '{}',
			ledger TEXT,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pending_reaction (
			conversation_id TEXT NOT NULL,
			target_source TEXT NOT NULL,
			target_device INTEGER NOT NULL,
			target_sent_at BIGINT NOT NULL,
			sender TEXT NOT NULL,
			emoji TEXT NOT NULL,
			reaction_ts BIGINT NOT NULL,
			data TEXT NOT NULL,
			created_ts BIGINT NOT NULL,
			PRIMARY KEY (conversation_id, target_source, target_device, target_sent_at, sender, emoji)
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}

	// Migration: thread index for databases created before threads were tracked
	var hasThreadIdx int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_index_list('message') WHERE name='message_thread_idx'`).Scan(&hasThreadIdx)
	if hasThreadIdx == 0 {
		if _, err := s.db.Exec(ctx, `CREATE INDEX message_thread_idx
			ON message (conversation_id, thread_id, sort_ts) WHERE thread_id <> ''`); err != nil {
			return fmt.Errorf("failed to create thread index: %w", err)
		}
	}

	// Migration: track messages that wait for another message to arrive
	var hasAwaitsTarget int
	_ = s.db.QueryRow(ctx, `SELECT COUNT(*) FROM pragma_table_info('message') WHERE name='awaits_target'`).Scan(&hasAwaitsTarget)
	if hasAwaitsTarget == 0 {
		if _, err := s.db.Exec(ctx, `ALTER TABLE message ADD COLUMN awaits_target BOOLEAN NOT NULL DEFAULT FALSE`); err != nil {
			return fmt.Errorf("failed to add awaits_target column: %w", err)
		}
	}
	if _, err := s.db.Exec(ctx, `CREATE INDEX IF NOT EXISTS message_awaits_target_idx
		ON message (conversation_id) WHERE awaits_target=TRUE`); err != nil {
		return fmt.Errorf("failed to create awaits_target index: %w", err)
	}
	return nil
}

const messageUpsertQuery = `
	INSERT INTO message (
		id, conversation_id, source, source_device, sent_at, received_at, server_ts, sort_ts,
		direction, kind, thread_id, expires_at, counts_unread, awaits_target, data, created_ts, updated_ts
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	ON CONFLICT (id) DO UPDATE SET
		server_ts=excluded.server_ts,
		sort_ts=excluded.sort_ts,
		kind=excluded.kind,
		thread_id=excluded.thread_id,
		expires_at=excluded.expires_at,
		counts_unread=excluded.counts_unread,
		awaits_target=excluded.awaits_target,
		data=excluded.data,
		updated_ts=excluded.updated_ts
`

func (s *Store) messageArgs(m *message.Message, nowMS int64) []any {
	var sortTS any
	if sk, ok := m.SortKey(); ok {
		sortTS = sk
	}
	return []any{
		m.ID, m.ConversationID, m.Source, m.SourceDevice, m.SentAt, m.ReceivedAt, m.ServerTimestamp, sortTS,
		string(m.Direction), string(m.Kind), m.ThreadID, m.ExpiresAt, m.CountsAsUnread(), m.AwaitsTarget(),
		dbutil.JSON{Data: m}, nowMS, nowMS,
	}
}

// SaveMessage inserts or updates a message. Messages that haven't been persisted
// before are assigned a stable ID.
func (s *Store) SaveMessage(ctx context.Context, m *message.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.db.Exec(ctx, messageUpsertQuery, s.messageArgs(m, s.now().UnixMilli())...)
	if err != nil {
		return fmt.Errorf("failed to save message %s: %w", m.Key(), err)
	}
	return nil
}

// SaveMessages writes multiple messages in a single transaction.
func (s *Store) SaveMessages(ctx context.Context, msgs []*message.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		nowMS := s.now().UnixMilli()
		for _, m := range msgs {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			if _, err := s.db.Exec(ctx, messageUpsertQuery, s.messageArgs(m, nowMS)...); err != nil {
				return fmt.Errorf("failed to save message %s: %w", m.Key(), err)
			}
		}
		return nil
	})
}

func (s *Store) RemoveMessage(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM message WHERE id=$1`, id)
	return err
}

// RemoveMessages deletes messages by ID in a single transaction.
func (s *Store) RemoveMessages(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		for _, id := range ids {
			if _, err := s.db.Exec(ctx, `DELETE FROM message WHERE id=$1`, id); err != nil {
				return fmt.Errorf("failed to delete message %s: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) GetMessage(ctx context.Context, id string) (*message.Message, error) {
	return s.queryOne(ctx, `SELECT data FROM message WHERE id=$1`, id)
}

func (s *Store) GetMessageByRef(ctx context.Context, conversationID string, ref message.Ref) (*message.Message, error) {
	return s.queryOne(ctx, `
		SELECT data FROM message
		WHERE conversation_id=$1 AND source=$2 AND source_device=$3 AND sent_at=$4
	`, conversationID, ref.Source, ref.SourceDevice, ref.SentAt)
}

// GetMessagesBySentAt finds messages in any conversation by their send timestamp,
// which is how receipts refer to messages.
func (s *Store) GetMessagesBySentAt(ctx context.Context, sentAt int64) ([]*message.Message, error) {
	return s.queryMessages(ctx, `SELECT data FROM message WHERE sent_at=$1 ORDER BY conversation_id, source`, sentAt)
}

// GetExpiredMessages returns messages whose expiration deadline is at or before now.
func (s *Store) GetExpiredMessages(ctx context.Context, now int64, limit int) ([]*message.Message, error) {
	return s.queryMessages(ctx, `
		SELECT data FROM message
		WHERE expires_at > 0 AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
}

// GetNextExpiration returns the earliest pending expiration deadline, or 0 if none.
func (s *Store) GetNextExpiration(ctx context.Context) (int64, error) {
	var ts sql.NullInt64
	err := s.db.QueryRow(ctx, `SELECT MIN(expires_at) FROM message WHERE expires_at > 0`).Scan(&ts)
	if err != nil || !ts.Valid {
		return 0, err
	}
	return ts.Int64, nil
}

const orderColumns = `sort_ts, sent_at, received_at, source, source_device`

// GetLatestMessage returns the newest orderable message of a conversation.
func (s *Store) GetLatestMessage(ctx context.Context, conversationID string) (*message.Message, error) {
	return s.queryOne(ctx, `
		SELECT data FROM message
		WHERE conversation_id=$1 AND sort_ts IS NOT NULL
		ORDER BY `+descending+`
		LIMIT 1
	`, conversationID)
}

const descending = `sort_ts DESC, sent_at DESC, received_at DESC, source DESC, source_device DESC`
const ascending = `sort_ts ASC, sent_at ASC, received_at ASC, source ASC, source_device ASC`

// GetMessagesByConversation returns one page of orderable messages, oldest first.
func (s *Store) GetMessagesByConversation(ctx context.Context, conversationID string, q message.Query) ([]*message.Message, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	query := `SELECT data FROM message WHERE conversation_id=$1 AND sort_ts IS NOT NULL`
	args := []any{conversationID}
	if q.ThreadID != "" {
		args = append(args, q.ThreadID)
		query += fmt.Sprintf(` AND thread_id=$%d`, len(args))
	}
	if c := q.Cursor; c != nil {
		op := "<"
		if q.Direction == message.PageForward {
			op = ">"
		}
		n := len(args)
		query += fmt.Sprintf(` AND (`+orderColumns+`) %s ($%d, $%d, $%d, $%d, $%d)`, op, n+1, n+2, n+3, n+4, n+5)
		args = append(args, c.Sort, c.SentAt, c.ReceivedAt, c.Source, c.SourceDevice)
	}
	if q.Direction == message.PageForward {
		query += ` ORDER BY ` + ascending
	} else {
		query += ` ORDER BY ` + descending
	}
	args = append(args, q.Limit)
	query += fmt.Sprintf(` LIMIT $%d`, len(args))
	msgs, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if q.Direction != message.PageForward {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// ListConversationMessages returns every message of a conversation including ones
// that aren't orderable yet, in display order.
func (s *Store) ListConversationMessages(ctx context.Context, conversationID string) ([]*message.Message, error) {
	msgs, err := s.queryMessages(ctx, `SELECT data FROM message WHERE conversation_id=$1`, conversationID)
	if err != nil {
		return nil, err
	}
	message.Sort(msgs)
	return msgs, nil
}

// GetUnreadCandidates returns the messages that would count as unread if they are
// newer than the given read position.
func (s *Store) GetUnreadCandidates(ctx context.Context, conversationID string, after int64) ([]*message.Message, error) {
	return s.queryMessages(ctx, `
		SELECT data FROM message
		WHERE conversation_id=$1 AND counts_unread=TRUE AND sort_ts > $2
		ORDER BY `+ascending, conversationID, after)
}

// GetUnreadInRange returns unread-counting messages with a sort key in (after, upTo].
// They are the messages a new read position needs to mark read in storage.
func (s *Store) GetUnreadInRange(ctx context.Context, conversationID string, after, upTo int64) ([]*message.Message, error) {
	return s.queryMessages(ctx, `
		SELECT data FROM message
		WHERE conversation_id=$1 AND counts_unread=TRUE AND sort_ts > $2 AND sort_ts <= $3
		ORDER BY `+ascending, conversationID, after, upTo)
}

// GetAwaitingMessages returns the unfinished recall notices and unresolved quotes of
// a conversation, which are still waiting for the message they refer to.
func (s *Store) GetAwaitingMessages(ctx context.Context, conversationID string) ([]*message.Message, error) {
	return s.queryMessages(ctx, `
		SELECT data FROM message
		WHERE conversation_id=$1 AND awaits_target=TRUE
		ORDER BY sent_at, source, source_device
	`, conversationID)
}

func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM message WHERE conversation_id=$1`, conversationID).Scan(&count)
	return count, err
}

func (s *Store) queryOne(ctx context.Context, query string, args ...any) (*message.Message, error) {
	var m message.Message
	err := s.db.QueryRow(ctx, query, args...).Scan(&dbutil.JSON{Data: &m})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*message.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*message.Message, 0)
	for rows.Next() {
		var m message.Message
		if err = rows.Scan(&dbutil.JSON{Data: &m}); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
