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
	"fmt"

	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/convsync/pkg/message"
)

// PendingReaction is a reaction to a message that hasn't been received yet.
type PendingReaction struct {
	Target   message.Ref
	Reaction message.Reaction
}

// SavePendingReaction remembers a reaction until its target arrives. Of two reactions
// by the same sender with the same emoji only the newer one is kept.
func (s *Store) SavePendingReaction(ctx context.Context, conversationID string, target message.Ref, r message.Reaction) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO pending_reaction (
			conversation_id, target_source, target_device, target_sent_at, sender, emoji, reaction_ts, data, created_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (conversation_id, target_source, target_device, target_sent_at, sender, emoji) DO UPDATE SET
			reaction_ts=excluded.reaction_ts,
			data=excluded.data
		WHERE excluded.reaction_ts > pending_reaction.reaction_ts
	`, conversationID, target.Source, target.SourceDevice, target.SentAt, r.Sender, message.NormalizeEmoji(r.Emoji),
		r.Timestamp, dbutil.JSON{Data: &r}, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save pending reaction to %s: %w", target, err)
	}
	return nil
}

func (s *Store) GetPendingReactions(ctx context.Context, conversationID string) ([]PendingReaction, error) {
	rows, err := s.db.Query(ctx, `
		SELECT target_source, target_device, target_sent_at, data FROM pending_reaction
		WHERE conversation_id=$1
		ORDER BY reaction_ts, sender, emoji
	`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingReaction
	for rows.Next() {
		var pr PendingReaction
		err = rows.Scan(&pr.Target.Source, &pr.Target.SourceDevice, &pr.Target.SentAt, &dbutil.JSON{Data: &pr.Reaction})
		if err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	return out, rows.Err()
}

func (s *Store) DeletePendingReactions(ctx context.Context, conversationID string, target message.Ref) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM pending_reaction
		WHERE conversation_id=$1 AND target_source=$2 AND target_device=$3 AND target_sent_at=$4
	`, conversationID, target.Source, target.SourceDevice, target.SentAt)
	if err != nil {
		return fmt.Errorf("failed to delete pending reactions to %s: %w", target, err)
	}
	return nil
}
