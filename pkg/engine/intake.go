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
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
)

// Incoming is a message received from another account.
type Incoming struct {
	ConversationID  string
	Ref             message.Ref
	ServerTimestamp int64
	// ReceivedAt defaults to the current time.
	ReceivedAt int64
	Content    message.Content
}

// SyncSent is a message sent by the local account from another device.
type SyncSent struct {
	ConversationID  string
	Ref             message.Ref
	ServerTimestamp int64
	ReceivedAt      int64
	// Recipients defaults to the conversation members.
	Recipients []string
	SentTo     []string
	Content    message.Content
}

// Receipt confirms delivery or reading of the local account's messages sent at the given times.
type Receipt struct {
	From   string
	SentAt []int64
	At     int64
}

type ReactionEvent struct {
	ConversationID string
	Target         message.Ref
	Reaction       message.Reaction
}

type RecallEvent struct {
	ConversationID  string
	ServerTimestamp int64
	Recall          message.Recall
}

func (e *Engine) countEvent(eventType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	e.metrics.events.WithLabelValues(eventType, result).Inc()
}

func (e *Engine) HandleIncoming(ctx context.Context, evt Incoming) error {
	err := e.run(ctx, evt.ConversationID, "incoming", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, evt.Ref)
		if err != nil {
			return err
		}
		if m == nil {
			receivedAt := evt.ReceivedAt
			if receivedAt == 0 {
				receivedAt = e.nowMS()
			}
			m = message.NewIncoming(conv.id, evt.Ref, evt.ServerTimestamp, receivedAt)
		}
		delta := m.SetServerTimestamp(evt.ServerTimestamp)
		contentDelta, err := m.ApplyIncomingContent(evt.Content)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Stringer("message", evt.Ref).Msg("Dropping invalid incoming message")
			return err
		}
		delta |= contentDelta
		if lastRead := conv.ledger.LastRead(); m.Unread {
			if sortKey, ok := m.SortKey(); ok && sortKey <= lastRead.MaxServerTimestamp {
				delta |= m.MarkReadLocally(lastRead.ReadAt, e.nowMS())
			}
		}
		return e.arrived(ctx, conv, m, delta)
	})
	e.countEvent("incoming", err)
	return err
}

func (e *Engine) HandleSyncSent(ctx context.Context, evt SyncSent) error {
	err := e.run(ctx, evt.ConversationID, "sync sent", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, evt.Ref)
		if err != nil {
			return err
		}
		receivedAt := evt.ReceivedAt
		if receivedAt == 0 {
			receivedAt = e.nowMS()
		}
		if m == nil {
			recipients := evt.Recipients
			if recipients == nil {
				recipients = conv.recipients(evt.Ref.Source)
			}
			m = message.NewOutgoing(conv.id, evt.Ref, recipients, receivedAt)
		}
		delta, err := m.ApplyIncomingContent(evt.Content)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Stringer("message", evt.Ref).Msg("Dropping invalid synced message")
			return err
		}
		delta |= m.MarkSent(message.SendResult{
			SuccessfulRecipients: evt.SentTo,
			ServerTimestamp:      evt.ServerTimestamp,
		}, receivedAt)
		return e.arrived(ctx, conv, m, delta)
	})
	e.countEvent("sync_sent", err)
	return err
}

// arrived commits a newly observed message and retries everything that was waiting for it.
func (e *Engine) arrived(ctx context.Context, conv *conversation, m *message.Message, delta message.Delta) error {
	log := zerolog.Ctx(ctx)
	before := e.pendingCounts(conv)
	defer e.updatePendingMetrics(conv, before)

	pr, recalled := conv.pending.takeRecall(m.Key())
	if recalled {
		d, err := m.ApplyRecall(pr.recall)
		if err != nil {
			log.Warn().Err(err).Stringer("message", m.Key()).Msg("Failed to apply remembered recall")
			recalled = false
		} else {
			log.Debug().Stringer("message", m.Key()).Msg("Message was recalled before it arrived")
			delta |= d
		}
	}
	reactions := conv.pending.takeReactions(m.Key())
	for _, r := range reactions {
		delta |= reactionDelta(m, r)
	}
	if m.Quote != nil && !m.Quote.IsResolved() {
		target, err := e.findByAuthor(ctx, conv, m.Quote.Author, m.Quote.SentAt)
		if err != nil {
			return err
		}
		if target != nil && target.Key() != m.Key() {
			delta |= m.ResolveQuote(target)
		} else {
			conv.pending.trackQuote(m)
		}
	}
	if err := e.commit(ctx, conv, m, delta); err != nil {
		return err
	}
	if len(reactions) > 0 {
		if err := e.store.DeletePendingReactions(ctx, conv.id, m.Key()); err != nil {
			return err
		}
	}
	if recalled {
		if err := e.resolveNotice(ctx, conv, pr.notice, m); err != nil {
			return err
		}
	}
	for _, ref := range conv.pending.takeQuotes(m.Source, m.SentAt) {
		quoting, err := e.lookup(ctx, conv, ref)
		if err != nil {
			return err
		} else if quoting == nil {
			continue
		}
		if err = e.commit(ctx, conv, quoting, quoting.ResolveQuote(m)); err != nil {
			return err
		}
	}
	e.startDownloads(conv, m)
	return nil
}

func (e *Engine) resolveNotice(ctx context.Context, conv *conversation, noticeRef message.Ref, target *message.Message) error {
	notice, err := e.lookup(ctx, conv, noticeRef)
	if err != nil || notice == nil {
		return err
	}
	return e.commit(ctx, conv, notice, notice.ResolveRecallTarget(target))
}

// applyReaction merges a reaction. stored reports whether anything that needs to be
// persisted changed, including tombstones that aren't visible.
func applyReaction(m *message.Message, r message.Reaction) (stored, visible bool) {
	emoji := message.NormalizeEmoji(r.Emoji)
	before, existed := m.Reactions[emoji][r.Sender]
	visible = m.ApplyReaction(r)
	after, exists := m.Reactions[emoji][r.Sender]
	return visible || existed != exists || before != after, visible
}

func reactionDelta(m *message.Message, r message.Reaction) message.Delta {
	if stored, _ := applyReaction(m, r); stored {
		return message.ChangedReactions
	}
	return 0
}

func (e *Engine) HandleDeliveryReceipt(ctx context.Context, r Receipt) error {
	err := e.handleReceipt(ctx, "delivery receipt", r, func(m *message.Message) message.Delta {
		return m.MarkDelivered(r.From, r.At)
	})
	e.countEvent("delivery_receipt", err)
	return err
}

func (e *Engine) HandleReadReceipt(ctx context.Context, r Receipt) error {
	err := e.handleReceipt(ctx, "read receipt", r, func(m *message.Message) message.Delta {
		return m.MarkRead(r.From, r.At) | m.MarkDelivered(r.From, r.At)
	})
	e.countEvent("read_receipt", err)
	return err
}

func (e *Engine) handleReceipt(ctx context.Context, name string, r Receipt, apply func(m *message.Message) message.Delta) error {
	byConversation := make(map[string][]message.Ref)
	for _, sentAt := range r.SentAt {
		msgs, err := e.store.GetMessagesBySentAt(ctx, sentAt)
		if err != nil {
			return fmt.Errorf("failed to find messages for %s: %w", name, err)
		}
		for _, m := range msgs {
			if m.Direction == message.DirectionOutgoing {
				byConversation[m.ConversationID] = append(byConversation[m.ConversationID], m.Key())
			}
		}
	}
	if len(byConversation) == 0 {
		e.log.Debug().Str("from", r.From).Ints64("sent_at", r.SentAt).Msg("No messages found for receipt")
		return nil
	}
	for convID, refs := range byConversation {
		err := e.run(ctx, convID, name, func(ctx context.Context, conv *conversation) error {
			for _, ref := range refs {
				m, err := e.lookup(ctx, conv, ref)
				if err != nil {
					return err
				} else if m == nil {
					continue
				}
				if err = e.commit(ctx, conv, m, apply(m)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// HandleRecipientReadPosition records that a recipient has read everything in the
// conversation up to a sort key, without per-message receipts.
func (e *Engine) HandleRecipientReadPosition(ctx context.Context, conversationID, recipient string, position int64) error {
	err := e.run(ctx, conversationID, "recipient read position", func(ctx context.Context, conv *conversation) error {
		previous := conv.ledger.ReadPositions()[recipient]
		if !conv.ledger.RecordRecipientRead(recipient, position) {
			return nil
		}
		if err := e.ledgerChanged(ctx, conv, ledger.Change{}); err != nil {
			return err
		}
		w := conv.getWindow()
		if w == nil {
			return nil
		}
		for _, m := range w.Messages() {
			if m.Direction != message.DirectionOutgoing {
				continue
			}
			if sortKey, ok := m.SortKey(); ok && sortKey > previous && sortKey <= position {
				_, placement := w.Get(m.Key())
				e.bus.emit(&MessageChanged{ConversationID: conv.id, Delta: message.ChangedRead, View: e.view(ctx, conv, m, placement)})
			}
		}
		return nil
	})
	e.countEvent("recipient_read_position", err)
	return err
}

// HandleReadPosition advances the local account's read position, e.g. from a read
// sync sent by another device.
func (e *Engine) HandleReadPosition(ctx context.Context, conversationID string, pos ledger.ReadPosition) error {
	err := e.run(ctx, conversationID, "read position", func(ctx context.Context, conv *conversation) error {
		return e.applyReadPosition(ctx, conv, pos)
	})
	e.countEvent("read_position", err)
	return err
}

// MarkConversationRead marks everything up to the latest message read and returns
// the new read position.
func (e *Engine) MarkConversationRead(ctx context.Context, conversationID string) (pos ledger.ReadPosition, err error) {
	err = e.run(ctx, conversationID, "mark read", func(ctx context.Context, conv *conversation) error {
		latest, err := e.store.GetLatestMessage(ctx, conv.id)
		if err != nil {
			return fmt.Errorf("failed to find latest message: %w", err)
		} else if latest == nil {
			pos = conv.ledger.LastRead()
			return nil
		}
		sortKey, _ := latest.SortKey()
		pos = ledger.ReadPosition{MaxServerTimestamp: sortKey, ReadAt: e.nowMS()}
		return e.applyReadPosition(ctx, conv, pos)
	})
	return
}

func (e *Engine) applyReadPosition(ctx context.Context, conv *conversation, pos ledger.ReadPosition) error {
	previous := conv.ledger.LastRead()
	if pos.MaxServerTimestamp <= previous.MaxServerTimestamp {
		return nil
	}
	now := e.nowMS()
	var view ledger.WindowView
	if w := conv.getWindow(); w != nil {
		view = w
	}
	changed, change := conv.ledger.RecordReadPosition(pos, view, now)
	for _, m := range changed {
		if err := e.commit(ctx, conv, m, message.ChangedUnread); err != nil {
			return err
		}
	}
	stored, err := e.store.GetUnreadInRange(ctx, conv.id, previous.MaxServerTimestamp, pos.MaxServerTimestamp)
	if err != nil {
		return fmt.Errorf("failed to load messages to mark read: %w", err)
	}
	for _, sm := range stored {
		m, err := e.lookup(ctx, conv, sm.Key())
		if err != nil {
			return err
		} else if m == nil {
			continue
		}
		if err = e.commit(ctx, conv, m, m.MarkReadLocally(pos.ReadAt, now)); err != nil {
			return err
		}
	}
	zerolog.Ctx(ctx).Debug().
		Int64("position", pos.MaxServerTimestamp).
		Int("window_marked", len(changed)).
		Int("stored_marked", len(stored)).
		Msg("Applied read position")
	return e.ledgerChanged(ctx, conv, change)
}

func (e *Engine) HandleReaction(ctx context.Context, evt ReactionEvent) error {
	err := e.run(ctx, evt.ConversationID, "reaction", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, evt.Target)
		if err != nil {
			return err
		} else if m == nil {
			if err = e.store.SavePendingReaction(ctx, conv.id, evt.Target, evt.Reaction); err != nil {
				return err
			}
			before := e.pendingCounts(conv)
			conv.pending.trackReaction(evt.Target, evt.Reaction)
			e.updatePendingMetrics(conv, before)
			zerolog.Ctx(ctx).Debug().Stringer("target", evt.Target).Msg("Reaction target not found, keeping it until the target arrives")
			return nil
		}
		stored, visible := applyReaction(m, evt.Reaction)
		if !stored {
			return nil
		} else if !visible {
			// Only a tombstone changed, persist without notifying.
			return e.store.SaveMessage(ctx, m)
		}
		return e.commit(ctx, conv, m, message.ChangedReactions)
	})
	e.countEvent("reaction", err)
	return err
}

func (e *Engine) HandleRecall(ctx context.Context, evt RecallEvent) error {
	err := e.run(ctx, evt.ConversationID, "recall", func(ctx context.Context, conv *conversation) error {
		rec := evt.Recall
		if err := rec.Validate(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Dropping invalid recall")
			return err
		}
		notice, err := e.lookup(ctx, conv, rec.RealSource)
		if err != nil {
			return err
		}
		if notice == nil {
			if rec.RealSource.Source == e.cfg.Self.ID {
				notice = message.NewOutgoing(conv.id, rec.RealSource, nil, e.nowMS())
			} else {
				notice = message.NewIncoming(conv.id, rec.RealSource, evt.ServerTimestamp, e.nowMS())
			}
		}
		delta := notice.SetServerTimestamp(evt.ServerTimestamp)
		recallDelta, err := notice.ApplyRecall(rec)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to apply recall")
			return err
		}
		delta |= recallDelta
		target, err := e.lookup(ctx, conv, rec.Target)
		if err != nil {
			return err
		}
		if target == nil {
			before := e.pendingCounts(conv)
			conv.pending.trackRecall(rec, notice.Key())
			e.updatePendingMetrics(conv, before)
			zerolog.Ctx(ctx).Debug().Stringer("target", rec.Target).Msg("Recall target not found, remembering recall")
			return e.commit(ctx, conv, notice, delta)
		}
		targetDelta, err := target.ApplyRecall(rec)
		if err != nil {
			return err
		}
		if err = e.commit(ctx, conv, target, targetDelta); err != nil {
			return err
		}
		delta |= notice.ResolveRecallTarget(target)
		return e.commit(ctx, conv, notice, delta)
	})
	e.countEvent("recall", err)
	return err
}

func (e *Engine) HandlePin(ctx context.Context, conversationID string, target message.Ref, pinID string) error {
	err := e.run(ctx, conversationID, "pin", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, target)
		if err != nil {
			return err
		} else if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, target)
		}
		return e.commit(ctx, conv, m, m.SetPin(pinID))
	})
	e.countEvent("pin", err)
	return err
}

func (e *Engine) HandleThreadAssignment(ctx context.Context, conversationID string, target message.Ref, threadID string) error {
	err := e.run(ctx, conversationID, "thread assignment", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, target)
		if err != nil {
			return err
		} else if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, target)
		}
		return e.commit(ctx, conv, m, m.SetThread(threadID))
	})
	e.countEvent("thread_assignment", err)
	return err
}

// DeleteMessage removes a message on explicit user request.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID string, ref message.Ref) error {
	return e.run(ctx, conversationID, "delete", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, ref)
		if err != nil {
			return err
		} else if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
		}
		return e.remove(ctx, conv, m)
	})
}

const expireBatchSize = 500

// ExpireDue removes disappearing messages whose timer has run out and returns how many were removed.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	now := e.nowMS()
	msgs, err := e.store.GetExpiredMessages(ctx, now, expireBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to find expired messages: %w", err)
	}
	byConversation := make(map[string][]message.Ref)
	for _, m := range msgs {
		byConversation[m.ConversationID] = append(byConversation[m.ConversationID], m.Key())
	}
	removed := 0
	for convID, refs := range byConversation {
		err = e.run(ctx, convID, "expire", func(ctx context.Context, conv *conversation) error {
			for _, ref := range refs {
				m, err := e.lookup(ctx, conv, ref)
				if err != nil {
					return err
				} else if m == nil {
					continue
				}
				delta, expired := m.Expire(now)
				if !expired {
					if err = e.commit(ctx, conv, m, delta); err != nil {
						return err
					}
					continue
				}
				if err = e.remove(ctx, conv, m); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
		if err != nil {
			break
		}
	}
	e.metrics.expired.Add(float64(removed))
	if removed > 0 {
		e.log.Debug().Int("count", removed).Msg("Removed expired messages")
	}
	return removed, err
}

// ForceResolvePending retries every pending target lookup of a conversation once more.
// Quotes whose message still can't be found are marked as not found. Recalls and
// reactions stay remembered until their target arrives.
func (e *Engine) ForceResolvePending(ctx context.Context, conversationID string) error {
	return e.run(ctx, conversationID, "resolve pending", func(ctx context.Context, conv *conversation) error {
		before := e.pendingCounts(conv)
		defer e.updatePendingMetrics(conv, before)
		for key := range conv.pending.quotes {
			target, err := e.findByAuthor(ctx, conv, key.author, key.sentAt)
			if err != nil {
				return err
			}
			for _, ref := range conv.pending.takeQuotes(key.author, key.sentAt) {
				m, err := e.lookup(ctx, conv, ref)
				if err != nil {
					return err
				} else if m == nil {
					continue
				}
				if err = e.commit(ctx, conv, m, m.ResolveQuote(target)); err != nil {
					return err
				}
			}
		}
		for targetRef := range conv.pending.recalls {
			target, err := e.lookup(ctx, conv, targetRef)
			if err != nil {
				return err
			} else if target == nil {
				continue
			}
			pr, _ := conv.pending.takeRecall(targetRef)
			delta, err := target.ApplyRecall(pr.recall)
			if err != nil {
				return err
			}
			if err = e.commit(ctx, conv, target, delta); err != nil {
				return err
			}
			if err = e.resolveNotice(ctx, conv, pr.notice, target); err != nil {
				return err
			}
		}
		for targetRef := range conv.pending.reactions {
			target, err := e.lookup(ctx, conv, targetRef)
			if err != nil {
				return err
			} else if target == nil {
				continue
			}
			var delta message.Delta
			for _, r := range conv.pending.takeReactions(targetRef) {
				delta |= reactionDelta(target, r)
			}
			if err = e.commit(ctx, conv, target, delta); err != nil {
				return err
			}
			if err = e.store.DeletePendingReactions(ctx, conv.id, targetRef); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) pendingCounts(conv *conversation) [3]int {
	recalls, quotes, reactions := conv.pending.counts()
	return [3]int{recalls, quotes, reactions}
}

func (e *Engine) updatePendingMetrics(conv *conversation, before [3]int) {
	after := e.pendingCounts(conv)
	for i, kind := range []string{"recall", "quote", "reaction"} {
		if diff := after[i] - before[i]; diff != 0 {
			e.metrics.pendingTargets.WithLabelValues(kind).Add(float64(diff))
		}
	}
}

func (e *Engine) startDownloads(conv *conversation, m *message.Message) {
	if e.downloads == nil {
		return
	}
	depth := e.cfg.Attachments.GetMaxForwardDepth()
	if len(m.PendingDownloads(depth)) == 0 {
		return
	}
	e.downloads.EnqueueMessage(conv.id, m, depth)
}

func (e *Engine) flushAttachments(ctx context.Context, conversationID string, ref message.Ref, results []message.AttachmentResult) error {
	return e.run(ctx, conversationID, "attachments", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, ref)
		if err != nil {
			return err
		} else if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
		}
		var delta message.Delta
		for _, res := range results {
			delta |= m.ApplyAttachmentResult(res)
		}
		return e.commit(ctx, conv, m, delta)
	})
}
