// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ledger keeps the aggregate state of one conversation: the unread counter,
// the last-read position, the latest message preview, per-recipient read positions
// and the thread index.
//
// The unread counter is maintained incrementally. The ledger remembers which messages
// it currently counts, so a change only has to compare the message's new state with
// what was counted before, and Reconcile can rebuild the count from scratch.
package ledger

import (
	"maps"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/convsync/pkg/message"
)

// ReadPosition is the high-water mark below which all messages are read.
type ReadPosition struct {
	MaxServerTimestamp int64 `json:"max_server_timestamp"`
	ReadAt             int64 `json:"read_at"`
}

type Preview struct {
	Key       message.Ref              `json:"key"`
	MessageID string                   `json:"message_id,omitempty"`
	Author    string                   `json:"author"`
	Body      string                   `json:"body,omitempty"`
	Kind      message.NotificationKind `json:"kind"`
	Recalled  bool                     `json:"recalled,omitempty"`
	SortKey   int64                    `json:"sort_key"`

	order message.OrderKey
}

type ThreadState struct {
	BottomLoaded  bool  `json:"bottom_loaded"`
	LatestSortKey int64 `json:"latest_sort_key,omitempty"`
}

// Snapshot is a copy of the ledger that is safe to hand to other goroutines.
type Snapshot struct {
	ConversationID string                 `json:"conversation_id"`
	Unread         int                    `json:"unread"`
	LastRead       ReadPosition           `json:"last_read"`
	Preview        *Preview               `json:"preview,omitempty"`
	RecipientReads map[string]int64       `json:"recipient_reads,omitempty"`
	Threads        map[string]ThreadState `json:"threads,omitempty"`
}

// Change describes what a ledger update did.
type Change struct {
	UnreadDelta    int
	PreviewChanged bool
	// PreviewStale is set when the preview message moved backwards and a newer
	// message may now be the latest. The caller should look up the latest message
	// and pass it to SetPreview.
	PreviewStale  bool
	ThreadChanged bool
}

func (c Change) Changed() bool {
	return c.UnreadDelta != 0 || c.PreviewChanged || c.ThreadChanged
}

func (c *Change) merge(other Change) {
	c.UnreadDelta += other.UnreadDelta
	c.PreviewChanged = c.PreviewChanged || other.PreviewChanged
	c.PreviewStale = c.PreviewStale || other.PreviewStale
	c.ThreadChanged = c.ThreadChanged || other.ThreadChanged
}

// WindowView is the part of a loaded window the ledger reconciles read positions against.
type WindowView interface {
	Messages() []*message.Message
}

type Ledger struct {
	lock           sync.RWMutex
	log            zerolog.Logger
	conversationID string

	unread         int
	lastRead       ReadPosition
	preview        *Preview
	recipientReads map[string]int64
	threads        map[string]ThreadState
	// counted holds the sort key of every message currently included in unread.
	counted map[message.Ref]int64
}

func New(conversationID string, log zerolog.Logger) *Ledger {
	return &Ledger{
		log:            log.With().Str("component", "ledger").Str("conversation_id", conversationID).Logger(),
		conversationID: conversationID,
		recipientReads: make(map[string]int64),
		threads:        make(map[string]ThreadState),
		counted:        make(map[message.Ref]int64),
	}
}

// Restore loads persisted aggregates. The set of counted messages isn't persisted,
// so Reconcile must be called with the unread candidates afterwards.
func (l *Ledger) Restore(snap Snapshot) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.unread = snap.Unread
	l.lastRead = snap.LastRead
	if snap.Preview != nil {
		preview := *snap.Preview
		preview.order = message.OrderKey{Sort: preview.SortKey, Source: preview.Key.Source, SourceDevice: preview.Key.SourceDevice, SentAt: preview.Key.SentAt}
		l.preview = &preview
	} else {
		l.preview = nil
	}
	l.recipientReads = maps.Clone(snap.RecipientReads)
	if l.recipientReads == nil {
		l.recipientReads = make(map[string]int64)
	}
	l.threads = maps.Clone(snap.Threads)
	if l.threads == nil {
		l.threads = make(map[string]ThreadState)
	}
	clear(l.counted)
}

func (l *Ledger) ConversationID() string {
	return l.conversationID
}

func (l *Ledger) Unread() int {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.unread
}

func (l *Ledger) LastRead() ReadPosition {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.lastRead
}

func (l *Ledger) Snapshot() Snapshot {
	l.lock.RLock()
	defer l.lock.RUnlock()
	snap := Snapshot{
		ConversationID: l.conversationID,
		Unread:         l.unread,
		LastRead:       l.lastRead,
		RecipientReads: maps.Clone(l.recipientReads),
		Threads:        maps.Clone(l.threads),
	}
	if l.preview != nil {
		preview := *l.preview
		snap.Preview = &preview
	}
	return snap
}

func (l *Ledger) shouldCount(m *message.Message) (int64, bool) {
	sortKey, ok := m.SortKey()
	if !ok || !m.CountsAsUnread() {
		return 0, false
	}
	return sortKey, sortKey > l.lastRead.MaxServerTimestamp
}

// OnMessageSortRelevantChange applies the effect of a message's current state on the
// aggregates, assuming its previous state was already reflected.
func (l *Ledger) OnMessageSortRelevantChange(m *message.Message) Change {
	l.lock.Lock()
	defer l.lock.Unlock()
	var change Change
	change.UnreadDelta = l.updateCounted(m)
	change.merge(l.updatePreview(m))
	if m.ThreadID != "" {
		if sortKey, ok := m.SortKey(); ok {
			ts := l.threads[m.ThreadID]
			if sortKey > ts.LatestSortKey {
				ts.LatestSortKey = sortKey
				l.threads[m.ThreadID] = ts
				change.ThreadChanged = true
			}
		}
	}
	return change
}

func (l *Ledger) updateCounted(m *message.Message) int {
	key := m.Key()
	sortKey, count := l.shouldCount(m)
	_, wasCounted := l.counted[key]
	switch {
	case count && !wasCounted:
		l.counted[key] = sortKey
		l.unread++
		return 1
	case !count && wasCounted:
		delete(l.counted, key)
		l.unread--
		return -1
	case count:
		l.counted[key] = sortKey
	}
	return 0
}

func previewable(m *message.Message) bool {
	return m.IsMaterialized() || m.IsRecallNotice() || m.HasBeenRecalled
}

func makePreview(m *message.Message, order message.OrderKey) *Preview {
	return &Preview{
		Key:       m.Key(),
		MessageID: m.ID,
		Author:    m.Source,
		Body:      m.Body,
		Kind:      m.Kind,
		Recalled:  m.HasBeenRecalled || m.IsRecallNotice(),
		SortKey:   order.Sort,
		order:     order,
	}
}

func (l *Ledger) updatePreview(m *message.Message) Change {
	order, ok := m.OrderKey()
	if !ok || !previewable(m) {
		return Change{}
	}
	if l.preview != nil && l.preview.Key == m.Key() {
		movedBack := order.Less(l.preview.order)
		updated := makePreview(m, order)
		changed := *updated != *l.preview
		l.preview = updated
		return Change{PreviewChanged: changed, PreviewStale: movedBack}
	}
	if l.preview == nil || l.preview.order.Less(order) {
		l.preview = makePreview(m, order)
		return Change{PreviewChanged: true}
	}
	return Change{}
}

// SetPreview replaces the preview with the given message, or clears it.
func (l *Ledger) SetPreview(m *message.Message) Change {
	l.lock.Lock()
	defer l.lock.Unlock()
	if m == nil {
		if l.preview == nil {
			return Change{}
		}
		l.preview = nil
		return Change{PreviewChanged: true}
	}
	order, ok := m.OrderKey()
	if !ok {
		return Change{}
	}
	l.preview = makePreview(m, order)
	return Change{PreviewChanged: true}
}

// OnMessageRemoved drops a deleted or expired message from the aggregates. If it was
// the preview, next becomes the new preview.
func (l *Ledger) OnMessageRemoved(m *message.Message, next *message.Message) Change {
	l.lock.Lock()
	defer l.lock.Unlock()
	var change Change
	if _, ok := l.counted[m.Key()]; ok {
		delete(l.counted, m.Key())
		l.unread--
		change.UnreadDelta = -1
	}
	if l.preview != nil && l.preview.Key == m.Key() {
		l.preview = nil
		change.PreviewChanged = true
		if next != nil && next.Key() != m.Key() {
			if order, ok := next.OrderKey(); ok {
				l.preview = makePreview(next, order)
			}
		}
	}
	return change
}

// RecordReadPosition advances the last-read position. Positions at or below the
// current one are ignored. Counted messages at or below the new position stop being
// unread, and unread messages in the loaded window are marked read. The messages
// that changed are returned so the caller can persist them.
func (l *Ledger) RecordReadPosition(pos ReadPosition, view WindowView, now int64) ([]*message.Message, Change) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if pos.MaxServerTimestamp <= l.lastRead.MaxServerTimestamp {
		return nil, Change{}
	}
	l.lastRead = pos
	var change Change
	for key, sortKey := range l.counted {
		if sortKey <= pos.MaxServerTimestamp {
			delete(l.counted, key)
			l.unread--
			change.UnreadDelta--
		}
	}
	var changed []*message.Message
	if view != nil {
		for _, m := range view.Messages() {
			if !m.IsIncoming() || !m.Unread {
				continue
			}
			sortKey, ok := m.SortKey()
			if !ok || sortKey > pos.MaxServerTimestamp {
				continue
			}
			if m.MarkReadLocally(pos.ReadAt, now) != 0 {
				changed = append(changed, m)
			}
		}
	}
	if l.unread < 0 {
		l.log.Warn().Int("unread", l.unread).Msg("Unread counter went negative, clamping")
		l.unread = 0
	}
	l.log.Debug().
		Int64("position", pos.MaxServerTimestamp).
		Int("unread", l.unread).
		Int("window_marked", len(changed)).
		Msg("Advanced read position")
	return changed, change
}

// RecordRecipientRead records that a recipient has read everything up to position.
func (l *Ledger) RecordRecipientRead(recipient string, position int64) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.recipientReads[recipient] >= position {
		return false
	}
	l.recipientReads[recipient] = position
	return true
}

// ReadPositions returns a copy of the per-recipient read positions.
func (l *Ledger) ReadPositions() map[string]int64 {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return maps.Clone(l.recipientReads)
}

func (l *Ledger) SetThreadBottomLoaded(threadID string, loaded bool) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	ts, ok := l.threads[threadID]
	if ok && ts.BottomLoaded == loaded {
		return false
	}
	ts.BottomLoaded = loaded
	l.threads[threadID] = ts
	return true
}

func (l *Ledger) Thread(threadID string) (ThreadState, bool) {
	l.lock.RLock()
	defer l.lock.RUnlock()
	ts, ok := l.threads[threadID]
	return ts, ok
}

// Reconcile recomputes the unread counter from the given messages, which must include
// every message above the last-read position. It returns the drift between the
// incrementally maintained value and the recomputed one.
func (l *Ledger) Reconcile(msgs []*message.Message) int {
	l.lock.Lock()
	defer l.lock.Unlock()
	counted := make(map[message.Ref]int64)
	for _, m := range msgs {
		if sortKey, ok := l.shouldCount(m); ok {
			counted[m.Key()] = sortKey
		}
	}
	drift := l.unread - len(counted)
	l.counted = counted
	l.unread = len(counted)
	if drift != 0 {
		l.log.Warn().Int("drift", drift).Int("unread", l.unread).Msg("Unread counter drifted, reconciled")
	}
	return drift
}
