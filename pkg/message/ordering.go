// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"cmp"
	"slices"
)

// SortKey returns the effective timestamp used to place the message in a conversation.
//
// Recall notices sort at the position of the message they retract. Until the target
// is known locally they fall back to the timestamp of the recall itself. Outgoing
// messages use their send timestamp until the server confirms one. Incoming messages
// without a server timestamp are not orderable.
func (m *Message) SortKey() (int64, bool) {
	if m.IsRecallNotice() {
		return m.Recall.sortTimestamp(), true
	}
	if m.ServerTimestamp > 0 {
		return m.ServerTimestamp, true
	}
	if m.Direction == DirectionOutgoing && m.SentAt > 0 {
		return m.SentAt, true
	}
	return 0, false
}

func (r *Recall) sortTimestamp() int64 {
	if snap := r.TargetSnapshot; snap != nil {
		if snap.ServerTimestamp > 0 {
			return snap.ServerTimestamp
		}
		return snap.SentAt
	}
	return r.RealSource.SentAt
}

// OrderKey is the full comparison key of a message. Two distinct messages never
// have equal order keys because SentAt is unique per source and device.
type OrderKey struct {
	Sort         int64  `json:"ts"`
	SentAt       int64  `json:"sent"`
	ReceivedAt   int64  `json:"recv"`
	Source       string `json:"src"`
	SourceDevice uint32 `json:"dev"`
}

func (m *Message) OrderKey() (OrderKey, bool) {
	sortKey, ok := m.SortKey()
	if !ok {
		return OrderKey{}, false
	}
	return OrderKey{
		Sort:         sortKey,
		SentAt:       m.SentAt,
		ReceivedAt:   m.ReceivedAt,
		Source:       m.Source,
		SourceDevice: m.SourceDevice,
	}, true
}

func (k OrderKey) Compare(other OrderKey) int {
	if c := cmp.Compare(k.Sort, other.Sort); c != 0 {
		return c
	}
	if c := cmp.Compare(k.SentAt, other.SentAt); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ReceivedAt, other.ReceivedAt); c != 0 {
		return c
	}
	if c := cmp.Compare(k.Source, other.Source); c != 0 {
		return c
	}
	return cmp.Compare(k.SourceDevice, other.SourceDevice)
}

func (k OrderKey) Less(other OrderKey) bool {
	return k.Compare(other) < 0
}

func (k OrderKey) IsZero() bool {
	return k == OrderKey{}
}

// Compare orders two orderable messages. Messages without a sort key sort last.
func Compare(a, b *Message) int {
	ak, aok := a.OrderKey()
	bk, bok := b.OrderKey()
	switch {
	case !aok && !bok:
		return cmp.Compare(a.Key().String(), b.Key().String())
	case !aok:
		return 1
	case !bok:
		return -1
	}
	return ak.Compare(bk)
}

// Sort sorts messages in display order.
func Sort(msgs []*Message) {
	slices.SortStableFunc(msgs, Compare)
}
