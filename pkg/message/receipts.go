// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

// MarkDelivered records a delivery receipt. The first receipt per recipient wins.
func (m *Message) MarkDelivered(recipient string, at int64) Delta {
	if recipient == "" {
		return 0
	}
	if _, ok := m.DeliveredTo[recipient]; ok {
		return 0
	}
	if m.DeliveredTo == nil {
		m.DeliveredTo = make(map[string]int64)
	}
	m.DeliveredTo[recipient] = at
	return ChangedDelivery
}

// MarkRead records a read receipt from another recipient.
func (m *Message) MarkRead(recipient string, at int64) Delta {
	if recipient == "" {
		return 0
	}
	if _, ok := m.ReadBy[recipient]; ok {
		return 0
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]int64)
	}
	m.ReadBy[recipient] = at
	return ChangedRead
}

// MarkReadLocally marks the message as read by the local user. If the message has a
// disappearing timer that hasn't started yet, it starts at min(now, at).
func (m *Message) MarkReadLocally(at, now int64) Delta {
	var delta Delta
	if m.Unread {
		m.Unread = false
		delta |= ChangedUnread
	}
	if m.ExpireTimer > 0 {
		start := now
		if at > 0 && at < now {
			start = at
		}
		delta |= m.startExpiration(start)
	}
	return delta
}

// startExpiration sets the expiration start timestamp once.
func (m *Message) startExpiration(start int64) Delta {
	if m.ExpirationStartTimestamp != 0 || start <= 0 {
		return 0
	}
	m.ExpirationStartTimestamp = start
	return ChangedExpiration | m.SetToExpire(false)
}

// ExpirationDeadline returns the time the message expires at, if its timer has started.
func (m *Message) ExpirationDeadline() (int64, bool) {
	if m.ExpireTimer == 0 || m.ExpirationStartTimestamp == 0 {
		return 0, false
	}
	return m.ExpirationStartTimestamp + int64(m.ExpireTimer)*1000, true
}

func (m *Message) IsExpired(now int64) bool {
	deadline, ok := m.ExpirationDeadline()
	return ok && deadline <= now
}

// SetToExpire derives ExpiresAt from the expiration timer. An existing value is only
// replaced when forced.
func (m *Message) SetToExpire(force bool) Delta {
	deadline, ok := m.ExpirationDeadline()
	if !ok || m.ExpiresAt == deadline {
		return 0
	}
	if m.ExpiresAt != 0 && !force {
		return 0
	}
	m.ExpiresAt = deadline
	return ChangedExpiration
}

// Expire stamps ExpiresAt if needed and reports whether the message has expired at now.
func (m *Message) Expire(now int64) (Delta, bool) {
	delta := m.SetToExpire(false)
	return delta, m.IsExpired(now)
}
