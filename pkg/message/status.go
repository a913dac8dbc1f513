// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

type DeliveryStatus string

const (
	StatusNone      DeliveryStatus = ""
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusError     DeliveryStatus = "error"
)

// StatusContext is the conversation-level information needed to project a status.
type StatusContext struct {
	IsGroup bool
	// ReadPositions maps recipients to the highest sort key they have read up to.
	ReadPositions map[string]int64
}

// ComputeDeliveryStatus projects the delivery status of an outgoing message.
// Priority is error, read, delivered or sent, sending. Incoming messages have no status.
func (m *Message) ComputeDeliveryStatus(sc StatusContext) DeliveryStatus {
	if m.Direction != DirectionOutgoing {
		return StatusNone
	}
	if len(m.VisibleErrors(sc.IsGroup)) > 0 {
		return StatusError
	}
	if len(m.ReadBy) > 0 || m.readByPosition(sc.ReadPositions) {
		return StatusRead
	}
	if len(m.DeliveredTo) > 0 {
		return StatusDelivered
	}
	if m.Sent || len(m.SentTo) > 0 {
		return StatusSent
	}
	return StatusSending
}

func (m *Message) readByPosition(positions map[string]int64) bool {
	if len(positions) == 0 {
		return false
	}
	sortKey, ok := m.SortKey()
	if !ok {
		return false
	}
	for recipient, pos := range positions {
		if recipient != m.Source && pos >= sortKey {
			return true
		}
	}
	return false
}
