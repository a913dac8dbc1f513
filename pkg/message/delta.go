// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"strings"
)

// Delta is the set of facets changed by a single mutation. Zero means nothing changed
// and no one needs to be notified.
type Delta uint32

const (
	ChangedContent Delta = 1 << iota
	ChangedServerTimestamp
	ChangedSendState
	ChangedErrors
	ChangedDelivery
	ChangedRead
	ChangedUnread
	ChangedExpiration
	ChangedRecall
	ChangedReactions
	ChangedPin
	ChangedThread
	ChangedQuote
	ChangedAttachments
)

var deltaNames = []string{
	"content",
	"server_timestamp",
	"send_state",
	"errors",
	"delivery",
	"read",
	"unread",
	"expiration",
	"recall",
	"reactions",
	"pin",
	"thread",
	"quote",
	"attachments",
}

func (d Delta) Has(flags Delta) bool {
	return d&flags != 0
}

// AffectsOrder reports whether the message's sort key may have moved.
func (d Delta) AffectsOrder() bool {
	return d.Has(ChangedServerTimestamp | ChangedRecall)
}

// AffectsLedger reports whether conversation aggregates need to look at the message again.
func (d Delta) AffectsLedger() bool {
	return d.Has(ChangedContent | ChangedServerTimestamp | ChangedRecall | ChangedUnread | ChangedThread | ChangedExpiration)
}

// AffectsWindow reports whether a window holding the message has to re-evaluate its placement.
func (d Delta) AffectsWindow() bool {
	return d.AffectsOrder() || d.Has(ChangedThread)
}

func (d Delta) String() string {
	if d == 0 {
		return "none"
	}
	var parts []string
	for i, name := range deltaNames {
		if d&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}
