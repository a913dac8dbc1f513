// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

type PageDirection int

const (
	// PageBackward pages towards older messages. Results are still returned oldest first.
	PageBackward PageDirection = iota
	PageForward
)

func (d PageDirection) String() string {
	if d == PageForward {
		return "forward"
	}
	return "backward"
}

// Query selects one page of a conversation's orderable messages. A nil cursor starts
// from the newest message when paging backward and from the oldest when paging forward.
// The cursor itself is excluded. ThreadID limits results to one thread.
type Query struct {
	Cursor    *OrderKey
	Limit     int
	Direction PageDirection
	ThreadID  string
}
