// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/store"
	"github.com/lrhodin/convsync/pkg/window"
)

// conversation is the in-memory state of one conversation. Everything except the
// window pointer is only touched from the conversation's jobs.
type conversation struct {
	id      string
	loaded  bool
	isGroup bool
	meta    store.ConversationMetadata
	ledger  *ledger.Ledger
	pending *pendingTargets

	windowLock sync.RWMutex
	window     *window.Window
}

func newConversation(id string, log zerolog.Logger) *conversation {
	return &conversation{
		id:      id,
		ledger:  ledger.New(id, log),
		pending: newPendingTargets(),
	}
}

func (conv *conversation) getWindow() *window.Window {
	conv.windowLock.RLock()
	defer conv.windowLock.RUnlock()
	return conv.window
}

func (conv *conversation) openWindow(create func() *window.Window) (w *window.Window, created bool) {
	conv.windowLock.Lock()
	defer conv.windowLock.Unlock()
	if conv.window != nil && !conv.window.IsClosed() {
		return conv.window, false
	}
	conv.window = create()
	return conv.window, true
}

func (conv *conversation) closeWindow() *window.Window {
	conv.windowLock.Lock()
	defer conv.windowLock.Unlock()
	w := conv.window
	conv.window = nil
	return w
}

// recipients returns everyone in the conversation except the sender.
func (conv *conversation) recipients(self string) []string {
	out := make([]string, 0, len(conv.meta.Members))
	for _, member := range conv.meta.Members {
		if member != self {
			out = append(out, member)
		}
	}
	if len(out) == 0 && !conv.isGroup && conv.id != self {
		out = append(out, conv.id)
	}
	return out
}

type pendingRecall struct {
	recall message.Recall
	notice message.Ref
}

type quoteKey struct {
	author string
	sentAt int64
}

// pendingTargets holds events that refer to messages which haven't arrived yet.
// They are retried whenever a message arrives in the conversation. Everything in
// here is also persisted and gets rebuilt when the conversation is loaded.
type pendingTargets struct {
	recalls   map[message.Ref]pendingRecall
	quotes    map[quoteKey][]message.Ref
	reactions map[message.Ref][]message.Reaction
}

func newPendingTargets() *pendingTargets {
	return &pendingTargets{
		recalls:   make(map[message.Ref]pendingRecall),
		quotes:    make(map[quoteKey][]message.Ref),
		reactions: make(map[message.Ref][]message.Reaction),
	}
}

// trackRecall remembers a recall whose target hasn't been received. A recall is
// remembered until its target arrives, however late that is.
func (pt *pendingTargets) trackRecall(rec message.Recall, notice message.Ref) {
	pt.recalls[rec.Target] = pendingRecall{recall: rec, notice: notice}
}

func (pt *pendingTargets) takeRecall(target message.Ref) (pendingRecall, bool) {
	pr, ok := pt.recalls[target]
	if ok {
		delete(pt.recalls, target)
	}
	return pr, ok
}

// restore rebuilds the pending targets from stored messages that still wait for
// their target and from stored reactions to missing messages.
func (pt *pendingTargets) restore(awaiting []*message.Message, reactions []store.PendingReaction) {
	for _, m := range awaiting {
		if m.IsRecallNotice() && !m.Recall.Finished {
			pt.trackRecall(*m.Recall, m.Key())
		}
		if m.Quote != nil && !m.Quote.IsResolved() {
			pt.trackQuote(m)
		}
	}
	for _, pr := range reactions {
		pt.trackReaction(pr.Target, pr.Reaction)
	}
}

func (pt *pendingTargets) trackQuote(m *message.Message) bool {
	key := quoteKey{author: m.Quote.Author, sentAt: m.Quote.SentAt}
	for _, existing := range pt.quotes[key] {
		if existing == m.Key() {
			return false
		}
	}
	pt.quotes[key] = append(pt.quotes[key], m.Key())
	return true
}

func (pt *pendingTargets) takeQuotes(author string, sentAt int64) []message.Ref {
	key := quoteKey{author: author, sentAt: sentAt}
	refs := pt.quotes[key]
	delete(pt.quotes, key)
	return refs
}

func (pt *pendingTargets) trackReaction(target message.Ref, r message.Reaction) {
	pt.reactions[target] = append(pt.reactions[target], r)
}

func (pt *pendingTargets) takeReactions(target message.Ref) []message.Reaction {
	rs := pt.reactions[target]
	delete(pt.reactions, target)
	return rs
}

func (pt *pendingTargets) counts() (recalls, quotes, reactions int) {
	for _, refs := range pt.quotes {
		quotes += len(refs)
	}
	for _, rs := range pt.reactions {
		reactions += len(rs)
	}
	return len(pt.recalls), quotes, reactions
}
