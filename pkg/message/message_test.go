// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func incoming(source string, sentAt, serverTS int64) *Message {
	return NewIncoming("conv", Ref{Source: source, SourceDevice: 1, SentAt: sentAt}, serverTS, sentAt+5)
}

func TestSortKey(t *testing.T) {
	in := incoming("alice", 100, 0)
	_, ok := in.SortKey()
	assert.False(t, ok, "incoming message without server timestamp must not be orderable")

	in.SetServerTimestamp(150)
	key, ok := in.SortKey()
	require.True(t, ok)
	assert.EqualValues(t, 150, key)

	out := NewOutgoing("conv", Ref{Source: "me", SourceDevice: 1, SentAt: 200}, []string{"alice"}, 200)
	key, ok = out.SortKey()
	require.True(t, ok)
	assert.EqualValues(t, 200, key)

	out.MarkSent(SendResult{SuccessfulRecipients: []string{"alice"}, ServerTimestamp: 210}, 211)
	key, _ = out.SortKey()
	assert.EqualValues(t, 210, key)
}

func TestSortKeyRecallNotice(t *testing.T) {
	notice := incoming("alice", 500, 510)
	_, err := notice.ApplyRecall(Recall{
		Target:     Ref{Source: "alice", SourceDevice: 1, SentAt: 100},
		RealSource: Ref{Source: "alice", SourceDevice: 1, SentAt: 500},
	})
	require.NoError(t, err)
	key, ok := notice.SortKey()
	require.True(t, ok)
	assert.EqualValues(t, 500, key, "unresolved notice sorts at the recall's own timestamp")

	target := incoming("alice", 100, 120)
	target.ID = "target-id"
	delta := notice.ResolveRecallTarget(target)
	assert.True(t, delta.AffectsOrder())
	key, _ = notice.SortKey()
	assert.EqualValues(t, 120, key)

	target.ServerTimestamp = 0
	notice.ResolveRecallTarget(target)
	key, _ = notice.SortKey()
	assert.EqualValues(t, 100, key, "falls back to the target's send timestamp")
}

func TestOrderingTotality(t *testing.T) {
	a := incoming("alice", 100, 1000)
	b := incoming("bob", 100, 1000)
	c := incoming("carol", 90, 1000)
	d := NewOutgoing("conv", Ref{Source: "me", SourceDevice: 2, SentAt: 1000}, nil, 1000)
	msgs := []*Message{a, b, c, d}
	for _, x := range msgs {
		for _, y := range msgs {
			if x == y {
				assert.Zero(t, Compare(x, y))
			} else {
				assert.NotZero(t, Compare(x, y), "%s vs %s", x.Key(), y.Key())
				assert.Equal(t, -Compare(x, y), Compare(y, x))
			}
		}
	}
	Sort(msgs)
	assert.Equal(t, []*Message{c, a, b, d}, msgs)
}

func TestApplyIncomingContentIdempotent(t *testing.T) {
	content := Content{
		Body:        "hello",
		Attachments: []Attachment{{Ref: "cdn/1", ContentType: "image/png"}},
		Quote:       &Quote{Author: "bob", SentAt: 50, Text: "hi"},
		ExpireTimer: 60,
	}
	m := incoming("alice", 100, 110)
	delta, err := m.ApplyIncomingContent(content)
	require.NoError(t, err)
	assert.True(t, delta.Has(ChangedContent|ChangedUnread|ChangedExpiration))
	assert.True(t, m.Unread)
	assert.True(t, m.Attachments[0].Pending)
	first := m.Clone()

	delta, err = m.ApplyIncomingContent(content)
	require.NoError(t, err)
	assert.Zero(t, delta)
	assert.Equal(t, first, m)

	content.Body = "changed"
	_, err = m.ApplyIncomingContent(content)
	assert.ErrorIs(t, err, ErrContentConflict)
	assert.Equal(t, first, m)
}

func TestApplyIncomingContentInvalid(t *testing.T) {
	cases := map[string]Content{
		"empty":             {},
		"attachment":        {Attachments: []Attachment{{ContentType: "image/png"}}},
		"quote":             {Body: "x", Quote: &Quote{Text: "no author"}},
		"timer":             {Kind: KindTimerUpdate},
		"unknown kind":      {Kind: "bogus", Body: "x"},
		"forwarded author":  {Forward: &Forward{Messages: []ForwardedMessage{{Body: "x"}}}},
		"recall as content": {Kind: KindRecall, Body: "x"},
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			m := incoming("alice", 100, 110)
			before := m.Clone()
			_, err := m.ApplyIncomingContent(content)
			assert.ErrorIs(t, err, ErrInvalidContent)
			assert.Equal(t, before, m)
		})
	}
}

func TestMarkSentMergesAndReplays(t *testing.T) {
	m := NewOutgoing("conv", Ref{Source: "me", SourceDevice: 1, SentAt: 100}, []string{"a", "b", "c"}, 100)
	m.MarkFailed([]SendError{{Recipient: "b", Name: NameSendMessageNetwork}, {Recipient: "c", Name: NameSendMessageNetwork}})
	delta := m.MarkSent(SendResult{SuccessfulRecipients: []string{"a"}, ServerTimestamp: 120}, 121)
	assert.True(t, delta.Has(ChangedSendState|ChangedServerTimestamp))
	assert.False(t, m.Sent)
	assert.Equal(t, OutcomePartialFailure, m.SendOutcome())

	m.MarkSent(SendResult{SuccessfulRecipients: []string{"b", "c"}, ServerTimestamp: 999}, 130)
	assert.True(t, m.Sent)
	assert.Empty(t, m.Errors)
	assert.EqualValues(t, 120, m.ServerTimestamp, "first server timestamp is kept")
	assert.Equal(t, map[string]int64{"a": 121, "b": 130, "c": 130}, m.SentTo)
	assert.Equal(t, OutcomeSuccess, m.SendOutcome())

	snapshot := m.Clone()
	assert.Zero(t, m.MarkSent(SendResult{SuccessfulRecipients: []string{"a", "b", "c"}, ServerTimestamp: 120}, 200))
	assert.Equal(t, snapshot, m)
}

func TestMarkFailedIgnoresConfirmedRecipients(t *testing.T) {
	m := NewOutgoing("conv", Ref{Source: "me", SourceDevice: 1, SentAt: 100}, []string{"a", "b"}, 100)
	m.MarkSent(SendResult{SuccessfulRecipients: []string{"a"}}, 110)
	delta := m.MarkFailed([]SendError{{Recipient: "a", Name: NameSendMessageNetwork}, {Recipient: "b", Name: NameOutgoingIdentityKey}})
	assert.Equal(t, ChangedErrors, delta)
	assert.Equal(t, []string{"b"}, m.FailedRecipients())
	assert.Equal(t, []string{"b"}, m.FailedRecipients(ClassIdentity))
	assert.Empty(t, m.FailedRecipients(ClassTransient))
	assert.Zero(t, m.MarkFailed([]SendError{{Recipient: "b", Name: NameOutgoingIdentityKey}}))
}

func TestPartialGroupSendStatus(t *testing.T) {
	m := NewOutgoing("group", Ref{Source: "me", SourceDevice: 1, SentAt: 100}, []string{"A", "B", "C"}, 100)
	res := SendResult{
		SuccessfulRecipients: []string{"A", "B"},
		Errors:               []SendError{{Recipient: "C", Name: NameUnregisteredUser}},
		ServerTimestamp:      105,
	}
	m.MarkSent(res, 106)
	m.MarkFailed(res.Errors)
	assert.Equal(t, StatusSent, m.ComputeDeliveryStatus(StatusContext{IsGroup: true}))
	assert.Equal(t, StatusError, m.ComputeDeliveryStatus(StatusContext{IsGroup: false}))
}

func TestDeliveryStatusPriority(t *testing.T) {
	m := NewOutgoing("group", Ref{Source: "me", SourceDevice: 1, SentAt: 100}, []string{"A", "B"}, 100)
	sc := StatusContext{IsGroup: true}
	assert.Equal(t, StatusSending, m.ComputeDeliveryStatus(sc))
	m.MarkSent(SendResult{SuccessfulRecipients: []string{"A", "B"}, ServerTimestamp: 150}, 151)
	assert.Equal(t, StatusSent, m.ComputeDeliveryStatus(sc))
	m.MarkDelivered("A", 160)
	assert.Equal(t, StatusDelivered, m.ComputeDeliveryStatus(sc))

	sc.ReadPositions = map[string]int64{"B": 149}
	assert.Equal(t, StatusDelivered, m.ComputeDeliveryStatus(sc))
	sc.ReadPositions["B"] = 150
	assert.Equal(t, StatusRead, m.ComputeDeliveryStatus(sc), "positional read receipt counts as read")

	m.MarkFailed([]SendError{{Recipient: "B", Name: NameSendMessageNetwork}})
	assert.Equal(t, StatusDelivered, m.ComputeDeliveryStatus(StatusContext{}), "confirmed recipient errors are ignored")
	m2 := NewOutgoing("group", Ref{Source: "me", SourceDevice: 1, SentAt: 101}, []string{"A"}, 101)
	m2.MarkRead("A", 200)
	m2.MarkFailed([]SendError{{Recipient: "A", Name: NameSendMessageNetwork}})
	assert.Equal(t, StatusError, m2.ComputeDeliveryStatus(sc), "errors outrank reads")

	assert.Equal(t, StatusNone, incoming("alice", 1, 2).ComputeDeliveryStatus(sc))
}

func TestMarkReadLocallyStartsExpirationOnce(t *testing.T) {
	m := incoming("alice", 100, 110)
	_, err := m.ApplyIncomingContent(Content{Body: "secret", ExpireTimer: 10})
	require.NoError(t, err)

	delta := m.MarkReadLocally(5000, 4000)
	assert.True(t, delta.Has(ChangedUnread|ChangedExpiration))
	assert.EqualValues(t, 4000, m.ExpirationStartTimestamp, "uses min(now, at)")
	assert.EqualValues(t, 14000, m.ExpiresAt)

	assert.Zero(t, m.MarkReadLocally(1000, 1000))
	assert.EqualValues(t, 4000, m.ExpirationStartTimestamp)

	assert.False(t, m.IsExpired(13999))
	assert.True(t, m.IsExpired(14000))
}

func TestSetToExpireForce(t *testing.T) {
	m := incoming("alice", 100, 110)
	m.ExpireTimer = 5
	assert.Zero(t, m.SetToExpire(false), "timer not started")
	m.ExpirationStartTimestamp = 1000
	assert.Equal(t, ChangedExpiration, m.SetToExpire(false))
	assert.EqualValues(t, 6000, m.ExpiresAt)

	m.ExpireTimer = 10
	assert.Zero(t, m.SetToExpire(false))
	assert.EqualValues(t, 6000, m.ExpiresAt)
	assert.Equal(t, ChangedExpiration, m.SetToExpire(true))
	assert.EqualValues(t, 11000, m.ExpiresAt)

	_, expired := m.Expire(11000)
	assert.True(t, expired)
}

func TestApplyRecall(t *testing.T) {
	target := incoming("alice", 100, 110)
	_, err := target.ApplyIncomingContent(Content{Body: "oops"})
	require.NoError(t, err)
	target.ApplyReaction(Reaction{Emoji: "👍", Sender: "bob", Timestamp: 1})

	recall := Recall{
		Target:     target.Key(),
		RealSource: Ref{Source: "alice", SourceDevice: 1, SentAt: 300},
	}
	delta, err := target.ApplyRecall(recall)
	require.NoError(t, err)
	assert.True(t, delta.Has(ChangedRecall|ChangedContent|ChangedReactions|ChangedUnread))
	assert.True(t, target.HasBeenRecalled)
	assert.Empty(t, target.Body)
	assert.False(t, target.CountsAsUnread())

	delta, err = target.ApplyRecall(recall)
	require.NoError(t, err)
	assert.Zero(t, delta)

	_, err = incoming("mallory", 300, 310).ApplyRecall(Recall{
		Target:     target.Key(),
		RealSource: Ref{Source: "mallory", SourceDevice: 1, SentAt: 300},
	})
	assert.ErrorIs(t, err, ErrInvalidRecall)

	_, err = incoming("alice", 300, 310).ApplyRecall(Recall{
		Target:        target.Key(),
		RealSource:    Ref{Source: "alice", SourceDevice: 1, SentAt: 300},
		EditableUntil: 200,
	})
	assert.ErrorIs(t, err, ErrInvalidRecall)
}

func TestContentAfterRecallDoesNotResurrect(t *testing.T) {
	target := incoming("alice", 100, 110)
	_, err := target.ApplyRecall(Recall{Target: target.Key(), RealSource: Ref{Source: "alice", SourceDevice: 1, SentAt: 120}})
	require.NoError(t, err)
	_, err = target.ApplyIncomingContent(Content{Body: "late"})
	require.NoError(t, err)
	assert.Empty(t, target.Body)
	assert.False(t, target.Unread)
}

func TestReactionLastWriteWins(t *testing.T) {
	m := incoming("alice", 100, 110)
	assert.True(t, m.ApplyReaction(Reaction{Emoji: "👍", Sender: "S", Timestamp: 1}))
	assert.True(t, m.ApplyReaction(Reaction{Emoji: "👍", Sender: "S", Timestamp: 2, Remove: true}))
	assert.False(t, m.ApplyReaction(Reaction{Emoji: "👍", Sender: "S", Timestamp: 1}))
	assert.Empty(t, m.VisibleReactions())

	assert.True(t, m.ApplyReaction(Reaction{Emoji: "👍", Sender: "S", Timestamp: 3}))
	assert.False(t, m.ApplyReaction(Reaction{Emoji: "👍", Sender: "S", Timestamp: 4}), "same visible set")
	assert.Len(t, m.VisibleReactions(), 1)
}

func TestReactionEmojiNormalization(t *testing.T) {
	m := incoming("alice", 100, 110)
	assert.True(t, m.ApplyReaction(Reaction{Emoji: "❤", Sender: "S", Timestamp: 1}))
	assert.False(t, m.ApplyReaction(Reaction{Emoji: "❤️", Sender: "S", Timestamp: 2}))
	assert.Len(t, m.Reactions, 1)
}

func TestMergeReaction(t *testing.T) {
	in := Reaction{Emoji: "😂", Sender: "S", Timestamp: 5}
	winner, replaced := MergeReaction(nil, in)
	assert.True(t, replaced)
	assert.Equal(t, in, winner)

	existing := Reaction{Emoji: "😂", Sender: "S", Timestamp: 5, Remove: true}
	winner, replaced = MergeReaction(&existing, in)
	assert.False(t, replaced)
	assert.Equal(t, existing, winner)
}

func TestFlattenForwardAttachments(t *testing.T) {
	deep := &Forward{Messages: []ForwardedMessage{{Author: "d", Attachments: []Attachment{{Ref: "level3"}}}}}
	mid := &Forward{Messages: []ForwardedMessage{{Author: "c", Attachments: []Attachment{{Ref: "level2"}}, Forward: deep}}}
	top := &Forward{Messages: []ForwardedMessage{
		{Author: "a", Attachments: []Attachment{{Ref: "level1a"}, {Ref: "level1b"}}},
		{Author: "b", Forward: mid},
	}}

	all := FlattenForwardAttachments(top, 3)
	var refs []string
	for _, fa := range all {
		refs = append(refs, fa.Attachment.Ref)
	}
	assert.Equal(t, []string{"level1a", "level1b", "level2", "level3"}, refs)
	assert.Equal(t, []int{1, 0, 0, 0}, all[3].Path)
	assert.Equal(t, 3, all[3].Depth)

	assert.Len(t, FlattenForwardAttachments(top, 2), 3)
	assert.Len(t, FlattenForwardAttachments(top, 1), 2)
	assert.Nil(t, FlattenForwardAttachments(nil, 3))
}

func TestApplyAttachmentResult(t *testing.T) {
	m := incoming("alice", 100, 110)
	_, err := m.ApplyIncomingContent(Content{
		Attachments: []Attachment{{Ref: "a"}, {Ref: "b"}},
		Contacts:    []Contact{{Name: "Bob", Avatar: &Attachment{Ref: "avatar"}}},
		Forward: &Forward{Messages: []ForwardedMessage{{
			Author:  "x",
			Forward: &Forward{Messages: []ForwardedMessage{{Author: "y", Attachments: []Attachment{{Ref: "nested"}}}}},
		}}},
	})
	require.NoError(t, err)

	pending := m.PendingDownloads(DefaultMaxForwardDepth)
	require.Len(t, pending, 4)
	assert.Equal(t, SlotForwarded, pending[3].Slot.Kind)

	delta := m.ApplyAttachmentResult(AttachmentResult{Slot: pending[0].Slot, Path: "/tmp/a", ContentType: "image/png", Width: 10, Height: 20})
	assert.Equal(t, ChangedAttachments, delta)
	assert.Equal(t, "/tmp/a", m.Attachments[0].Path)
	assert.False(t, m.Attachments[0].Pending)

	m.ApplyAttachmentResult(AttachmentResult{Slot: pending[1].Slot, FetchError: true})
	assert.True(t, m.Attachments[1].FetchError)
	assert.Empty(t, m.Attachments[0].Caption)

	m.ApplyAttachmentResult(AttachmentResult{Slot: pending[3].Slot, Path: "/tmp/nested"})
	assert.Equal(t, "/tmp/nested", m.Forward.Messages[0].Forward.Messages[0].Attachments[0].Path)

	assert.Len(t, m.PendingDownloads(DefaultMaxForwardDepth), 1)
	assert.Zero(t, m.ApplyAttachmentResult(AttachmentResult{Slot: Slot{Kind: SlotAttachment, Index: 9}}))
}

func TestResolveQuote(t *testing.T) {
	m := incoming("alice", 100, 110)
	_, err := m.ApplyIncomingContent(Content{Body: "reply", Quote: &Quote{Author: "bob", SentAt: 50}})
	require.NoError(t, err)

	other := incoming("carol", 50, 60)
	other.ID = "other"
	assert.Zero(t, m.ResolveQuote(other))

	target := incoming("bob", 50, 60)
	target.ID = "target"
	target.Body = "original"
	assert.Equal(t, ChangedQuote, m.ResolveQuote(target))
	assert.Equal(t, "original", m.Quote.Text)
	assert.True(t, m.Quote.IsResolved())
	assert.Zero(t, m.ResolveQuote(target))
}

func TestProject(t *testing.T) {
	m := incoming("alice", 100, 110)
	_, err := m.ApplyIncomingContent(Content{Kind: KindTimerUpdate, TimerUpdate: &TimerUpdate{ExpireTimer: 0}})
	require.NoError(t, err)
	props, ok := m.Project().(TimerUpdateProps)
	require.True(t, ok)
	assert.True(t, props.Disabled)
	assert.False(t, m.CountsAsUnread())

	std := incoming("alice", 101, 111)
	_, err = std.ApplyIncomingContent(Content{Body: "hi"})
	require.NoError(t, err)
	std.SetPin("pin")
	sp, ok := std.Project().(StandardProps)
	require.True(t, ok)
	assert.True(t, sp.Pinned)
	assert.Equal(t, "hi", sp.Body)
}

func TestDeltaString(t *testing.T) {
	assert.Equal(t, "none", Delta(0).String())
	assert.Equal(t, "content,unread", (ChangedContent | ChangedUnread).String())
	assert.True(t, (ChangedServerTimestamp).AffectsOrder())
	assert.False(t, (ChangedReactions).AffectsLedger())
}
