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
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/convsync/pkg/attachments"
	"github.com/lrhodin/convsync/pkg/config"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/store"
	"github.com/lrhodin/convsync/pkg/window"
)

const baseTime = 1_700_000_000_000

type recorder struct {
	lock   sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(evt Event) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) changes(key message.Ref) []*MessageChanged {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*MessageChanged
	for _, evt := range r.events {
		if mc, ok := evt.(*MessageChanged); ok && mc.View.Message.Key() == key {
			out = append(out, mc)
		}
	}
	return out
}

func (r *recorder) removed() []*MessageRemoved {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*MessageRemoved
	for _, evt := range r.events {
		if mr, ok := evt.(*MessageRemoved); ok {
			out = append(out, mr)
		}
	}
	return out
}

type scriptedTransport struct {
	lock    sync.Mutex
	offline bool
	calls   []Envelope
	script  func(env Envelope) (message.SendResult, error)
}

func (st *scriptedTransport) IsOnline() bool {
	st.lock.Lock()
	defer st.lock.Unlock()
	return !st.offline
}

func (st *scriptedTransport) Send(_ context.Context, env Envelope) (message.SendResult, error) {
	st.lock.Lock()
	st.calls = append(st.calls, env)
	script := st.script
	st.lock.Unlock()
	if script == nil {
		return message.SendResult{SuccessfulRecipients: env.Recipients, ServerTimestamp: env.Message.SentAt + 1}, nil
	}
	return script(env)
}

func (st *scriptedTransport) callCount() int {
	st.lock.Lock()
	defer st.lock.Unlock()
	return len(st.calls)
}

type fakeProfiles struct {
	calls atomic.Int32
}

func (fp *fakeProfiles) FetchProfile(_ context.Context, id string) (*Profile, error) {
	fp.calls.Add(1)
	if id == "broken" {
		return nil, errors.New("profile server unavailable")
	}
	return &Profile{ID: id, FirstName: "Alice", LastName: "Liddell"}, nil
}

type fixture struct {
	e         *Engine
	store     *store.Store
	events    *recorder
	transport *scriptedTransport
	profiles  *fakeProfiles
	clock     *atomic.Int64
	opts      Options
}

func newFixture(t *testing.T, configure ...func(opts *Options)) *fixture {
	t.Helper()
	db, err := dbutil.NewWithDialect("file:"+filepath.Join(t.TempDir(), "convsync.db")+"?_txlock=immediate", "sqlite3")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	st := store.New(db, zerolog.Nop())
	require.NoError(t, st.EnsureSchema(context.Background()))

	cfg := config.Default()
	cfg.Self.ID = "me"
	cfg.Self.Device = 1
	cfg.Send.InitialBackoff = time.Millisecond
	cfg.Send.MaxBackoff = 2 * time.Millisecond
	cfg.Send.ResendsPerSecond = 1000
	cfg.Send.ResendBurst = 100
	cfg.Window.PageSize = 10
	cfg.Window.TrimThreshold = 15
	cfg.Window.TrimTarget = 10

	f := &fixture{
		store:     st,
		events:    &recorder{},
		transport: &scriptedTransport{},
		profiles:  &fakeProfiles{},
		clock:     &atomic.Int64{},
	}
	f.clock.Store(baseTime)
	opts := Options{
		Store:     st,
		Transport: f.transport,
		Renderer:  f.events,
		Profiles:  f.profiles,
		Clock:     func() time.Time { return time.UnixMilli(f.clock.Load()) },
		Logger:    zerolog.Nop(),
		Config:    cfg,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	f.opts = opts
	f.e, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { f.e.Close() })
	return f
}

// restart replaces the engine with a fresh one over the same database, dropping
// all in-memory state.
func (f *fixture) restart(t *testing.T) {
	t.Helper()
	f.e.Close()
	e, err := New(f.opts)
	require.NoError(t, err)
	f.e = e
}

func (f *fixture) incoming(t *testing.T, conv string, ref message.Ref, serverTS int64, content message.Content) {
	t.Helper()
	require.NoError(t, f.e.HandleIncoming(context.Background(), Incoming{
		ConversationID:  conv,
		Ref:             ref,
		ServerTimestamp: serverTS,
		Content:         content,
	}))
}

func (f *fixture) stored(t *testing.T, conv string, ref message.Ref) *message.Message {
	t.Helper()
	m, err := f.store.GetMessageByRef(context.Background(), conv, ref)
	require.NoError(t, err)
	require.NotNil(t, m, "message %s should be stored", ref)
	return m
}

func alice(sentAt int64) message.Ref {
	return message.Ref{Source: "alice", SourceDevice: 1, SentAt: sentAt}
}

func TestIncomingCountsUnreadUntilRead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "hi"})
	f.incoming(t, "alice", alice(200), 210, message.Content{Body: "there"})
	f.incoming(t, "alice", alice(200), 210, message.Content{Body: "there"})

	snap, err := f.e.Snapshot(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, snap.Unread)
	require.NotNil(t, snap.Preview)
	assert.Equal(t, alice(200), snap.Preview.Key)
	assert.Len(t, f.events.changes(alice(200)), 1, "replaying the same message is a no-op")

	pos, err := f.e.MarkConversationRead(ctx, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 210, pos.MaxServerTimestamp)
	snap, err = f.e.Snapshot(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Unread)
	assert.False(t, f.stored(t, "alice", alice(100)).Unread)

	// Messages at or below the read position arrive already read.
	f.incoming(t, "alice", alice(150), 160, message.Content{Body: "late"})
	assert.False(t, f.stored(t, "alice", alice(150)).Unread)
	snap, err = f.e.Snapshot(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Unread)
}

func TestInvalidContentIsRejected(t *testing.T) {
	f := newFixture(t)
	err := f.e.HandleIncoming(context.Background(), Incoming{
		ConversationID:  "alice",
		Ref:             alice(100),
		ServerTimestamp: 110,
		Content:         message.Content{Kind: "bogus"},
	})
	require.ErrorIs(t, err, message.ErrInvalidContent)
	m, err := f.store.GetMessageByRef(context.Background(), "alice", alice(100))
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestRecallBeforeTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	rec := message.Recall{Target: alice(100), RealSource: alice(300)}
	require.NoError(t, f.e.HandleRecall(ctx, RecallEvent{ConversationID: "alice", ServerTimestamp: 310, Recall: rec}))
	notice := f.stored(t, "alice", alice(300))
	require.True(t, notice.IsRecallNotice())
	assert.False(t, notice.Recall.Finished)

	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "oops"})
	target := f.stored(t, "alice", alice(100))
	assert.True(t, target.HasBeenRecalled)
	assert.Empty(t, target.Body)
	assert.False(t, target.Unread)

	notice = f.stored(t, "alice", alice(300))
	assert.True(t, notice.Recall.Finished)
	require.NotNil(t, notice.Recall.TargetSnapshot)
	assert.Equal(t, target.ID, notice.Recall.TargetSnapshot.ID)
}

func TestRecallAfterTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "oops"})
	rec := message.Recall{Target: alice(100), RealSource: alice(300)}
	require.NoError(t, f.e.HandleRecall(ctx, RecallEvent{ConversationID: "alice", ServerTimestamp: 310, Recall: rec}))
	assert.True(t, f.stored(t, "alice", alice(100)).HasBeenRecalled)
	assert.True(t, f.stored(t, "alice", alice(300)).Recall.Finished)

	forged := message.Recall{Target: alice(100), RealSource: message.Ref{Source: "mallory", SourceDevice: 1, SentAt: 400}}
	err := f.e.HandleRecall(ctx, RecallEvent{ConversationID: "alice", ServerTimestamp: 410, Recall: forged})
	require.ErrorIs(t, err, message.ErrInvalidRecall)
}

func TestPendingTargetsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bob := func(sentAt int64) message.Ref { return message.Ref{Source: "bob", SourceDevice: 1, SentAt: sentAt} }

	rec := message.Recall{Target: alice(100), RealSource: alice(300)}
	require.NoError(t, f.e.HandleRecall(ctx, RecallEvent{ConversationID: "group", ServerTimestamp: 310, Recall: rec}))
	require.NoError(t, f.e.HandleReaction(ctx, ReactionEvent{
		ConversationID: "group",
		Target:         alice(200),
		Reaction:       message.Reaction{Emoji: "👍", Sender: "carol", Timestamp: 5},
	}))
	f.incoming(t, "group", bob(400), 410, message.Content{Body: "agreed", Quote: &message.Quote{Author: "alice", SentAt: 200}})

	f.restart(t)
	f.clock.Add(int64(24 * time.Hour / time.Millisecond))

	f.incoming(t, "group", alice(100), 110, message.Content{Body: "oops"})
	target := f.stored(t, "group", alice(100))
	assert.True(t, target.HasBeenRecalled)
	assert.Empty(t, target.Body)
	notice := f.stored(t, "group", alice(300))
	assert.True(t, notice.Recall.Finished)
	assert.False(t, notice.AwaitsTarget())

	f.incoming(t, "group", alice(200), 210, message.Content{Body: "lunch?"})
	reacted := f.stored(t, "group", alice(200))
	require.Len(t, reacted.VisibleReactions(), 1)
	assert.Equal(t, "carol", reacted.VisibleReactions()[0].Sender)
	quoting := f.stored(t, "group", bob(400))
	assert.Equal(t, reacted.ID, quoting.Quote.ReferencedMessageID)

	pending, err := f.store.GetPendingReactions(ctx, "group")
	require.NoError(t, err)
	assert.Empty(t, pending)
	awaiting, err := f.store.GetAwaitingMessages(ctx, "group")
	require.NoError(t, err)
	assert.Empty(t, awaiting)
}

func TestQuoteResolvedWhenTargetArrives(t *testing.T) {
	f := newFixture(t)

	f.incoming(t, "group", message.Ref{Source: "bob", SourceDevice: 1, SentAt: 200}, 210, message.Content{
		Body:  "agreed",
		Quote: &message.Quote{Author: "alice", SentAt: 100},
	})
	quoting := f.stored(t, "group", message.Ref{Source: "bob", SourceDevice: 1, SentAt: 200})
	require.NotNil(t, quoting.Quote)
	assert.False(t, quoting.Quote.IsResolved())

	// The original arrives from a different device than the quote assumed.
	f.incoming(t, "group", message.Ref{Source: "alice", SourceDevice: 2, SentAt: 100}, 110, message.Content{Body: "lunch?"})
	original := f.stored(t, "group", message.Ref{Source: "alice", SourceDevice: 2, SentAt: 100})
	quoting = f.stored(t, "group", message.Ref{Source: "bob", SourceDevice: 1, SentAt: 200})
	assert.Equal(t, original.ID, quoting.Quote.ReferencedMessageID)
	assert.Equal(t, "lunch?", quoting.Quote.Text)
}

func TestForceResolvePendingMarksMissingQuote(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ref := message.Ref{Source: "bob", SourceDevice: 1, SentAt: 200}
	f.incoming(t, "group", ref, 210, message.Content{Body: "agreed", Quote: &message.Quote{Author: "alice", SentAt: 100}})
	require.NoError(t, f.e.ForceResolvePending(ctx, "group"))
	assert.True(t, f.stored(t, "group", ref).Quote.ReferencedMessageNotFound)
}

func TestReactionsLastWriterWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "hi"})

	react := func(ts int64, remove bool) {
		require.NoError(t, f.e.HandleReaction(ctx, ReactionEvent{
			ConversationID: "alice",
			Target:         alice(100),
			Reaction:       message.Reaction{Emoji: "👍", Sender: "bob", Timestamp: ts, Remove: remove},
		}))
	}
	react(1, false)
	assert.Len(t, f.stored(t, "alice", alice(100)).VisibleReactions(), 1)
	react(2, true)
	assert.Empty(t, f.stored(t, "alice", alice(100)).VisibleReactions())
	changes := len(f.events.changes(alice(100)))
	react(1, false)
	assert.Empty(t, f.stored(t, "alice", alice(100)).VisibleReactions(), "stale reaction must not resurrect")
	assert.Len(t, f.events.changes(alice(100)), changes, "stale reaction isn't announced")
}

func TestReactionBeforeTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.e.HandleReaction(ctx, ReactionEvent{
		ConversationID: "alice",
		Target:         alice(100),
		Reaction:       message.Reaction{Emoji: "❤️", Sender: "bob", Timestamp: 5},
	}))
	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "hi"})
	reactions := f.stored(t, "alice", alice(100)).VisibleReactions()
	require.Len(t, reactions, 1)
	assert.Equal(t, "bob", reactions[0].Sender)
}

func TestGroupSendPartialFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.e.UpsertConversation(ctx, ConversationInfo{
		ID:      "group",
		IsGroup: true,
		Members: []string{"me", "a", "b", "c"},
	}))
	f.transport.script = func(env Envelope) (message.SendResult, error) {
		res := message.SendResult{ServerTimestamp: env.Message.SentAt + 5}
		for _, r := range env.Recipients {
			if r == "c" {
				res.Errors = append(res.Errors, message.SendError{Recipient: r, Name: message.NameUnregisteredUser})
			} else {
				res.SuccessfulRecipients = append(res.SuccessfulRecipients, r)
			}
		}
		return res, nil
	}

	task, err := f.e.Send(ctx, Outgoing{ConversationID: "group", Content: message.Content{Body: "hello all"}, SentAt: 500})
	require.NoError(t, err)
	report, err := task.Wait(ctx)
	require.NoError(t, err)
	require.NoError(t, report.Err)
	assert.Equal(t, message.OutcomePartialFailure, report.Outcome)
	assert.Equal(t, 1, report.Attempts, "terminal errors aren't retried")

	views := f.events.changes(task.Ref)
	require.NotEmpty(t, views)
	last := views[len(views)-1].View
	assert.Equal(t, message.StatusSent, last.Status, "terminal errors are hidden in groups")
	assert.Empty(t, last.VisibleErrors)

	resend, err := f.e.Resend(ctx, "group", task.Ref)
	require.NoError(t, err)
	report, err = resend.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempts)
	assert.Equal(t, 1, f.transport.callCount())
}

func TestSendRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var attempts atomic.Int32
	f.transport.script = func(env Envelope) (message.SendResult, error) {
		if attempts.Add(1) == 1 {
			return message.SendResult{}, errors.New("connection reset")
		}
		return message.SendResult{SuccessfulRecipients: env.Recipients, ServerTimestamp: 900}, nil
	}

	task, err := f.e.Send(ctx, Outgoing{ConversationID: "bob", Content: message.Content{Body: "ping"}, SentAt: 800})
	require.NoError(t, err)
	report, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.OutcomeSuccess, report.Outcome)
	assert.Equal(t, 2, report.Attempts)

	m := f.stored(t, "bob", task.Ref)
	assert.True(t, m.Sent)
	assert.Empty(t, m.Errors)
	assert.EqualValues(t, 900, m.ServerTimestamp)
	assert.Equal(t, []string{"bob"}, m.Recipients)
}

func TestSendGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.e.retry.MaxAttempts = 3
	f.transport.script = func(env Envelope) (message.SendResult, error) {
		return message.SendResult{}, errors.New("timeout")
	}
	task, err := f.e.Send(ctx, Outgoing{ConversationID: "bob", Content: message.Content{Body: "ping"}, SentAt: 800})
	require.NoError(t, err)
	report, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.OutcomeTotalFailure, report.Outcome)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, []string{"bob"}, f.stored(t, "bob", task.Ref).FailedRecipients(message.ClassTransient))

	f.transport.lock.Lock()
	f.transport.script = nil
	f.transport.lock.Unlock()
	resend, err := f.e.Resend(ctx, "bob", task.Ref)
	require.NoError(t, err)
	report, err = resend.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, message.OutcomeSuccess, report.Outcome)
}

func TestSendWhileOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.transport.offline = true
	_, err := f.e.Send(ctx, Outgoing{ConversationID: "bob", Content: message.Content{Body: "ping"}})
	require.ErrorIs(t, err, ErrNetworkUnavailable)
	count, err := f.store.CountMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Zero(t, f.transport.callCount())
}

func TestResendRejectsIncoming(t *testing.T) {
	f := newFixture(t)
	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "hi"})
	_, err := f.e.Resend(context.Background(), "alice", alice(100))
	require.ErrorIs(t, err, ErrNotOutgoing)
	_, err = f.e.ForceResend(context.Background(), "alice", alice(999))
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestReceiptsUpdateStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.e.Send(ctx, Outgoing{ConversationID: "bob", Content: message.Content{Body: "ping"}, SentAt: 800})
	require.NoError(t, err)
	_, err = task.Wait(ctx)
	require.NoError(t, err)

	require.NoError(t, f.e.HandleDeliveryReceipt(ctx, Receipt{From: "bob", SentAt: []int64{800}, At: 1000}))
	changes := f.events.changes(task.Ref)
	assert.Equal(t, message.StatusDelivered, changes[len(changes)-1].View.Status)

	require.NoError(t, f.e.HandleReadReceipt(ctx, Receipt{From: "bob", SentAt: []int64{800, 12345}, At: 1100}))
	changes = f.events.changes(task.Ref)
	assert.Equal(t, message.StatusRead, changes[len(changes)-1].View.Status)
}

func TestExpiration(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "secret", ExpireTimer: 10})

	removed, err := f.e.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed, "the timer only starts once the message is read")

	_, err = f.e.MarkConversationRead(ctx, "alice")
	require.NoError(t, err)
	f.clock.Add(11_000)
	removed, err = f.e.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	m, err := f.store.GetMessageByRef(ctx, "alice", alice(100))
	require.NoError(t, err)
	assert.Nil(t, m)
	require.Len(t, f.events.removed(), 1)
	assert.Equal(t, alice(100), f.events.removed()[0].Key)
}

func TestAccountCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ac := f.e.Accounts()

	author := ac.Get(ctx, "alice")
	assert.Equal(t, "Alice Liddell", author.DisplayName)
	assert.False(t, author.IsSelf)
	ac.Get(ctx, "alice")
	assert.EqualValues(t, 1, f.profiles.calls.Load())

	broken := ac.Get(ctx, "broken")
	assert.Equal(t, "broken", broken.DisplayName)
	ac.Get(ctx, "broken")
	assert.EqualValues(t, 3, f.profiles.calls.Load(), "failed fetches aren't cached")

	f.e.Logout()
	ac.Get(ctx, "alice")
	assert.EqualValues(t, 4, f.profiles.calls.Load())
}

func TestAttachmentsAreFlushedIntoMessage(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "photo.txt"), []byte("not really a photo"), 0o600))
	f := newFixture(t, func(opts *Options) {
		opts.Downloader = &attachments.DirDownloader{Root: root}
		opts.Config.Attachments.FlushDelay = -1
	})

	f.incoming(t, "alice", alice(100), 110, message.Content{Attachments: []message.Attachment{
		{Ref: "photo.txt", FileName: "photo.txt"},
		{Ref: "missing.txt"},
	}})
	require.Eventually(t, func() bool {
		m, err := f.store.GetMessageByRef(context.Background(), "alice", alice(100))
		return err == nil && m != nil && !m.Attachments[0].Pending && !m.Attachments[1].Pending
	}, 5*time.Second, 10*time.Millisecond)
	m := f.stored(t, "alice", alice(100))
	assert.Equal(t, filepath.Join(root, "photo.txt"), m.Attachments[0].Path)
	assert.True(t, m.Attachments[1].FetchError)
}

func TestWindowFollowsConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := int64(1); i <= 25; i++ {
		f.incoming(t, "alice", alice(i*10), i*10+1, message.Content{Body: "msg"})
	}

	views, err := f.e.OpenConversation(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, views, 10)
	assert.Equal(t, alice(250), views[len(views)-1].Message.Key())
	assert.Equal(t, window.InMain, views[0].Placement)

	again, err := f.e.OpenConversation(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, again, 10, "reopening keeps the current window")

	f.incoming(t, "alice", alice(260), 261, message.Content{Body: "new"})
	changes := f.events.changes(alice(260))
	require.Len(t, changes, 1)
	assert.Equal(t, window.InMain, changes[0].View.Placement)

	res, err := f.e.LoadOlder(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 10, res.Added)
	views, err = f.e.Views(ctx, "alice", "")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(views), 15)
	keys := make([]int64, len(views))
	for i, v := range views {
		keys[i] = v.Message.SentAt
	}
	assert.True(t, slices.IsSorted(keys))
	assert.Equal(t, int64(60), keys[0])

	jumped, err := f.e.JumpTo(ctx, "alice", alice(30))
	require.NoError(t, err)
	assert.True(t, slices.ContainsFunc(jumped, func(v View) bool { return v.Message.Key() == alice(30) }))

	f.e.CloseConversation("alice")
	_, err = f.e.LoadOlder(ctx, "alice", "")
	require.ErrorIs(t, err, window.ErrClosed)
}

// pausingStore holds page reads after they returned from the database until released.
type pausingStore struct {
	*store.Store
	lock    sync.Mutex
	release chan struct{}
	fetched chan struct{}
}

func (ps *pausingStore) pauseNextPage() (fetched, release chan struct{}) {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	ps.fetched = make(chan struct{})
	ps.release = make(chan struct{})
	return ps.fetched, ps.release
}

func (ps *pausingStore) GetMessagesByConversation(ctx context.Context, conversationID string, q message.Query) ([]*message.Message, error) {
	msgs, err := ps.Store.GetMessagesByConversation(ctx, conversationID, q)
	ps.lock.Lock()
	fetched, release := ps.fetched, ps.release
	ps.fetched, ps.release = nil, nil
	ps.lock.Unlock()
	if release != nil {
		close(fetched)
		<-release
	}
	return msgs, err
}

func TestPageMergeKeepsUpdatesCommittedDuringFetch(t *testing.T) {
	ctx := context.Background()
	var ps *pausingStore
	f := newFixture(t, func(opts *Options) {
		ps = &pausingStore{Store: opts.Store.(*store.Store)}
		opts.Store = ps
	})
	for i := int64(1); i <= 25; i++ {
		f.incoming(t, "alice", alice(i*10), i*10+1, message.Content{Body: "msg"})
	}
	_, err := f.e.OpenConversation(ctx, "alice")
	require.NoError(t, err)

	react := func(emoji, sender string, ts int64) {
		require.NoError(t, f.e.HandleReaction(ctx, ReactionEvent{
			ConversationID: "alice",
			Target:         alice(100),
			Reaction:       message.Reaction{Emoji: emoji, Sender: sender, Timestamp: ts},
		}))
	}

	fetched, release := ps.pauseNextPage()
	done := make(chan error, 1)
	go func() {
		_, err := f.e.LoadOlder(ctx, "alice", "")
		done <- err
	}()
	<-fetched
	react("👍", "bob", 1)
	close(release)
	require.NoError(t, <-done)

	react("😂", "carol", 2)
	assert.Len(t, f.stored(t, "alice", alice(100)).VisibleReactions(), 2)
	views, err := f.e.Views(ctx, "alice", "")
	require.NoError(t, err)
	idx := slices.IndexFunc(views, func(v View) bool { return v.Message.Key() == alice(100) })
	require.GreaterOrEqual(t, idx, 0)
	assert.Len(t, views[idx].Reactions, 2)
}

func TestDeleteMessageUpdatesPreview(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.incoming(t, "alice", alice(100), 110, message.Content{Body: "first"})
	f.incoming(t, "alice", alice(200), 210, message.Content{Body: "second"})

	require.NoError(t, f.e.DeleteMessage(ctx, "alice", alice(200)))
	snap, err := f.e.Snapshot(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, snap.Preview)
	assert.Equal(t, alice(100), snap.Preview.Key)
	assert.Equal(t, 1, snap.Unread)

	err = f.e.DeleteMessage(ctx, "alice", alice(200))
	require.ErrorIs(t, err, ErrUnknownMessage)
}

func TestRetryBackoff(t *testing.T) {
	rp := NewRetryPolicy(&config.SendConfig{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second})
	assert.Zero(t, rp.Backoff(1))
	assert.Equal(t, time.Second, rp.Backoff(2))
	assert.Equal(t, 2*time.Second, rp.Backoff(3))
	assert.Equal(t, 4*time.Second, rp.Backoff(4))
	assert.Equal(t, 5*time.Second, rp.Backoff(5))
	assert.Equal(t, 5*time.Second, rp.Backoff(50))
}
