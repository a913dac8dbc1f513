// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package engine wires the message state machine, conversation ledgers and windows
// together. Every mutation of a conversation runs as a job on that conversation's
// FIFO queue, so events for one conversation never interleave.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"go.mau.fi/util/jsontime"

	"github.com/lrhodin/convsync/pkg/attachments"
	"github.com/lrhodin/convsync/pkg/config"
	"github.com/lrhodin/convsync/pkg/jobqueue"
	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/store"
	"github.com/lrhodin/convsync/pkg/window"
)

var (
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrNotOutgoing         = errors.New("message is not outgoing")
	ErrEngineClosed        = errors.New("engine closed")
)

type Options struct {
	Store      Storage
	Transport  Transport
	Downloader attachments.Downloader
	Renderer   Observer
	Profiles   ProfileFetcher
	Clock      func() time.Time
	Logger     zerolog.Logger
	Registerer prometheus.Registerer
	Config     *config.Config
}

type Engine struct {
	log       zerolog.Logger
	cfg       *config.Config
	store     Storage
	transport Transport
	now       func() time.Time

	queue         *jobqueue.Queue
	conversations *exsync.Map[string, *conversation]
	downloads     *attachments.Coordinator
	accounts      *AccountCache
	retry         *RetryPolicy
	bus           bus
	metrics       *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine needs a store")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	e := &Engine{
		log:           opts.Logger.With().Str("component", "engine").Logger(),
		cfg:           opts.Config,
		store:         opts.Store,
		transport:     opts.Transport,
		now:           opts.Clock,
		conversations: exsync.NewMap[string, *conversation](),
		metrics:       newMetrics(opts.Registerer),
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.queue = jobqueue.New(opts.Logger)
	e.queue.OnJobDone = e.onJobDone
	e.retry = NewRetryPolicy(&e.cfg.Send)
	var err error
	e.accounts, err = NewAccountCache(opts.Profiles, &e.cfg.Accounts, e.cfg.Self.ID, opts.Logger)
	if err != nil {
		return nil, err
	}
	if opts.Downloader != nil {
		e.downloads = attachments.NewCoordinator(opts.Downloader, e.flushAttachments, attachments.Config{
			MaxConcurrent: e.cfg.Attachments.GetMaxConcurrent(),
			FlushDelay:    e.cfg.Attachments.GetFlushDelay(),
		}, opts.Logger)
	}
	if opts.Renderer != nil {
		e.bus.subscribe(opts.Renderer)
	}
	return e, nil
}

// Start runs the periodic expiration sweep and unread reconciliation until Close.
func (e *Engine) Start() {
	e.wg.Add(2)
	go e.loop("expiration sweep", e.cfg.Expiration.GetSweepInterval(), func(ctx context.Context) error {
		_, err := e.ExpireDue(ctx)
		return err
	})
	go e.loop("unread reconciliation", e.cfg.Ledger.GetReconcileInterval(), e.ReconcileAll)
}

func (e *Engine) loop(name string, interval time.Duration, fn func(ctx context.Context) error) {
	defer e.wg.Done()
	log := e.log.With().Str("loop", name).Logger()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := fn(log.WithContext(e.ctx)); err != nil && e.ctx.Err() == nil {
				log.Err(err).Msg("Periodic task failed")
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// Close stops background work, flushes finished downloads and waits for queued jobs.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	if e.downloads != nil {
		e.downloads.Close()
	}
	for _, conv := range e.conversations.Iter() {
		if w := conv.closeWindow(); w != nil {
			w.Close()
		}
	}
	e.queue.Close()
	e.accounts.Close()
}

// Subscribe registers an observer for engine events. The returned function unsubscribes it.
func (e *Engine) Subscribe(obs Observer) func() {
	return e.bus.subscribe(obs)
}

func (e *Engine) Accounts() *AccountCache {
	return e.accounts
}

// Logout drops cached account data.
func (e *Engine) Logout() {
	e.accounts.Invalidate()
	e.log.Info().Msg("Dropped cached account data after logout")
}

func (e *Engine) nowMS() int64 {
	return e.now().UnixMilli()
}

func (e *Engine) onJobDone(job *jobqueue.Job, err error) {
	if err != nil {
		e.metrics.jobFailures.WithLabelValues(job.Name).Inc()
	}
}

// run executes fn as a job of the conversation, loading the conversation first if needed.
func (e *Engine) run(ctx context.Context, conversationID, name string, fn func(ctx context.Context, conv *conversation) error) error {
	if conversationID == "" {
		return fmt.Errorf("%w: empty conversation ID", ErrUnknownConversation)
	}
	conv := e.getConversation(conversationID)
	log := e.log.With().Str("conversation_id", conversationID).Str("job", name).Logger()
	return e.queue.Run(ctx, conversationID, name, func(jobCtx context.Context) error {
		jobCtx = log.WithContext(jobCtx)
		if err := e.loadConversation(jobCtx, conv); err != nil {
			return err
		}
		return fn(jobCtx, conv)
	})
}

func (e *Engine) loadConversation(ctx context.Context, conv *conversation) error {
	if conv.loaded {
		return nil
	}
	rec, err := e.store.GetConversation(ctx, conv.id)
	if err != nil {
		return fmt.Errorf("failed to load conversation %s: %w", conv.id, err)
	}
	restored := false
	if rec != nil {
		conv.isGroup = rec.IsGroup
		conv.meta = rec.Metadata
		if rec.Ledger != nil {
			conv.ledger.Restore(*rec.Ledger)
			restored = true
		}
	}
	candidates, err := e.store.GetUnreadCandidates(ctx, conv.id, conv.ledger.LastRead().MaxServerTimestamp)
	if err != nil {
		return fmt.Errorf("failed to load unread messages of %s: %w", conv.id, err)
	}
	if drift := conv.ledger.Reconcile(candidates); drift != 0 && restored {
		e.metrics.unreadDrift.Add(float64(abs(drift)))
	}
	if !restored {
		latest, err := e.store.GetLatestMessage(ctx, conv.id)
		if err != nil {
			return fmt.Errorf("failed to load latest message of %s: %w", conv.id, err)
		}
		conv.ledger.SetPreview(latest)
	}
	awaiting, err := e.store.GetAwaitingMessages(ctx, conv.id)
	if err != nil {
		return fmt.Errorf("failed to load messages waiting for a target in %s: %w", conv.id, err)
	}
	reactions, err := e.store.GetPendingReactions(ctx, conv.id)
	if err != nil {
		return fmt.Errorf("failed to load pending reactions of %s: %w", conv.id, err)
	}
	before := e.pendingCounts(conv)
	conv.pending.restore(awaiting, reactions)
	e.updatePendingMetrics(conv, before)
	conv.loaded = true
	zerolog.Ctx(ctx).Debug().
		Bool("group", conv.isGroup).
		Int("unread", conv.ledger.Unread()).
		Int("awaiting_target", len(awaiting)+len(reactions)).
		Msg("Loaded conversation")
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

type ConversationInfo struct {
	ID          string
	IsGroup     bool
	Name        string
	Members     []string
	ExpireTimer uint32
}

// UpsertConversation stores conversation metadata. Members are the default
// recipients of sends in the conversation.
func (e *Engine) UpsertConversation(ctx context.Context, info ConversationInfo) error {
	return e.run(ctx, info.ID, "upsert conversation", func(ctx context.Context, conv *conversation) error {
		conv.isGroup = info.IsGroup
		conv.meta.Name = info.Name
		conv.meta.Members = info.Members
		conv.meta.ExpireTimer = info.ExpireTimer
		return e.saveConversation(ctx, conv)
	})
}

func (e *Engine) saveConversation(ctx context.Context, conv *conversation) error {
	return e.store.SaveConversation(ctx, &store.Conversation{
		ID:       conv.id,
		IsGroup:  conv.isGroup,
		Metadata: conv.meta,
	})
}

// Snapshot returns the current ledger aggregates of a conversation.
func (e *Engine) Snapshot(ctx context.Context, conversationID string) (snap ledger.Snapshot, err error) {
	err = e.run(ctx, conversationID, "snapshot", func(ctx context.Context, conv *conversation) error {
		snap = conv.ledger.Snapshot()
		return nil
	})
	return
}

// ReconcileAll recomputes the unread counters of every loaded conversation from storage.
func (e *Engine) ReconcileAll(ctx context.Context) error {
	var errs []error
	for id := range e.conversations.CopyData() {
		if err := e.Reconcile(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) Reconcile(ctx context.Context, conversationID string) error {
	return e.run(ctx, conversationID, "reconcile", func(ctx context.Context, conv *conversation) error {
		candidates, err := e.store.GetUnreadCandidates(ctx, conv.id, conv.ledger.LastRead().MaxServerTimestamp)
		if err != nil {
			return fmt.Errorf("failed to load unread messages: %w", err)
		}
		drift := conv.ledger.Reconcile(candidates)
		conv.meta.LastReconciled = jsontime.UM(e.now())
		if err = e.saveConversation(ctx, conv); err != nil {
			return err
		}
		if drift == 0 {
			return nil
		}
		e.metrics.unreadDrift.Add(float64(abs(drift)))
		return e.ledgerChanged(ctx, conv, ledger.Change{UnreadDelta: -drift})
	})
}

// commit persists a mutated message and propagates the change to the ledger, the
// window and observers. It's a no-op for an empty delta.
func (e *Engine) commit(ctx context.Context, conv *conversation, m *message.Message, delta message.Delta) error {
	if delta == 0 {
		return nil
	}
	if err := e.store.SaveMessage(ctx, m); err != nil {
		return fmt.Errorf("failed to save message %s: %w", m.Key(), err)
	}
	placement := window.NotLoaded
	if w := conv.getWindow(); w != nil {
		placement = w.AddNewMessage(m)
	}
	var change ledger.Change
	if delta.AffectsLedger() {
		change = conv.ledger.OnMessageSortRelevantChange(m)
		if change.PreviewStale {
			latest, err := e.store.GetLatestMessage(ctx, conv.id)
			if err != nil {
				return fmt.Errorf("failed to find latest message: %w", err)
			}
			if latest != nil && conv.ledger.SetPreview(latest).PreviewChanged {
				change.PreviewChanged = true
			}
		}
	}
	zerolog.Ctx(ctx).Trace().
		Stringer("message", m.Key()).
		Stringer("delta", delta).
		Stringer("placement", placement).
		Msg("Committed message change")
	e.bus.emit(&MessageChanged{
		ConversationID: conv.id,
		Delta:          delta,
		View:           e.view(ctx, conv, m, placement),
	})
	if change.Changed() {
		return e.ledgerChanged(ctx, conv, change)
	}
	return nil
}

func (e *Engine) ledgerChanged(ctx context.Context, conv *conversation, change ledger.Change) error {
	snap := conv.ledger.Snapshot()
	if err := e.store.SaveLedger(ctx, snap); err != nil {
		return fmt.Errorf("failed to save ledger: %w", err)
	}
	e.bus.emit(&ConversationChanged{ConversationID: conv.id, Change: change, Snapshot: snap})
	return nil
}

// remove deletes a message from storage, the window and the ledger.
func (e *Engine) remove(ctx context.Context, conv *conversation, m *message.Message) error {
	if m.ID != "" {
		if err := e.store.RemoveMessage(ctx, m.ID); err != nil {
			return fmt.Errorf("failed to remove message %s: %w", m.Key(), err)
		}
	}
	if w := conv.getWindow(); w != nil {
		w.Remove(m.Key())
	}
	var next *message.Message
	if preview := conv.ledger.Snapshot().Preview; preview != nil && preview.Key == m.Key() {
		var err error
		next, err = e.store.GetLatestMessage(ctx, conv.id)
		if err != nil {
			return fmt.Errorf("failed to find latest message: %w", err)
		}
	}
	change := conv.ledger.OnMessageRemoved(m, next)
	e.bus.emit(&MessageRemoved{ConversationID: conv.id, Key: m.Key(), ID: m.ID})
	if change.Changed() {
		return e.ledgerChanged(ctx, conv, change)
	}
	return nil
}

// lookup returns the live instance of a message: the windowed one if loaded, otherwise
// a fresh copy from storage. It returns nil if the message isn't known.
func (e *Engine) lookup(ctx context.Context, conv *conversation, ref message.Ref) (*message.Message, error) {
	if w := conv.getWindow(); w != nil {
		if m, _ := w.Get(ref); m != nil {
			return m, nil
		}
	}
	m, err := e.store.GetMessageByRef(ctx, conv.id, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", ref, err)
	}
	return m, nil
}

// findByAuthor finds a message by sender and send time on any of the sender's devices.
func (e *Engine) findByAuthor(ctx context.Context, conv *conversation, author string, sentAt int64) (*message.Message, error) {
	if w := conv.getWindow(); w != nil {
		for _, m := range w.Messages() {
			if m.Source == author && m.SentAt == sentAt {
				return m, nil
			}
		}
	}
	candidates, err := e.store.GetMessagesBySentAt(ctx, sentAt)
	if err != nil {
		return nil, fmt.Errorf("failed to find messages sent at %d: %w", sentAt, err)
	}
	for _, m := range candidates {
		if m.ConversationID == conv.id && m.Source == author {
			return m, nil
		}
	}
	return nil, nil
}

func (e *Engine) statusContext(conv *conversation) message.StatusContext {
	return message.StatusContext{IsGroup: conv.isGroup, ReadPositions: conv.ledger.ReadPositions()}
}

func (e *Engine) view(ctx context.Context, conv *conversation, m *message.Message, placement window.Placement) View {
	return View{
		Message:       m.Clone(),
		Status:        m.ComputeDeliveryStatus(e.statusContext(conv)),
		Props:         m.Project(),
		Author:        e.accounts.Get(ctx, m.Source),
		VisibleErrors: m.VisibleErrors(conv.isGroup),
		Reactions:     m.VisibleReactions(),
		Placement:     placement,
	}
}
