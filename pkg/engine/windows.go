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
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/convsync/pkg/ledger"
	"github.com/lrhodin/convsync/pkg/message"
	"github.com/lrhodin/convsync/pkg/window"
)

func (e *Engine) windowConfig() window.Config {
	return window.Config{
		PageSize:         e.cfg.Window.PageSize,
		TrimThreshold:    e.cfg.Window.TrimThreshold,
		TrimTarget:       e.cfg.Window.TrimTarget,
		RejectConcurrent: e.cfg.Window.RejectConcurrentPagination,
	}
}

func (e *Engine) getConversation(conversationID string) *conversation {
	return e.conversations.GetOrSetFactory(conversationID, func() *conversation {
		return newConversation(conversationID, e.log)
	})
}

// OpenConversation opens the window of a conversation and loads its newest page.
// Opening an already open conversation returns the current window contents.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) ([]View, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("%w: empty conversation ID", ErrUnknownConversation)
	}
	conv := e.getConversation(conversationID)
	w, created := conv.openWindow(func() *window.Window {
		return window.New(conversationID, e.store, e.windowConfig(), e.log)
	})
	if created {
		e.metrics.openWindows.Inc()
		start := time.Now()
		res, err := w.LoadLatest(ctx)
		e.metrics.paginationLatency.WithLabelValues("latest").Observe(time.Since(start).Seconds())
		if err != nil {
			if old := conv.closeWindow(); old != nil {
				old.Close()
				e.metrics.openWindows.Dec()
			}
			return nil, fmt.Errorf("failed to load latest messages: %w", err)
		}
		zerolog.Ctx(ctx).Debug().
			Str("conversation_id", conversationID).
			Int("loaded", res.Added).
			Msg("Opened conversation window")
	}
	return e.Views(ctx, conversationID, "")
}

// CloseConversation closes the window of a conversation. Pagination in flight is
// cancelled and its results discarded.
func (e *Engine) CloseConversation(conversationID string) {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return
	}
	if w := conv.closeWindow(); w != nil {
		w.Close()
		e.metrics.openWindows.Dec()
	}
}

func (e *Engine) openWindow(conversationID string) (*conversation, *window.Window, error) {
	conv, ok := e.conversations.Get(conversationID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownConversation, conversationID)
	}
	w := conv.getWindow()
	if w == nil {
		return nil, nil, fmt.Errorf("%w: conversation %s isn't open", window.ErrClosed, conversationID)
	}
	return conv, w, nil
}

// Views returns the current contents of the main view, or of a thread view if
// threadID is set.
func (e *Engine) Views(ctx context.Context, conversationID, threadID string) (views []View, err error) {
	err = e.run(ctx, conversationID, "views", func(ctx context.Context, conv *conversation) error {
		w := conv.getWindow()
		if w == nil {
			return fmt.Errorf("%w: conversation %s isn't open", window.ErrClosed, conversationID)
		}
		var msgs []*message.Message
		if threadID == "" {
			msgs = w.Main()
		} else {
			msgs = w.Thread(threadID)
		}
		views = make([]View, 0, len(msgs))
		for _, m := range msgs {
			_, placement := w.Get(m.Key())
			views = append(views, e.view(ctx, conv, m, placement))
		}
		return nil
	})
	return
}

// LoadOlder extends the main view (or a thread view) towards older messages and trims
// the newest messages if the window grew too large.
func (e *Engine) LoadOlder(ctx context.Context, conversationID, threadID string) (window.PageResult, error) {
	return e.paginate(ctx, conversationID, threadID, "older")
}

// LoadNewer extends a view towards newer messages and trims the oldest messages if the
// window grew too large.
func (e *Engine) LoadNewer(ctx context.Context, conversationID, threadID string) (window.PageResult, error) {
	return e.paginate(ctx, conversationID, threadID, "newer")
}

func (e *Engine) paginate(ctx context.Context, conversationID, threadID, direction string) (window.PageResult, error) {
	_, w, err := e.openWindow(conversationID)
	if err != nil {
		return window.PageResult{}, err
	}
	start := time.Now()
	var res window.PageResult
	var trimDir window.TrimDirection
	if direction == "older" {
		res, err = w.LoadOlder(ctx, threadID)
		trimDir = window.TrimNewer
	} else {
		res, err = w.LoadNewer(ctx, threadID)
		trimDir = window.TrimOlder
	}
	e.metrics.paginationLatency.WithLabelValues(direction).Observe(time.Since(start).Seconds())
	if err != nil {
		return res, err
	}
	trimmed := w.Trim(trimDir)
	if trimmed > 0 {
		zerolog.Ctx(ctx).Debug().
			Str("conversation_id", conversationID).
			Int("trimmed", trimmed).
			Msg("Trimmed conversation window")
	}
	if threadID != "" && w.BottomLoaded(threadID) {
		err = e.run(ctx, conversationID, "thread loaded", func(ctx context.Context, conv *conversation) error {
			if !conv.ledger.SetThreadBottomLoaded(threadID, true) {
				return nil
			}
			return e.ledgerChanged(ctx, conv, ledger.Change{ThreadChanged: true})
		})
	}
	return res, err
}

// SetActiveThread selects the thread whose view the renderer is showing. An empty
// thread ID means only the main view is shown.
func (e *Engine) SetActiveThread(ctx context.Context, conversationID, threadID string) error {
	_, w, err := e.openWindow(conversationID)
	if err != nil {
		return err
	}
	w.SetActiveThread(threadID)
	if threadID != "" && !w.BottomLoaded(threadID) {
		_, err = e.LoadOlder(ctx, conversationID, threadID)
	}
	return err
}

// SetRemotePending tells the window how many messages are still being fetched from
// the server. The bottom of the conversation isn't considered loaded until they arrive.
func (e *Engine) SetRemotePending(conversationID string, n int) error {
	_, w, err := e.openWindow(conversationID)
	if err != nil {
		return err
	}
	w.SetRemotePending(n)
	return nil
}

// JumpTo replaces the main view with the messages around ref, e.g. when the user
// taps a quote.
func (e *Engine) JumpTo(ctx context.Context, conversationID string, ref message.Ref) ([]View, error) {
	conv, w, err := e.openWindow(conversationID)
	if err != nil {
		return nil, err
	}
	var target *message.Message
	err = e.run(ctx, conversationID, "find jump target", func(ctx context.Context, conv *conversation) error {
		m, err := e.lookup(ctx, conv, ref)
		if err != nil {
			return err
		} else if m == nil {
			return fmt.Errorf("%w: %s", ErrUnknownMessage, ref)
		}
		target = m.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	start := time.Now()
	_, err = w.LoadAround(ctx, target)
	e.metrics.paginationLatency.WithLabelValues("around").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return e.Views(ctx, conv.id, "")
}
