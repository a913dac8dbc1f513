// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package window

import (
	"context"
	"fmt"

	"github.com/lrhodin/convsync/pkg/message"
)

// PageResult describes what a pagination request added to the window.
type PageResult struct {
	Added      int
	ReachedEnd bool
}

func (w *Window) acquire(ctx context.Context) error {
	if w.cfg.RejectConcurrent {
		select {
		case w.paginating <- struct{}{}:
			return nil
		default:
			return ErrPaginationBusy
		}
	}
	select {
	case w.paginating <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return ErrClosed
	}
}

func (w *Window) release() {
	<-w.paginating
}

// startFetch registers a storage read unless the window is closed. It must be paired
// with endFetch.
func (w *Window) startFetch() error {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return ErrClosed
	}
	w.beginFetch()
	return nil
}

// fetch runs a storage query without holding the lock. The query is cancelled if the
// window is closed while it runs.
func (w *Window) fetch(ctx context.Context, q message.Query) ([]*message.Message, error) {
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(w.ctx, cancel)
	defer stop()
	msgs, err := w.fetcher.GetMessagesByConversation(fetchCtx, w.conversationID, q)
	if err != nil {
		if w.ctx.Err() != nil {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("failed to fetch page: %w", err)
	}
	return msgs, nil
}

type viewState struct {
	generation uint64
	first      message.OrderKey
	last       message.OrderKey
	ok         bool
}

func (w *Window) viewState(threadID string) viewState {
	vs := viewState{generation: w.generation}
	if threadID == "" {
		vs.first, vs.last, vs.ok = w.mainBounds()
	} else {
		vs.first, vs.last, vs.ok = w.threadBounds(threadID)
	}
	return vs
}

// checkUnchanged must be called with the lock held after a fetch returns. Only the
// boundary the page was fetched from matters, so new messages arriving at the bottom
// don't invalidate a page of older ones.
func (w *Window) checkUnchanged(threadID string, dir message.PageDirection, before viewState) error {
	if w.closed {
		return ErrClosed
	}
	now := w.viewState(threadID)
	switch {
	case now.generation != before.generation, now.ok != before.ok:
		return ErrSuperseded
	case !before.ok:
		return nil
	case dir == message.PageBackward && now.first != before.first:
		return ErrSuperseded
	case dir == message.PageForward && now.last != before.last:
		return ErrSuperseded
	}
	return nil
}

// merge adds fetched messages to a view. Messages that are already loaded keep their
// existing instance so that in-flight state changes aren't lost.
func (w *Window) merge(msgs []*message.Message, threadID string) int {
	added := 0
	for _, m := range msgs {
		if e, ok := w.index[m.Key()]; ok {
			if threadID == "" {
				e.threadOnly = false
			} else if e.msg.ThreadID == threadID {
				e.inThread = true
			}
			continue
		}
		key, ok := m.OrderKey()
		if !ok {
			w.log.Warn().Stringer("message", m.Key()).Msg("Storage returned unorderable message")
			continue
		}
		e := &entry{msg: m, key: key}
		if threadID != "" {
			e.inThread = true
			e.threadOnly = !w.inMainRange(key)
		} else {
			e.inThread = m.ThreadID != "" && w.inThreadRange(m.ThreadID, key)
		}
		w.insert(e)
		added++
	}
	return added
}

func (w *Window) bottomFlag(threadID string, value bool) {
	if threadID == "" {
		w.mainBottomLoaded = value
	} else {
		w.thread(threadID).bottomLoaded = value
	}
}

func (w *Window) topFlag(threadID string, value bool) {
	if threadID == "" {
		w.mainTopLoaded = value
	} else {
		w.thread(threadID).topLoaded = value
	}
}

// LoadLatest replaces the main view with the newest page of the conversation.
func (w *Window) LoadLatest(ctx context.Context) (PageResult, error) {
	if err := w.acquire(ctx); err != nil {
		return PageResult{}, err
	}
	defer w.release()
	if err := w.startFetch(); err != nil {
		return PageResult{}, err
	}
	defer w.endFetch()
	msgs, err := w.fetch(ctx, message.Query{Limit: w.cfg.PageSize, Direction: message.PageBackward})
	if err != nil {
		return PageResult{}, err
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return PageResult{}, ErrClosed
	}
	w.resetMain()
	added := w.merge(w.latest(msgs), "")
	w.mainTopLoaded = len(msgs) < w.cfg.PageSize
	w.mainBottomLoaded = w.remotePending == 0
	w.log.Debug().Int("count", added).Bool("top_loaded", w.mainTopLoaded).Msg("Loaded latest messages")
	return PageResult{Added: added, ReachedEnd: w.mainTopLoaded}, nil
}

// resetMain drops the main view while keeping loaded thread views.
func (w *Window) resetMain() {
	w.generation++
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.inThread {
			e.threadOnly = true
			kept = append(kept, e)
		} else {
			delete(w.index, e.msg.Key())
		}
	}
	clear(w.entries[len(kept):])
	w.entries = kept
	w.mainTopLoaded = false
	w.mainBottomLoaded = false
}

// LoadOlder extends a view towards older messages. An empty thread ID means the main view.
func (w *Window) LoadOlder(ctx context.Context, threadID string) (PageResult, error) {
	return w.paginate(ctx, threadID, message.PageBackward)
}

// LoadNewer extends a view towards newer messages.
func (w *Window) LoadNewer(ctx context.Context, threadID string) (PageResult, error) {
	return w.paginate(ctx, threadID, message.PageForward)
}

func (w *Window) paginate(ctx context.Context, threadID string, dir message.PageDirection) (PageResult, error) {
	if err := w.acquire(ctx); err != nil {
		return PageResult{}, err
	}
	defer w.release()

	w.lock.Lock()
	if w.closed {
		w.lock.Unlock()
		return PageResult{}, ErrClosed
	}
	if threadID != "" {
		w.thread(threadID).loaded = true
	}
	before := w.viewState(threadID)
	w.beginFetch()
	w.lock.Unlock()
	defer w.endFetch()

	q := message.Query{Limit: w.cfg.PageSize, Direction: dir, ThreadID: threadID}
	if before.ok {
		cursor := before.first
		if dir == message.PageForward {
			cursor = before.last
		}
		q.Cursor = &cursor
	} else {
		// Nothing loaded yet, start from the newest message.
		q.Direction = message.PageBackward
	}
	msgs, err := w.fetch(ctx, q)
	if err != nil {
		return PageResult{}, err
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if err = w.checkUnchanged(threadID, q.Direction, before); err != nil {
		w.log.Debug().Err(err).Str("thread_id", threadID).Msg("Discarding page")
		return PageResult{}, err
	}
	added := w.merge(w.latest(msgs), threadID)
	short := len(msgs) < w.cfg.PageSize
	res := PageResult{Added: added}
	switch {
	case !before.ok:
		w.topFlag(threadID, short)
		w.bottomFlag(threadID, w.remotePending == 0)
		res.ReachedEnd = short
	case q.Direction == message.PageBackward:
		if short {
			w.topFlag(threadID, true)
		}
		res.ReachedEnd = short
	default:
		if short && w.remotePending == 0 {
			w.bottomFlag(threadID, true)
			res.ReachedEnd = true
		}
	}
	w.log.Debug().
		Str("thread_id", threadID).
		Stringer("direction", q.Direction).
		Int("count", added).
		Bool("reached_end", res.ReachedEnd).
		Msg("Loaded page")
	return res, nil
}

// LoadAround replaces the main view with the messages surrounding target, e.g. to
// jump to a quoted message. The target itself is read from storage along with its
// neighbours, so the instance passed in only provides the position.
func (w *Window) LoadAround(ctx context.Context, target *message.Message) (PageResult, error) {
	key, ok := target.OrderKey()
	if !ok {
		return PageResult{}, message.ErrNotOrderable
	}
	if err := w.acquire(ctx); err != nil {
		return PageResult{}, err
	}
	defer w.release()
	if err := w.startFetch(); err != nil {
		return PageResult{}, err
	}
	defer w.endFetch()
	half := max(w.cfg.PageSize/2, 1)
	older, err := w.fetch(ctx, message.Query{Cursor: &key, Limit: half, Direction: message.PageBackward})
	if err != nil {
		return PageResult{}, err
	}
	// Page forward from the last older message so that the target is included.
	newerQuery := message.Query{Limit: half + 1, Direction: message.PageForward}
	if len(older) > 0 {
		if last, ok := older[len(older)-1].OrderKey(); ok {
			newerQuery.Cursor = &last
		}
	}
	newer, err := w.fetch(ctx, newerQuery)
	if err != nil {
		return PageResult{}, err
	}

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return PageResult{}, ErrClosed
	}
	w.resetMain()
	page := make([]*message.Message, 0, len(older)+len(newer))
	page = append(page, older...)
	page = append(page, newer...)
	added := w.merge(w.latest(page), "")
	w.mainTopLoaded = len(older) < half
	w.mainBottomLoaded = len(newer) < half+1 && w.remotePending == 0
	return PageResult{Added: added, ReachedEnd: w.mainTopLoaded}, nil
}
