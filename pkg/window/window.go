// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package window maintains the bounded, ordered and contiguous in-memory view of a
// conversation that renderers display.
//
// A window holds the main view of the conversation plus any messages loaded only for
// a thread view. Every message strictly between the first and last loaded message of
// a view is present in that view. New messages are only inserted when that remains
// true, everything else is left for pagination to pick up.
package window

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lrhodin/convsync/pkg/message"
)

var (
	ErrClosed         = errors.New("window closed")
	ErrPaginationBusy = errors.New("pagination already in progress")
	ErrSuperseded     = errors.New("window changed during pagination")
)

type Placement int

const (
	NotLoaded Placement = iota
	InMain
	InThreadOnly
)

func (p Placement) String() string {
	switch p {
	case InMain:
		return "IN_MAIN"
	case InThreadOnly:
		return "IN_THREAD_ONLY"
	default:
		return "NOT_LOADED"
	}
}

type TrimDirection int

const (
	TrimOlder TrimDirection = iota
	TrimNewer
)

// Fetcher is the part of storage the window paginates from.
type Fetcher interface {
	GetMessagesByConversation(ctx context.Context, conversationID string, q message.Query) ([]*message.Message, error)
}

type Config struct {
	PageSize      int
	TrimThreshold int
	TrimTarget    int
	// RejectConcurrent makes a second pagination request fail with ErrPaginationBusy
	// instead of waiting for the first one.
	RejectConcurrent bool
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.TrimThreshold <= 0 {
		c.TrimThreshold = 150
	}
	if c.TrimTarget <= 0 || c.TrimTarget > c.TrimThreshold {
		c.TrimTarget = c.TrimThreshold * 2 / 3
	}
	return c
}

type entry struct {
	msg *message.Message
	key message.OrderKey
	// threadOnly entries are outside the main view and only belong to their thread's view.
	threadOnly bool
	// inThread entries are part of the loaded view of msg.ThreadID.
	inThread bool
}

func (e *entry) placement() Placement {
	if e.threadOnly {
		return InThreadOnly
	}
	return InMain
}

type threadFlags struct {
	loaded       bool
	bottomLoaded bool
	topLoaded    bool
}

type Window struct {
	lock           sync.RWMutex
	log            zerolog.Logger
	conversationID string
	fetcher        Fetcher
	cfg            Config

	entries []*entry
	index   map[message.Ref]*entry

	mainBottomLoaded bool
	mainTopLoaded    bool
	threads          map[string]*threadFlags
	activeThread     string
	remotePending    int

	paginating chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	generation uint64
	closed     bool

	// fetching counts storage reads in flight. While any are, committed instances
	// handed to the window are remembered in offered so that a page read before the
	// commit can't bring back an older copy. A nil value marks a removed message.
	fetching int
	offered  map[message.Ref]*message.Message
}

func New(conversationID string, fetcher Fetcher, cfg Config, log zerolog.Logger) *Window {
	ctx, cancel := context.WithCancel(context.Background())
	return &Window{
		log:            log.With().Str("component", "window").Str("conversation_id", conversationID).Logger(),
		conversationID: conversationID,
		fetcher:        fetcher,
		cfg:            cfg.withDefaults(),
		index:          make(map[message.Ref]*entry),
		threads:        make(map[string]*threadFlags),
		paginating:     make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Close tears the window down. Pagination in flight is cancelled and its results discarded.
func (w *Window) Close() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.cancel()
	w.entries = nil
	clear(w.index)
}

func (w *Window) IsClosed() bool {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return w.closed
}

func (w *Window) beginFetch() {
	w.fetching++
	if w.offered == nil {
		w.offered = make(map[message.Ref]*message.Message)
	}
}

func (w *Window) endFetch() {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.fetching--
	if w.fetching <= 0 {
		w.fetching = 0
		w.offered = nil
	}
}

func (w *Window) offer(ref message.Ref, m *message.Message) {
	if w.fetching > 0 {
		w.offered[ref] = m
	}
}

// latest swaps fetched copies for instances committed while the fetch was running and
// drops messages removed in the meantime.
func (w *Window) latest(msgs []*message.Message) []*message.Message {
	if len(w.offered) == 0 {
		return msgs
	}
	out := make([]*message.Message, 0, len(msgs))
	for _, m := range msgs {
		if committed, ok := w.offered[m.Key()]; !ok {
			out = append(out, m)
		} else if committed != nil {
			out = append(out, committed)
		}
	}
	return out
}

func (w *Window) thread(threadID string) *threadFlags {
	tf, ok := w.threads[threadID]
	if !ok {
		tf = &threadFlags{}
		w.threads[threadID] = tf
	}
	return tf
}

func (w *Window) mainBounds() (first, last message.OrderKey, ok bool) {
	for _, e := range w.entries {
		if !e.threadOnly {
			first, ok = e.key, true
			break
		}
	}
	if !ok {
		return
	}
	for i := len(w.entries) - 1; i >= 0; i-- {
		if !w.entries[i].threadOnly {
			last = w.entries[i].key
			break
		}
	}
	return
}

func (w *Window) threadBounds(threadID string) (first, last message.OrderKey, ok bool) {
	for _, e := range w.entries {
		if e.inThread && e.msg.ThreadID == threadID {
			if !ok {
				first, ok = e.key, true
			}
			last = e.key
		}
	}
	return
}

// inRange reports whether key belongs between the loaded bounds of a view. A view whose
// oldest or newest stored message is loaded is open-ended on that side.
func inRange(key, first, last message.OrderKey, ok, topLoaded, bottomLoaded bool) bool {
	if !ok {
		return bottomLoaded
	}
	if key.Less(first) {
		return topLoaded
	}
	if key.Compare(last) <= 0 {
		return true
	}
	return bottomLoaded
}

func (w *Window) inMainRange(key message.OrderKey) bool {
	first, last, ok := w.mainBounds()
	return inRange(key, first, last, ok, w.mainTopLoaded, w.mainBottomLoaded)
}

func (w *Window) inThreadRange(threadID string, key message.OrderKey) bool {
	if threadID == "" {
		return false
	}
	tf, exists := w.threads[threadID]
	if !exists || !tf.loaded {
		return false
	}
	first, last, ok := w.threadBounds(threadID)
	return inRange(key, first, last, ok, tf.topLoaded, tf.bottomLoaded)
}

func (w *Window) insert(e *entry) {
	idx, _ := slices.BinarySearchFunc(w.entries, e.key, func(existing *entry, key message.OrderKey) int {
		return existing.key.Compare(key)
	})
	w.entries = slices.Insert(w.entries, idx, e)
	w.index[e.msg.Key()] = e
}

func (w *Window) removeEntry(e *entry) {
	idx := slices.Index(w.entries, e)
	if idx >= 0 {
		w.entries = slices.Delete(w.entries, idx, idx+1)
	}
	delete(w.index, e.msg.Key())
}

// place decides where a message belongs and inserts it. The message must not be in the window.
func (w *Window) place(m *message.Message) Placement {
	key, ok := m.OrderKey()
	if !ok {
		return NotLoaded
	}
	inMain := w.inMainRange(key)
	inThread := w.inThreadRange(m.ThreadID, key)
	if !inMain && !inThread {
		return NotLoaded
	}
	e := &entry{msg: m, key: key, threadOnly: !inMain, inThread: inThread}
	w.insert(e)
	return e.placement()
}

// AddNewMessage inserts a newly arrived message if it falls inside the loaded range
// of the main view or of its thread's view. Messages older than everything loaded while
// the view isn't top loaded, and messages newer than the newest loaded one while it
// isn't bottom loaded, are left out. A message that is already present is re-sorted instead.
func (w *Window) AddNewMessage(m *message.Message) Placement {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return NotLoaded
	}
	w.offer(m.Key(), m)
	if e, ok := w.index[m.Key()]; ok {
		return w.resort(e, m)
	}
	placement := w.place(m)
	w.log.Trace().
		Stringer("message", m.Key()).
		Stringer("placement", placement).
		Msg("Placed new message")
	return placement
}

// Resort re-evaluates a message whose sort key or thread changed. If it no longer
// falls inside the loaded range it is removed.
func (w *Window) Resort(m *message.Message) Placement {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return NotLoaded
	}
	w.offer(m.Key(), m)
	e, ok := w.index[m.Key()]
	if !ok {
		return w.place(m)
	}
	return w.resort(e, m)
}

func (w *Window) resort(e *entry, m *message.Message) Placement {
	w.removeEntry(e)
	placement := w.place(m)
	if placement == NotLoaded {
		w.log.Debug().Stringer("message", m.Key()).Msg("Message moved out of the loaded range")
	}
	return placement
}

// Remove drops a message from the window, e.g. after it was deleted or expired.
func (w *Window) Remove(ref message.Ref) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.offer(ref, nil)
	e, ok := w.index[ref]
	if !ok {
		return false
	}
	w.removeEntry(e)
	return true
}

// Get returns the loaded instance of a message.
func (w *Window) Get(ref message.Ref) (*message.Message, Placement) {
	w.lock.RLock()
	defer w.lock.RUnlock()
	e, ok := w.index[ref]
	if !ok {
		return nil, NotLoaded
	}
	return e.msg, e.placement()
}

// Messages returns every loaded message, including thread-only ones, in order.
// The messages are live and must only be mutated from the conversation's job queue.
func (w *Window) Messages() []*message.Message {
	w.lock.RLock()
	defer w.lock.RUnlock()
	out := make([]*message.Message, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.msg
	}
	return out
}

// Main returns copies of the messages in the main view.
func (w *Window) Main() []*message.Message {
	w.lock.RLock()
	defer w.lock.RUnlock()
	var out []*message.Message
	for _, e := range w.entries {
		if !e.threadOnly {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

// Thread returns copies of the messages in a thread's view.
func (w *Window) Thread(threadID string) []*message.Message {
	w.lock.RLock()
	defer w.lock.RUnlock()
	var out []*message.Message
	for _, e := range w.entries {
		if e.inThread && e.msg.ThreadID == threadID {
			out = append(out, e.msg.Clone())
		}
	}
	return out
}

func (w *Window) Len() int {
	w.lock.RLock()
	defer w.lock.RUnlock()
	return len(w.entries)
}

// BottomLoaded reports whether the newest stored message of the view is loaded.
// An empty thread ID means the main view.
func (w *Window) BottomLoaded(threadID string) bool {
	w.lock.RLock()
	defer w.lock.RUnlock()
	if threadID == "" {
		return w.mainBottomLoaded
	}
	tf, ok := w.threads[threadID]
	return ok && tf.bottomLoaded
}

func (w *Window) TopLoaded(threadID string) bool {
	w.lock.RLock()
	defer w.lock.RUnlock()
	if threadID == "" {
		return w.mainTopLoaded
	}
	tf, ok := w.threads[threadID]
	return ok && tf.topLoaded
}

// SetActiveThread marks a thread view derived from this window as open. Trimming
// is disabled while one is active.
func (w *Window) SetActiveThread(threadID string) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.activeThread = threadID
}

// AddRemotePending tracks inbound messages that are known but not yet stored. While
// any are pending, a short forward page doesn't mark the window bottom loaded.
func (w *Window) AddRemotePending(delta int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.remotePending = max(w.remotePending+delta, 0)
}

// SetRemotePending replaces the number of known but unstored inbound messages.
func (w *Window) SetRemotePending(n int) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.remotePending = max(n, 0)
}

// Trim evicts messages when the window has grown past its threshold.
func (w *Window) Trim(dir TrimDirection) int {
	w.lock.Lock()
	defer w.lock.Unlock()
	if len(w.entries) <= w.cfg.TrimThreshold {
		return 0
	}
	return w.trimTo(w.cfg.TrimTarget, dir)
}

// TrimTo evicts the oldest or newest main view messages until at most target messages
// remain. Thread-only messages are never evicted, and nothing is evicted while a thread
// view is active.
func (w *Window) TrimTo(target int, dir TrimDirection) int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.trimTo(target, dir)
}

func (w *Window) trimTo(target int, dir TrimDirection) int {
	if w.closed || w.activeThread != "" {
		return 0
	}
	excess := len(w.entries) - target
	if excess <= 0 {
		return 0
	}
	evict := make(map[*entry]struct{}, excess)
	for i := range w.entries {
		idx := i
		if dir == TrimNewer {
			idx = len(w.entries) - 1 - i
		}
		e := w.entries[idx]
		if e.threadOnly {
			continue
		}
		evict[e] = struct{}{}
		if len(evict) == excess {
			break
		}
	}
	if len(evict) == 0 {
		return 0
	}
	for e := range evict {
		delete(w.index, e.msg.Key())
		if e.inThread {
			tf := w.thread(e.msg.ThreadID)
			if dir == TrimNewer {
				tf.bottomLoaded = false
			} else {
				tf.topLoaded = false
			}
		}
	}
	w.entries = slices.DeleteFunc(w.entries, func(e *entry) bool {
		_, ok := evict[e]
		return ok
	})
	if dir == TrimNewer {
		w.mainBottomLoaded = false
	} else {
		w.mainTopLoaded = false
	}
	w.log.Debug().
		Int("evicted", len(evict)).
		Int("remaining", len(w.entries)).
		Bool("newer", dir == TrimNewer).
		Msg("Trimmed window")
	return len(evict)
}
