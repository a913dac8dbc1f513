// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package attachments queues attachment downloads and reports their results back per
// message, batching results that complete close together into a single write.
package attachments

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exsync"
	"golang.org/x/sync/semaphore"

	"github.com/lrhodin/convsync/pkg/message"
)

type Job struct {
	ConversationID string
	Message        message.Ref
	Slot           message.Slot
	Attachment     message.Attachment
}

func (j Job) key() string {
	return j.ConversationID + "|" + j.Message.String() + "|" + j.Slot.String()
}

// FlushFunc receives every result of a message that completed since the previous
// flush. It should persist them in one write.
type FlushFunc func(ctx context.Context, conversationID string, msg message.Ref, results []message.AttachmentResult) error

type Handle struct {
	Job    Job
	done   chan struct{}
	result message.AttachmentResult
	err    error
}

// Wait blocks until the result has been flushed.
func (h *Handle) Wait(ctx context.Context) (message.AttachmentResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return message.AttachmentResult{}, ctx.Err()
	}
}

type batch struct {
	pending int
	results []message.AttachmentResult
	handles []*Handle
	timer   *time.Timer
}

type Config struct {
	MaxConcurrent int
	FlushDelay    time.Duration
}

type Coordinator struct {
	log        zerolog.Logger
	downloader Downloader
	flush      FlushFunc
	cfg        Config
	sema       *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	inFlight *exsync.Map[string, *Handle]
	lock     sync.Mutex
	batches  map[string]*batch
}

func NewCoordinator(dl Downloader, flush FlushFunc, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:        log.With().Str("component", "attachments").Logger(),
		downloader: dl,
		flush:      flush,
		cfg:        cfg,
		sema:       semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:        ctx,
		cancel:     cancel,
		inFlight:   exsync.NewMap[string, *Handle](),
		batches:    make(map[string]*batch),
	}
}

func batchKey(convID string, msg message.Ref) string {
	return convID + "|" + msg.String()
}

// Enqueue starts downloading an attachment. Enqueuing a slot that is already being
// downloaded returns the existing handle.
func (c *Coordinator) Enqueue(job Job) *Handle {
	handle := &Handle{Job: job, done: make(chan struct{})}
	existing, loaded := c.inFlight.GetOrSet(job.key(), handle)
	if loaded {
		return existing
	}
	c.lock.Lock()
	bk := batchKey(job.ConversationID, job.Message)
	b, ok := c.batches[bk]
	if !ok {
		b = &batch{}
		c.batches[bk] = b
	}
	b.pending++
	c.lock.Unlock()

	c.wg.Add(1)
	go c.download(handle)
	return handle
}

// EnqueueMessage enqueues every pending download of a message.
func (c *Coordinator) EnqueueMessage(convID string, msg *message.Message, maxForwardDepth int) []*Handle {
	pending := msg.PendingDownloads(maxForwardDepth)
	handles := make([]*Handle, 0, len(pending))
	for _, pd := range pending {
		handles = append(handles, c.Enqueue(Job{
			ConversationID: convID,
			Message:        msg.Key(),
			Slot:           pd.Slot,
			Attachment:     pd.Attachment,
		}))
	}
	return handles
}

func (c *Coordinator) download(h *Handle) {
	defer c.wg.Done()
	log := c.log.With().
		Str("conversation_id", h.Job.ConversationID).
		Stringer("message", h.Job.Message).
		Stringer("slot", h.Job.Slot).
		Logger()
	res := message.AttachmentResult{Slot: h.Job.Slot}
	if err := c.sema.Acquire(c.ctx, 1); err != nil {
		c.abort(h, err)
		return
	}
	path, err := c.downloader.Download(c.ctx, h.Job.Attachment)
	c.sema.Release(1)
	if c.ctx.Err() != nil {
		c.abort(h, c.ctx.Err())
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to download attachment")
		res.FetchError = true
	} else {
		res.Path = path
		probe, err := ProbeFile(path)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to probe downloaded attachment")
		} else {
			res.ContentType, res.Size = probe.ContentType, probe.Size
			res.Width, res.Height = probe.Width, probe.Height
		}
		log.Debug().Str("path", path).Str("content_type", res.ContentType).Msg("Downloaded attachment")
	}
	c.complete(h, res)
}

func (c *Coordinator) abort(h *Handle, err error) {
	c.inFlight.Delete(h.Job.key())
	c.lock.Lock()
	bk := batchKey(h.Job.ConversationID, h.Job.Message)
	var ready *batch
	if b, ok := c.batches[bk]; ok {
		b.pending--
		if b.pending <= 0 {
			c.stopTimer(b)
			ready = c.take(b)
			delete(c.batches, bk)
		}
	}
	c.lock.Unlock()
	h.err = err
	close(h.done)
	if ready != nil {
		c.flushBatch(h.Job.ConversationID, h.Job.Message, ready)
	}
}

func (c *Coordinator) complete(h *Handle, res message.AttachmentResult) {
	h.result = res
	bk := batchKey(h.Job.ConversationID, h.Job.Message)
	c.lock.Lock()
	b := c.batches[bk]
	b.pending--
	b.results = append(b.results, res)
	b.handles = append(b.handles, h)
	c.stopTimer(b)
	if b.pending <= 0 || c.cfg.FlushDelay <= 0 {
		ready := c.take(b)
		if b.pending <= 0 {
			delete(c.batches, bk)
		}
		c.lock.Unlock()
		c.flushBatch(h.Job.ConversationID, h.Job.Message, ready)
		return
	}
	c.wg.Add(1)
	b.timer = time.AfterFunc(c.cfg.FlushDelay, func() {
		defer c.wg.Done()
		c.lock.Lock()
		ready := c.take(b)
		c.lock.Unlock()
		c.flushBatch(h.Job.ConversationID, h.Job.Message, ready)
	})
	c.lock.Unlock()
}

// stopTimer must be called with the lock held.
func (c *Coordinator) stopTimer(b *batch) {
	if b.timer != nil && b.timer.Stop() {
		c.wg.Done()
	}
	b.timer = nil
}

// take must be called with the lock held.
func (c *Coordinator) take(b *batch) *batch {
	ready := &batch{results: b.results, handles: b.handles}
	b.results, b.handles = nil, nil
	return ready
}

func (c *Coordinator) flushBatch(convID string, msg message.Ref, b *batch) {
	if len(b.results) == 0 {
		return
	}
	err := c.flush(context.WithoutCancel(c.ctx), convID, msg, b.results)
	if err != nil {
		c.log.Err(err).
			Str("conversation_id", convID).
			Stringer("message", msg).
			Int("results", len(b.results)).
			Msg("Failed to flush attachment results")
	}
	for _, h := range b.handles {
		c.inFlight.Delete(h.Job.key())
		h.err = err
		close(h.done)
	}
}

// InFlight returns the number of downloads that haven't been flushed yet.
func (c *Coordinator) InFlight() int {
	return c.inFlight.Len()
}

// Close cancels running downloads, flushes results that were waiting for their
// batch and waits for workers to exit.
func (c *Coordinator) Close() {
	c.cancel()
	type pendingFlush struct {
		convID string
		msg    message.Ref
		ready  *batch
	}
	var flushes []pendingFlush
	c.lock.Lock()
	for _, b := range c.batches {
		c.stopTimer(b)
		if len(b.handles) > 0 {
			job := b.handles[0].Job
			flushes = append(flushes, pendingFlush{job.ConversationID, job.Message, c.take(b)})
		}
	}
	c.lock.Unlock()
	for _, pf := range flushes {
		c.flushBatch(pf.convID, pf.msg, pf.ready)
	}
	c.wg.Wait()
}
