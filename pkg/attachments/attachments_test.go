// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package attachments

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/convsync/pkg/message"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return buf.Bytes()
}

func TestHTTPDownloader(t *testing.T) {
	data := pngBytes(t, 12, 7)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/attachment" {
			http.NotFound(w, r)
			return
		}
		switch r.URL.Query().Get("path") {
		case "/var/att/photo one.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(data)
		default:
			http.Error(w, "no such file", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	dl := NewHTTPDownloader(srv.URL+"/", t.TempDir(), 5*time.Second)
	path, err := dl.Download(context.Background(), message.Attachment{Ref: "/var/att/photo one.png", FileName: "photo one.png"})
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(path))
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	probe, err := ProbeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "image/png", probe.ContentType)
	assert.Equal(t, 12, probe.Width)
	assert.Equal(t, 7, probe.Height)
	assert.EqualValues(t, len(data), probe.Size)

	_, err = dl.Download(context.Background(), message.Attachment{Ref: "/missing"})
	assert.ErrorIs(t, err, ErrDownloadFailed)
	assert.ErrorContains(t, err, "404")
}

func TestDirDownloader(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "note.txt"), []byte("hello"), 0o600))
	dd := &DirDownloader{Root: root}

	path, err := dd.Download(context.Background(), message.Attachment{Ref: "a/note.txt"})
	require.NoError(t, err)
	probe, err := ProbeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", probe.ContentType)
	assert.Zero(t, probe.Width)

	for _, ref := range []string{"", "../etc/passwd", "/etc/passwd", "a", "a/missing.txt"} {
		_, err = dd.Download(context.Background(), message.Attachment{Ref: ref})
		assert.ErrorIs(t, err, ErrDownloadFailed, ref)
	}
}

type gatedDownloader struct {
	dir   string
	lock  sync.Mutex
	gates map[string]chan struct{}
	calls map[string]int
}

func newGatedDownloader(t *testing.T) *gatedDownloader {
	return &gatedDownloader{dir: t.TempDir(), gates: map[string]chan struct{}{}, calls: map[string]int{}}
}

func (gd *gatedDownloader) gate(ref string) chan struct{} {
	gd.lock.Lock()
	defer gd.lock.Unlock()
	ch, ok := gd.gates[ref]
	if !ok {
		ch = make(chan struct{})
		gd.gates[ref] = ch
	}
	return ch
}

func (gd *gatedDownloader) Download(ctx context.Context, att message.Attachment) (string, error) {
	gd.lock.Lock()
	gd.calls[att.Ref]++
	gd.lock.Unlock()
	select {
	case <-gd.gate(att.Ref):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if att.Ref == "broken" {
		return "", ErrDownloadFailed
	}
	path := filepath.Join(gd.dir, att.Ref)
	return path, os.WriteFile(path, []byte("data for "+att.Ref), 0o600)
}

type flushRecorder struct {
	lock    sync.Mutex
	flushes [][]message.AttachmentResult
}

func (fr *flushRecorder) flush(ctx context.Context, convID string, msg message.Ref, results []message.AttachmentResult) error {
	fr.lock.Lock()
	defer fr.lock.Unlock()
	fr.flushes = append(fr.flushes, results)
	return nil
}

func (fr *flushRecorder) count() int {
	fr.lock.Lock()
	defer fr.lock.Unlock()
	return len(fr.flushes)
}

func testMessage() *message.Message {
	m := message.NewIncoming("conv", message.Ref{Source: "alice", SourceDevice: 1, SentAt: 100}, 110, 111)
	_, _ = m.ApplyIncomingContent(message.Content{Attachments: []message.Attachment{
		{Ref: "one", FileName: "one.txt"},
		{Ref: "two", FileName: "two.txt"},
		{Ref: "broken", FileName: "broken.txt"},
	}})
	return m
}

func TestCoordinatorBatchesMessageResults(t *testing.T) {
	gd := newGatedDownloader(t)
	fr := &flushRecorder{}
	c := NewCoordinator(gd, fr.flush, Config{MaxConcurrent: 2, FlushDelay: time.Hour}, zerolog.Nop())
	defer c.Close()

	m := testMessage()
	handles := c.EnqueueMessage("conv", m, message.DefaultMaxForwardDepth)
	require.Len(t, handles, 3)
	assert.Same(t, handles[0], c.Enqueue(handles[0].Job), "duplicate enqueue returns the running handle")

	close(gd.gate("one"))
	close(gd.gate("broken"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, fr.count(), "results wait for the rest of the message")
	close(gd.gate("two"))

	ctx := context.Background()
	for _, h := range handles {
		_, err := h.Wait(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, fr.count())
	results := fr.flushes[0]
	require.Len(t, results, 3)
	byRef := map[string]message.AttachmentResult{}
	for _, h := range handles {
		res, _ := h.Wait(ctx)
		byRef[h.Job.Attachment.Ref] = res
	}
	assert.True(t, byRef["broken"].FetchError)
	assert.False(t, byRef["one"].FetchError)
	assert.Equal(t, "text/plain", byRef["one"].ContentType)

	for _, res := range results {
		m.ApplyAttachmentResult(res)
	}
	assert.True(t, m.Attachments[2].FetchError)
	assert.NotEmpty(t, m.Attachments[0].Path)
	assert.Empty(t, m.PendingDownloads(message.DefaultMaxForwardDepth))
	assert.Zero(t, c.InFlight())
	gd.lock.Lock()
	assert.Equal(t, 1, gd.calls["one"])
	gd.lock.Unlock()
}

func TestCoordinatorFlushDelay(t *testing.T) {
	gd := newGatedDownloader(t)
	fr := &flushRecorder{}
	c := NewCoordinator(gd, fr.flush, Config{MaxConcurrent: 4, FlushDelay: 10 * time.Millisecond}, zerolog.Nop())
	defer c.Close()

	handles := c.EnqueueMessage("conv", testMessage(), message.DefaultMaxForwardDepth)
	close(gd.gate("one"))
	_, err := handles[0].Wait(context.Background())
	require.NoError(t, err, "a slow sibling doesn't hold results back forever")
	assert.Equal(t, 1, fr.count())

	close(gd.gate("two"))
	close(gd.gate("broken"))
	for _, h := range handles[1:] {
		_, err = h.Wait(context.Background())
		require.NoError(t, err)
	}
	total := 0
	for _, f := range fr.flushes {
		total += len(f)
	}
	assert.Equal(t, 3, total)
}

func TestCoordinatorClose(t *testing.T) {
	gd := newGatedDownloader(t)
	fr := &flushRecorder{}
	c := NewCoordinator(gd, fr.flush, Config{MaxConcurrent: 1, FlushDelay: time.Hour}, zerolog.Nop())
	handles := c.EnqueueMessage("conv", testMessage(), message.DefaultMaxForwardDepth)
	c.Close()
	for _, h := range handles {
		_, err := h.Wait(context.Background())
		assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
	}
	assert.Zero(t, fr.count())
}
