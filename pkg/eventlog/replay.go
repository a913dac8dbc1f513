// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Stats counts what happened to the lines of an event file.
type Stats struct {
	Applied int
	// Invalid lines couldn't be decoded.
	Invalid int
	// Rejected events were decoded but the engine refused them.
	Rejected int
}

func (s *Stats) add(other Stats) {
	s.Applied += other.Applied
	s.Invalid += other.Invalid
	s.Rejected += other.Rejected
}

// processLine decodes and applies one line. Bad lines are logged and counted, they
// never stop the replay.
func processLine(ctx context.Context, h Handler, lineNo int, line []byte) Stats {
	if skipLine(line) {
		return Stats{}
	}
	log := zerolog.Ctx(ctx)
	evt, err := Decode(line)
	if err != nil {
		log.Warn().Err(err).Int("line", lineNo).Msg("Skipping invalid event")
		return Stats{Invalid: 1}
	}
	if err = Apply(ctx, h, evt); err != nil {
		log.Warn().Err(err).
			Int("line", lineNo).
			Str("event_type", evt.EventType()).
			Msg("Event was rejected")
		return Stats{Rejected: 1}
	}
	return Stats{Applied: 1}
}

// Replay applies every event read from r in order.
func Replay(ctx context.Context, r io.Reader, h Handler) (Stats, error) {
	var stats Stats
	reader := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			stats.add(processLine(ctx, h, lineNo, line))
		}
		if errors.Is(err, io.EOF) {
			return stats, nil
		} else if err != nil {
			return stats, fmt.Errorf("failed to read events: %w", err)
		}
	}
}

// ReplayFile applies every event in the file at path.
func ReplayFile(ctx context.Context, path string, h Handler) (Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stats{}, err
	}
	defer f.Close()
	return Replay(ctx, f, h)
}

type follower struct {
	path    string
	file    *os.File
	offset  int64
	partial []byte
	lineNo  int
	stats   Stats
}

func (fl *follower) open() error {
	f, err := os.Open(fl.path)
	if err != nil {
		return err
	}
	if fl.file != nil {
		_ = fl.file.Close()
	}
	fl.file = f
	fl.offset = 0
	fl.partial = nil
	return nil
}

// readNew applies every complete line appended since the last read. A trailing line
// without a newline is kept until the rest of it is written.
func (fl *follower) readNew(ctx context.Context, h Handler) error {
	info, err := os.Stat(fl.path)
	if err != nil {
		return err
	}
	if !os.SameFile(info, fileInfo(fl.file)) || info.Size() < fl.offset {
		zerolog.Ctx(ctx).Info().Str("path", fl.path).Msg("Event file was replaced or truncated, reading from the start")
		if err = fl.open(); err != nil {
			return err
		}
	}
	data, err := io.ReadAll(fl.file)
	if err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	fl.offset += int64(len(data))
	data = append(fl.partial, data...)
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		fl.lineNo++
		fl.stats.add(processLine(ctx, h, fl.lineNo, data[:idx]))
		data = data[idx+1:]
	}
	fl.partial = bytes.Clone(data)
	return nil
}

func fileInfo(f *os.File) os.FileInfo {
	if f == nil {
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	return info
}

// Follow applies the events already in the file at path, then keeps applying events
// as they are appended until ctx is cancelled. A replaced or truncated file is read
// again from the start.
func Follow(ctx context.Context, path string, h Handler) (Stats, error) {
	log := zerolog.Ctx(ctx).With().Str("path", path).Logger()
	ctx = log.WithContext(ctx)
	fl := &follower{path: path}
	if err := fl.open(); err != nil {
		return Stats{}, err
	}
	defer func() {
		_ = fl.file.Close()
	}()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	// Watch the directory so that the file being replaced is noticed too.
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return Stats{}, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	if err = fl.readNew(ctx, h); err != nil {
		return fl.stats, err
	}
	log.Info().Int("applied", fl.stats.Applied).Msg("Caught up with event file, following new events")

	target := filepath.Clean(path)
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return fl.stats, nil
			}
			if filepath.Clean(evt.Name) != target || !evt.Op.Has(fsnotify.Write) && !evt.Op.Has(fsnotify.Create) {
				continue
			}
			if err = fl.readNew(ctx, h); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				return fl.stats, err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fl.stats, nil
			}
			log.Warn().Err(err).Msg("File watcher error")
		case <-ctx.Done():
			return fl.stats, nil
		}
	}
}
