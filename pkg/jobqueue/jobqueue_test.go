// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPerKeyOrdering(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	var lock sync.Mutex
	order := map[string][]int{}
	var jobs []*Job
	for i := range 50 {
		for _, key := range []string{"a", "b", "c"} {
			jobs = append(jobs, q.Enqueue(key, fmt.Sprintf("job-%d", i), func(ctx context.Context) error {
				lock.Lock()
				order[key] = append(order[key], i)
				lock.Unlock()
				return nil
			}))
		}
	}
	for _, job := range jobs {
		require.NoError(t, job.Wait(context.Background()))
	}
	for _, key := range []string{"a", "b", "c"} {
		require.Len(t, order[key], 50)
		for i, v := range order[key] {
			assert.Equal(t, i, v)
		}
	}
	assert.Zero(t, q.Pending("a"))
}

func TestNoInterleavingWithinKey(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Run(context.Background(), "conv", "mutate", func(ctx context.Context) error {
				n := running.Add(1)
				if n > maxRunning.Load() {
					maxRunning.Store(n)
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxRunning.Load())
}

func TestErrorsAndPanics(t *testing.T) {
	q := New(zerolog.Nop())
	defer q.Close()

	errBoom := errors.New("boom")
	var results []error
	q.OnJobDone = func(job *Job, err error) {
		results = append(results, err)
	}
	err := q.Run(context.Background(), "k", "fail", func(ctx context.Context) error {
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)

	err = q.Run(context.Background(), "k", "panic", func(ctx context.Context) error {
		panic("oops")
	})
	assert.ErrorContains(t, err, "panicked")

	err = q.Run(context.Background(), "k", "after", func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err, "queue keeps working after a panic")
	assert.Len(t, results, 3)
}

func TestClose(t *testing.T) {
	q := New(zerolog.Nop())
	started := make(chan struct{})
	first := q.Enqueue("k", "blocking", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	second := q.Enqueue("k", "never", func(ctx context.Context) error {
		t.Error("job ran after close")
		return nil
	})
	<-started
	q.Close()

	assert.ErrorIs(t, first.Wait(context.Background()), context.Canceled)
	assert.ErrorIs(t, second.Wait(context.Background()), ErrClosed)
	assert.ErrorIs(t, q.Enqueue("k", "late", nil).Wait(context.Background()), ErrClosed)
}
