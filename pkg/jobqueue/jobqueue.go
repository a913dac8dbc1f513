// convsync - Message lifecycle and conversation window engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package jobqueue runs jobs one at a time per key, in the order they were enqueued.
//
// Every mutation of a conversation goes through its queue so that message state
// transitions never interleave. Different conversations run in parallel.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("job queue closed")

type Func func(ctx context.Context) error

type Job struct {
	Key  string
	Name string

	fn   Func
	done chan struct{}
	err  error
}

// Done is closed after the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job has finished or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Job) finish(err error) {
	j.err = err
	close(j.done)
}

type worker struct {
	pending []*Job
}

type Queue struct {
	log     zerolog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	lock    sync.Mutex
	workers map[string]*worker
	wg      sync.WaitGroup
	closed  bool

	// OnJobDone is called after every job with its result, e.g. for metrics.
	OnJobDone func(job *Job, err error)
}

func New(log zerolog.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		log:     log.With().Str("component", "jobqueue").Logger(),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

// Enqueue schedules fn to run after every job previously enqueued with the same key.
// A worker goroutine exists per key only while it has jobs.
func (q *Queue) Enqueue(key, name string, fn Func) *Job {
	job := &Job{Key: key, Name: name, fn: fn, done: make(chan struct{})}
	q.lock.Lock()
	defer q.lock.Unlock()
	if q.closed {
		job.finish(ErrClosed)
		return job
	}
	w, ok := q.workers[key]
	if ok {
		w.pending = append(w.pending, job)
		return job
	}
	w = &worker{pending: []*Job{job}}
	q.workers[key] = w
	q.wg.Add(1)
	go q.run(key, w)
	return job
}

// Run enqueues fn and waits for it to finish.
func (q *Queue) Run(ctx context.Context, key, name string, fn Func) error {
	return q.Enqueue(key, name, fn).Wait(ctx)
}

// Pending returns the number of queued or running jobs for a key.
func (q *Queue) Pending(key string) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	if w, ok := q.workers[key]; ok {
		return len(w.pending)
	}
	return 0
}

func (q *Queue) next(key string, w *worker) *Job {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(w.pending) == 0 {
		delete(q.workers, key)
		return nil
	}
	return w.pending[0]
}

func (q *Queue) pop(w *worker) {
	q.lock.Lock()
	w.pending[0] = nil
	w.pending = w.pending[1:]
	q.lock.Unlock()
}

func (q *Queue) run(key string, w *worker) {
	defer q.wg.Done()
	for {
		job := q.next(key, w)
		if job == nil {
			return
		}
		err := q.execute(job)
		q.pop(w)
		if q.OnJobDone != nil {
			q.OnJobDone(job, err)
		}
		job.finish(err)
	}
}

func (q *Queue) execute(job *Job) (err error) {
	log := q.log.With().Str("queue_key", job.Key).Str("job", job.Name).Logger()
	defer func() {
		if p := recover(); p != nil {
			log.Error().
				Bytes(zerolog.ErrorStackFieldName, debug.Stack()).
				Any(zerolog.ErrorFieldName, p).
				Msg("Job panicked")
			err = fmt.Errorf("job %s panicked: %v", job.Name, p)
		}
	}()
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	ctx := log.WithContext(q.ctx)
	err = job.fn(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Job failed")
	}
	return err
}

// Close rejects new jobs, cancels the context passed to running jobs and waits for
// workers to drain. Jobs that haven't started yet finish with ErrClosed.
func (q *Queue) Close() {
	q.lock.Lock()
	if q.closed {
		q.lock.Unlock()
		return
	}
	q.closed = true
	q.lock.Unlock()
	q.cancel()
	q.wg.Wait()
}
